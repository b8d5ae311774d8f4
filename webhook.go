package agora

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Delivery
// ============================================================================

// WebhookPayload is the body of a signed room-event delivery POSTed to a
// subscriber endpoint when no push channel is open.
type WebhookPayload struct {
	Source    string          `json:"source"`
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Room      RoomInfo        `json:"room"`
	Sender    WebhookSender   `json:"sender"`
	Message   *WebhookMessage `json:"message,omitempty"`
}

// WebhookMessage is the message portion of a delivery.
type WebhookMessage struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	SenderID  string `json:"senderId"`
	RoomID    string `json:"roomId"`
	CreatedAt string `json:"createdAt"`
}

// WebhookSender identifies the originating user or agent.
type WebhookSender struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"` // "human" or "agent"
}

// WebhookHandlerFunc handles a verified webhook payload.
type WebhookHandlerFunc func(payload *WebhookPayload) error

// VerifyWebhookSignature checks an HMAC-SHA256 delivery signature using
// constant-time comparison. The "sha256=" prefix is optional.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(expected)
	return hmac.Equal(got, want)
}

// ParseWebhookPayload decodes a delivery body.
func ParseWebhookPayload(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("webhook payload missing event")
	}
	return &payload, nil
}

// NewWebhookHandler returns an http.Handler that verifies the delivery
// signature against secret, parses the payload, and invokes handler.
// Unverifiable requests are rejected with 401, malformed ones with 400.
func NewWebhookHandler(secret string, handler WebhookHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		sig := r.Header.Get("X-Agora-Signature")
		if !VerifyWebhookSignature(string(body), sig, secret) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		payload, err := ParseWebhookPayload(body)
		if err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if err := handler(payload); err != nil {
			http.Error(w, "handler error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
