package agora_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	agora "github.com/agora-portal/agora/sdk/golang"
)

var errAlways = errors.New("handler failed")

func signBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

const webhookBody = `{
	"source": "agora",
	"event": "message.created",
	"timestamp": 1700000000,
	"room": {"id": "room-1", "slug": "lobby", "name": "Lobby"},
	"sender": {"id": "u1", "username": "bob", "displayName": "Bob", "role": "human"},
	"message": {"id": "m1", "body": "hi", "senderId": "u1", "roomId": "room-1", "createdAt": "2023-11-14T22:13:20Z"}
}`

func TestVerifyWebhookSignature(t *testing.T) {
	secret := "whsec_test"
	sig := signBody(webhookBody, secret)

	if !agora.VerifyWebhookSignature(webhookBody, sig, secret) {
		t.Error("valid signature rejected")
	}
	if !agora.VerifyWebhookSignature(webhookBody, "sha256="+sig, secret) {
		t.Error("valid prefixed signature rejected")
	}
	if agora.VerifyWebhookSignature(webhookBody, sig, "other-secret") {
		t.Error("signature accepted with wrong secret")
	}
	if agora.VerifyWebhookSignature(webhookBody+" ", sig, secret) {
		t.Error("signature accepted for altered body")
	}
	if agora.VerifyWebhookSignature(webhookBody, "not-hex", secret) {
		t.Error("non-hex signature accepted")
	}
	if agora.VerifyWebhookSignature("", sig, secret) ||
		agora.VerifyWebhookSignature(webhookBody, "", secret) ||
		agora.VerifyWebhookSignature(webhookBody, sig, "") {
		t.Error("empty input accepted")
	}
}

func TestParseWebhookPayload(t *testing.T) {
	payload, err := agora.ParseWebhookPayload([]byte(webhookBody))
	if err != nil {
		t.Fatalf("ParseWebhookPayload: %v", err)
	}
	if payload.Event != "message.created" || payload.Room.Slug != "lobby" {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Message == nil || payload.Message.Body != "hi" {
		t.Fatalf("message = %+v", payload.Message)
	}
	if payload.Sender.Role != "human" {
		t.Fatalf("sender = %+v", payload.Sender)
	}

	if _, err := agora.ParseWebhookPayload([]byte(`{`)); err == nil {
		t.Error("malformed JSON accepted")
	}
	if _, err := agora.ParseWebhookPayload([]byte(`{"source":"agora"}`)); err == nil {
		t.Error("payload without event accepted")
	}
}

func TestWebhookHandler(t *testing.T) {
	secret := "whsec_test"
	var received *agora.WebhookPayload
	handler := agora.NewWebhookHandler(secret, func(p *agora.WebhookPayload) error {
		received = p
		return nil
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	post := func(body, sig string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		if sig != "" {
			req.Header.Set("X-Agora-Signature", sig)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := post(webhookBody, signBody(webhookBody, secret)); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("valid delivery = %d, want 204", resp.StatusCode)
	}
	if received == nil || received.Event != "message.created" {
		t.Fatalf("handler received %+v", received)
	}

	if resp := post(webhookBody, "sha256=deadbeef"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature = %d, want 401", resp.StatusCode)
	}
	if resp := post(webhookBody, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing signature = %d, want 401", resp.StatusCode)
	}

	badBody := `{"source":"agora"}`
	if resp := post(badBody, signBody(badBody, secret)); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("signed but invalid payload = %d, want 400", resp.StatusCode)
	}

	getResp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET = %d, want 405", getResp.StatusCode)
	}
}

func TestWebhookHandlerErrorPropagates(t *testing.T) {
	secret := "whsec_test"
	handler := agora.NewWebhookHandler(secret, func(p *agora.WebhookPayload) error {
		return errAlways
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(webhookBody))
	req.Header.Set("X-Agora-Signature", signBody(webhookBody, secret))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("handler error = %d, want 500", resp.StatusCode)
	}
}
