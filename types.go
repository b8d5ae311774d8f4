package agora

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the portal backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ChatStatus is the lifecycle status of a chat session.
type ChatStatus string

const (
	ChatLoading         ChatStatus = "loading"
	ChatConnecting      ChatStatus = "connecting"
	ChatOnline          ChatStatus = "online"
	ChatError           ChatStatus = "error"
	ChatUnauthenticated ChatStatus = "unauthenticated"
)

// ChannelStatus is the lifecycle status of a push channel.
type ChannelStatus string

const (
	ChannelIdle       ChannelStatus = "idle"
	ChannelConnecting ChannelStatus = "connecting"
	ChannelOnline     ChannelStatus = "online"
	ChannelDegraded   ChannelStatus = "degraded"
	ChannelError      ChannelStatus = "error"
)

// PresenceStatus is a user or agent's liveness state.
type PresenceStatus string

const (
	PresenceOnline      PresenceStatus = "online"
	PresenceUnavailable PresenceStatus = "unavailable"
	PresenceOffline     PresenceStatus = "offline"
)

// ============================================================================
// Chat Types
// ============================================================================

// ChatMessage is a single chat message as rendered by a client.
// Identity is ID; two messages with the same ID are the same event.
type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	IsUser     bool      `json:"isUser"`
}

// RoomInfo describes a chat room.
type RoomInfo struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// BootstrapResult is returned by the session bootstrap endpoint. It carries
// the transport credentials a chat session needs before touching the
// messaging backend.
type BootstrapResult struct {
	TransportBaseURL string   `json:"transportBaseUrl"`
	ActorID          string   `json:"actorId"`
	ActorToken       string   `json:"actorToken"`
	DeviceID         string   `json:"deviceId"`
	RoomID           string   `json:"roomId"`
	RoomAlias        string   `json:"roomAlias"`
	Room             RoomInfo `json:"room"`
}

// TimelineEvent is a raw event from the room timeline.
type TimelineEvent struct {
	ID         string          `json:"eventId"`
	Type       string          `json:"type"`
	RoomID     string          `json:"roomId"`
	SenderID   string          `json:"senderId"`
	SenderName string          `json:"senderName,omitempty"`
	Timestamp  int64           `json:"originTs"` // milliseconds since epoch, server-assigned
	Content    json.RawMessage `json:"content,omitempty"`
}

// EventTypeMessage is the timeline event type carrying a chat message.
const EventTypeMessage = "room.message"

// MessageContent is the content of an EventTypeMessage timeline event.
type MessageContent struct {
	Body string `json:"body"`
}

// HistoryResult is a page of timeline events.
type HistoryResult struct {
	Chunk []TimelineEvent `json:"chunk"`
	Start string          `json:"start"`
	End   string          `json:"end"`
}

// SyncResult is the response of one long-poll sync request.
type SyncResult struct {
	NextCursor  string              `json:"nextCursor"`
	RoomsJoined map[string]SyncRoom `json:"roomsJoined"`
}

// SyncRoom is the per-room slice of a sync response.
type SyncRoom struct {
	Timeline SyncTimeline `json:"timeline"`
}

// SyncTimeline holds the new timeline events for one room.
type SyncTimeline struct {
	Events []TimelineEvent `json:"events"`
}

// SendResult is the acknowledgment of a sent message.
type SendResult struct {
	ConfirmedID string `json:"confirmedId"`
}

// ============================================================================
// Presence Types
// ============================================================================

// RoomPresence is the derived occupancy record for one room.
type RoomPresence struct {
	RoomSlug    string `json:"room_slug"`
	OnlineCount int    `json:"online_count"`
	TypingCount int    `json:"typing_count"`
}

// AgentPresence is a single agent's presence within a room.
type AgentPresence struct {
	AgentID  string         `json:"agent_id"`
	RoomSlug string         `json:"room_slug"`
	Status   PresenceStatus `json:"status"`
}

// PresenceReport is the body of a presence report call.
type PresenceReport struct {
	ActorID       string         `json:"actorId"`
	Status        PresenceStatus `json:"status"`
	StatusMessage string         `json:"statusMessage,omitempty"`
}

// ============================================================================
// Push Channel Frames
// ============================================================================

// Presence aggregation frame types (server to client).
const (
	FrameSnapshot     = "snapshot"
	FrameRoomPresence = "room.presence"
)

// presenceFrame is the wire format of the presence aggregation channel.
// The Type field tags which variant is populated; anything else is ignored.
type presenceFrame struct {
	Type        string         `json:"type"`
	Rooms       []RoomPresence `json:"rooms,omitempty"`
	RoomSlug    string         `json:"room_slug,omitempty"`
	OnlineCount int            `json:"online_count,omitempty"`
	TypingCount int            `json:"typing_count,omitempty"`
}

// Room push channel event names.
const (
	RoomEventMessage     = "room.message"
	RoomEventJoin        = "room.join"
	RoomEventLeave       = "room.leave"
	RoomEventMessageSend = "room.message.send"
	RoomEventPresence    = "presence.update"
	RoomEventPing        = "ping"
)

// RoomEvent is the wire format of the room push channel, both directions.
type RoomEvent struct {
	Event  string          `json:"event"`
	RoomID string          `json:"room_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RoomMessageData is the data payload of a RoomEventMessage frame.
type RoomMessageData struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Body       string `json:"body"`
	Timestamp  int64  `json:"timestamp"`
}
