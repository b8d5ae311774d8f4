package agora

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Room Chat Socket
// ============================================================================

// RoomSocketConfig configures a RoomChatSocket.
type RoomSocketConfig struct {
	// URL is the websocket endpoint of the room push channel.
	URL string
	// MaxReconnectAttempts bounds consecutive reconnects before the socket
	// goes terminal and waits for an explicit Connect.
	MaxReconnectAttempts int
	// ReconnectBaseDelay is doubled for each consecutive attempt.
	ReconnectBaseDelay time.Duration
	// PingInterval is the heartbeat period while connected.
	PingInterval time.Duration
	HTTPClient   *http.Client
	Clock        Clock
	Logger       *slog.Logger
}

func (c *RoomSocketConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RoomChatSocket is a push-channel client bound to one room, carrying its
// message, join/leave and presence events. Drops reconnect with bounded
// exponential backoff; once attempts are exhausted the socket stays closed
// until Connect is called again.
type RoomChatSocket struct {
	cfg   RoomSocketConfig
	state *StateMachine[ChannelStatus]

	mu                sync.Mutex
	roomID            string
	conn              *websocket.Conn
	cancel            context.CancelFunc
	reconnectAttempts int
	reconnectTimer    Timer
	closedByUser      bool

	handlers        []func(RoomEvent)
	messageHandlers []func(ChatMessage)
}

// NewRoomChatSocket creates a room socket. No connection is opened until
// Connect.
func NewRoomChatSocket(cfg RoomSocketConfig) *RoomChatSocket {
	cfg.defaults()
	return &RoomChatSocket{
		cfg:   cfg,
		state: NewStateMachine(ChannelIdle),
	}
}

// Status returns the channel status.
func (r *RoomChatSocket) Status() ChannelStatus {
	return r.state.Current()
}

// OnStatus registers a channel status listener.
func (r *RoomChatSocket) OnStatus(h func(ChannelStatus, string)) func() {
	return r.state.OnChange(h)
}

// OnEvent registers a generic handler invoked for every dispatched frame.
func (r *RoomChatSocket) OnEvent(h func(RoomEvent)) {
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
}

// OnMessage registers a handler for chat message frames specifically.
func (r *RoomChatSocket) OnMessage(h func(ChatMessage)) {
	r.mu.Lock()
	r.messageHandlers = append(r.messageHandlers, h)
	r.mu.Unlock()
}

// ReconnectAttempts returns the consecutive failed attempt count.
func (r *RoomChatSocket) ReconnectAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnectAttempts
}

// Connect opens the channel for roomID and sends the room join control
// message. Calling Connect while connected to a different room sends a
// leave for the old room, closes, and reopens for the new one. An explicit
// Connect also clears a terminal give-up state.
func (r *RoomChatSocket) Connect(ctx context.Context, roomID string) error {
	r.mu.Lock()
	r.closedByUser = false
	r.reconnectAttempts = 0
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	if r.conn != nil {
		if r.roomID == roomID {
			r.mu.Unlock()
			return nil
		}
		// Room switch: leave the old room and drop the old channel before
		// reopening.
		old := r.conn
		oldRoom := r.roomID
		r.conn = nil
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
		r.mu.Unlock()
		r.sendOn(old, RoomEvent{Event: RoomEventLeave, RoomID: oldRoom})
		old.Close(websocket.StatusNormalClosure, "room switch")
	} else {
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.roomID = roomID
	r.mu.Unlock()
	return r.dial(ctx, roomID)
}

// dial opens one connection attempt. Failures schedule a backoff retry
// (bounded) and are returned to the caller.
func (r *RoomChatSocket) dial(ctx context.Context, roomID string) error {
	r.state.Set(ChannelConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, r.cfg.URL, &websocket.DialOptions{
		HTTPClient: r.cfg.HTTPClient,
	})
	if err != nil {
		r.mu.Lock()
		terminal := !r.scheduleRetryLocked(roomID)
		r.mu.Unlock()
		if terminal {
			r.state.Fail(ChannelError, "reconnect attempts exhausted")
		} else {
			r.state.Fail(ChannelDegraded, "room channel unavailable")
		}
		return fmt.Errorf("room socket dial: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.closedByUser {
		r.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	r.conn = conn
	r.cancel = connCancel
	r.reconnectAttempts = 0
	r.mu.Unlock()

	r.state.Set(ChannelOnline)
	r.sendOn(conn, RoomEvent{Event: RoomEventJoin, RoomID: roomID})
	go r.readLoop(connCtx, conn)
	go r.pingLoop(connCtx, conn)
	return nil
}

// SendChatMessage sends a chat message over the push channel.
func (r *RoomChatSocket) SendChatMessage(ctx context.Context, body string) error {
	r.mu.Lock()
	conn := r.conn
	roomID := r.roomID
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("room socket not connected")
	}
	data, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(RoomEvent{Event: RoomEventMessageSend, RoomID: roomID, Data: data})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// Disconnect closes the channel and cancels any pending reconnect. Safe to
// call multiple times.
func (r *RoomChatSocket) Disconnect() {
	r.mu.Lock()
	r.closedByUser = true
	conn := r.conn
	roomID := r.roomID
	r.conn = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	r.mu.Unlock()

	if conn != nil {
		r.sendOn(conn, RoomEvent{Event: RoomEventLeave, RoomID: roomID})
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	r.state.Set(ChannelIdle)
}

func (r *RoomChatSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			r.handleDrop(ctx, conn)
			return
		}
		r.dispatch(data)
	}
}

func (r *RoomChatSocket) handleDrop(ctx context.Context, conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	intentional := ctx.Err() != nil
	r.conn = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.closedByUser || intentional {
		r.mu.Unlock()
		r.state.Set(ChannelIdle)
		return
	}
	roomID := r.roomID
	terminal := !r.scheduleRetryLocked(roomID)
	r.mu.Unlock()

	if terminal {
		r.state.Fail(ChannelError, "reconnect attempts exhausted")
	} else {
		r.state.Fail(ChannelDegraded, "room channel dropped")
	}
}

// scheduleRetryLocked arms the next backoff attempt; delay doubles per
// consecutive attempt (1x, 2x, 4x, ...). Reports false once attempts are
// exhausted. Callers hold r.mu.
func (r *RoomChatSocket) scheduleRetryLocked(roomID string) bool {
	if r.reconnectAttempts >= r.cfg.MaxReconnectAttempts {
		return false
	}
	r.reconnectAttempts++
	delay := r.cfg.ReconnectBaseDelay << (r.reconnectAttempts - 1)
	r.cfg.Logger.Info("room socket reconnect scheduled",
		"room", roomID, "attempt", r.reconnectAttempts, "delay", delay)
	r.reconnectTimer = r.cfg.Clock.AfterFunc(delay, func() {
		r.mu.Lock()
		r.reconnectTimer = nil
		if r.closedByUser || r.conn != nil {
			r.mu.Unlock()
			return
		}
		room := r.roomID
		r.mu.Unlock()
		_ = r.dial(context.Background(), room)
	})
	return true
}

func (r *RoomChatSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := r.cfg.Clock.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.mu.Lock()
			roomID := r.roomID
			r.mu.Unlock()
			payload, _ := json.Marshal(RoomEvent{Event: RoomEventPing, RoomID: roomID})
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				r.cfg.Logger.Debug("room socket heartbeat failed", "error", err)
				return
			}
		}
	}
}

// dispatch parses one frame and routes it: chat messages reach the
// specialized handlers plus the generic set, known control events reach the
// generic set, anything else is logged only.
func (r *RoomChatSocket) dispatch(data []byte) {
	var ev RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.cfg.Logger.Warn("ignoring malformed room frame", "error", err)
		return
	}

	r.mu.Lock()
	generic := append([]func(RoomEvent){}, r.handlers...)
	specialized := append([]func(ChatMessage){}, r.messageHandlers...)
	r.mu.Unlock()

	switch ev.Event {
	case RoomEventMessage:
		var md RoomMessageData
		if err := json.Unmarshal(ev.Data, &md); err != nil {
			r.cfg.Logger.Warn("ignoring malformed room message", "error", err)
			return
		}
		name := md.SenderName
		if name == "" {
			name = md.SenderID
		}
		msg := ChatMessage{
			ID:         md.ID,
			SenderID:   md.SenderID,
			SenderName: name,
			Text:       md.Body,
			Timestamp:  time.UnixMilli(md.Timestamp),
		}
		for _, h := range specialized {
			h(msg)
		}
	case RoomEventJoin, RoomEventLeave, RoomEventPresence:
		// Generic handlers below.
	default:
		r.cfg.Logger.Debug("ignoring unknown room event", "event", ev.Event)
		return
	}

	for _, h := range generic {
		h(ev)
	}
}

// sendOn writes a control frame on conn with a short deadline; used for
// join/leave where failure is not fatal.
func (r *RoomChatSocket) sendOn(conn *websocket.Conn, ev RoomEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		r.cfg.Logger.Debug("room control frame failed", "event", ev.Event, "error", err)
	}
}
