package agora

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Chat Channel Session
// ============================================================================

// SessionConfig configures a ChatChannelSession.
type SessionConfig struct {
	// HistoryLimit is how many recent messages Initialize fetches.
	HistoryLimit int
	// SyncTimeout is the server-side wait budget of each long-poll request.
	SyncTimeout time.Duration
	// RetryDelay is the fixed pause before retrying a failed sync request.
	RetryDelay time.Duration
	// TypingIdle is the trailing inactivity window after which a typing-stop
	// signal is emitted.
	TypingIdle time.Duration
	Clock      Clock
	Logger     *slog.Logger
}

func (c *SessionConfig) defaults() {
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 50
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = 30 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.TypingIdle == 0 {
		c.TypingIdle = 3 * time.Second
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ErrNoCredential is returned by Initialize when the client carries no auth
// credential; no network calls are attempted in that case.
var ErrNoCredential = errors.New("no auth credential")

// ErrSessionClosed is returned by operations on a torn-down session.
var ErrSessionClosed = errors.New("session closed")

// ChatChannelSession owns one room's chat context: it bootstraps the room,
// fetches recent history, then continuously long-polls for new events,
// delivering them in arrival order with at-most-once semantics per event id.
type ChatChannelSession struct {
	client *Client
	cfg    SessionConfig
	state  *StateMachine[ChatStatus]

	mu           sync.Mutex
	room         RoomInfo
	actorID      string
	cursor       string
	delivered    map[string]struct{}
	messages     []ChatMessage
	cancel       context.CancelFunc
	closed       bool
	typingTimer  Timer
	typingActive bool

	onMessage   []func(ChatMessage)
	onConfirmed []func(localID string, msg ChatMessage)
	onFailed    []func(localID string)
}

// NewChatChannelSession creates a session bound to client. cfg may be nil.
func NewChatChannelSession(client *Client, cfg *SessionConfig) *ChatChannelSession {
	var c SessionConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &ChatChannelSession{
		client:    client,
		cfg:       c,
		state:     NewStateMachine(ChatLoading),
		delivered: make(map[string]struct{}),
	}
}

// OnMessage registers a delivery callback for new messages. The callback
// fires at most once per event id within the session.
func (s *ChatChannelSession) OnMessage(h func(ChatMessage)) {
	s.mu.Lock()
	s.onMessage = append(s.onMessage, h)
	s.mu.Unlock()
}

// OnMessageConfirmed registers a callback for optimistic messages whose
// temporary id has been swapped for the server-assigned one. The message
// keeps its list position.
func (s *ChatChannelSession) OnMessageConfirmed(h func(localID string, msg ChatMessage)) {
	s.mu.Lock()
	s.onConfirmed = append(s.onConfirmed, h)
	s.mu.Unlock()
}

// OnMessageFailed registers a callback for optimistic messages rolled back
// after a send failure.
func (s *ChatChannelSession) OnMessageFailed(h func(localID string)) {
	s.mu.Lock()
	s.onFailed = append(s.onFailed, h)
	s.mu.Unlock()
}

// OnStatus registers a connection status listener.
func (s *ChatChannelSession) OnStatus(h func(ChatStatus, string)) func() {
	return s.state.OnChange(h)
}

// Status returns the current connection status.
func (s *ChatChannelSession) Status() ChatStatus {
	return s.state.Current()
}

// StatusDetail returns the human-readable message recorded with an error
// status.
func (s *ChatChannelSession) StatusDetail() string {
	return s.state.Detail()
}

// Room returns the room metadata acquired during Initialize.
func (s *ChatChannelSession) Room() RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Messages returns a snapshot of the local message list in arrival order.
func (s *ChatChannelSession) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatMessage{}, s.messages...)
}

// Initialize bootstraps the room, joins it, loads recent history, acquires a
// starting cursor, and starts the sync loop. Any failure before reaching the
// online status is recorded on the session's status and returned.
func (s *ChatChannelSession) Initialize(ctx context.Context, roomSlug string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	if !s.client.HasCredential() {
		s.state.Fail(ChatUnauthenticated, "no auth credential")
		return ErrNoCredential
	}

	s.state.Set(ChatLoading)
	boot, err := s.client.Chat().Bootstrap(ctx, roomSlug)
	if err != nil {
		s.state.Fail(ChatError, "could not start chat session")
		return err
	}

	s.mu.Lock()
	s.room = boot.Room
	if s.room.ID == "" {
		s.room.ID = boot.RoomID
	}
	s.actorID = boot.ActorID
	roomID := s.room.ID
	s.mu.Unlock()

	s.state.Set(ChatConnecting)
	if err := s.client.Chat().Join(ctx, roomID); err != nil {
		s.state.Fail(ChatError, "could not join room")
		return err
	}

	hist, err := s.client.Chat().History(ctx, roomID, HistoryBackward, s.cfg.HistoryLimit)
	if err != nil {
		s.state.Fail(ChatError, "could not load recent messages")
		return err
	}
	// Backward pages arrive newest-first; reverse to chronological order.
	for i := len(hist.Chunk) - 1; i >= 0; i-- {
		if msg, ok := s.mapEvent(hist.Chunk[i]); ok {
			s.deliver(msg)
		}
	}

	// A zero-timeout sync returns immediately with the current cursor.
	initial, err := s.client.Chat().Sync(ctx, "", 0)
	if err != nil {
		s.state.Fail(ChatError, "could not acquire sync cursor")
		return err
	}
	s.applySync(initial)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrSessionClosed
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.state.Set(ChatOnline)
	go s.syncLoop(loopCtx)
	return nil
}

// syncLoop long-polls until the session is torn down. It never issues a
// second request before the previous one settles, and it never terminates
// itself except by explicit cancellation: failures log, wait a fixed delay,
// and retry with the cursor unchanged.
func (s *ChatChannelSession) syncLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		cursor := s.cursor
		s.mu.Unlock()

		res, err := s.client.Chat().Sync(ctx, cursor, s.cfg.SyncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var statusErr *HTTPStatusError
			if errors.As(err, &statusErr) {
				s.cfg.Logger.Warn("sync returned non-success status, will retry",
					"status", statusErr.StatusCode, "room", s.Room().Slug)
			} else {
				s.cfg.Logger.Warn("sync request failed, will retry",
					"error", err, "room", s.Room().Slug)
			}
			if !s.wait(ctx, s.cfg.RetryDelay) {
				return
			}
			continue
		}
		s.applySync(res)
	}
}

// wait blocks for d or until ctx is cancelled; it reports whether the full
// delay elapsed.
func (s *ChatChannelSession) wait(ctx context.Context, d time.Duration) bool {
	done := make(chan struct{})
	t := s.cfg.Clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

// applySync advances the cursor and delivers this room's new message events.
func (s *ChatChannelSession) applySync(res *SyncResult) {
	s.mu.Lock()
	if res.NextCursor != "" {
		s.cursor = res.NextCursor
	}
	roomID := s.room.ID
	s.mu.Unlock()

	room, ok := res.RoomsJoined[roomID]
	if !ok {
		return
	}
	for _, ev := range room.Timeline.Events {
		if msg, ok := s.mapEvent(ev); ok {
			s.deliver(msg)
		}
	}
}

// mapEvent translates a timeline event into a ChatMessage. Non-message
// events and events for other rooms are skipped.
func (s *ChatChannelSession) mapEvent(ev TimelineEvent) (ChatMessage, bool) {
	s.mu.Lock()
	roomID := s.room.ID
	actorID := s.actorID
	s.mu.Unlock()

	if ev.Type != EventTypeMessage {
		return ChatMessage{}, false
	}
	if ev.RoomID != "" && ev.RoomID != roomID {
		return ChatMessage{}, false
	}
	var content MessageContent
	if len(ev.Content) > 0 {
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			s.cfg.Logger.Warn("skipping malformed message event", "eventId", ev.ID, "error", err)
			return ChatMessage{}, false
		}
	}
	name := ev.SenderName
	if name == "" {
		name = ev.SenderID
	}
	return ChatMessage{
		ID:         ev.ID,
		SenderID:   ev.SenderID,
		SenderName: name,
		Text:       content.Body,
		Timestamp:  time.UnixMilli(ev.Timestamp),
		IsUser:     ev.SenderID == actorID,
	}, true
}

// deliver appends msg and notifies listeners unless its id has already been
// delivered this session.
func (s *ChatChannelSession) deliver(msg ChatMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.delivered[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.delivered[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	handlers := append([]func(ChatMessage){}, s.onMessage...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// SendMessage appends an optimistic message immediately, then issues the
// send request. On success the temporary id is swapped in place for the
// server-assigned one; on failure the optimistic message is removed and the
// error is returned for UI handling.
func (s *ChatChannelSession) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	roomID := s.room.ID
	actorID := s.actorID
	s.mu.Unlock()

	s.clearTyping()

	localID := "local-" + uuid.NewString()
	s.deliver(ChatMessage{
		ID:        localID,
		SenderID:  actorID,
		Text:      text,
		Timestamp: s.cfg.Clock.Now(),
		IsUser:    true,
	})

	res, err := s.client.Chat().Send(ctx, roomID, text)
	if err != nil {
		s.rollback(localID)
		return err
	}
	s.confirm(localID, res.ConfirmedID)
	return nil
}

// confirm swaps the optimistic message's temporary id for confirmedID,
// keeping its list position. The confirmed id joins the delivered set so a
// later sync echo of the same event is not delivered twice. If the sync
// loop already delivered the confirmed event while the send response was
// in flight, that copy is canonical and the optimistic entry is dropped,
// so no id ever appears twice in the list.
func (s *ChatChannelSession) confirm(localID, confirmedID string) {
	s.mu.Lock()
	var updated ChatMessage
	found := false
	if _, echoed := s.delivered[confirmedID]; echoed {
		for i := range s.messages {
			if s.messages[i].ID == localID {
				s.messages = append(s.messages[:i], s.messages[i+1:]...)
				break
			}
		}
		delete(s.delivered, localID)
		for i := range s.messages {
			if s.messages[i].ID == confirmedID {
				updated = s.messages[i]
				found = true
				break
			}
		}
	} else {
		for i := range s.messages {
			if s.messages[i].ID == localID {
				s.messages[i].ID = confirmedID
				updated = s.messages[i]
				found = true
				break
			}
		}
		if found {
			s.delivered[confirmedID] = struct{}{}
		}
	}
	handlers := append([]func(string, ChatMessage){}, s.onConfirmed...)
	s.mu.Unlock()

	if !found {
		return
	}
	for _, h := range handlers {
		h(localID, updated)
	}
}

// rollback removes a failed optimistic message, restoring the pre-send list.
func (s *ChatChannelSession) rollback(localID string) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == localID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	delete(s.delivered, localID)
	handlers := append([]func(string){}, s.onFailed...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(localID)
	}
}

// NotifyTyping emits a typing-start signal immediately and arms a trailing
// timer that emits typing-stop after the idle window. Every call resets the
// trailing timer.
func (s *ChatChannelSession) NotifyTyping() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	first := !s.typingActive
	s.typingActive = true
	if s.typingTimer == nil {
		s.typingTimer = s.cfg.Clock.AfterFunc(s.cfg.TypingIdle, s.typingExpired)
	} else {
		s.typingTimer.Reset(s.cfg.TypingIdle)
	}
	roomID := s.room.ID
	s.mu.Unlock()

	if first {
		go s.signalTyping(roomID, true)
	}
}

func (s *ChatChannelSession) typingExpired() {
	s.mu.Lock()
	if s.closed || !s.typingActive {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	roomID := s.room.ID
	s.mu.Unlock()

	go s.signalTyping(roomID, false)
}

// clearTyping cancels the trailing timer and, if a typing-start signal was
// outstanding, emits the matching stop.
func (s *ChatChannelSession) clearTyping() {
	s.mu.Lock()
	wasTyping := s.typingActive
	s.typingActive = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	roomID := s.room.ID
	s.mu.Unlock()

	if wasTyping {
		go s.signalTyping(roomID, false)
	}
}

// signalTyping is fire-and-forget; failures are logged only.
func (s *ChatChannelSession) signalTyping(roomID string, isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Chat().Typing(ctx, roomID, isTyping); err != nil {
		s.cfg.Logger.Debug("typing signal failed", "room", roomID, "isTyping", isTyping, "error", err)
	}
}

// Teardown aborts the in-flight long-poll, clears pending timers, and
// detaches all callbacks. Safe to call multiple times.
func (s *ChatChannelSession) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.cancel = nil
	timer := s.typingTimer
	s.typingTimer = nil
	wasTyping := s.typingActive
	s.typingActive = false
	roomID := s.room.ID
	s.onMessage = nil
	s.onConfirmed = nil
	s.onFailed = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if timer != nil {
		timer.Stop()
	}
	if wasTyping {
		go s.signalTyping(roomID, false)
	}
}

// String identifies the session in logs.
func (s *ChatChannelSession) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("session(%s)", s.room.Slug)
}
