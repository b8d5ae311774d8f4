package agora

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Presence Aggregator Client
// ============================================================================

// PresenceListener receives the full presence view after every change,
// keyed by room slug.
type PresenceListener func(rooms map[string]RoomPresence)

// AggregatorConfig configures a PresenceAggregatorClient.
type AggregatorConfig struct {
	// URL is the websocket endpoint of the presence aggregation channel.
	URL string
	// PingInterval is the keepalive period while the channel is open.
	PingInterval time.Duration
	// ReconnectDelay is the fixed pause before the single scheduled
	// reconnect after a drop.
	ReconnectDelay time.Duration
	HTTPClient     *http.Client
	Clock          Clock
	Logger         *slog.Logger
}

func (c *AggregatorConfig) defaults() {
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
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

// PresenceAggregatorClient maintains one shared live view of presence
// across rooms, fed by a snapshot + incremental push protocol, and fans it
// out to any number of listeners. The underlying channel is reference
// counted: the first subscriber establishes it and the last unsubscribe
// tears it down.
type PresenceAggregatorClient struct {
	cfg   AggregatorConfig
	state *StateMachine[ChannelStatus]

	mu             sync.Mutex
	conn           *websocket.Conn
	cancel         context.CancelFunc
	connecting     bool
	rooms          map[string]RoomPresence
	listeners      map[int]PresenceListener
	nextID         int
	reconnectTimer Timer
}

// NewPresenceAggregatorClient creates an aggregator client. It opens no
// connection until the first Subscribe.
func NewPresenceAggregatorClient(cfg AggregatorConfig) *PresenceAggregatorClient {
	cfg.defaults()
	return &PresenceAggregatorClient{
		cfg:       cfg,
		state:     NewStateMachine(ChannelIdle),
		rooms:     make(map[string]RoomPresence),
		listeners: make(map[int]PresenceListener),
	}
}

// Status returns the channel status.
func (a *PresenceAggregatorClient) Status() ChannelStatus {
	return a.state.Current()
}

// OnStatus registers a channel status listener.
func (a *PresenceAggregatorClient) OnStatus(h func(ChannelStatus, string)) func() {
	return a.state.OnChange(h)
}

// Rooms returns a copy of the current presence view.
func (a *PresenceAggregatorClient) Rooms() map[string]RoomPresence {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyRooms(a.rooms)
}

// Subscribe registers a listener, immediately replays the current known
// state if non-empty, and ensures the channel is connecting. The returned
// function unsubscribes; when it drops the last listener the channel is
// torn down entirely.
func (a *PresenceAggregatorClient) Subscribe(fn PresenceListener) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners[id] = fn
	snapshot := copyRooms(a.rooms)
	a.mu.Unlock()

	if len(snapshot) > 0 {
		safeNotify(fn, snapshot)
	}
	a.ensureConnected()

	return func() {
		a.mu.Lock()
		if _, ok := a.listeners[id]; !ok {
			a.mu.Unlock()
			return
		}
		delete(a.listeners, id)
		last := len(a.listeners) == 0
		a.mu.Unlock()
		if last {
			a.teardown()
		}
	}
}

// ensureConnected starts a dial unless the channel is already open or
// opening. Connecting is idempotent.
func (a *PresenceAggregatorClient) ensureConnected() {
	a.mu.Lock()
	if a.conn != nil || a.connecting {
		a.mu.Unlock()
		return
	}
	a.connecting = true
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	a.state.Set(ChannelConnecting)
	go a.dial(ctx)
}

func (a *PresenceAggregatorClient) dial(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, a.cfg.URL, &websocket.DialOptions{
		HTTPClient: a.cfg.HTTPClient,
	})

	a.mu.Lock()
	a.connecting = false
	if len(a.listeners) == 0 || ctx.Err() != nil {
		// Torn down while dialing.
		a.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "no listeners")
		}
		return
	}
	if err != nil {
		if a.cancel != nil {
			a.cancel()
			a.cancel = nil
		}
		a.scheduleReconnectLocked()
		a.mu.Unlock()
		a.cfg.Logger.Warn("presence channel dial failed", "error", err)
		a.state.Fail(ChannelDegraded, "presence channel unavailable")
		return
	}
	a.conn = conn
	a.mu.Unlock()

	a.state.Set(ChannelOnline)
	go a.readLoop(ctx, conn)
	go a.pingLoop(ctx, conn)
}

func (a *PresenceAggregatorClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			a.handleDrop(ctx, conn)
			return
		}
		a.handleFrame(data)
	}
}

// handleDrop reacts to a closed channel: while listeners remain, exactly
// one reconnect is scheduled after the fixed delay.
func (a *PresenceAggregatorClient) handleDrop(ctx context.Context, conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn != conn {
		// A teardown or a newer connection already superseded this one.
		a.mu.Unlock()
		return
	}
	intentional := ctx.Err() != nil
	a.conn = nil
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if len(a.listeners) == 0 || intentional {
		a.mu.Unlock()
		a.state.Set(ChannelIdle)
		return
	}
	a.scheduleReconnectLocked()
	a.mu.Unlock()

	a.state.Fail(ChannelDegraded, "presence channel dropped")
}

// scheduleReconnectLocked arms the single pending reconnect timer. Callers
// hold a.mu.
func (a *PresenceAggregatorClient) scheduleReconnectLocked() {
	if a.reconnectTimer != nil {
		return
	}
	a.reconnectTimer = a.cfg.Clock.AfterFunc(a.cfg.ReconnectDelay, func() {
		a.mu.Lock()
		a.reconnectTimer = nil
		empty := len(a.listeners) == 0
		a.mu.Unlock()
		if empty {
			return
		}
		a.ensureConnected()
	})
}

// pingLoop sends a keepalive frame at a fixed interval while the channel is
// open. Write failures are left for the read loop to surface.
func (a *PresenceAggregatorClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := a.cfg.Clock.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				a.cfg.Logger.Debug("presence keepalive failed", "error", err)
				return
			}
		}
	}
}

// handleFrame applies one push frame. Malformed or unknown frames are
// absorbed: logged, never propagated to listeners.
func (a *PresenceAggregatorClient) handleFrame(data []byte) {
	var frame presenceFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		a.cfg.Logger.Warn("ignoring malformed presence frame", "error", err)
		return
	}

	a.mu.Lock()
	switch frame.Type {
	case FrameSnapshot:
		// Replace the entire view atomically.
		next := make(map[string]RoomPresence, len(frame.Rooms))
		for _, r := range frame.Rooms {
			next[r.RoomSlug] = r
		}
		a.rooms = next
	case FrameRoomPresence:
		if frame.RoomSlug == "" {
			a.mu.Unlock()
			a.cfg.Logger.Warn("ignoring presence frame without room_slug")
			return
		}
		a.rooms[frame.RoomSlug] = RoomPresence{
			RoomSlug:    frame.RoomSlug,
			OnlineCount: frame.OnlineCount,
			TypingCount: frame.TypingCount,
		}
	default:
		a.mu.Unlock()
		a.cfg.Logger.Debug("ignoring unknown presence frame", "type", frame.Type)
		return
	}
	snapshot := copyRooms(a.rooms)
	listeners := make([]PresenceListener, 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	for _, fn := range listeners {
		safeNotify(fn, snapshot)
	}
}

// teardown closes the channel and cancels pending timers. Idempotent; runs
// when the listener count reaches zero.
func (a *PresenceAggregatorClient) teardown() {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.connecting = false
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	a.rooms = make(map[string]RoomPresence)
	a.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "no listeners")
	}
	a.state.Set(ChannelIdle)
}

func copyRooms(rooms map[string]RoomPresence) map[string]RoomPresence {
	out := make(map[string]RoomPresence, len(rooms))
	for k, v := range rooms {
		out[k] = v
	}
	return out
}

// safeNotify shields the channel from listener panics.
func safeNotify(fn PresenceListener, rooms map[string]RoomPresence) {
	defer func() { _ = recover() }()
	fn(rooms)
}
