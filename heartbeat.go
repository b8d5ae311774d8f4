package agora

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Presence Heartbeat Controller
// ============================================================================

// ReportFunc is the presence report transport. Each call is an independent
// network call; failures are logged by the controller and never retried,
// since the next tick re-attempts the correct state.
type ReportFunc func(ctx context.Context, status PresenceStatus) error

// HeartbeatConfig configures a PresenceHeartbeatController.
type HeartbeatConfig struct {
	// Interval is the tick period between scheduled reports.
	Interval time.Duration
	// AwayAfter is the inactivity window after which the controller reports
	// unavailable.
	AwayAfter time.Duration
	Clock     Clock
	Logger    *slog.Logger
}

func (c *HeartbeatConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.AwayAfter == 0 {
		c.AwayAfter = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// PresenceHeartbeatController reports liveness on a timer and reacts to
// activity and visibility changes. All transport calls are fire-and-forget;
// the controller never blocks its caller.
type PresenceHeartbeatController struct {
	report ReportFunc
	cfg    HeartbeatConfig

	mu           sync.Mutex
	current      PresenceStatus
	lastActivity time.Time
	stopCh       chan struct{}
	started      bool
	stopped      bool
}

// NewPresenceHeartbeatController creates a controller that delivers reports
// through report. cfg may be nil.
func NewPresenceHeartbeatController(report ReportFunc, cfg *HeartbeatConfig) *PresenceHeartbeatController {
	var c HeartbeatConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &PresenceHeartbeatController{
		report: report,
		cfg:    c,
		stopCh: make(chan struct{}),
	}
}

// Start records an initial activity timestamp, reports online, and begins
// the tick loop. Calling Start twice is a no-op.
func (h *PresenceHeartbeatController) Start() {
	h.mu.Lock()
	if h.started || h.stopped {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.lastActivity = h.cfg.Clock.Now()
	h.mu.Unlock()

	h.setAndReport(PresenceOnline)
	go h.tickLoop()
}

func (h *PresenceHeartbeatController) tickLoop() {
	ticker := h.cfg.Clock.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C():
			h.tick()
		}
	}
}

// tick reports unavailable once the inactivity window is exceeded, and
// otherwise re-reports online so the remote mirror stays fresh.
func (h *PresenceHeartbeatController) tick() {
	h.mu.Lock()
	idle := h.cfg.Clock.Now().Sub(h.lastActivity)
	current := h.current
	h.mu.Unlock()

	if idle > h.cfg.AwayAfter {
		if current != PresenceUnavailable {
			h.setAndReport(PresenceUnavailable)
		}
		return
	}
	h.setAndReport(PresenceOnline)
}

// HandleActivity records user activity (pointer, keyboard, touch, scroll).
// If the controller had gone unavailable it reports online immediately
// instead of waiting for the next tick.
func (h *PresenceHeartbeatController) HandleActivity() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.lastActivity = h.cfg.Clock.Now()
	wasAway := h.current == PresenceUnavailable
	h.mu.Unlock()

	if wasAway {
		h.setAndReport(PresenceOnline)
	}
}

// HandleVisibilityChange reacts to the page being hidden or shown.
func (h *PresenceHeartbeatController) HandleVisibilityChange(visible bool) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	if visible {
		h.lastActivity = h.cfg.Clock.Now()
	}
	h.mu.Unlock()

	if visible {
		h.setAndReport(PresenceOnline)
	} else {
		h.setAndReport(PresenceUnavailable)
	}
}

// Status returns the last state the controller set.
func (h *PresenceHeartbeatController) Status() PresenceStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Stop halts the tick loop and issues a best-effort offline report that may
// complete after the caller has moved on. Safe to call multiple times.
func (h *PresenceHeartbeatController) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.current = PresenceOffline
	close(h.stopCh)
	h.mu.Unlock()

	// Fire-and-forget: the report gets its own deadline so it can finish
	// even while the surrounding session is unloading.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.report(ctx, PresenceOffline); err != nil {
			h.cfg.Logger.Debug("offline report failed", "error", err)
		}
	}()
}

// setAndReport is the single funnel for state changes and their reports;
// concurrent triggers are last-write-wins on scalar state.
func (h *PresenceHeartbeatController) setAndReport(status PresenceStatus) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.current = status
	h.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.report(ctx, status); err != nil {
			h.cfg.Logger.Warn("presence report failed", "status", status, "error", err)
		}
	}()
}
