package agora_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	agora "github.com/agora-portal/agora/sdk/golang"
)

// helpers ---------------------------------------------------------------

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// =======================================================================
// Fake clock
// =======================================================================

// fakeClock is a manually driven agora.Clock. Advance moves time forward,
// firing due timers synchronously and delivering elapsed ticker ticks.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
	delays  []time.Duration // AfterFunc durations in arming order
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) agora.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, fn: fn, when: c.now.Add(d), active: true}
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)
	return t
}

func (c *fakeClock) NewTicker(d time.Duration) agora.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk := &fakeTicker{clock: c, ch: make(chan time.Time, 16), interval: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, tk)
	return tk
}

// armedDelays returns every AfterFunc duration seen so far.
func (c *fakeClock) armedDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration{}, c.delays...)
}

// Advance moves the clock forward by d. Due timers fire in deadline order
// on the calling goroutine; timers re-armed during a callback are honored
// if they fall within the same window.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.active && !t.when.After(target) && (next == nil || t.when.Before(next.when)) {
				next = t
			}
		}
		if next == nil {
			break
		}
		c.now = next.when
		next.active = false
		fn := next.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	for _, tk := range c.tickers {
		for !tk.stopped && !tk.next.After(target) {
			select {
			case tk.ch <- tk.next:
			default:
			}
			tk.next = tk.next.Add(tk.interval)
		}
	}
	c.mu.Unlock()
}

type fakeTimer struct {
	clock  *fakeClock
	fn     func()
	when   time.Time
	active bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = true
	t.when = t.clock.now.Add(d)
	return was
}

type fakeTicker struct {
	clock    *fakeClock
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

// =======================================================================
// Websocket test server
// =======================================================================

// wsTestServer accepts websocket connections and exposes each as a
// serverConn the test can read from and write to.
type wsTestServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	accepts int
	connCh  chan *serverConn
}

type serverConn struct {
	conn   *websocket.Conn
	frames chan []byte
	closed chan struct{}
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ts := &wsTestServer{connCh: make(chan *serverConn, 8)}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: c, frames: make(chan []byte, 32), closed: make(chan struct{})}
		ts.mu.Lock()
		ts.accepts++
		ts.mu.Unlock()
		ts.connCh <- sc
		for {
			_, data, err := c.Read(r.Context())
			if err != nil {
				close(sc.closed)
				return
			}
			select {
			case sc.frames <- data:
			default:
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *wsTestServer) URL() string { return ts.srv.URL }

func (ts *wsTestServer) acceptCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.accepts
}

// waitConn returns the next accepted connection.
func (ts *wsTestServer) waitConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-ts.connCh:
		return sc
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

func (sc *serverConn) send(t *testing.T, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sc.conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

// nextFrame returns the next frame received from the client.
func (sc *serverConn) nextFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-sc.frames:
		return data
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

func (sc *serverConn) close() {
	sc.conn.Close(websocket.StatusNormalClosure, "server close")
}

func (sc *serverConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-sc.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connection close")
	}
}
