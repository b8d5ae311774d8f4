package agora_test

import (
	"sync"
	"testing"
	"time"

	agora "github.com/agora-portal/agora/sdk/golang"
)

// presenceRecorder collects the presence views a listener receives.
type presenceRecorder struct {
	mu    sync.Mutex
	views []map[string]agora.RoomPresence
}

func (p *presenceRecorder) listen(rooms map[string]agora.RoomPresence) {
	p.mu.Lock()
	p.views = append(p.views, rooms)
	p.mu.Unlock()
}

func (p *presenceRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.views)
}

func (p *presenceRecorder) last() map[string]agora.RoomPresence {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.views) == 0 {
		return nil
	}
	return p.views[len(p.views)-1]
}

func newTestAggregator(t *testing.T) (*agora.PresenceAggregatorClient, *wsTestServer, *fakeClock) {
	t.Helper()
	ts := newWSTestServer(t)
	clock := newFakeClock()
	agg := agora.NewPresenceAggregatorClient(agora.AggregatorConfig{
		URL:            ts.URL(),
		ReconnectDelay: 5 * time.Second,
		Clock:          clock,
		Logger:         quietLogger(),
	})
	return agg, ts, clock
}

func TestAggregatorSnapshotAndIncremental(t *testing.T) {
	agg, ts, _ := newTestAggregator(t)
	rec := &presenceRecorder{}
	unsub := agg.Subscribe(rec.listen)
	defer unsub()

	sc := ts.waitConn(t)
	waitFor(t, "channel online", func() bool { return agg.Status() == agora.ChannelOnline })

	sc.send(t, `{"type":"snapshot","rooms":[
		{"room_slug":"lobby","online_count":3,"typing_count":1},
		{"room_slug":"dev","online_count":2,"typing_count":0}]}`)
	waitFor(t, "snapshot view", func() bool { return rec.count() >= 1 })
	view := rec.last()
	if len(view) != 2 || view["lobby"].OnlineCount != 3 || view["dev"].OnlineCount != 2 {
		t.Fatalf("snapshot view = %+v", view)
	}

	// An incremental frame upserts one room and leaves the rest alone.
	sc.send(t, `{"type":"room.presence","room_slug":"lobby","online_count":4,"typing_count":0}`)
	waitFor(t, "updated view", func() bool {
		v := rec.last()
		return v != nil && v["lobby"].OnlineCount == 4
	})
	view = rec.last()
	if len(view) != 2 || view["dev"].OnlineCount != 2 {
		t.Fatalf("incremental update disturbed other rooms: %+v", view)
	}

	// A replacement snapshot drops rooms it omits.
	sc.send(t, `{"type":"snapshot","rooms":[{"room_slug":"lobby","online_count":1,"typing_count":0}]}`)
	waitFor(t, "replacement snapshot", func() bool {
		v := rec.last()
		return v != nil && len(v) == 1
	})
}

func TestAggregatorIgnoresMalformedFrames(t *testing.T) {
	agg, ts, _ := newTestAggregator(t)
	rec := &presenceRecorder{}
	unsub := agg.Subscribe(rec.listen)
	defer unsub()

	sc := ts.waitConn(t)
	waitFor(t, "channel online", func() bool { return agg.Status() == agora.ChannelOnline })

	sc.send(t, `not json at all`)
	sc.send(t, `{"type":"something.new","room_slug":"lobby"}`)
	sc.send(t, `{"type":"room.presence","online_count":9}`) // no room_slug
	sc.send(t, `{"type":"room.presence","room_slug":"lobby","online_count":2,"typing_count":0}`)

	// Only the valid frame produces a notification, and the channel survives.
	waitFor(t, "valid frame", func() bool { return rec.count() >= 1 })
	if rec.count() != 1 {
		t.Fatalf("listener fired %d times, want 1", rec.count())
	}
	if agg.Status() != agora.ChannelOnline {
		t.Fatalf("status = %s, want online", agg.Status())
	}
}

func TestAggregatorReferenceCountedLifecycle(t *testing.T) {
	agg, ts, _ := newTestAggregator(t)
	first := &presenceRecorder{}
	second := &presenceRecorder{}

	unsubFirst := agg.Subscribe(first.listen)
	sc := ts.waitConn(t)
	waitFor(t, "channel online", func() bool { return agg.Status() == agora.ChannelOnline })

	// A second subscriber shares the existing channel.
	unsubSecond := agg.Subscribe(second.listen)
	if ts.acceptCount() != 1 {
		t.Fatalf("second subscriber opened another connection")
	}

	sc.send(t, `{"type":"snapshot","rooms":[{"room_slug":"lobby","online_count":1,"typing_count":0}]}`)
	waitFor(t, "both notified", func() bool { return first.count() >= 1 && second.count() >= 1 })

	// Dropping one subscriber keeps the channel open for the other.
	unsubFirst()
	unsubFirst() // double unsubscribe is harmless
	sc.send(t, `{"type":"room.presence","room_slug":"lobby","online_count":2,"typing_count":0}`)
	waitFor(t, "remaining subscriber notified", func() bool { return second.count() >= 2 })
	if first.count() != 1 {
		t.Fatalf("unsubscribed listener still notified %d times", first.count())
	}

	// Dropping the last subscriber tears the channel down.
	unsubSecond()
	sc.waitClosed(t)
	waitFor(t, "idle status", func() bool { return agg.Status() == agora.ChannelIdle })
	if rooms := agg.Rooms(); len(rooms) != 0 {
		t.Fatalf("state survived teardown: %+v", rooms)
	}

	// A fresh subscriber starts a brand-new channel generation.
	fresh := &presenceRecorder{}
	unsubFresh := agg.Subscribe(fresh.listen)
	defer unsubFresh()
	// The emptied state is not replayed.
	if fresh.count() != 0 {
		t.Fatalf("fresh subscriber got %d replays of stale state", fresh.count())
	}
	ts.waitConn(t)
	waitFor(t, "fresh channel online", func() bool { return agg.Status() == agora.ChannelOnline })
	if ts.acceptCount() != 2 {
		t.Fatalf("accept count = %d, want 2", ts.acceptCount())
	}
}

func TestAggregatorReplaysStateToNewSubscriber(t *testing.T) {
	agg, ts, _ := newTestAggregator(t)
	first := &presenceRecorder{}
	unsubFirst := agg.Subscribe(first.listen)
	defer unsubFirst()

	sc := ts.waitConn(t)
	sc.send(t, `{"type":"snapshot","rooms":[{"room_slug":"lobby","online_count":5,"typing_count":2}]}`)
	waitFor(t, "snapshot applied", func() bool { return first.count() >= 1 })

	// The new subscriber sees the known state before any further frames.
	late := &presenceRecorder{}
	unsubLate := agg.Subscribe(late.listen)
	defer unsubLate()
	if late.count() != 1 {
		t.Fatalf("late subscriber got %d replays, want 1", late.count())
	}
	if v := late.last(); v["lobby"].OnlineCount != 5 || v["lobby"].TypingCount != 2 {
		t.Fatalf("replayed view = %+v", v)
	}
}

func TestAggregatorReconnectsAfterDrop(t *testing.T) {
	agg, ts, clock := newTestAggregator(t)
	rec := &presenceRecorder{}
	unsub := agg.Subscribe(rec.listen)
	defer unsub()

	sc := ts.waitConn(t)
	waitFor(t, "channel online", func() bool { return agg.Status() == agora.ChannelOnline })

	sc.close()
	waitFor(t, "degraded status", func() bool { return agg.Status() == agora.ChannelDegraded })

	// Exactly one reconnect fires after the fixed delay.
	clock.Advance(5 * time.Second)
	ts.waitConn(t)
	waitFor(t, "back online", func() bool { return agg.Status() == agora.ChannelOnline })
	if ts.acceptCount() != 2 {
		t.Fatalf("accept count = %d, want 2", ts.acceptCount())
	}
}

func TestAggregatorNoReconnectAfterTeardown(t *testing.T) {
	agg, ts, clock := newTestAggregator(t)
	rec := &presenceRecorder{}
	unsub := agg.Subscribe(rec.listen)

	sc := ts.waitConn(t)
	waitFor(t, "channel online", func() bool { return agg.Status() == agora.ChannelOnline })

	unsub()
	sc.waitClosed(t)
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if ts.acceptCount() != 1 {
		t.Fatalf("torn-down channel reconnected: %d accepts", ts.acceptCount())
	}
	if agg.Status() != agora.ChannelIdle {
		t.Fatalf("status = %s, want idle", agg.Status())
	}
}
