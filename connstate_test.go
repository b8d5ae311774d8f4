package agora_test

import (
	"testing"

	agora "github.com/agora-portal/agora/sdk/golang"
)

func TestStateMachineTransitions(t *testing.T) {
	sm := agora.NewStateMachine(agora.ChannelIdle)
	if got := sm.Current(); got != agora.ChannelIdle {
		t.Fatalf("initial state = %s, want idle", got)
	}

	var seen []agora.ChannelStatus
	sm.OnChange(func(s agora.ChannelStatus, detail string) {
		seen = append(seen, s)
	})

	sm.Set(agora.ChannelConnecting)
	sm.Set(agora.ChannelOnline)
	if got := sm.Current(); got != agora.ChannelOnline {
		t.Fatalf("state = %s, want online", got)
	}
	if len(seen) != 2 || seen[0] != agora.ChannelConnecting || seen[1] != agora.ChannelOnline {
		t.Fatalf("listener saw %v, want [connecting online]", seen)
	}
}

func TestStateMachineSkipsNoopTransitions(t *testing.T) {
	sm := agora.NewStateMachine(agora.ChatLoading)
	calls := 0
	sm.OnChange(func(agora.ChatStatus, string) { calls++ })

	sm.Set(agora.ChatLoading)
	sm.Set(agora.ChatLoading)
	if calls != 0 {
		t.Fatalf("listener fired %d times for no-op transitions", calls)
	}
}

func TestStateMachineFailRecordsDetail(t *testing.T) {
	sm := agora.NewStateMachine(agora.ChannelOnline)
	var gotDetail string
	sm.OnChange(func(s agora.ChannelStatus, detail string) { gotDetail = detail })

	sm.Fail(agora.ChannelDegraded, "connection dropped")
	if sm.Current() != agora.ChannelDegraded {
		t.Fatalf("state = %s, want degraded", sm.Current())
	}
	if sm.Detail() != "connection dropped" || gotDetail != "connection dropped" {
		t.Fatalf("detail = %q / listener %q, want %q", sm.Detail(), gotDetail, "connection dropped")
	}

	// A clean transition clears the detail.
	sm.Set(agora.ChannelOnline)
	if sm.Detail() != "" {
		t.Fatalf("detail after recovery = %q, want empty", sm.Detail())
	}
}

func TestStateMachineListenerRemoval(t *testing.T) {
	sm := agora.NewStateMachine(agora.ChannelIdle)
	var a, b, c int
	removeA := sm.OnChange(func(agora.ChannelStatus, string) { a++ })
	sm.OnChange(func(agora.ChannelStatus, string) { b++ })
	removeC := sm.OnChange(func(agora.ChannelStatus, string) { c++ })

	sm.Set(agora.ChannelConnecting)
	removeA()
	sm.Set(agora.ChannelOnline)
	removeC()
	removeC() // double removal is harmless
	sm.Set(agora.ChannelIdle)

	if a != 1 || b != 3 || c != 2 {
		t.Fatalf("listener counts a=%d b=%d c=%d, want 1 3 2", a, b, c)
	}
}

func TestStateMachineListenerCanRemoveItself(t *testing.T) {
	sm := agora.NewStateMachine(agora.ChannelIdle)
	calls := 0
	var remove func()
	remove = sm.OnChange(func(agora.ChannelStatus, string) {
		calls++
		remove()
	})

	sm.Set(agora.ChannelConnecting)
	sm.Set(agora.ChannelOnline)
	if calls != 1 {
		t.Fatalf("self-removing listener fired %d times, want 1", calls)
	}
}
