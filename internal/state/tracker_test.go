package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/protocol"
)

func newTestSession(deviceID string) *Session {
	return NewSession(deviceID, "sess-"+deviceID, protocol.TransportWebSocket, 3, protocol.BinaryV3)
}

func TestDeviceStateTransitions(t *testing.T) {
	s := newTestSession("dev-1")

	if s.DeviceState() != StateConnecting {
		t.Fatalf("initial state = %s, want connecting", s.DeviceState())
	}

	steps := []DeviceState{StateIdle, StateListening, StateIdle, StateSpeaking, StateIdle}
	// speaking requires an open channel.
	s.SetConnState(ConnChannelOpened)
	for _, next := range steps {
		if err := s.SetDeviceState(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
}

func TestDeviceStateIllegalTransitions(t *testing.T) {
	s := newTestSession("dev-1")
	s.SetConnState(ConnChannelOpened)

	// connecting → listening skips the handshake.
	if err := s.SetDeviceState(StateListening); err == nil {
		t.Error("connecting → listening must fail")
	}
	if err := s.SetDeviceState(StateIdle); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDeviceState(StateListening); err != nil {
		t.Fatal(err)
	}
	// listening → speaking must pass through idle.
	if err := s.SetDeviceState(StateSpeaking); err == nil {
		t.Error("listening → speaking must fail")
	}
	// Re-entering connecting is never allowed.
	if err := s.SetDeviceState(StateConnecting); err == nil {
		t.Error("re-entering connecting must fail")
	}
}

func TestSpeakingRequiresOpenChannel(t *testing.T) {
	s := newTestSession("dev-1")
	if err := s.SetDeviceState(StateIdle); err != nil {
		t.Fatal(err)
	}

	// Still requesting_channel: speaking is forbidden.
	if err := s.SetDeviceState(StateSpeaking); err == nil {
		t.Error("speaking without an open channel must fail")
	}

	for _, conn := range []ConnState{ConnChannelOpened, ConnUDPConnected, ConnAudioStreaming} {
		s.SetConnState(conn)
		if err := s.SetDeviceState(StateSpeaking); err != nil {
			t.Errorf("speaking in %s: %v", conn, err)
		}
		if err := s.SetDeviceState(StateIdle); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDisconnectForcesIdle(t *testing.T) {
	s := newTestSession("dev-1")
	s.SetConnState(ConnChannelOpened)
	if err := s.SetDeviceState(StateIdle); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDeviceState(StateSpeaking); err != nil {
		t.Fatal(err)
	}

	s.SetConnState(ConnDisconnected)
	if s.DeviceState() != StateIdle {
		t.Errorf("device state after disconnect = %s, want idle", s.DeviceState())
	}
}

func TestTrackerReplaceOnReadmit(t *testing.T) {
	tr := NewTracker(TrackerConfig{}, TrackerHooks{})

	first := newTestSession("dev-1")
	if replaced := tr.Track(first); replaced != nil {
		t.Fatal("no session to replace yet")
	}
	second := newTestSession("dev-1")
	if replaced := tr.Track(second); replaced != first {
		t.Error("expected first session back as replaced")
	}
	if tr.Get("dev-1") != second || tr.Len() != 1 {
		t.Error("tracker must hold exactly the new session")
	}
}

func TestTrackerRemoveFiresHookOnce(t *testing.T) {
	var mu sync.Mutex
	var removals []RemoveReason
	tr := NewTracker(TrackerConfig{}, TrackerHooks{
		OnRemove: func(_ *Session, reason RemoveReason) {
			mu.Lock()
			removals = append(removals, reason)
			mu.Unlock()
		},
	})

	tr.Track(newTestSession("dev-1"))
	tr.Remove("dev-1", RemoveGoodbye)
	tr.Remove("dev-1", RemoveGoodbye) // second removal is a no-op

	mu.Lock()
	defer mu.Unlock()
	if len(removals) != 1 || removals[0] != RemoveGoodbye {
		t.Errorf("removals = %v, want [goodbye]", removals)
	}
}

func TestBoundedReconnection(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	var removed []RemoveReason

	tr := NewTracker(TrackerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		ActivityTimeout:   5 * time.Millisecond,
		MaxReconnects:     3,
		ReconnectInterval: 5 * time.Millisecond,
	}, TrackerHooks{
		Reconnect: func(_ *Session) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("device unreachable")
		},
		Active: func(_ *Session) bool { return true },
		OnRemove: func(_ *Session, reason RemoveReason) {
			mu.Lock()
			removed = append(removed, reason)
			mu.Unlock()
		},
	})

	s := newTestSession("dev-1")
	tr.Track(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(removed) > 0
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	// Allow any straggling attempt to finish before reading counters.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("reconnect attempts = %d, want exactly 3", attempts)
	}
	if len(removed) != 1 || removed[0] != RemoveReconnectExhausted {
		t.Errorf("removals = %v, want [reconnect_exhausted]", removed)
	}
	if tr.Get("dev-1") != nil {
		t.Error("session must be gone after exhausting reconnects")
	}
	if s.ConnState() != ConnDisconnected {
		t.Errorf("conn state = %s, want disconnected", s.ConnState())
	}
}

func TestReconnectionSuccessStopsSequence(t *testing.T) {
	var mu sync.Mutex
	var attempts int

	tr := NewTracker(TrackerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		ActivityTimeout:   5 * time.Millisecond,
		MaxReconnects:     5,
		ReconnectInterval: 5 * time.Millisecond,
	}, TrackerHooks{
		Reconnect: func(_ *Session) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 2 {
				return errors.New("still down")
			}
			return nil
		},
		Active: func(_ *Session) bool { return true },
	})

	s := newTestSession("dev-1")
	tr.Track(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := attempts >= 2
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if tr.Get("dev-1") == nil {
		t.Error("session must survive a successful reconnection")
	}
}

func TestIdleSweepRemovesDeadTransport(t *testing.T) {
	var mu sync.Mutex
	var removed []RemoveReason

	tr := NewTracker(TrackerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		ActivityTimeout:   5 * time.Millisecond,
	}, TrackerHooks{
		Active: func(_ *Session) bool { return false },
		OnRemove: func(_ *Session, reason RemoveReason) {
			mu.Lock()
			removed = append(removed, reason)
			mu.Unlock()
		},
	})

	tr.Track(newTestSession("dev-1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(removed) > 0
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(removed) != 1 || removed[0] != RemoveTransportDead {
		t.Errorf("removals = %v, want [transport_dead]", removed)
	}
}

func TestHeartbeatPushedToFreshSessions(t *testing.T) {
	var mu sync.Mutex
	var beats int

	tr := NewTracker(TrackerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		ActivityTimeout:   time.Hour,
	}, TrackerHooks{
		SendHeartbeat: func(_ *Session) error {
			mu.Lock()
			beats++
			mu.Unlock()
			return nil
		},
	})

	tr.Track(newTestSession("dev-1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := beats >= 2
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if beats < 2 {
		t.Errorf("heartbeats pushed = %d, want ≥ 2", beats)
	}
}
