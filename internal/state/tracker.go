package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default liveness parameters.
const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultActivityTimeout   = 60 * time.Second
	defaultMaxReconnects     = 5
	defaultReconnectInterval = 5 * time.Second
)

// RemoveReason explains why the tracker removed a session.
type RemoveReason string

const (
	// RemoveGoodbye is an explicit, orderly disconnect. Recorded as a
	// normal disconnection, not a failure.
	RemoveGoodbye RemoveReason = "goodbye"

	// RemoveReconnectExhausted is the terminal failure path: the bounded
	// reconnection sequence ran out of attempts.
	RemoveReconnectExhausted RemoveReason = "reconnect_exhausted"

	// RemoveTransportDead is the idle-sweep path: the transport reported
	// itself inactive without ever delivering a close event.
	RemoveTransportDead RemoveReason = "transport_dead"

	// RemoveEvicted is pool-pressure eviction.
	RemoveEvicted RemoveReason = "evicted"

	// RemoveReplaced is admission of a newer connection for the same
	// device id.
	RemoveReplaced RemoveReason = "replaced"
)

// TrackerConfig holds liveness tuning knobs.
type TrackerConfig struct {
	// HeartbeatInterval is the global sweep period. Default: 30s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ActivityTimeout is how long a session may go without inbound
	// activity before it is timed out. Default: 60s.
	ActivityTimeout time.Duration `yaml:"activity_timeout"`

	// MaxReconnects bounds the reconnection sequence after a timeout.
	// Default: 5.
	MaxReconnects int `yaml:"max_reconnects"`

	// ReconnectInterval is the fixed spacing between attempts. Default: 5s.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ActivityTimeout <= 0 {
		c.ActivityTimeout = defaultActivityTimeout
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	return c
}

// TrackerHooks connect the tracker to the transport layer. All hooks may be
// called concurrently for different devices, never concurrently for one.
type TrackerHooks struct {
	// SendHeartbeat pushes a heartbeat request to a live device.
	SendHeartbeat func(s *Session) error

	// Reconnect makes one reconnection attempt. A nil error means the
	// connection is restored.
	Reconnect func(s *Session) error

	// Active reports whether the session's transport handle is still
	// usable (WebSocket open, MQTT client connected, ...).
	Active func(s *Session) bool

	// OnRemove is called exactly once, after the session has left the
	// tracker, for every removal path.
	OnRemove func(s *Session, reason RemoveReason)
}

// Tracker owns all live sessions and drives the heartbeat, reconnection, and
// idle sweeps. All methods are safe for concurrent use.
type Tracker struct {
	cfg   TrackerConfig
	hooks TrackerHooks

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewTracker creates a Tracker. Zero-value config fields get defaults.
func NewTracker(cfg TrackerConfig, hooks TrackerHooks) *Tracker {
	return &Tracker{
		cfg:      cfg.withDefaults(),
		hooks:    hooks,
		sessions: make(map[string]*Session),
	}
}

// Track registers a session. A previous session for the same device id is
// returned so the caller can close its transport; it has already been removed
// from the tracker (no OnRemove call — replacement is the caller's business).
func (t *Tracker) Track(s *Session) (replaced *Session) {
	t.mu.Lock()
	replaced = t.sessions[s.DeviceID]
	t.sessions[s.DeviceID] = s
	t.mu.Unlock()
	return replaced
}

// Get returns the session for a device id, or nil.
func (t *Tracker) Get(deviceID string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[deviceID]
}

// Len returns the number of tracked sessions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Remove removes a session and fires OnRemove with the given reason.
// It is a no-op if the device is not tracked, so every removal path
// (goodbye, timeout, eviction) converges here safely.
func (t *Tracker) Remove(deviceID string, reason RemoveReason) {
	t.mu.Lock()
	s, ok := t.sessions[deviceID]
	if ok {
		delete(t.sessions, deviceID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	s.SetConnState(ConnDisconnected)
	slog.Info("session removed", "device_id", deviceID, "session_id", s.SessionID, "reason", reason)
	if t.hooks.OnRemove != nil {
		t.hooks.OnRemove(s, reason)
	}
}

// Run drives the heartbeat and idle sweeps until ctx is cancelled. Both
// sweeps share one ticker but remain independent predicates: the heartbeat
// path catches silent devices, the idle path catches transports that died
// without a close event.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// sweep performs one pass over all sessions.
func (t *Tracker) sweep(ctx context.Context) {
	now := time.Now()

	t.mu.RLock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.RUnlock()

	for _, s := range sessions {
		stale := now.Sub(s.LastActivity()) > t.cfg.ActivityTimeout

		// Idle sweep: transport-level death, gated on the same activity
		// timeout so a briefly-flapping transport is not culled early.
		if stale && t.hooks.Active != nil && !t.hooks.Active(s) {
			t.Remove(s.DeviceID, RemoveTransportDead)
			continue
		}

		if stale {
			t.timeout(ctx, s)
			continue
		}

		if t.hooks.SendHeartbeat != nil {
			if err := t.hooks.SendHeartbeat(s); err != nil {
				slog.Warn("heartbeat push failed",
					"device_id", s.DeviceID, "err", err)
			}
		}
	}
}

// timeout handles a heartbeat timeout: the connection drops to disconnected,
// the device state to idle, and a bounded reconnection sequence starts. Only
// one sequence runs per session.
func (t *Tracker) timeout(ctx context.Context, s *Session) {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.reconnectAttempts = 0
	s.mu.Unlock()

	s.SetConnState(ConnDisconnected)
	slog.Warn("heartbeat timeout", "device_id", s.DeviceID, "session_id", s.SessionID)

	go t.reconnectLoop(ctx, s)
}

// reconnectLoop makes bounded, fixed-interval reconnection attempts.
// Exhausting them removes the session permanently — this path never retries
// forever.
func (t *Tracker) reconnectLoop(ctx context.Context, s *Session) {
	for attempt := 1; attempt <= t.cfg.MaxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.ReconnectInterval):
		}

		s.mu.Lock()
		s.reconnectAttempts = attempt
		s.mu.Unlock()

		slog.Info("reconnection attempt",
			"device_id", s.DeviceID,
			"attempt", attempt,
			"max", t.cfg.MaxReconnects,
		)

		if t.hooks.Reconnect == nil {
			continue
		}
		if err := t.hooks.Reconnect(s); err != nil {
			slog.Warn("reconnection attempt failed",
				"device_id", s.DeviceID, "attempt", attempt, "err", err)
			continue
		}

		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
		s.Touch()
		slog.Info("reconnection successful", "device_id", s.DeviceID, "attempt", attempt)
		return
	}

	slog.Error("reconnection exhausted, removing session",
		"device_id", s.DeviceID, "max", t.cfg.MaxReconnects)
	t.Remove(s.DeviceID, RemoveReconnectExhausted)
}

// ReconnectAttempts returns the attempt counter for tests and introspection.
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}
