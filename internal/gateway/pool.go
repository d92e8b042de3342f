package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/transport"
)

// ErrPoolFull is returned by [Pool.Admit] when the pool is at capacity and no
// idle connection can be evicted.
var ErrPoolFull = errors.New("gateway: connection pool is full")

// defaultMaxConnections caps the pool when no limit is configured.
const defaultMaxConnections = 1024

// poolEntry is one admitted connection with its admission bookkeeping.
type poolEntry struct {
	conn      transport.Conn
	sessionID string
	inUse     bool
	lastTouch time.Time
}

// Pool enforces the one-live-connection-per-device rule and the global
// capacity ceiling. A device reconnecting replaces its old entry; a full pool
// evicts the longest-idle connection that is not mid-exchange, or rejects the
// newcomer when every entry is busy. Safe for concurrent use.
type Pool struct {
	max     int
	onEvict func(old transport.Conn, sessionID string)

	mu      sync.Mutex
	entries map[string]*poolEntry // keyed by device id
}

// NewPool creates a pool holding at most max connections (0 means the
// default). onEvict runs outside the pool lock for every connection displaced
// by capacity pressure; it may be nil.
func NewPool(max int, onEvict func(old transport.Conn, sessionID string)) *Pool {
	if max <= 0 {
		max = defaultMaxConnections
	}
	return &Pool{
		max:     max,
		onEvict: onEvict,
		entries: make(map[string]*poolEntry),
	}
}

// Admit registers a connection. If the device already holds a live
// connection, the old one is returned as replaced so the caller can close it.
// On a full pool the longest-idle entry is evicted to make room; if all
// entries are in use, Admit returns [ErrPoolFull].
func (p *Pool) Admit(conn transport.Conn, sessionID string) (replaced transport.Conn, err error) {
	deviceID := conn.DeviceID()

	p.mu.Lock()
	if old, ok := p.entries[deviceID]; ok {
		p.entries[deviceID] = &poolEntry{conn: conn, sessionID: sessionID, lastTouch: time.Now()}
		p.mu.Unlock()
		return old.conn, nil
	}

	var evicted *poolEntry
	var evictedDevice string
	if len(p.entries) >= p.max {
		evictedDevice, evicted = p.oldestIdleLocked()
		if evicted == nil {
			p.mu.Unlock()
			return nil, ErrPoolFull
		}
		delete(p.entries, evictedDevice)
	}
	p.entries[deviceID] = &poolEntry{conn: conn, sessionID: sessionID, lastTouch: time.Now()}
	p.mu.Unlock()

	if evicted != nil && p.onEvict != nil {
		p.onEvict(evicted.conn, evicted.sessionID)
	}
	return nil, nil
}

// oldestIdleLocked returns the least-recently-touched entry that is not in
// use. Caller holds p.mu.
func (p *Pool) oldestIdleLocked() (string, *poolEntry) {
	var device string
	var oldest *poolEntry
	for id, e := range p.entries {
		if e.inUse {
			continue
		}
		if oldest == nil || e.lastTouch.Before(oldest.lastTouch) {
			device, oldest = id, e
		}
	}
	return device, oldest
}

// Get returns the device's live connection, if any.
func (p *Pool) Get(deviceID string) (transport.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[deviceID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// SetBusy marks whether the device is mid-exchange. Busy entries are never
// eviction candidates, independent of the device's protocol-level state.
func (p *Pool) SetBusy(deviceID string, busy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[deviceID]; ok {
		e.inUse = busy
		e.lastTouch = time.Now()
	}
}

// Touch refreshes the entry's idle clock.
func (p *Pool) Touch(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[deviceID]; ok {
		e.lastTouch = time.Now()
	}
}

// Remove drops the device's entry if conn still owns it. A stale removal
// (the device already reconnected with a newer conn) is a no-op, so a slow
// disconnect callback cannot kill a fresh connection.
func (p *Pool) Remove(deviceID string, conn transport.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[deviceID]
	if !ok || e.conn != conn {
		return false
	}
	delete(p.entries, deviceID)
	return true
}

// Len returns the live connection count.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
