package audio

import (
	"sync"
	"time"
)

// Default batching parameters.
const (
	defaultFlushInterval = 100 * time.Millisecond
	defaultSizeThreshold = 4096
	defaultStreamIdle    = 30 * time.Second
)

// BatchConfig holds tuning knobs for the per-stream flush cache.
type BatchConfig struct {
	// FlushInterval is the timer-driven flush period. Default: 100ms.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// SizeThreshold flushes the cache as soon as it holds at least this
	// many bytes. Default: 4096.
	SizeThreshold int `yaml:"size_threshold"`

	// IdleTimeout destroys a stream that has seen no frames for this long.
	// Default: 30s.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.SizeThreshold <= 0 {
		c.SizeThreshold = defaultSizeThreshold
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultStreamIdle
	}
	return c
}

// FlushFunc receives one concatenated batch of processed PCM for a stream.
// It is called from the ingest path or the flush timer; implementations that
// talk to slow collaborators must hand off asynchronously.
type FlushFunc func(deviceID, sessionID string, pcm []byte)

// streamState is the flush cache for one (device, session) audio stream.
//
// Cache bytes leave through exactly one path per batch: whichever trigger
// (size threshold or timer) wins the mutex takes the whole cache and resets
// the counters in the same critical section, so no byte is flushed twice and
// none is lost.
type streamState struct {
	deviceID  string
	sessionID string
	cfg       BatchConfig
	flush     FlushFunc

	mu           sync.Mutex
	cache        [][]byte
	cacheSize    int
	packetCount  uint64
	byteCount    uint64
	audioLevel   float64
	lastVoice    time.Time
	lastActivity time.Time

	done     chan struct{}
	stopOnce sync.Once
}

func newStreamState(deviceID, sessionID string, cfg BatchConfig, flush FlushFunc) *streamState {
	s := &streamState{
		deviceID:     deviceID,
		sessionID:    sessionID,
		cfg:          cfg,
		flush:        flush,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// add appends one processed frame to the cache. If the size threshold is
// reached the batch is flushed immediately on the caller's goroutine.
func (s *streamState) add(frame []byte, hasVoice bool, level float64) {
	s.mu.Lock()
	s.cache = append(s.cache, frame)
	s.cacheSize += len(frame)
	s.packetCount++
	s.byteCount += uint64(len(frame))
	s.audioLevel = level
	now := time.Now()
	s.lastActivity = now
	if hasVoice {
		s.lastVoice = now
	}

	var batch []byte
	if s.cacheSize >= s.cfg.SizeThreshold {
		batch = s.takeLocked()
	}
	s.mu.Unlock()

	if batch != nil {
		s.flush(s.deviceID, s.sessionID, batch)
	}
}

// takeLocked concatenates and clears the cache. Caller holds s.mu.
func (s *streamState) takeLocked() []byte {
	if s.cacheSize == 0 {
		return nil
	}
	batch := make([]byte, 0, s.cacheSize)
	for _, frame := range s.cache {
		batch = append(batch, frame...)
	}
	s.cache = s.cache[:0]
	s.cacheSize = 0
	s.packetCount = 0
	s.byteCount = 0
	return batch
}

// flushLoop drives the timer-based flush path until close.
func (s *streamState) flushLoop() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			batch := s.takeLocked()
			s.mu.Unlock()
			if batch != nil {
				s.flush(s.deviceID, s.sessionID, batch)
			}
		}
	}
}

// idleSince reports the last time the stream saw a frame.
func (s *streamState) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// close stops the flush loop and flushes any remaining bytes.
// Safe to call multiple times.
func (s *streamState) close() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		batch := s.takeLocked()
		s.mu.Unlock()
		if batch != nil {
			s.flush(s.deviceID, s.sessionID, batch)
		}
	})
}
