// Package chunkplan chooses the chunk size for a transfer from the measured
// round-trip time and the transport's maximum message size.
package chunkplan

import (
	"sync"
	"time"
)

const (
	DefaultChunkSize = 64 * 1024
	MinChunkSize     = 16 * 1024
	ChunkSizeStep    = 4 * 1024

	// overheadReserve keeps the frame under the transport message limit.
	overheadReserve = 1024

	// RTTCacheDuration bounds how often transport stats are sampled.
	RTTCacheDuration = 3000 * time.Millisecond
)

// Reason records which policy decided the final chunk size.
type Reason string

const (
	ReasonDefault        Reason = "default"
	ReasonRTTAdaptive    Reason = "rtt_adaptive"
	ReasonMaxMessageSize Reason = "max_message_size"
)

// Plan is the planner's decision for one transfer.
type Plan struct {
	ChunkSize int
	Reason    Reason
}

// Choose picks a chunk size. baseChunkSize <= 0 falls back to the default.
// maxMessageSize <= 0 means the transport did not report a limit; rttMs < 0
// means no RTT sample is available. The message-limit clamp dominates the
// RTT policy.
func Choose(baseChunkSize, maxMessageSize int, rttMs float64) Plan {
	if baseChunkSize <= 0 {
		baseChunkSize = DefaultChunkSize
	}
	if baseChunkSize < MinChunkSize {
		baseChunkSize = MinChunkSize
	}

	size := baseChunkSize
	reason := ReasonDefault

	if rttMs >= 0 {
		var cap int
		switch {
		case rttMs <= 60:
			cap = baseChunkSize
		case rttMs <= 140:
			cap = 48 * 1024
		case rttMs <= 280:
			cap = 32 * 1024
		default:
			cap = 16 * 1024
		}
		if cap < size {
			size = cap
			reason = ReasonRTTAdaptive
		}
	}

	if maxMessageSize > 0 {
		limit := maxMessageSize - overheadReserve
		limit -= limit % ChunkSizeStep
		if limit < MinChunkSize {
			limit = MinChunkSize
		}
		if limit < size {
			size = limit
			reason = ReasonMaxMessageSize
		}
	}

	if size < MinChunkSize {
		size = MinChunkSize
	}
	return Plan{ChunkSize: size, Reason: reason}
}

// Sampler caches RTT samples so the sender does not hit transport statistics
// on every chunk.
type Sampler struct {
	mu       sync.Mutex
	stats    func() (rttMs float64, ok bool)
	now      func() time.Time
	cacheFor time.Duration
	cached   float64
	cachedAt time.Time
	hasValue bool
}

// NewSampler wraps a stats source. now may be nil for the system clock.
func NewSampler(stats func() (float64, bool), now func() time.Time) *Sampler {
	if now == nil {
		now = time.Now
	}
	return &Sampler{
		stats:    stats,
		now:      now,
		cacheFor: RTTCacheDuration,
	}
}

// RTT returns the cached sample, refreshing it when stale. Returns -1 when
// no sample has ever been observed.
func (s *Sampler) RTT() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stats == nil {
		return -1
	}
	now := s.now()
	if s.hasValue && now.Sub(s.cachedAt) < s.cacheFor {
		return s.cached
	}
	if rtt, ok := s.stats(); ok {
		s.cached = rtt
		s.cachedAt = now
		s.hasValue = true
		return rtt
	}
	if s.hasValue {
		return s.cached
	}
	return -1
}
