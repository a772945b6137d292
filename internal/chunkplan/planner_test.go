package chunkplan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseDefault(t *testing.T) {
	p := Choose(0, 0, -1)
	assert.Equal(t, DefaultChunkSize, p.ChunkSize)
	assert.Equal(t, ReasonDefault, p.Reason)
}

func TestChooseRTTTiers(t *testing.T) {
	tests := []struct {
		rtt  float64
		want int
	}{
		{0, 64 * 1024},
		{60, 64 * 1024},
		{61, 48 * 1024},
		{140, 48 * 1024},
		{141, 32 * 1024},
		{280, 32 * 1024},
		{281, 16 * 1024},
		{400, 16 * 1024},
	}
	for _, tt := range tests {
		p := Choose(DefaultChunkSize, 0, tt.rtt)
		assert.Equalf(t, tt.want, p.ChunkSize, "rtt=%v", tt.rtt)
		if tt.want < DefaultChunkSize {
			assert.Equal(t, ReasonRTTAdaptive, p.Reason)
		}
	}
}

func TestChooseMessageLimitClampDominates(t *testing.T) {
	// 20000 - 1024 = 18976, rounded down to 4 KiB step = 16384.
	p := Choose(DefaultChunkSize, 20000, 100)
	assert.Equal(t, 16*1024, p.ChunkSize)
	assert.Equal(t, ReasonMaxMessageSize, p.Reason)
}

func TestChooseMessageLimitFloor(t *testing.T) {
	p := Choose(DefaultChunkSize, 4096, -1)
	assert.Equal(t, MinChunkSize, p.ChunkSize)
	assert.Equal(t, ReasonMaxMessageSize, p.Reason)
}

func TestChooseLargeLimitLeavesBase(t *testing.T) {
	p := Choose(DefaultChunkSize, 256*1024, -1)
	assert.Equal(t, DefaultChunkSize, p.ChunkSize)
	assert.Equal(t, ReasonDefault, p.Reason)
}

func TestChooseRoundsToStep(t *testing.T) {
	// 50000 - 1024 = 48976 -> 48 KiB exactly? 48976 % 4096 = 3920 -> 45056.
	p := Choose(DefaultChunkSize, 50000, -1)
	assert.Equal(t, 45056, p.ChunkSize)
	assert.Zero(t, p.ChunkSize%ChunkSizeStep)
}

func TestChooseSmallBaseFloored(t *testing.T) {
	p := Choose(8*1024, 0, -1)
	assert.Equal(t, MinChunkSize, p.ChunkSize)
}

func TestSamplerCaches(t *testing.T) {
	calls := 0
	current := time.Unix(0, 0)
	s := NewSampler(func() (float64, bool) {
		calls++
		return 50, true
	}, func() time.Time { return current })

	require.Equal(t, 50.0, s.RTT())
	require.Equal(t, 50.0, s.RTT())
	assert.Equal(t, 1, calls, "second read within cache window must not hit stats")

	current = current.Add(RTTCacheDuration + time.Millisecond)
	require.Equal(t, 50.0, s.RTT())
	assert.Equal(t, 2, calls)
}

func TestSamplerNoSample(t *testing.T) {
	s := NewSampler(func() (float64, bool) { return 0, false }, nil)
	assert.Equal(t, -1.0, s.RTT())
}

func TestSamplerKeepsLastOnFailure(t *testing.T) {
	ok := true
	current := time.Unix(0, 0)
	s := NewSampler(func() (float64, bool) { return 80, ok }, func() time.Time { return current })

	require.Equal(t, 80.0, s.RTT())
	ok = false
	current = current.Add(RTTCacheDuration * 2)
	assert.Equal(t, 80.0, s.RTT())
}
