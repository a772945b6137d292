package overrides

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueryAllKeys(t *testing.T) {
	o, err := ParseQuery("psBackpressureMode=polling&psMaxBufferedAmount=1048576&psLowThreshold=524288&psForceMaxMessageSize=20000&psForceRttMs=400")
	require.NoError(t, err)
	assert.Equal(t, ModePolling, o.BackpressureMode)
	assert.Equal(t, uint64(1048576), o.MaxBufferedAmount)
	assert.Equal(t, uint64(524288), o.LowThreshold)
	assert.Equal(t, 20000, o.ForceMaxMessageSize)
	assert.Equal(t, 400.0, o.ForceRTTMs)
}

func TestParseQueryEmpty(t *testing.T) {
	o, err := ParseQuery("")
	require.NoError(t, err)
	assert.Equal(t, Overrides{}, o)
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	o, err := ParseQuery("room=abc&psForceRttMs=100")
	require.NoError(t, err)
	assert.Equal(t, 100.0, o.ForceRTTMs)
}

func TestParseCapsBufferValues(t *testing.T) {
	o, err := ParseQuery("psMaxBufferedAmount=999999999999&psLowThreshold=999999999999")
	require.NoError(t, err)
	assert.Equal(t, uint64(64*1024*1024), o.MaxBufferedAmount)
	assert.Equal(t, uint64(64*1024*1024), o.LowThreshold)
}

func TestParseFloorsForcedMessageSize(t *testing.T) {
	o, err := ParseQuery("psForceMaxMessageSize=1000")
	require.NoError(t, err)
	assert.Equal(t, 16*1024, o.ForceMaxMessageSize)
}

func TestParseRejectsBadValues(t *testing.T) {
	for _, raw := range []string{
		"psBackpressureMode=turbo",
		"psMaxBufferedAmount=-5",
		"psMaxBufferedAmount=abc",
		"psForceRttMs=0",
		"psLowThreshold=0",
	} {
		_, err := ParseQuery(raw)
		assert.Errorf(t, err, "expected error for %q", raw)
	}
}
