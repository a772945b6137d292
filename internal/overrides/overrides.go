// Package overrides parses the runtime tuning parameters the browser build
// reads from the page URL. Outside a browser they arrive as a query string
// (CLI --overrides flag), which keeps adaptive and backpressure behavior
// deterministically testable.
package overrides

import (
	"fmt"
	"net/url"
	"strconv"
)

const (
	// maxBufferCap bounds the buffered-amount overrides.
	maxBufferCap = 64 * 1024 * 1024
	// minForcedMessageSize floors psForceMaxMessageSize.
	minForcedMessageSize = 16 * 1024
)

// BackpressureMode selects how the sender waits for the outbound buffer.
type BackpressureMode string

const (
	ModeEvent   BackpressureMode = "event"
	ModePolling BackpressureMode = "polling"
	ModeAuto    BackpressureMode = "auto"
)

// Overrides carries the parsed tuning values. Zero values mean "not set".
type Overrides struct {
	BackpressureMode    BackpressureMode
	MaxBufferedAmount   uint64
	LowThreshold        uint64
	ForceMaxMessageSize int
	ForceRTTMs          float64
}

// Parse reads the ps* parameters from query values. Unknown keys are
// ignored; malformed values for known keys are an error.
func Parse(q url.Values) (Overrides, error) {
	var o Overrides

	if v := q.Get("psBackpressureMode"); v != "" {
		switch BackpressureMode(v) {
		case ModeEvent, ModePolling, ModeAuto:
			o.BackpressureMode = BackpressureMode(v)
		default:
			return Overrides{}, fmt.Errorf("psBackpressureMode: unknown mode %q", v)
		}
	}

	if v := q.Get("psMaxBufferedAmount"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Overrides{}, fmt.Errorf("psMaxBufferedAmount: %w", err)
		}
		if n > maxBufferCap {
			n = maxBufferCap
		}
		o.MaxBufferedAmount = uint64(n)
	}

	if v := q.Get("psLowThreshold"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Overrides{}, fmt.Errorf("psLowThreshold: %w", err)
		}
		if n > maxBufferCap {
			n = maxBufferCap
		}
		o.LowThreshold = uint64(n)
	}

	if v := q.Get("psForceMaxMessageSize"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Overrides{}, fmt.Errorf("psForceMaxMessageSize: %w", err)
		}
		if n < minForcedMessageSize {
			n = minForcedMessageSize
		}
		o.ForceMaxMessageSize = int(n)
	}

	if v := q.Get("psForceRttMs"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Overrides{}, fmt.Errorf("psForceRttMs: %w", err)
		}
		o.ForceRTTMs = float64(n)
	}

	return o, nil
}

// ParseQuery parses a raw query string such as
// "psBackpressureMode=polling&psForceRttMs=400".
func ParseQuery(raw string) (Overrides, error) {
	q, err := url.ParseQuery(raw)
	if err != nil {
		return Overrides{}, fmt.Errorf("parsing overrides query: %w", err)
	}
	return Parse(q)
}

func parsePositiveInt(v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", v)
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}
