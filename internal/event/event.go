// Package event emits and parses the machine-readable observability
// envelope. Every event is one line of JSON; the regression harness and the
// tests parse these lines instead of log text.
package event

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	Kind    = "peershare.event"
	Version = 1
)

// Event is the decoded envelope.
type Event struct {
	Kind      string         `json:"kind"`
	Version   int            `json:"version"`
	Event     string         `json:"event"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Emitter writes envelopes to out and mirrors them to the logger at debug
// level. A nil Emitter discards everything, so callers never need to guard.
type Emitter struct {
	mu  sync.Mutex
	out io.Writer
	log *logrus.Logger
	now func() time.Time
}

// NewEmitter builds an emitter. out may be nil to only mirror into the
// logger; now may be nil for the system clock.
func NewEmitter(out io.Writer, log *logrus.Logger, now func() time.Time) *Emitter {
	if now == nil {
		now = time.Now
	}
	return &Emitter{out: out, log: log, now: now}
}

// Emit writes one envelope line.
func (e *Emitter) Emit(name string, payload map[string]any) {
	if e == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	ev := Event{
		Kind:      Kind,
		Version:   Version,
		Event:     name,
		Timestamp: e.now().UnixMilli(),
		Payload:   payload,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("failed to marshal event %s: %v", name, err)
		}
		return
	}

	e.mu.Lock()
	if e.out != nil {
		_, _ = e.out.Write(append(line, '\n'))
	}
	e.mu.Unlock()

	if e.log != nil {
		e.log.WithField("event", name).Debug(string(line))
	}
}

// Parse decodes one envelope line. The legacy shape {event, timestamp, ...}
// is accepted by folding the remaining siblings into the payload.
func Parse(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("parsing event line: %w", err)
	}
	if ev.Kind == Kind {
		if ev.Event == "" {
			return Event{}, fmt.Errorf("envelope missing event name")
		}
		if ev.Payload == nil {
			ev.Payload = map[string]any{}
		}
		return ev, nil
	}

	// Legacy shape: the event name and timestamp are top-level and every
	// other field is payload.
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, fmt.Errorf("parsing legacy event line: %w", err)
	}
	name, _ := raw["event"].(string)
	if name == "" {
		return Event{}, fmt.Errorf("legacy event line missing event name")
	}
	legacy := Event{Kind: Kind, Version: Version, Event: name, Payload: map[string]any{}}
	if ts, ok := raw["timestamp"].(float64); ok {
		legacy.Timestamp = int64(ts)
	}
	for k, v := range raw {
		if k == "event" || k == "timestamp" || k == "kind" || k == "version" {
			continue
		}
		legacy.Payload[k] = v
	}
	return legacy, nil
}
