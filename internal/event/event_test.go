package event

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func fixedNow() time.Time { return time.UnixMilli(1700000000123) }

func TestEmitWritesEnvelope(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf, nil, fixedNow)

	e.Emit("transfer_send_complete", map[string]any{"fileSizeBytes": 42})

	line := bytes.TrimSpace(buf.Bytes())
	var got map[string]any
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("emitted line is not JSON: %v", err)
	}
	if got["kind"] != Kind {
		t.Errorf("kind = %v", got["kind"])
	}
	if got["version"] != float64(Version) {
		t.Errorf("version = %v", got["version"])
	}
	if got["event"] != "transfer_send_complete" {
		t.Errorf("event = %v", got["event"])
	}
	if got["timestamp"] != float64(1700000000123) {
		t.Errorf("timestamp = %v", got["timestamp"])
	}
	payload := got["payload"].(map[string]any)
	if payload["fileSizeBytes"] != float64(42) {
		t.Errorf("payload = %v", payload)
	}
}

func TestEmitNilReceiverAndNilPayload(t *testing.T) {
	var e *Emitter
	e.Emit("noop", nil) // must not panic

	var buf bytes.Buffer
	NewEmitter(&buf, nil, fixedNow).Emit("noop", nil)
	ev, err := Parse(bytes.TrimSpace(buf.Bytes()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Payload == nil || len(ev.Payload) != 0 {
		t.Errorf("expected empty payload, got %v", ev.Payload)
	}
}

func TestParseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	NewEmitter(&buf, nil, fixedNow).Emit("backpressure_mode_active", map[string]any{"mode": "event"})

	ev, err := Parse(bytes.TrimSpace(buf.Bytes()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Event != "backpressure_mode_active" {
		t.Errorf("event = %q", ev.Event)
	}
	if ev.Payload["mode"] != "event" {
		t.Errorf("payload = %v", ev.Payload)
	}
}

func TestParseLegacyShape(t *testing.T) {
	line := []byte(`{"event":"transfer_receive_complete","timestamp":123,"fileChecksum":"abc","bytes":7}`)
	ev, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse legacy: %v", err)
	}
	if ev.Event != "transfer_receive_complete" {
		t.Errorf("event = %q", ev.Event)
	}
	if ev.Timestamp != 123 {
		t.Errorf("timestamp = %d", ev.Timestamp)
	}
	if ev.Payload["fileChecksum"] != "abc" || ev.Payload["bytes"] != float64(7) {
		t.Errorf("payload = %v", ev.Payload)
	}
}

func TestParseRejectsNameless(t *testing.T) {
	if _, err := Parse([]byte(`{"timestamp":1}`)); err == nil {
		t.Error("expected error for line without event name")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Error("expected error for non-JSON line")
	}
}
