package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSinkWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf)
	s.SetSession("123456", "host", "alice")
	s.Record(EventSessionStarted, nil)
	s.Record(EventChatSent, map[string]any{"length": 5})
	s.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if rec["event"] != EventSessionStarted || rec["room_code"] != "123456" || rec["username"] != "alice" {
		t.Errorf("record = %v", rec)
	}
	var rec2 map[string]any
	json.Unmarshal([]byte(lines[1]), &rec2)
	extra, _ := rec2["extra"].(map[string]any)
	if extra["length"] != float64(5) {
		t.Errorf("extra = %v", rec2["extra"])
	}
}

func TestNopSinkIsSafe(t *testing.T) {
	s := Nop()
	s.SetSession("1", "host", "x")
	s.Record(EventUndo, nil)
	s.Close()
}

func TestRecordAfterCloseDoesNotPanic(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf)
	s.Close()
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("record after close panicked: %v", r)
		}
	}()
	s.Record(EventUndo, nil)
}
