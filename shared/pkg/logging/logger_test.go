package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(INFO, true)
	l.SetOutput(&buf)

	l.WithFields(map[string]interface{}{"job_id": "j1", "attempts": 2}).
		WithError(errors.New("boom")).
		Warn("lease released", map[string]interface{}{"reason": "Lease expired"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	if entry.Level != "WARN" || entry.Message != "lease released" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	for _, key := range []string{"job_id", "attempts", "error", "reason"} {
		if _, ok := entry.Fields[key]; !ok {
			t.Errorf("missing field %q in %v", key, entry.Fields)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WARN, false)
	l.SetOutput(&buf)

	l.Info("hidden")
	l.WithField("k", "v").Debug("hidden too")
	l.Error("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below level leaked: %q", out)
	}
	if !strings.Contains(out, "ERROR: shown") {
		t.Errorf("expected error line, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": DEBUG, "WARNING": WARN, "error": ERROR, "bogus": INFO}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
