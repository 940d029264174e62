package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("production", &buf)
	log.Info().Str("request_id", "r1").Msg("created")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if line["request_id"] != "r1" {
		t.Fatalf("expected request_id field, got %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Fatalf("expected timestamp field, got %v", line)
	}
}

func TestNewWithWriterConsole(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("development", &buf)
	log.Info().Msg("hello")
	if json.Valid(buf.Bytes()) {
		t.Fatalf("development logger should not emit raw json: %q", buf.String())
	}
}
