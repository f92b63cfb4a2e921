package logutil

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func TestLogf_TextAndJSON(t *testing.T) {
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)

	SetJSON(false)
	Warnf(l, "member %s down", "node-001")
	if got := strings.TrimSpace(buf.String()); got != "WARN member node-001 down" {
		t.Fatalf("text line = %q", got)
	}

	buf.Reset()
	SetJSON(true)
	defer SetJSON(false)
	Infof(l, "leader=%s", "node-002")
	var evt map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &evt); err != nil {
		t.Fatalf("json line: %v (%q)", err, buf.String())
	}
	if evt["level"] != "info" || evt["msg"] != "leader=node-002" {
		t.Fatalf("unexpected event %v", evt)
	}
}

func TestDebugf_Gated(t *testing.T) {
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	SetJSON(false)
	SetDebug(false)
	Debugf(l, "hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug written while disabled: %q", buf.String())
	}
	SetDebug(true)
	defer SetDebug(false)
	Debugf(l, "shown")
	if !strings.Contains(buf.String(), "DEBUG shown") {
		t.Fatalf("debug line missing: %q", buf.String())
	}
}
