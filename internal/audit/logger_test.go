package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLogSuccessEmitsJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)

	l.LogSuccess(OpSessionCreate, "sess-1", "zed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["operation"] != "session.create" {
		t.Errorf("operation = %v", entry["operation"])
	}
	if entry["session_id"] != "sess-1" || entry["backend"] != "zed" {
		t.Errorf("entry = %v", entry)
	}
	if entry["success"] != true {
		t.Errorf("success = %v", entry["success"])
	}
}

func TestLogFailureIncludesError(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)

	l.LogFailure(OpSessionTerminate, "sess-1", "", errors.New("handle already gone"))

	out := buf.String()
	if !strings.Contains(out, "handle already gone") {
		t.Errorf("error missing from entry: %s", out)
	}
	if !strings.Contains(out, `"success":false`) {
		t.Errorf("success not false: %s", out)
	}
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.LogSuccess(OpShellOpen, "", "")
	if buf.Len() != 0 {
		t.Errorf("disabled logger wrote: %s", buf.String())
	}

	l.SetEnabled(true)
	l.LogSuccess(OpShellOpen, "", "")
	if buf.Len() == 0 {
		t.Error("re-enabled logger wrote nothing")
	}
}
