package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelWarn)

	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("visible")
	l.Error("also visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("filtered levels leaked into output:\n%s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("WARN line missing from output:\n%s", out)
	}
	if !strings.Contains(out, "also visible") {
		t.Errorf("ERROR line missing from output:\n%s", out)
	}
}

func TestComponentPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	l.WithComponent("gateway").Info("started")

	if !strings.Contains(buf.String(), "[gateway]") {
		t.Errorf("component missing from line: %s", buf.String())
	}
}

func TestWithConn(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	l.WithConn("c-42").Info("attached")

	if !strings.Contains(buf.String(), "conn=c-42") {
		t.Errorf("conn id missing from line: %s", buf.String())
	}
}

func TestFields(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	l.Info("event", map[string]interface{}{"count": 3})

	if !strings.Contains(buf.String(), "count=3") {
		t.Errorf("field missing from line: %s", buf.String())
	}
}

func TestRecoveryScan_WarnsOnConflict(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	l.RecoveryScan(true, 2, 0, 1)

	out := buf.String()
	if !strings.HasPrefix(out, "WARN") {
		t.Errorf("conflicting scan should log at WARN, got: %s", out)
	}
	if !strings.Contains(out, "conflicts=1") {
		t.Errorf("conflict count missing: %s", out)
	}
}
