package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

// capture redirects the sink into a buffer for one test.
func capture(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(INFO)
	})
	return &buf
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, WARN)

	Debug("debug message")
	Info("info message")
	if buf.Len() != 0 {
		t.Errorf("DEBUG/INFO should be filtered at WARN level, got %q", buf.String())
	}

	Warn("warn message")
	Error("error message")
	out := buf.String()
	if !strings.Contains(out, "warn message") {
		t.Error("WARN should pass at WARN level")
	}
	if !strings.Contains(out, "error message") {
		t.Error("ERROR should pass at WARN level")
	}
}

func TestFormatting(t *testing.T) {
	buf := capture(t, DEBUG)

	Info("pushed %d shards", 3)

	if !strings.Contains(buf.String(), "pushed 3 shards") {
		t.Errorf("format args not applied: %q", buf.String())
	}
}

func TestComponentPrefix(t *testing.T) {
	buf := capture(t, DEBUG)

	l := WithField("component", "sync")
	l.Info("tick complete")

	if !strings.Contains(buf.String(), "sync: tick complete") {
		t.Errorf("component should prefix the message: %q", buf.String())
	}
}

func TestFieldsOrderedAfterMessage(t *testing.T) {
	buf := capture(t, DEBUG)

	l := WithField("component", "sync").
		WithField("wallet", "abc").
		WithField("version", 4)
	l.Info("shard uploaded")

	out := buf.String()
	if !strings.Contains(out, "shard uploaded wallet=abc version=4") {
		t.Errorf("fields should follow the message in insertion order: %q", out)
	}
}

func TestWithField_DoesNotMutateParent(t *testing.T) {
	buf := capture(t, DEBUG)

	base := WithField("component", "share")
	base.WithField("share_id", "s-1").Info("issued")

	buf.Reset()
	base.Info("plain")
	if strings.Contains(buf.String(), "share_id=") {
		t.Errorf("derived fields leaked into the parent: %q", buf.String())
	}
}

func TestWithFields_SortedKeys(t *testing.T) {
	buf := capture(t, DEBUG)

	l := WithFields(map[string]interface{}{"zeta": 1, "alpha": 2})
	l.Info("msg")

	out := buf.String()
	alpha := strings.Index(out, "alpha=2")
	zeta := strings.Index(out, "zeta=1")
	if alpha < 0 || zeta < 0 || alpha > zeta {
		t.Errorf("WithFields should render keys sorted: %q", out)
	}
}

func TestNoColorForBuffers(t *testing.T) {
	buf := capture(t, DEBUG)

	Error("plain sink")

	if strings.Contains(buf.String(), "\033[") {
		t.Errorf("non-terminal output must carry no color escapes: %q", buf.String())
	}
}
