package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{"", LevelInfo, true},
		{"Warning", LevelWarn, true},
		{"err", LevelError, true},
		{"none", LevelOff, true},
		{"loud", LevelInfo, false},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tc.in, got, err)
		}
	}

	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat accepted xml")
	}
	if c, err := ParseCategory(" Audit "); err != nil || c != CategoryAudit {
		t.Errorf("ParseCategory(audit) = %v, %v", c, err)
	}
	if _, err := ParseCategory("network"); err == nil {
		t.Error("ParseCategory accepted network")
	}
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelInfo, Output: &buf})

	l.Conversion().ForQuery("42").WithFields("rules", 3).Info("converted", "success", true)
	l.Conversion().Debug("hidden")

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("want one line, got %q", out)
	}
	for _, want := range []string{"[conversion] converted", "query_id=42", "rules=3", "success=true"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelDebug, Output: &buf, Format: FormatJSON})

	l.Discovery().Error("catalog failed", errors.New("timeout"), "db", 16)

	var e struct {
		Level    string         `json:"level"`
		Category string         `json:"category"`
		Message  string         `json:"message"`
		Error    string         `json:"error"`
		Fields   map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if e.Category != "discovery" || e.Error != "timeout" || e.Fields["db"] != float64(16) {
		t.Errorf("entry = %+v", e)
	}
}

func TestCategoryLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{
		DefaultLevel:   LevelWarn,
		Output:         &buf,
		CategoryLevels: map[Category]Level{CategoryAudit: LevelDebug},
	})

	if l.Enabled(CategorySystem, LevelInfo) {
		t.Error("system info enabled")
	}
	if !l.Enabled(CategoryAudit, LevelDebug) {
		t.Error("audit debug disabled")
	}

	l.SetLevel(CategorySystem, LevelOff)
	l.System().Error("dropped", nil)
	l.Audit().Debug("kept")
	if out := buf.String(); strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Errorf("output = %q", out)
	}
}

func TestAsync(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelInfo, Output: &buf, AsyncBuffer: 16})
	for i := 0; i < 5; i++ {
		l.Performance().Info("tick", "i", i)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	logged, dropped := l.Stats()
	if logged+dropped != 5 {
		t.Errorf("logged %d dropped %d", logged, dropped)
	}
	if got := strings.Count(buf.String(), "tick"); int64(got) != logged {
		t.Errorf("wrote %d of %d entries", got, logged)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestContext(t *testing.T) {
	l := Discard()
	if FromContext(WithLogger(context.Background(), l)) != l {
		t.Error("logger not carried by context")
	}
	if FromContext(context.Background()) != Default() {
		t.Error("no fallback to default")
	}
}
