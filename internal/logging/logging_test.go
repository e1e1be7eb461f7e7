// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerWritesComponentAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf, Level: LevelInfo})

	l.WithComponent("session").Info("granted access", "mac", "aa:bb:cc:dd:ee:ff")

	out := buf.String()
	if !strings.Contains(out, "component=session") {
		t.Errorf("expected component attribute in output, got %q", out)
	}
	if !strings.Contains(out, "granted access") {
		t.Errorf("expected message in output, got %q", out)
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf, Level: LevelWarn})

	l.Debug("should not appear")
	l.Info("also should not appear")
	l.Warn("this should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("debug/info records leaked through warn-level filter: %q", out)
	}
	if !strings.Contains(out, "this should appear") {
		t.Errorf("expected warn record in output, got %q", out)
	}
}

func TestWithErrorAttachesErrField(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf, Level: LevelInfo})

	l.WithError(errTest{}).Error("enforcement failed")

	if !strings.Contains(buf.String(), "err=") {
		t.Errorf("expected err attribute in output, got %q", buf.String())
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
