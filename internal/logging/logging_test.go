package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=dispatched", "kind=CHECK"}},
		{"JSON", []string{`"msg":"dispatched"`, `"kind":"CHECK"`}},
		{"pretty", []string{"msg=dispatched"}},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		NewLoggerWithWriter(slog.LevelInfo, tt.format, &buf).Info("dispatched", "kind", "CHECK")
		for _, w := range tt.want {
			if !strings.Contains(buf.String(), w) {
				t.Errorf("format %q: output %q missing %q", tt.format, buf.String(), w)
			}
		}
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Info("should not appear")
	logger.Warn("should appear")

	if strings.Contains(buf.String(), "should not appear") {
		t.Errorf("INFO message should be filtered at WARN level, got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("WARN message should appear at WARN level, got: %s", buf.String())
	}
}

func TestForTest(t *testing.T) {
	var buf bytes.Buffer
	logger := ForTest(NewLoggerWithWriter(slog.LevelDebug, "text", &buf), "rt_1", "chrome/linux/800x600")

	logger.Debug("job completed", "job_id", "job_abc")

	for _, w := range []string{"component=running-test", "test_id=rt_1", "target=chrome/linux/800x600", "job_id=job_abc"} {
		if !strings.Contains(buf.String(), w) {
			t.Errorf("output %q missing %q", buf.String(), w)
		}
	}
}

func TestDiscard(t *testing.T) {
	if Discard().Enabled(context.Background(), slog.LevelError) {
		t.Error("Discard logger is enabled at ERROR")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestValidFormat(t *testing.T) {
	for _, f := range []string{"", "text", "json", "JSON"} {
		if !ValidFormat(f) {
			t.Errorf("ValidFormat(%q) = false, want true", f)
		}
	}
	if ValidFormat("xml") {
		t.Error(`ValidFormat("xml") = true, want false`)
	}
}
