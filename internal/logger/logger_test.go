package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_ReturnsUsableLoggerForBothEnvironments(t *testing.T) {
	for _, env := range []string{"dev", "prod"} {
		l := New(Config{Env: env, Level: "error", ServiceName: "hima"})
		if l == nil {
			t.Fatalf("expected logger for env %q", env)
		}
		if l.Core().Enabled(zapcore.InfoLevel) {
			t.Fatalf("expected info to be disabled at error level for env %q", env)
		}
	}
}
