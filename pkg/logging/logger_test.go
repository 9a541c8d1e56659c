package logging

import (
	"context"
	"market_scanner/pkg/telemetry"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestZapLogger_OTelBridge(t *testing.T) {
	// 1. Setup OTel
	tel, err := telemetry.Setup(telemetry.Config{ServiceName: "test-logger", EnableTracing: true})
	if err != nil {
		t.Fatalf("OTel setup failed: %v", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	// 2. Create Zap Logger
	logger, err := NewZapLogger("DEBUG")
	if err != nil {
		t.Fatalf("Zap logger creation failed: %v", err)
	}

	// 3. Log something
	logger.Info("Test OTel bridging", "key", "value")

	// Wait a bit for OTel batching (if any)
	time.Sleep(500 * time.Millisecond)

	// Since we are using stdoutlog, we just verify it doesn't crash
	// and produces output. In a full test we might capture stdout.
	logger.Debug("Debug message", "status", "testing")

	_ = logger.Sync() // Some writers don't support sync (like stderr in some envs), ignore error
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zap.DebugLevel, false},
		{"INFO", zap.InfoLevel, false},
		{"", zap.InfoLevel, false},
		{"warning", zap.WarnLevel, false},
		{" ERROR ", zap.ErrorLevel, false},
		{"loud", zap.InfoLevel, true},
	}

	for _, tc := range cases {
		got, err := parseLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseLevel(%q): expected error, got none", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseLevel(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestZapFieldsPairing(t *testing.T) {
	fields := zapFields([]interface{}{"symbol", "BTCUSDT", 42, "answer", "dangling"})

	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(fields))
	}
	if fields[0].Key != "symbol" {
		t.Errorf("first key = %q, want %q", fields[0].Key, "symbol")
	}
	// Non-string keys are stringified rather than dropped.
	if fields[1].Key != "42" {
		t.Errorf("second key = %q, want %q", fields[1].Key, "42")
	}
	// A dangling value survives under "extra".
	if fields[2].Key != "extra" {
		t.Errorf("third key = %q, want %q", fields[2].Key, "extra")
	}
}
