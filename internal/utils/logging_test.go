package utils

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerMethods(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := NewLoggerFromZap(zap.New(core))

	logger.Debug("dbg", "k0", "v0")
	logger.Info("hi", "k", "v")
	logger.Warn("warn", "k2", "v2")
	logger.Error("err", "k3", "v3")

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	want := []string{"dbg", "hi", "warn", "err"}
	for i, e := range entries {
		if e.Message != want[i] {
			t.Fatalf("entry %d: expected %q, got %q", i, want[i], e.Message)
		}
	}
	if got := entries[1].ContextMap()["k"]; got != "v" {
		t.Fatalf("expected field k=v, got %v", got)
	}
}

func TestLoggerWith(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := NewLoggerFromZap(zap.New(core)).With("clientId", "c1")

	logger.Info("joined")

	entries := logs.FilterField(zap.String("clientId", "c1")).All()
	if len(entries) != 1 {
		t.Fatalf("expected child logger field, got %d entries", len(entries))
	}
}

func TestNewLoggerWithLevel(t *testing.T) {
	if _, err := NewLoggerWithLevel("debug"); err != nil {
		t.Fatalf("expected debug level to parse, got %v", err)
	}
	if _, err := NewLoggerWithLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	logger := NewNopLogger()
	logger.Info("ignored", "k", "v")
	_ = logger.Sync()
}
