package logging

import (
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestSink(t *testing.T) (*RateLimited, *observer.ObservedLogs, *time.Time) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	r := NewRateLimited(zap.New(core))
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }
	return r, logs, &now
}

func TestErrorSuppressesRepeatsWithinWindow(t *testing.T) {
	r, logs, now := newTestSink(t)
	err := pkgerrors.New("adb: device offline")

	r.Error("config read", err)
	r.Error("config read", err)
	if got := logs.Len(); got != 1 {
		t.Fatalf("expected 1 line after immediate repeat, got %d", got)
	}

	*now = now.Add(errRepeatWindow)
	r.Error("config read", err)
	if got := logs.Len(); got != 2 {
		t.Fatalf("expected repeat after window, got %d lines", got)
	}
}

func TestErrorDifferentMessageFiresImmediately(t *testing.T) {
	r, logs, _ := newTestSink(t)

	r.Error("read", pkgerrors.New("first"))
	r.Error("read", pkgerrors.New("second"))
	if got := logs.Len(); got != 2 {
		t.Fatalf("expected 2 lines, got %d", got)
	}
}

func TestStateDedup(t *testing.T) {
	r, logs, now := newTestSink(t)

	r.State("[WAIT] waiting for the phone to start monitoring", 30*time.Second)
	r.State("[WAIT] waiting for the phone to start monitoring", 30*time.Second)
	if got := logs.Len(); got != 1 {
		t.Fatalf("expected 1 line, got %d", got)
	}

	*now = now.Add(31 * time.Second)
	r.State("[WAIT] waiting for the phone to start monitoring", 30*time.Second)
	if got := logs.Len(); got != 2 {
		t.Fatalf("expected second line after interval, got %d", got)
	}

	r.State("[CFG] enabled=true pkg=com.x keys=fps_app", 200*time.Millisecond)
	if got := logs.Len(); got != 3 {
		t.Fatalf("changed message must fire, got %d", got)
	}
}

func TestNilErrorIgnored(t *testing.T) {
	r, logs, _ := newTestSink(t)
	r.Error("x", nil)
	if logs.Len() != 0 {
		t.Fatal("nil error must not log")
	}
}

func TestNilLoggerFallsBackToNop(t *testing.T) {
	r := NewRateLimited(nil)
	r.Line("ok")
	r.Error("x", pkgerrors.New("boom"))
	r.State("y", time.Second)
}
