// Package pttest contains helpers shared by the powertree tests.
package pttest

import (
	"log/slog"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// ScheduleTimeout bounds how long the channel helpers wait.
const ScheduleTimeout = 2 * time.Second

// NewLogger returns a logger that writes through t.Log,
// so output is attached to the test that produced it.
func NewLogger(t *testing.T) *slog.Logger {
	return slogt.New(t)
}

// SendSoon sends v on ch, failing the test if the send blocks
// for longer than [ScheduleTimeout].
func SendSoon[T any](t *testing.T, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScheduleTimeout)
	defer timer.Stop()

	select {
	case ch <- v:
	case <-timer.C:
		t.Fatalf("channel send did not complete within %s", ScheduleTimeout)
	}
}

// ReceiveSoon receives from ch, failing the test if nothing arrives
// within [ScheduleTimeout].
func ReceiveSoon[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScheduleTimeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("no value received within %s", ScheduleTimeout)
		panic("unreachable")
	}
}

// NotSending fails the test if ch has a value ready.
func NotSending[T any](t *testing.T, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("unexpected value on channel: %v", v)
	default:
	}
}

// IsSending fails the test if ch does not have a value ready.
// A closed channel counts as ready.
func IsSending[T any](t *testing.T, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
	default:
		t.Fatal("expected channel to be ready")
	}
}
