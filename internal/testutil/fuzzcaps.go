package testutil

import (
	"testing"
	"time"
)

const (
	// DefaultMaxFuzzBytes covers a few maximum-size frames.
	DefaultMaxFuzzBytes = 16 << 10
	DefaultFuzzTimeout  = 100 * time.Millisecond
)

func CapBytes(b []byte, max int) []byte {
	if max <= 0 || len(b) <= max {
		return b
	}
	return b[:max]
}

// WithTimeout fails t when fn does not return within d. Decoders must never
// loop on hostile input.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("timeout after %s", d)
	}
}
