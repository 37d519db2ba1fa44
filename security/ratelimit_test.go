package security

import (
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func TestLoginLimiter_Allow(t *testing.T) {
	l := NewLoginLimiter(1, 3, 0, slog.Default())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("github:session-1") {
			t.Errorf("Allow() attempt %d should be allowed", i+1)
		}
	}
	if l.Allow("github:session-1") {
		t.Error("Allow() should return false once burst is exhausted")
	}
	if !l.Allow("github:session-2") {
		t.Error("Allow() for a different key should be allowed")
	}
}

func TestLoginLimiter_Disabled(t *testing.T) {
	l := NewLoginLimiter(0, 1, 0, nil)
	defer l.Stop()

	for i := 0; i < 100; i++ {
		if !l.Allow("k") {
			t.Fatalf("Allow() attempt %d rejected with limiting disabled", i+1)
		}
	}

	var nilLimiter *LoginLimiter
	if !nilLimiter.Allow("k") {
		t.Error("nil limiter should allow everything")
	}
	nilLimiter.Stop()
}

func TestLoginLimiter_Eviction(t *testing.T) {
	l := NewLoginLimiter(10, 1, 3, nil)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("key-%d", i))
	}
	if got := l.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}

func TestLoginLimiter_Cleanup(t *testing.T) {
	l := NewLoginLimiter(10, 1, 0, nil)
	defer l.Stop()

	l.Allow("a")
	l.Allow("b")

	if removed := l.Cleanup(time.Hour); removed != 0 {
		t.Errorf("Cleanup(1h) removed %d, want 0", removed)
	}
	time.Sleep(5 * time.Millisecond)
	if removed := l.Cleanup(time.Millisecond); removed != 2 {
		t.Errorf("Cleanup(1ms) removed %d, want 2", removed)
	}
	if got := l.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestLoginLimiter_StopTwice(t *testing.T) {
	l := NewLoginLimiter(10, 1, 0, nil)
	l.Stop()
	l.Stop()
}
