package app

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/transfa/session-agent/internal/domain"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time { return c.current }

func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestGovernor(maxAttempts int, lockout time.Duration, clock *fakeClock) *AttemptGovernor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAttemptGovernor(maxAttempts, lockout, logger).WithClock(clock.Now)
}

func TestGovernor_BelowThresholdStaysUnlocked(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	g := newTestGovernor(3, 5*time.Minute, clock)

	g.RecordFailure("user-1", domain.AttemptBiometric)
	g.RecordFailure("user-1", domain.AttemptBiometric)

	if g.IsLocked("user-1", domain.AttemptBiometric) {
		t.Fatal("expected subject to stay unlocked below the threshold")
	}
}

func TestGovernor_ThresholdLocksUntilWindowElapses(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	g := newTestGovernor(3, 5*time.Minute, clock)

	for i := 0; i < 3; i++ {
		g.RecordFailure("user-1", domain.AttemptBiometric)
	}

	if !g.IsLocked("user-1", domain.AttemptBiometric) {
		t.Fatal("expected lock at the threshold")
	}
	if remaining := g.RemainingLockout("user-1", domain.AttemptBiometric); remaining != 5*time.Minute {
		t.Fatalf("expected full lockout window remaining, got %v", remaining)
	}

	clock.Advance(4 * time.Minute)
	if !g.IsLocked("user-1", domain.AttemptBiometric) {
		t.Fatal("expected lock to persist inside the window")
	}

	clock.Advance(2 * time.Minute)
	if g.IsLocked("user-1", domain.AttemptBiometric) {
		t.Fatal("expected lock to auto-expire after the window")
	}
	if g.Failures("user-1", domain.AttemptBiometric) != 0 {
		t.Fatal("expected expired lock record to be discarded")
	}
}

func TestGovernor_SuccessResetsRegardlessOfPriorState(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	g := newTestGovernor(3, 5*time.Minute, clock)

	for i := 0; i < 3; i++ {
		g.RecordFailure("user-1", domain.AttemptBiometric)
	}
	g.RecordSuccess("user-1", domain.AttemptBiometric)

	if g.IsLocked("user-1", domain.AttemptBiometric) {
		t.Fatal("expected success to clear the lock")
	}
	if g.Failures("user-1", domain.AttemptBiometric) != 0 {
		t.Fatal("expected success to reset consecutive failures to zero")
	}
}

func TestGovernor_PurposesAreIndependent(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	g := newTestGovernor(3, 5*time.Minute, clock)

	for i := 0; i < 3; i++ {
		g.RecordFailure("user-1", domain.AttemptPassword)
	}

	if !g.IsLocked("user-1", domain.AttemptPassword) {
		t.Fatal("expected password purpose to be locked")
	}
	if g.IsLocked("user-1", domain.AttemptBiometric) {
		t.Fatal("expected biometric purpose to stay unlocked")
	}
}

func TestGovernor_SubjectsAreIndependent(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	g := newTestGovernor(3, 5*time.Minute, clock)

	for i := 0; i < 3; i++ {
		g.RecordFailure("user-1", domain.AttemptBiometric)
	}

	if g.IsLocked("user-2", domain.AttemptBiometric) {
		t.Fatal("expected other subjects to stay unlocked")
	}
}
