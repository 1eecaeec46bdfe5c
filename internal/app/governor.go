package app

import (
	"log/slog"
	"sync"
	"time"

	"github.com/transfa/session-agent/internal/domain"
)

// AttemptGovernor enforces failure-count-based temporary lockout per
// subject and per purpose. Biometric and password failures are tracked
// independently, so locking one vector never denies the other. State lives
// on the instance, not in package globals, so tests construct their own.
type AttemptGovernor struct {
	maxAttempts int
	lockout     time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	records map[attemptKey]*domain.AttemptRecord
}

type attemptKey struct {
	subjectID string
	purpose   domain.AttemptPurpose
}

// NewAttemptGovernor builds a governor. Threshold and lockout duration come
// from configuration, never from call sites.
func NewAttemptGovernor(maxAttempts int, lockout time.Duration, logger *slog.Logger) *AttemptGovernor {
	return &AttemptGovernor{
		maxAttempts: maxAttempts,
		lockout:     lockout,
		logger:      logger,
		now:         time.Now,
		records:     make(map[attemptKey]*domain.AttemptRecord),
	}
}

// WithClock overrides the governor's clock. Test hook.
func (g *AttemptGovernor) WithClock(now func() time.Time) *AttemptGovernor {
	g.now = now
	return g
}

// IsLocked reports whether ceremonies of this purpose are currently
// refused for the subject. An elapsed lock is discarded on the spot; no
// manual unlock exists.
func (g *AttemptGovernor) IsLocked(subjectID string, purpose domain.AttemptPurpose) bool {
	return g.RemainingLockout(subjectID, purpose) > 0
}

// RemainingLockout returns how long the subject stays locked for this
// purpose, or zero when unlocked.
func (g *AttemptGovernor) RemainingLockout(subjectID string, purpose domain.AttemptPurpose) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := attemptKey{subjectID, purpose}
	rec, ok := g.records[key]
	if !ok || rec.LockedUntil == nil {
		return 0
	}
	remaining := rec.LockedUntil.Sub(g.now())
	if remaining <= 0 {
		delete(g.records, key)
		return 0
	}
	return remaining
}

// RecordFailure counts one failed ceremony. Crossing the configured
// threshold starts the lockout window.
func (g *AttemptGovernor) RecordFailure(subjectID string, purpose domain.AttemptPurpose) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := attemptKey{subjectID, purpose}
	now := g.now()
	rec, ok := g.records[key]
	if !ok {
		rec = &domain.AttemptRecord{
			SubjectID:      subjectID,
			Purpose:        purpose,
			FirstFailureAt: now,
		}
		g.records[key] = rec
	}
	rec.ConsecutiveFailures++
	if rec.ConsecutiveFailures >= g.maxAttempts && rec.LockedUntil == nil {
		until := now.Add(g.lockout)
		rec.LockedUntil = &until
		g.logger.Warn("attempt lockout engaged",
			"subject_id", subjectID,
			"purpose", purpose,
			"failures", rec.ConsecutiveFailures,
			"locked_until", until)
	}
}

// RecordSuccess clears the record entirely, whatever its prior state.
func (g *AttemptGovernor) RecordSuccess(subjectID string, purpose domain.AttemptPurpose) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, attemptKey{subjectID, purpose})
}

// Failures returns the current consecutive failure count. Read-only view
// used by the controller to decide when to offer password fallback.
func (g *AttemptGovernor) Failures(subjectID string, purpose domain.AttemptPurpose) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[attemptKey{subjectID, purpose}]
	if !ok {
		return 0
	}
	return rec.ConsecutiveFailures
}
