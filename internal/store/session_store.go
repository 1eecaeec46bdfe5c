/**
 * @description
 * This file implements the SessionStore: the single owner of the persisted
 * Session record. The session is serialized and written as one blob under
 * one key, so readers can never observe a token without a profile or vice
 * versa. If the durable medium fails, the store degrades to an in-memory
 * shadow copy with a logged warning — the agent stays usable but loses
 * durability across restarts.
 */
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/transfa/session-agent/internal/domain"
)

const (
	sessionKey     = "transfa:agent:session"
	lastSubjectKey = "transfa:agent:last_subject"
)

// SessionStore persists the current Session. Only the lifecycle controller
// and ceremony client write through it; everything else reads.
type SessionStore struct {
	primary Medium
	shadow  *MemoryMedium
	sealer  *Sealer
	logger  *slog.Logger

	mu       sync.Mutex
	degraded bool
}

// NewSessionStore builds a store over the given medium. sealer may be nil,
// in which case blobs are stored unencrypted (the volatile policy, where
// nothing outlives the process anyway).
func NewSessionStore(primary Medium, sealer *Sealer, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		primary: primary,
		shadow:  NewMemoryMedium(),
		sealer:  sealer,
		logger:  logger,
	}
}

func (s *SessionStore) encode(session domain.Session) ([]byte, error) {
	raw, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	if s.sealer == nil {
		return raw, nil
	}
	return s.sealer.Seal(raw)
}

func (s *SessionStore) decode(blob []byte) (domain.Session, error) {
	if s.sealer != nil {
		opened, err := s.sealer.Open(blob)
		if err != nil {
			return domain.Session{}, err
		}
		blob = opened
	}
	var session domain.Session
	if err := json.Unmarshal(blob, &session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// Write atomically replaces the stored session. A session missing its token
// or identity is rejected before anything touches storage.
func (s *SessionStore) Write(ctx context.Context, session domain.Session) error {
	if !session.Complete() {
		return fmt.Errorf("session store: refusing to persist incomplete session for subject %q", session.SubjectID)
	}
	blob, err := s.encode(session)
	if err != nil {
		return domain.NewCeremonyError(domain.ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.degraded {
		if err := s.primary.Set(ctx, sessionKey, blob); err == nil {
			_ = s.primary.Set(ctx, lastSubjectKey, []byte(session.SubjectID))
			return nil
		} else {
			s.logger.Warn("durable session write failed, degrading to in-memory shadow", "error", err)
			s.degraded = true
		}
	}

	if err := s.shadow.Set(ctx, sessionKey, blob); err != nil {
		return domain.NewCeremonyError(domain.ErrPersistence, err)
	}
	_ = s.shadow.Set(ctx, lastSubjectKey, []byte(session.SubjectID))
	return nil
}

// Read returns the stored session, or ok=false when none exists. A blob
// that fails to decode is treated as absent, not surfaced as an error that
// would block the boot flow.
func (s *SessionStore) Read(ctx context.Context) (domain.Session, bool) {
	s.mu.Lock()
	medium := s.activeMedium()
	s.mu.Unlock()

	blob, err := medium.Get(ctx, sessionKey)
	if errors.Is(err, ErrKeyNotFound) {
		return domain.Session{}, false
	}
	if err != nil {
		s.logger.Warn("session read failed", "error", err)
		return domain.Session{}, false
	}
	session, err := s.decode(blob)
	if err != nil || !session.Complete() {
		s.logger.Warn("discarding undecodable or incomplete session record", "error", err)
		return domain.Session{}, false
	}
	return session, true
}

// LastSubject returns the most recently authenticated subject id, used at
// boot to decide whether a biometric lock screen applies.
func (s *SessionStore) LastSubject(ctx context.Context) string {
	s.mu.Lock()
	medium := s.activeMedium()
	s.mu.Unlock()

	v, err := medium.Get(ctx, lastSubjectKey)
	if err != nil {
		return ""
	}
	return string(v)
}

// Clear removes the session and every session-scoped secondary key as one
// logical operation, on both media so a later un-degrade cannot resurrect
// a logged-out session.
func (s *SessionStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if err := s.primary.Delete(ctx, sessionKey, lastSubjectKey); err != nil {
		firstErr = err
	}
	if err := s.shadow.Delete(ctx, sessionKey, lastSubjectKey); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return domain.NewCeremonyError(domain.ErrPersistence, firstErr)
	}
	return nil
}

func (s *SessionStore) activeMedium() Medium {
	if s.degraded {
		return s.shadow
	}
	return s.primary
}

// Migrate copies the listed keys from a retired medium into the current one
// and removes them from the retired medium. Keys already present in the
// destination win. Running it with no stale keys present is a no-op, so the
// startup path can call it unconditionally.
func Migrate(ctx context.Context, from, to Medium, keys []string) error {
	for _, key := range keys {
		stale, err := from.Get(ctx, key)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("migrate: read %q: %w", key, err)
		}
		if _, err := to.Get(ctx, key); errors.Is(err, ErrKeyNotFound) {
			if err := to.Set(ctx, key, stale); err != nil {
				return fmt.Errorf("migrate: write %q: %w", key, err)
			}
		} else if err != nil {
			return fmt.Errorf("migrate: probe %q: %w", key, err)
		}
		if err := from.Delete(ctx, key); err != nil {
			return fmt.Errorf("migrate: remove stale %q: %w", key, err)
		}
	}
	return nil
}

// MigrationKeys is the full set of keys a storage-policy change can strand.
func MigrationKeys() []string {
	return []string{sessionKey, lastSubjectKey}
}
