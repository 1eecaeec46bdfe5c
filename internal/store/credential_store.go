package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/transfa/session-agent/internal/domain"
)

const credentialKeyPrefix = "transfa:agent:credentials:"

// CredentialStore records which biometric credentials have been registered
// from this device, namespaced per subject so registrations never leak
// across identities on a shared machine. The records are advisory; the
// server remains authoritative.
type CredentialStore struct {
	medium Medium
}

func NewCredentialStore(medium Medium) *CredentialStore {
	return &CredentialStore{medium: medium}
}

func credentialKey(subjectID string) string {
	return credentialKeyPrefix + subjectID
}

func (c *CredentialStore) load(ctx context.Context, subjectID string) (map[string]domain.CredentialRegistration, error) {
	blob, err := c.medium.Get(ctx, credentialKey(subjectID))
	if errors.Is(err, ErrKeyNotFound) {
		return map[string]domain.CredentialRegistration{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credential store: read subject %q: %w", subjectID, err)
	}
	regs := map[string]domain.CredentialRegistration{}
	if err := json.Unmarshal(blob, &regs); err != nil {
		// A corrupt map means we can no longer trust the local records;
		// treat the subject as having none and let password fallback apply.
		return map[string]domain.CredentialRegistration{}, nil
	}
	return regs, nil
}

func (c *CredentialStore) save(ctx context.Context, subjectID string, regs map[string]domain.CredentialRegistration) error {
	if len(regs) == 0 {
		return c.medium.Delete(ctx, credentialKey(subjectID))
	}
	blob, err := json.Marshal(regs)
	if err != nil {
		return err
	}
	return c.medium.Set(ctx, credentialKey(subjectID), blob)
}

// ListForSubject returns the subject's registrations, oldest first.
func (c *CredentialStore) ListForSubject(ctx context.Context, subjectID string) ([]domain.CredentialRegistration, error) {
	regs, err := c.load(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CredentialRegistration, 0, len(regs))
	for _, r := range regs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

// Add appends a registration. A registration with the same credential
// reference replaces the existing one rather than duplicating it.
func (c *CredentialStore) Add(ctx context.Context, subjectID string, reg domain.CredentialRegistration) error {
	regs, err := c.load(ctx, subjectID)
	if err != nil {
		return err
	}
	reg.SubjectID = subjectID
	regs[reg.CredentialReference] = reg
	return c.save(ctx, subjectID, regs)
}

// Remove deletes a registration if present. Removing an absent reference
// is a no-op, not an error — server-side revocations may race local state.
func (c *CredentialStore) Remove(ctx context.Context, subjectID, credentialReference string) error {
	regs, err := c.load(ctx, subjectID)
	if err != nil {
		return err
	}
	if _, ok := regs[credentialReference]; !ok {
		return nil
	}
	delete(regs, credentialReference)
	return c.save(ctx, subjectID, regs)
}

// RemoveEverywhere drops a credential reference from every locally known
// subject. Used when the server revokes a credential and the initiating
// subject may not match the cached one.
func (c *CredentialStore) RemoveEverywhere(ctx context.Context, credentialReference string) error {
	keys, err := c.medium.Keys(ctx, credentialKeyPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		subjectID := key[len(credentialKeyPrefix):]
		if err := c.Remove(ctx, subjectID, credentialReference); err != nil {
			return err
		}
	}
	return nil
}

// HasAny reports whether the subject has at least one local registration.
// The lifecycle controller uses this to decide on the biometric lock screen.
func (c *CredentialStore) HasAny(ctx context.Context, subjectID string) bool {
	if subjectID == "" {
		return false
	}
	regs, err := c.load(ctx, subjectID)
	if err != nil {
		return false
	}
	return len(regs) > 0
}
