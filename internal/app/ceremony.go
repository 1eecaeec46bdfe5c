/**
 * @description
 * This file implements the CeremonyClient, which orchestrates the two
 * WebAuthn-style ceremonies against the auth backend: registration (adding
 * a biometric credential to an already-authenticated session) and
 * authentication (producing a fresh session from an assertion proof). All
 * failures cross this boundary as tagged CeremonyErrors; callers never see
 * raw transport or platform errors.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/session-agent/internal/domain"
	"github.com/transfa/session-agent/internal/store"
	"github.com/transfa/session-agent/pkg/authclient"
	"github.com/transfa/session-agent/pkg/authenticator"
)

// AuthBackend is the slice of the auth backend the ceremonies consume.
type AuthBackend interface {
	FetchChallenge(ctx context.Context, purpose domain.CeremonyPurpose, subjectID string) (domain.Challenge, error)
	VerifyAuthentication(ctx context.Context, nonce string, proof json.RawMessage) (authclient.SessionGrant, error)
	VerifyRegistration(ctx context.Context, bearerToken, nonce string, proof json.RawMessage) (authclient.RegistrationGrant, error)
	Login(ctx context.Context, handle, password string) (authclient.SessionGrant, error)
	RevokeCredential(ctx context.Context, bearerToken, credentialReference string) error
}

// CeremonyClient runs the registration and authentication ceremonies. The
// capability probe result is cached on the instance with a TTL; a device
// found to have no authenticator stays that way for the process lifetime.
type CeremonyClient struct {
	backend     AuthBackend
	platform    authenticator.Authenticator
	sessions    *store.SessionStore
	credentials *store.CredentialStore
	governor    *AttemptGovernor
	logger      *slog.Logger
	probeTTL    time.Duration
	now         func() time.Time

	probeMu          sync.Mutex
	probedAt         time.Time
	probeOK          bool
	probeTerminalErr bool
}

func NewCeremonyClient(
	backend AuthBackend,
	platform authenticator.Authenticator,
	sessions *store.SessionStore,
	credentials *store.CredentialStore,
	governor *AttemptGovernor,
	probeTTL time.Duration,
	logger *slog.Logger,
) *CeremonyClient {
	return &CeremonyClient{
		backend:     backend,
		platform:    platform,
		sessions:    sessions,
		credentials: credentials,
		governor:    governor,
		logger:      logger,
		probeTTL:    probeTTL,
		now:         time.Now,
	}
}

// WithClock overrides the client's clock. Test hook.
func (c *CeremonyClient) WithClock(now func() time.Time) *CeremonyClient {
	c.now = now
	return c
}

// CanAttemptBiometric runs the cached capability probe. Once a device
// reports no authenticator, the answer stays false for this process so the
// UI stops offering biometric entry.
func (c *CeremonyClient) CanAttemptBiometric(ctx context.Context) bool {
	return c.probeCapability(ctx) == nil
}

func (c *CeremonyClient) probeCapability(ctx context.Context) error {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	if c.probeTerminalErr {
		return domain.NewCeremonyError(domain.ErrAuthenticatorUnavailable, authenticator.ErrUnavailable)
	}
	if !c.probedAt.IsZero() && c.now().Sub(c.probedAt) < c.probeTTL {
		if c.probeOK {
			return nil
		}
		return domain.NewCeremonyError(domain.ErrAuthenticatorUnavailable, authenticator.ErrUnavailable)
	}

	ok, err := c.platform.Available(ctx)
	c.probedAt = c.now()
	c.probeOK = ok && err == nil
	if err == nil && !ok {
		c.probeTerminalErr = true
	}
	if !c.probeOK {
		return domain.NewCeremonyError(domain.ErrAuthenticatorUnavailable, err)
	}
	return nil
}

func classifyPlatformError(err error) error {
	switch {
	case errors.Is(err, authenticator.ErrCancelled):
		return domain.NewCeremonyError(domain.ErrUserCancelled, err)
	case errors.Is(err, authenticator.ErrUnavailable):
		return domain.NewCeremonyError(domain.ErrAuthenticatorUnavailable, err)
	default:
		return domain.NewCeremonyError(domain.ErrAuthenticatorUnavailable, err)
	}
}

// Register runs the registration ceremony: it requires an active session,
// binds a fresh registration challenge to an attestation proof, and records
// the credential locally only after the server accepts it. No local writes
// happen on any failure path.
func (c *CeremonyClient) Register(ctx context.Context, label string) (domain.CredentialRegistration, error) {
	session, ok := c.sessions.Read(ctx)
	if !ok {
		return domain.CredentialRegistration{}, domain.NewCeremonyError(domain.ErrUnauthenticated, nil)
	}

	if err := c.probeCapability(ctx); err != nil {
		return domain.CredentialRegistration{}, err
	}

	challenge, err := c.backend.FetchChallenge(ctx, domain.PurposeRegistration, session.SubjectID)
	if err != nil {
		return domain.CredentialRegistration{}, err
	}

	proof, err := c.platform.CreateCredential(ctx, challenge, session.SubjectID, session.DisplayName)
	if err != nil {
		return domain.CredentialRegistration{}, classifyPlatformError(err)
	}

	// The challenge window is minutes; if the user sat on the prompt past
	// it, skip the doomed round trip and hand back the retriable kind.
	if challenge.Expired(c.now()) {
		return domain.CredentialRegistration{}, domain.NewCeremonyError(domain.ErrChallengeExpired, nil)
	}

	grant, err := c.backend.VerifyRegistration(ctx, session.BearerToken, challenge.Nonce, proof)
	if err != nil {
		return domain.CredentialRegistration{}, err
	}

	reg := domain.CredentialRegistration{
		SubjectID:           session.SubjectID,
		CredentialReference: grant.CredentialReference,
		Label:               label,
		RegisteredAt:        c.now(),
	}
	if reg.CredentialReference == "" {
		reg.CredentialReference = uuid.NewString()
	}
	if err := c.credentials.Add(ctx, session.SubjectID, reg); err != nil {
		return domain.CredentialRegistration{}, domain.NewCeremonyError(domain.ErrPersistence, err)
	}
	c.logger.Info("biometric credential registered", "subject_id", session.SubjectID, "credential_reference", reg.CredentialReference)
	return reg, nil
}

// Authenticate runs the authentication ceremony for the given subject. The
// governor is consulted before anything touches the network; a lock
// short-circuits with no challenge fetched. A cancellation before the
// verification call leaves governor state untouched; a server rejection
// counts as a failure.
func (c *CeremonyClient) Authenticate(ctx context.Context, subjectID string) (domain.Session, error) {
	if remaining := c.governor.RemainingLockout(subjectID, domain.AttemptBiometric); remaining > 0 {
		return domain.Session{}, domain.NewLockedError(remaining)
	}

	if err := c.probeCapability(ctx); err != nil {
		return domain.Session{}, err
	}

	// Authentication challenges are unscoped: the server resolves the
	// identity from the proof, never from client input.
	challenge, err := c.backend.FetchChallenge(ctx, domain.PurposeAuthentication, "")
	if err != nil {
		return domain.Session{}, err
	}

	proof, err := c.platform.GetAssertion(ctx, challenge)
	if err != nil {
		// A change of mind at the prompt is not a credential failure.
		return domain.Session{}, classifyPlatformError(err)
	}

	if challenge.Expired(c.now()) {
		return domain.Session{}, domain.NewCeremonyError(domain.ErrChallengeExpired, nil)
	}

	grant, err := c.backend.VerifyAuthentication(ctx, challenge.Nonce, proof)
	if err != nil {
		if domain.IsKind(err, domain.ErrVerificationRejected) {
			c.governor.RecordFailure(subjectID, domain.AttemptBiometric)
		}
		return domain.Session{}, err
	}

	session, err := c.grantSession(ctx, grant)
	if err != nil {
		return domain.Session{}, err
	}
	c.governor.RecordSuccess(session.SubjectID, domain.AttemptBiometric)
	if session.SubjectID != subjectID {
		// Shared device, different identity: clear the boot subject's
		// counters too so a stale lockout does not linger.
		c.governor.RecordSuccess(subjectID, domain.AttemptBiometric)
	}
	return session, nil
}

// AuthenticatePassword runs the password re-check fallback. It has its own
// governor purpose, so a biometric lockout never blocks it and vice versa.
func (c *CeremonyClient) AuthenticatePassword(ctx context.Context, handle, password string) (domain.Session, error) {
	if remaining := c.governor.RemainingLockout(handle, domain.AttemptPassword); remaining > 0 {
		return domain.Session{}, domain.NewLockedError(remaining)
	}

	grant, err := c.backend.Login(ctx, handle, password)
	if err != nil {
		if domain.IsKind(err, domain.ErrVerificationRejected) {
			c.governor.RecordFailure(handle, domain.AttemptPassword)
		}
		return domain.Session{}, err
	}

	session, err := c.grantSession(ctx, grant)
	if err != nil {
		return domain.Session{}, err
	}
	c.governor.RecordSuccess(handle, domain.AttemptPassword)
	return session, nil
}

func (c *CeremonyClient) grantSession(ctx context.Context, grant authclient.SessionGrant) (domain.Session, error) {
	session := domain.Session{
		SubjectID:   grant.Subject,
		DisplayName: grant.Name,
		BearerToken: grant.Token,
		Profile:     grant.Profile,
		IssuedAt:    c.now(),
	}
	if err := c.sessions.Write(ctx, session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// Revoke asks the server to revoke a credential, then drops the matching
// local registration under every locally known subject — the initiating
// subject need not match the cached one.
func (c *CeremonyClient) Revoke(ctx context.Context, credentialReference string) error {
	session, ok := c.sessions.Read(ctx)
	if !ok {
		return domain.NewCeremonyError(domain.ErrUnauthenticated, nil)
	}
	if err := c.backend.RevokeCredential(ctx, session.BearerToken, credentialReference); err != nil {
		return err
	}
	if err := c.credentials.RemoveEverywhere(ctx, credentialReference); err != nil {
		return domain.NewCeremonyError(domain.ErrPersistence, err)
	}
	c.logger.Info("credential revoked", "credential_reference", credentialReference)
	return nil
}
