package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/transfa/session-agent/internal/domain"
	"github.com/transfa/session-agent/internal/store"
	"github.com/transfa/session-agent/pkg/authclient"
	"github.com/transfa/session-agent/pkg/authenticator"
)

type backendStub struct {
	challenge    domain.Challenge
	challengeErr error

	authGrant authclient.SessionGrant
	authErr   error

	regGrant authclient.RegistrationGrant
	regErr   error

	loginGrant authclient.SessionGrant
	loginErr   error

	revokeErr error

	challengeCalls int
	verifyCalls    int
	loginCalls     int
	revokeCalls    int
}

func (b *backendStub) FetchChallenge(ctx context.Context, purpose domain.CeremonyPurpose, subjectID string) (domain.Challenge, error) {
	b.challengeCalls++
	if b.challengeErr != nil {
		return domain.Challenge{}, b.challengeErr
	}
	ch := b.challenge
	ch.Purpose = purpose
	ch.Subject = subjectID
	return ch, nil
}

func (b *backendStub) VerifyAuthentication(ctx context.Context, nonce string, proof json.RawMessage) (authclient.SessionGrant, error) {
	b.verifyCalls++
	if b.authErr != nil {
		return authclient.SessionGrant{}, b.authErr
	}
	return b.authGrant, nil
}

func (b *backendStub) VerifyRegistration(ctx context.Context, bearerToken, nonce string, proof json.RawMessage) (authclient.RegistrationGrant, error) {
	b.verifyCalls++
	if b.regErr != nil {
		return authclient.RegistrationGrant{}, b.regErr
	}
	return b.regGrant, nil
}

func (b *backendStub) Login(ctx context.Context, handle, password string) (authclient.SessionGrant, error) {
	b.loginCalls++
	if b.loginErr != nil {
		return authclient.SessionGrant{}, b.loginErr
	}
	return b.loginGrant, nil
}

func (b *backendStub) RevokeCredential(ctx context.Context, bearerToken, credentialReference string) error {
	b.revokeCalls++
	return b.revokeErr
}

type platformStub struct {
	available    bool
	availableErr error
	proof        json.RawMessage
	proofErr     error

	availableCalls int
	promptCalls    int
}

func (p *platformStub) Available(ctx context.Context) (bool, error) {
	p.availableCalls++
	return p.available, p.availableErr
}

func (p *platformStub) CreateCredential(ctx context.Context, challenge domain.Challenge, subjectID, displayName string) (json.RawMessage, error) {
	p.promptCalls++
	return p.proof, p.proofErr
}

func (p *platformStub) GetAssertion(ctx context.Context, challenge domain.Challenge) (json.RawMessage, error) {
	p.promptCalls++
	return p.proof, p.proofErr
}

type ceremonyFixture struct {
	client      *CeremonyClient
	backend     *backendStub
	platform    *platformStub
	sessions    *store.SessionStore
	credentials *store.CredentialStore
	governor    *AttemptGovernor
	clock       *fakeClock
}

func newCeremonyFixture(t *testing.T) *ceremonyFixture {
	t.Helper()
	return newCeremonyFixtureWithMedium(t, store.NewMemoryMedium())
}

func newCeremonyFixtureWithMedium(t *testing.T, medium store.Medium) *ceremonyFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}

	sessions := store.NewSessionStore(medium, nil, logger)
	credentials := store.NewCredentialStore(medium)
	governor := NewAttemptGovernor(3, 5*time.Minute, logger).WithClock(clock.Now)

	backend := &backendStub{
		challenge: domain.Challenge{Nonce: "nonce-1", Expiry: clock.current.Add(2 * time.Minute)},
		authGrant: authclient.SessionGrant{
			Token:   "tok-1",
			Subject: "user-1",
			Name:    "Ada",
			Profile: json.RawMessage(`{"username":"ada"}`),
		},
		regGrant: authclient.RegistrationGrant{Accepted: true, CredentialReference: "cred-1"},
		loginGrant: authclient.SessionGrant{
			Token:   "tok-2",
			Subject: "user-1",
			Name:    "Ada",
			Profile: json.RawMessage(`{"username":"ada"}`),
		},
	}
	platform := &platformStub{available: true, proof: json.RawMessage(`{"sig":"ok"}`)}

	client := NewCeremonyClient(backend, platform, sessions, credentials, governor, 30*time.Second, logger).WithClock(clock.Now)
	return &ceremonyFixture{
		client:      client,
		backend:     backend,
		platform:    platform,
		sessions:    sessions,
		credentials: credentials,
		governor:    governor,
		clock:       clock,
	}
}

func (f *ceremonyFixture) seedSession(t *testing.T) domain.Session {
	t.Helper()
	session := domain.Session{
		SubjectID:   "user-1",
		DisplayName: "Ada",
		BearerToken: "tok-0",
		Profile:     json.RawMessage(`{"username":"ada"}`),
		IssuedAt:    f.clock.current,
	}
	if err := f.sessions.Write(context.Background(), session); err != nil {
		t.Fatalf("seeding session: %v", err)
	}
	return session
}

func TestAuthenticate_LockShortCircuitsWithNoNetworkCall(t *testing.T) {
	f := newCeremonyFixture(t)
	for i := 0; i < 3; i++ {
		f.governor.RecordFailure("user-1", domain.AttemptBiometric)
	}

	_, err := f.client.Authenticate(context.Background(), "user-1")
	if !domain.IsKind(err, domain.ErrLocked) {
		t.Fatalf("expected locked error, got %v", err)
	}
	if f.backend.challengeCalls != 0 || f.backend.verifyCalls != 0 {
		t.Fatalf("expected no network calls, got challenge=%d verify=%d", f.backend.challengeCalls, f.backend.verifyCalls)
	}
}

func TestAuthenticate_CancelBeforeVerifyLeavesGovernorUntouched(t *testing.T) {
	f := newCeremonyFixture(t)
	f.platform.proofErr = authenticator.ErrCancelled

	_, err := f.client.Authenticate(context.Background(), "user-1")
	if !domain.IsKind(err, domain.ErrUserCancelled) {
		t.Fatalf("expected user_cancelled, got %v", err)
	}
	if f.backend.verifyCalls != 0 {
		t.Fatal("expected no verification submission after cancellation")
	}
	if f.governor.Failures("user-1", domain.AttemptBiometric) != 0 {
		t.Fatal("expected governor state to be unchanged by a cancellation")
	}
}

func TestAuthenticate_RejectionCountsTowardLockout(t *testing.T) {
	f := newCeremonyFixture(t)
	f.backend.authErr = domain.NewCeremonyError(domain.ErrVerificationRejected, nil)

	for i := 0; i < 3; i++ {
		_, err := f.client.Authenticate(context.Background(), "user-1")
		if !domain.IsKind(err, domain.ErrVerificationRejected) {
			t.Fatalf("attempt %d: expected verification_rejected, got %v", i+1, err)
		}
	}

	// Fourth attempt must be refused before any network traffic.
	_, err := f.client.Authenticate(context.Background(), "user-1")
	if !domain.IsKind(err, domain.ErrLocked) {
		t.Fatalf("expected locked error on fourth attempt, got %v", err)
	}
	if f.backend.challengeCalls != 3 {
		t.Fatalf("expected challenge fetches to stop at 3, got %d", f.backend.challengeCalls)
	}
}

func TestAuthenticate_NetworkErrorDoesNotCountTowardLockout(t *testing.T) {
	f := newCeremonyFixture(t)
	f.backend.authErr = domain.NewCeremonyError(domain.ErrNetwork, nil)

	for i := 0; i < 4; i++ {
		_, err := f.client.Authenticate(context.Background(), "user-1")
		if !domain.IsKind(err, domain.ErrNetwork) {
			t.Fatalf("expected network_error, got %v", err)
		}
	}
	if f.governor.Failures("user-1", domain.AttemptBiometric) != 0 {
		t.Fatal("expected network errors to leave the failure count at zero")
	}
}

func TestAuthenticate_SuccessWritesSessionAndResetsGovernor(t *testing.T) {
	f := newCeremonyFixture(t)
	f.governor.RecordFailure("user-1", domain.AttemptBiometric)

	session, err := f.client.Authenticate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.SubjectID != "user-1" || session.BearerToken != "tok-1" {
		t.Fatalf("unexpected session %+v", session)
	}

	stored, ok := f.sessions.Read(context.Background())
	if !ok || stored.BearerToken != "tok-1" {
		t.Fatalf("expected stored session with new token, got %+v ok=%v", stored, ok)
	}
	if f.governor.Failures("user-1", domain.AttemptBiometric) != 0 {
		t.Fatal("expected success to reset governor state")
	}
}

func TestAuthenticate_LocallyExpiredChallengeSkipsVerification(t *testing.T) {
	f := newCeremonyFixture(t)
	f.backend.challenge.Expiry = f.clock.current.Add(30 * time.Second)
	f.platform.proof = json.RawMessage(`{"sig":"slow"}`)
	// Simulate the user sitting on the prompt past the challenge window.
	f.platform.proofErr = nil
	slowClock := f.clock
	f.client.WithClock(func() time.Time { return slowClock.current.Add(time.Minute) })

	_, err := f.client.Authenticate(context.Background(), "user-1")
	if !domain.IsKind(err, domain.ErrChallengeExpired) {
		t.Fatalf("expected challenge_expired, got %v", err)
	}
	if f.backend.verifyCalls != 0 {
		t.Fatal("expected no verification submission for an expired challenge")
	}
	if f.governor.Failures("user-1", domain.AttemptBiometric) != 0 {
		t.Fatal("expected an expired challenge not to count as a failure")
	}
}

func TestAuthenticate_UnavailableAuthenticatorIsTerminal(t *testing.T) {
	f := newCeremonyFixture(t)
	f.platform.available = false

	_, err := f.client.Authenticate(context.Background(), "user-1")
	if !domain.IsKind(err, domain.ErrAuthenticatorUnavailable) {
		t.Fatalf("expected authenticator_unavailable, got %v", err)
	}

	// Even if the platform would now report available, the answer stays
	// terminal for this process.
	f.platform.available = true
	_, err = f.client.Authenticate(context.Background(), "user-1")
	if !domain.IsKind(err, domain.ErrAuthenticatorUnavailable) {
		t.Fatalf("expected sticky authenticator_unavailable, got %v", err)
	}
	if f.platform.availableCalls != 1 {
		t.Fatalf("expected exactly one probe, got %d", f.platform.availableCalls)
	}
}

func TestCapabilityProbe_CachedWithinTTL(t *testing.T) {
	f := newCeremonyFixture(t)

	if !f.client.CanAttemptBiometric(context.Background()) {
		t.Fatal("expected biometric to be available")
	}
	if !f.client.CanAttemptBiometric(context.Background()) {
		t.Fatal("expected cached probe to stay available")
	}
	if f.platform.availableCalls != 1 {
		t.Fatalf("expected a single probe inside the TTL, got %d", f.platform.availableCalls)
	}

	f.clock.Advance(time.Minute)
	if !f.client.CanAttemptBiometric(context.Background()) {
		t.Fatal("expected re-probe to succeed")
	}
	if f.platform.availableCalls != 2 {
		t.Fatalf("expected a fresh probe after the TTL, got %d", f.platform.availableCalls)
	}
}

func TestRegister_RequiresActiveSession(t *testing.T) {
	f := newCeremonyFixture(t)

	_, err := f.client.Register(context.Background(), "This device")
	if !domain.IsKind(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if f.backend.challengeCalls != 0 {
		t.Fatal("expected no challenge fetch without a session")
	}
}

func TestRegister_SuccessRecordsLocalCredential(t *testing.T) {
	f := newCeremonyFixture(t)
	f.seedSession(t)

	reg, err := f.client.Register(context.Background(), "Work laptop")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.CredentialReference != "cred-1" || reg.Label != "Work laptop" {
		t.Fatalf("unexpected registration %+v", reg)
	}
	if !f.credentials.HasAny(context.Background(), "user-1") {
		t.Fatal("expected a local registration for the subject")
	}
}

func TestRegister_FailureMakesNoLocalWrites(t *testing.T) {
	f := newCeremonyFixture(t)
	f.seedSession(t)
	f.backend.regErr = domain.NewCeremonyError(domain.ErrVerificationRejected, nil)

	if _, err := f.client.Register(context.Background(), "This device"); err == nil {
		t.Fatal("expected registration failure")
	}
	if f.credentials.HasAny(context.Background(), "user-1") {
		t.Fatal("expected no local writes on a failed registration")
	}
}

func TestAuthenticatePassword_IndependentOfBiometricLock(t *testing.T) {
	f := newCeremonyFixture(t)
	for i := 0; i < 3; i++ {
		f.governor.RecordFailure("user-1", domain.AttemptBiometric)
	}

	session, err := f.client.AuthenticatePassword(context.Background(), "user-1", "hunter2")
	if err != nil {
		t.Fatalf("expected password fallback despite biometric lock, got %v", err)
	}
	if session.BearerToken != "tok-2" {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestAuthenticatePassword_RejectionLocksAfterThreshold(t *testing.T) {
	f := newCeremonyFixture(t)
	f.backend.loginErr = domain.NewCeremonyError(domain.ErrVerificationRejected, nil)

	for i := 0; i < 3; i++ {
		if _, err := f.client.AuthenticatePassword(context.Background(), "user-1", "wrong"); !domain.IsKind(err, domain.ErrVerificationRejected) {
			t.Fatalf("expected verification_rejected, got %v", err)
		}
	}
	_, err := f.client.AuthenticatePassword(context.Background(), "user-1", "wrong")
	if !domain.IsKind(err, domain.ErrLocked) {
		t.Fatalf("expected locked, got %v", err)
	}
	if f.backend.loginCalls != 3 {
		t.Fatalf("expected login calls to stop at 3, got %d", f.backend.loginCalls)
	}
}

func TestRevoke_RemovesLocalRecordAcrossSubjects(t *testing.T) {
	f := newCeremonyFixture(t)
	f.seedSession(t)
	ctx := context.Background()

	// The same credential reference cached under a different subject on a
	// shared device must go away too.
	for _, subject := range []string{"user-1", "user-2"} {
		if err := f.credentials.Add(ctx, subject, domain.CredentialRegistration{
			CredentialReference: "cred-9",
			Label:               "Shared device",
			RegisteredAt:        f.clock.current,
		}); err != nil {
			t.Fatalf("seeding credential: %v", err)
		}
	}

	if err := f.client.Revoke(ctx, "cred-9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.credentials.HasAny(ctx, "user-1") || f.credentials.HasAny(ctx, "user-2") {
		t.Fatal("expected the credential to be removed for every subject")
	}
}
