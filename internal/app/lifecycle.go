/**
 * @description
 * This file implements the session lifecycle controller: the top-level
 * state machine that decides, on boot, whether the UI restores silently,
 * forces a biometric lock screen, or shows the login form — and that owns
 * every later transition (expiry, logout, fallback chain). It is the only
 * writer of the session store, and other components observe it through an
 * explicit event channel rather than ambient globals.
 */
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/transfa/session-agent/internal/domain"
	"github.com/transfa/session-agent/internal/store"
	"github.com/transfa/session-agent/pkg/rabbitmq"
)

// State names one node of the lifecycle state machine.
type State string

const (
	StateBooting                 State = "booting"
	StateRestoringSilently       State = "restoring_silently"
	StateForcingBiometric        State = "forcing_biometric"
	StateShowingLogin            State = "showing_login"
	StateShowingPasswordFallback State = "showing_password_fallback"
	StateAuthenticated           State = "authenticated"
)

// Event is delivered to subscribers on every state transition.
type Event struct {
	State  State     `json:"state"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// How many non-cancellation biometric failures in a row before the
// password fallback is offered proactively.
const fallbackOfferThreshold = 2

// LifecycleController owns the session state machine.
type LifecycleController struct {
	sessions    *store.SessionStore
	credentials *store.CredentialStore
	ceremonies  *CeremonyClient
	governor    *AttemptGovernor
	publisher   rabbitmq.Publisher
	exchange    string
	margin      time.Duration
	logger      *slog.Logger
	now         func() time.Time

	// agentID lets the broadcast consumer drop this agent's own echoes.
	agentID string

	mu          sync.Mutex
	state       State
	subscribers []chan Event

	// Consecutive biometric misses on the lock screen. Counted here, not
	// in the governor: the governor only tracks rejected proofs, while
	// the fallback offer covers network failures too.
	biometricMisses int
}

func NewLifecycleController(
	sessions *store.SessionStore,
	credentials *store.CredentialStore,
	ceremonies *CeremonyClient,
	governor *AttemptGovernor,
	publisher rabbitmq.Publisher,
	exchange string,
	expiryMargin time.Duration,
	logger *slog.Logger,
) *LifecycleController {
	return &LifecycleController{
		sessions:    sessions,
		credentials: credentials,
		ceremonies:  ceremonies,
		governor:    governor,
		publisher:   publisher,
		exchange:    exchange,
		margin:      expiryMargin,
		logger:      logger,
		now:         time.Now,
		agentID:     uuid.NewString(),
		state:       StateBooting,
	}
}

// WithClock overrides the controller's clock. Test hook.
func (l *LifecycleController) WithClock(now func() time.Time) *LifecycleController {
	l.now = now
	return l
}

// State returns the current lifecycle state.
func (l *LifecycleController) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CurrentSession is the read-only accessor every other component uses.
// Nothing outside the controller and ceremony client writes the store.
func (l *LifecycleController) CurrentSession(ctx context.Context) (domain.Session, bool) {
	return l.sessions.Read(ctx)
}

// Subscribe returns a channel receiving every state transition. The
// channel is buffered; a slow subscriber drops events rather than blocking
// the controller.
func (l *LifecycleController) Subscribe() <-chan Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan Event, 16)
	l.subscribers = append(l.subscribers, ch)
	return ch
}

func (l *LifecycleController) setState(state State, reason string) {
	l.mu.Lock()
	l.state = state
	subs := make([]chan Event, len(l.subscribers))
	copy(subs, l.subscribers)
	l.mu.Unlock()

	evt := Event{State: state, Reason: reason, At: l.now()}
	l.logger.Info("lifecycle transition", "state", state, "reason", reason)
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Boot decides the initial state. A local credential for the last-known
// subject means the biometric lock screen applies even over a still-valid
// token; otherwise a valid session restores silently; otherwise login.
func (l *LifecycleController) Boot(ctx context.Context) State {
	subject := l.sessions.LastSubject(ctx)

	if subject != "" && l.credentials.HasAny(ctx, subject) && l.ceremonies.CanAttemptBiometric(ctx) {
		l.setState(StateForcingBiometric, "local credential requires re-verify on load")
		return StateForcingBiometric
	}

	if session, ok := l.sessions.Read(ctx); ok {
		if !tokenExpired(session.BearerToken, l.margin, l.now()) {
			l.setState(StateRestoringSilently, "valid stored session")
			l.setState(StateAuthenticated, "session restored")
			return StateAuthenticated
		}
		// Expired token: clear it rather than leave a dangling session
		// for the next boot to trip over.
		if err := l.sessions.Clear(ctx); err != nil {
			l.logger.Warn("failed clearing expired session at boot", "error", err)
		}
	}

	l.setState(StateShowingLogin, "no usable session")
	return StateShowingLogin
}

// VerifyBiometric completes the forced biometric lock screen. Cancellation
// and an unavailable authenticator both route to the password fallback;
// repeated non-cancellation failures offer it proactively.
func (l *LifecycleController) VerifyBiometric(ctx context.Context) error {
	subject := l.sessions.LastSubject(ctx)
	_, err := l.ceremonies.Authenticate(ctx, subject)
	if err == nil {
		l.mu.Lock()
		l.biometricMisses = 0
		l.mu.Unlock()
		l.setState(StateAuthenticated, "biometric verified")
		return nil
	}

	switch domain.KindOf(err) {
	case domain.ErrUserCancelled, domain.ErrAuthenticatorUnavailable:
		l.setState(StateShowingPasswordFallback, string(domain.KindOf(err)))
	case domain.ErrVerificationRejected, domain.ErrNetwork:
		l.mu.Lock()
		l.biometricMisses++
		misses := l.biometricMisses
		l.mu.Unlock()
		if misses >= fallbackOfferThreshold {
			l.setState(StateShowingPasswordFallback, "repeated biometric failures")
		}
	}
	return err
}

// VerifyPassword completes the password fallback (or a plain login from
// the login screen).
func (l *LifecycleController) VerifyPassword(ctx context.Context, handle, password string) error {
	_, err := l.ceremonies.AuthenticatePassword(ctx, handle, password)
	if err != nil {
		return err
	}
	l.setState(StateAuthenticated, "password verified")
	return nil
}

// CancelPasswordFallback returns from the fallback form to the biometric
// lock screen.
func (l *LifecycleController) CancelPasswordFallback() {
	if l.State() == StateShowingPasswordFallback {
		l.setState(StateForcingBiometric, "password fallback cancelled")
	}
}

// Logout is the explicit user-initiated sign-out. It clears the store,
// transitions, and broadcasts so every other surface converges.
func (l *LifecycleController) Logout(ctx context.Context) error {
	return l.logout(ctx, "user_logout", true)
}

// HandleUnauthorized is the external signal path: the server rejected a
// request as unauthorized. It converges on the exact same clear-and-
// transition as an explicit logout so no code path leaves a dangling
// partial session.
func (l *LifecycleController) HandleUnauthorized(ctx context.Context) error {
	return l.logout(ctx, "server_unauthorized", true)
}

func (l *LifecycleController) logout(ctx context.Context, reason string, broadcast bool) error {
	session, hadSession := l.sessions.Read(ctx)

	// The transition and the broadcast must happen even when the clear
	// fails: a controller stuck in authenticated with no readable session
	// is worse than a stale key in a dead medium. The error is still
	// surfaced to the caller after the state machine has converged.
	clearErr := l.sessions.Clear(ctx)
	if clearErr != nil {
		l.logger.Error("session clear failed during logout", "error", clearErr)
	}
	l.setState(StateShowingLogin, reason)

	if broadcast && hadSession && l.publisher != nil {
		evt := domain.LogoutBroadcast{
			EventID:   uuid.NewString(),
			AgentID:   l.agentID,
			SubjectID: session.SubjectID,
			Reason:    reason,
			At:        l.now(),
		}
		routingKey := "session.logout." + session.SubjectID
		if err := l.publisher.Publish(ctx, l.exchange, routingKey, evt); err != nil {
			l.logger.Warn("logout broadcast failed", "error", err)
		}
	}
	return clearErr
}

// HandleLogoutBroadcast processes a logout event from the session exchange.
// Own echoes are acknowledged and dropped; everything else converges on
// the local logout path without re-broadcasting.
func (l *LifecycleController) HandleLogoutBroadcast(body []byte) bool {
	var evt domain.LogoutBroadcast
	if err := json.Unmarshal(body, &evt); err != nil {
		l.logger.Warn("undecodable logout broadcast", "error", err)
		return true // drop, do not requeue poison
	}
	if evt.AgentID == l.agentID {
		return true
	}

	ctx := context.Background()
	if session, ok := l.sessions.Read(ctx); !ok || (evt.SubjectID != "" && session.SubjectID != evt.SubjectID) {
		return true
	}
	if err := l.logout(ctx, "broadcast:"+evt.Reason, false); err != nil {
		l.logger.Error("failed applying logout broadcast", "error", err)
		return false
	}
	return true
}

// CheckExpiry fires the Expired transition when the authenticated token
// has run out. Called from the sweep job and from any component that
// notices staleness.
func (l *LifecycleController) CheckExpiry(ctx context.Context) {
	if l.State() != StateAuthenticated {
		return
	}
	session, ok := l.sessions.Read(ctx)
	if ok && !tokenExpired(session.BearerToken, l.margin, l.now()) {
		return
	}
	if err := l.logout(ctx, "token_expired", false); err != nil {
		l.logger.Error("failed clearing expired session", "error", err)
	}
}

// StartExpirySweep schedules the periodic expiry re-check, mirroring how
// the backend schedules its housekeeping jobs. Returns the running cron so
// the caller can stop it on shutdown.
func (l *LifecycleController) StartExpirySweep(schedule string) (*cron.Cron, error) {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(l.logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	if _, err := c.AddFunc(schedule, func() {
		l.CheckExpiry(context.Background())
	}); err != nil {
		return nil, err
	}
	c.Start()
	l.logger.Info("scheduled session expiry sweep", "schedule", schedule)
	return c, nil
}
