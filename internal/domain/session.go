package domain

import (
	"encoding/json"
	"time"
)

// CeremonyPurpose distinguishes the two WebAuthn-style ceremonies.
type CeremonyPurpose string

const (
	PurposeRegistration   CeremonyPurpose = "registration"
	PurposeAuthentication CeremonyPurpose = "authentication"
)

// AttemptPurpose identifies which login vector an attempt record tracks.
// Biometric and password failures are counted independently so one locked
// vector never denies the other.
type AttemptPurpose string

const (
	AttemptBiometric AttemptPurpose = "biometric"
	AttemptPassword  AttemptPurpose = "password"
)

// Session is the current authenticated identity: bearer token plus a
// snapshot of the user's profile. It is only ever replaced wholesale;
// readers must see either a complete Session or nothing.
type Session struct {
	SubjectID   string          `json:"subject_id"`
	DisplayName string          `json:"display_name"`
	BearerToken string          `json:"bearer_token"`
	Profile     json.RawMessage `json:"profile"`
	IssuedAt    time.Time       `json:"issued_at"`
}

// Complete reports whether the session carries both a token and an identity.
// An incomplete session is treated as absent by the store.
func (s Session) Complete() bool {
	return s.SubjectID != "" && s.BearerToken != ""
}

// CredentialRegistration is the device-local record that a biometric
// credential may exist for a subject. It is advisory only: the server is
// the source of truth, and a locally known credential the server has
// revoked must fall back to password, not error out.
type CredentialRegistration struct {
	SubjectID           string    `json:"subject_id"`
	CredentialReference string    `json:"credential_reference"`
	Label               string    `json:"label"`
	RegisteredAt        time.Time `json:"registered_at"`
}

// Challenge is a single-use, time-bounded nonce issued by the auth backend
// to bind exactly one ceremony attempt.
type Challenge struct {
	Nonce    string          `json:"nonce"`
	Expiry   time.Time       `json:"expiry"`
	Purpose  CeremonyPurpose `json:"purpose"`
	Subject  string          `json:"subject,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Expired reports whether the challenge can no longer be consumed.
func (c Challenge) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

// AttemptRecord tracks consecutive failures for one subject and purpose.
type AttemptRecord struct {
	SubjectID           string         `json:"subject_id"`
	Purpose             AttemptPurpose `json:"purpose"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	FirstFailureAt      time.Time      `json:"first_failure_at"`
	LockedUntil         *time.Time     `json:"locked_until,omitempty"`
}
