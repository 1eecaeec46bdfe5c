/**
 * @description
 * This package provides the HTTP client for the Transfa auth backend. It
 * encapsulates the challenge/verify/login/credential endpoints the session
 * agent consumes, including request construction, bounded timeouts, and
 * translation of machine-readable failure reasons into the agent's closed
 * error taxonomy.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/transfa/session-agent/internal/domain"
)

// Client is a client for the auth backend.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new auth backend client with a bounded request
// timeout, so a ceremony can never hang on the network leg.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// ChallengeResponse is the body of POST /challenge.
type ChallengeResponse struct {
	Nonce    string          `json:"nonce"`
	Expiry   time.Time       `json:"expiry"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// VerifyRequest is the body submitted to POST /verify.
type VerifyRequest struct {
	Nonce string          `json:"nonce"`
	Proof json.RawMessage `json:"proof"`
}

// SessionGrant is returned when an authentication ceremony or a password
// login succeeds.
type SessionGrant struct {
	Token   string          `json:"token"`
	Profile json.RawMessage `json:"profile"`
	Subject string          `json:"subject_id"`
	Name    string          `json:"display_name"`
}

// RegistrationGrant is returned when a registration ceremony succeeds.
type RegistrationGrant struct {
	Accepted            bool   `json:"accepted"`
	CredentialReference string `json:"credential_reference"`
}

// LoginRequest is the password-fallback body for POST /login.
type LoginRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// FetchChallenge requests a single-use challenge for the given purpose.
// Registration challenges are scoped to the current subject; authentication
// challenges are unscoped because the server resolves identity from the
// proof itself.
func (c *Client) FetchChallenge(ctx context.Context, purpose domain.CeremonyPurpose, subjectID string) (domain.Challenge, error) {
	url := fmt.Sprintf("%s/challenge?purpose=%s", c.BaseURL, purpose)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return domain.Challenge{}, domain.NewCeremonyError(domain.ErrNetwork, err)
	}
	req.Header.Set("Accept", "application/json")
	if subjectID != "" {
		req.Header.Set("X-Transfa-Subject", subjectID)
	}

	var body ChallengeResponse
	if err := c.do(req, &body); err != nil {
		return domain.Challenge{}, err
	}
	return domain.Challenge{
		Nonce:    body.Nonce,
		Expiry:   body.Expiry,
		Purpose:  purpose,
		Subject:  subjectID,
		Metadata: body.Metadata,
	}, nil
}

// VerifyAuthentication submits an assertion proof against its challenge and
// returns the granted session on acceptance.
func (c *Client) VerifyAuthentication(ctx context.Context, nonce string, proof json.RawMessage) (SessionGrant, error) {
	var grant SessionGrant
	if err := c.postJSON(ctx, "/verify", VerifyRequest{Nonce: nonce, Proof: proof}, &grant); err != nil {
		return SessionGrant{}, err
	}
	return grant, nil
}

// VerifyRegistration submits an attestation proof against its challenge.
// The bearer token authenticates the already-active session.
func (c *Client) VerifyRegistration(ctx context.Context, bearerToken, nonce string, proof json.RawMessage) (RegistrationGrant, error) {
	body, err := json.Marshal(VerifyRequest{Nonce: nonce, Proof: proof})
	if err != nil {
		return RegistrationGrant{}, domain.NewCeremonyError(domain.ErrNetwork, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewBuffer(body))
	if err != nil {
		return RegistrationGrant{}, domain.NewCeremonyError(domain.ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearerToken)

	var grant RegistrationGrant
	if err := c.do(req, &grant); err != nil {
		return RegistrationGrant{}, err
	}
	return grant, nil
}

// Login performs the password-fallback re-check.
func (c *Client) Login(ctx context.Context, handle, password string) (SessionGrant, error) {
	var grant SessionGrant
	if err := c.postJSON(ctx, "/login", LoginRequest{Handle: handle, Password: password}, &grant); err != nil {
		return SessionGrant{}, err
	}
	return grant, nil
}

// RevokeCredential asks the server to revoke a credential registration.
func (c *Client) RevokeCredential(ctx context.Context, bearerToken, credentialReference string) error {
	url := c.BaseURL + "/credentials/" + credentialReference
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return domain.NewCeremonyError(domain.ErrNetwork, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	return c.do(req, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.NewCeremonyError(domain.ErrNetwork, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return domain.NewCeremonyError(domain.ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

// do executes the request and maps failures into the error taxonomy.
// Transport errors and timeouts become ErrNetwork; non-2xx responses are
// classified from the machine-readable reason field, never from message
// text.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return domain.NewCeremonyError(domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewCeremonyError(domain.ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		_ = json.Unmarshal(bodyBytes, &errResp)
		return classify(resp.StatusCode, errResp)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return domain.NewCeremonyError(domain.ErrNetwork, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classify(status int, errResp errorResponse) error {
	cause := fmt.Errorf("auth backend status %d reason %q", status, errResp.Reason)
	switch errResp.Reason {
	case "challenge_expired", "challenge_consumed":
		return domain.NewCeremonyError(domain.ErrChallengeExpired, cause)
	case "verification_rejected", "credential_revoked", "invalid_password":
		return domain.NewCeremonyError(domain.ErrVerificationRejected, cause)
	}
	switch status {
	case http.StatusUnauthorized:
		return domain.NewCeremonyError(domain.ErrUnauthenticated, cause)
	case http.StatusForbidden, http.StatusBadRequest:
		return domain.NewCeremonyError(domain.ErrVerificationRejected, cause)
	}
	return domain.NewCeremonyError(domain.ErrNetwork, cause)
}
