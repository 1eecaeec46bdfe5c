/**
 * @description
 * This package abstracts the platform authenticator: the OS facility that
 * prompts for a fingerprint or face scan and produces attestation or
 * assertion proofs. The ceremony client only depends on the Authenticator
 * interface; the concrete implementation delegates to a platform helper
 * binary so the agent itself stays portable.
 */
package authenticator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/transfa/session-agent/internal/domain"
)

// ErrCancelled is returned when the user dismisses the prompt. Callers
// must distinguish this from a rejected proof.
var ErrCancelled = errors.New("authenticator: cancelled by user")

// ErrUnavailable is returned when this device has no usable authenticator.
var ErrUnavailable = errors.New("authenticator: no platform authenticator available")

// Authenticator is the platform-credential facility. Both invocation
// methods block on user interaction for an unbounded time and must honor
// context cancellation.
type Authenticator interface {
	// Available probes whether a ceremony can be attempted at all.
	Available(ctx context.Context) (bool, error)
	// CreateCredential runs the registration prompt and returns an
	// attestation proof.
	CreateCredential(ctx context.Context, challenge domain.Challenge, subjectID, displayName string) (json.RawMessage, error)
	// GetAssertion runs the authentication prompt and returns an
	// assertion proof.
	GetAssertion(ctx context.Context, challenge domain.Challenge) (json.RawMessage, error)
}

// helper binary exit codes, part of its contract.
const (
	exitCancelled   = 3
	exitUnavailable = 4
)

type helperRequest struct {
	Op          string          `json:"op"`
	Nonce       string          `json:"nonce"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	SubjectID   string          `json:"subject_id,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
}

// HelperAuthenticator shells out to a per-platform helper binary that owns
// the actual OS biometric prompt and writes the proof to stdout as JSON.
type HelperAuthenticator struct {
	// Path to the helper binary, from config.
	Path string
}

func NewHelperAuthenticator(path string) *HelperAuthenticator {
	return &HelperAuthenticator{Path: path}
}

func (h *HelperAuthenticator) run(ctx context.Context, req helperRequest) (json.RawMessage, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, h.Path, req.Op)
	cmd.Stdin = bytes.NewReader(input)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			switch exitErr.ExitCode() {
			case exitCancelled:
				return nil, ErrCancelled
			case exitUnavailable:
				return nil, ErrUnavailable
			}
		}
		if ctx.Err() != nil {
			// Context cancellation while the prompt was up is a user
			// cancellation from the ceremony's point of view.
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("authenticator helper: %w", err)
	}
	return json.RawMessage(out), nil
}

func (h *HelperAuthenticator) Available(ctx context.Context) (bool, error) {
	_, err := h.run(ctx, helperRequest{Op: "probe"})
	if errors.Is(err, ErrUnavailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (h *HelperAuthenticator) CreateCredential(ctx context.Context, challenge domain.Challenge, subjectID, displayName string) (json.RawMessage, error) {
	return h.run(ctx, helperRequest{
		Op:          "create",
		Nonce:       challenge.Nonce,
		Metadata:    challenge.Metadata,
		SubjectID:   subjectID,
		DisplayName: displayName,
	})
}

func (h *HelperAuthenticator) GetAssertion(ctx context.Context, challenge domain.Challenge) (json.RawMessage, error) {
	return h.run(ctx, helperRequest{
		Op:       "assert",
		Nonce:    challenge.Nonce,
		Metadata: challenge.Metadata,
	})
}
