/**
 * @description
 * HTTP handlers for the session agent's local surface. Ceremony failures
 * arrive here as tagged CeremonyErrors and are rendered with distinct,
 * actionable payloads for locked-out and expired-challenge cases; every
 * other kind collapses to a generic try-again message.
 */
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/session-agent/internal/app"
	"github.com/transfa/session-agent/internal/domain"
	"github.com/transfa/session-agent/internal/store"
)

// Handler holds the controller and stores the routes interact with.
type Handler struct {
	controller  *app.LifecycleController
	ceremonies  *app.CeremonyClient
	credentials *store.CredentialStore
}

// NewHandler creates a new Handler with its dependencies.
func NewHandler(controller *app.LifecycleController, ceremonies *app.CeremonyClient, credentials *store.CredentialStore) *Handler {
	return &Handler{controller: controller, ceremonies: ceremonies, credentials: credentials}
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"state": h.controller.State(),
	})
}

// handleGetSession is the read-only session accessor the rest of the UI
// consumes. The bearer token is included so screens can call the backend;
// nothing here allows writing the session.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.controller.CurrentSession(r.Context())
	if !ok {
		respondWithJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
		return
	}
	respondWithJSON(w, http.StatusOK, session)
}

func (h *Handler) handleVerifyBiometric(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.VerifyBiometric(r.Context()); err != nil {
		respondWithCeremonyError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"state": h.controller.State()})
}

func (h *Handler) handleCancelFallback(w http.ResponseWriter, r *http.Request) {
	h.controller.CancelPasswordFallback()
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"state": h.controller.State()})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Handle   string `json:"handle"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Handle == "" {
		respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "handle and password are required"})
		return
	}
	if err := h.controller.VerifyPassword(r.Context(), body.Handle, body.Password); err != nil {
		respondWithCeremonyError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"state": h.controller.State()})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Logout(r.Context()); err != nil {
		log.Printf("Error during logout: %v", err)
		respondWithJSON(w, http.StatusInternalServerError, map[string]string{"error": "logout failed"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"state": h.controller.State()})
}

// handleUnauthorized lets UI components report a server-side 401 so the
// agent converges on the same logout path as an explicit sign-out.
func (h *Handler) handleUnauthorized(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.HandleUnauthorized(r.Context()); err != nil {
		log.Printf("Error handling unauthorized signal: %v", err)
		respondWithJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to clear session"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"state": h.controller.State()})
}

func (h *Handler) handleRegisterCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Label == "" {
		body.Label = "This device"
	}

	reg, err := h.ceremonies.Register(r.Context(), body.Label)
	if err != nil {
		respondWithCeremonyError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, reg)
}

func (h *Handler) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	session, ok := h.controller.CurrentSession(r.Context())
	if !ok {
		respondWithJSON(w, http.StatusUnauthorized, map[string]string{"error": "no active session"})
		return
	}
	regs, err := h.credentials.ListForSubject(r.Context(), session.SubjectID)
	if err != nil {
		log.Printf("Error listing credentials for subject %s: %v", session.SubjectID, err)
		respondWithJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list credentials"})
		return
	}
	respondWithJSON(w, http.StatusOK, regs)
}

func (h *Handler) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	if reference == "" {
		respondWithJSON(w, http.StatusBadRequest, map[string]string{"error": "credential reference is required"})
		return
	}
	if err := h.ceremonies.Revoke(r.Context(), reference); err != nil {
		respondWithCeremonyError(w, err)
		return
	}
	respondWithJSON(w, http.StatusNoContent, nil)
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("Error encoding response: %v", err)
		}
	}
}

func respondWithCeremonyError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	body := map[string]interface{}{"kind": kind}

	switch kind {
	case domain.ErrLocked:
		var ce *domain.CeremonyError
		if errors.As(err, &ce) {
			body["retry_after_seconds"] = int(ce.RetryAfter.Seconds())
		}
		body["message"] = "Too many attempts. Wait for the cooldown to end, then try again."
		respondWithJSON(w, http.StatusTooManyRequests, body)
	case domain.ErrChallengeExpired:
		body["retriable"] = true
		body["message"] = "That attempt took too long. Try again now."
		respondWithJSON(w, http.StatusConflict, body)
	case domain.ErrUnauthenticated:
		body["message"] = "Sign in first."
		respondWithJSON(w, http.StatusUnauthorized, body)
	case domain.ErrUserCancelled:
		body["message"] = "Cancelled."
		respondWithJSON(w, http.StatusConflict, body)
	case domain.ErrAuthenticatorUnavailable:
		body["message"] = "Biometric sign-in is not available on this device."
		respondWithJSON(w, http.StatusUnprocessableEntity, body)
	default:
		body["message"] = "Something went wrong. Try again."
		respondWithJSON(w, http.StatusBadGateway, body)
	}
}
