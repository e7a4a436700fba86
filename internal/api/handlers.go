// Package api is the HTTP boundary of the auth service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/providentiaww/sessiontrust/internal/identity"
	"github.com/providentiaww/sessiontrust/internal/invite"
	"github.com/providentiaww/sessiontrust/internal/relay"
	"github.com/providentiaww/sessiontrust/internal/session"
	"github.com/providentiaww/sessiontrust/internal/storage"
)

const maxBodyBytes = 1 << 20

// Sessions is the session service as seen by the handlers.
type Sessions interface {
	Login(ctx context.Context, identityToken string) (*session.Pair, error)
	Refresh(ctx context.Context, rawRefresh string) (*session.Pair, error)
	Logout(ctx context.Context, rawRefresh, rawAccess string)
	DeleteAccount(ctx context.Context, subjectID string) error
}

// Invites is the invite service as seen by the handlers.
type Invites interface {
	CreatePairing(ctx context.Context, subjectID string) (string, error)
	Issue(ctx context.Context, issuerID string) (*storage.InviteCode, error)
	Redeem(ctx context.Context, subjectID, code string) (string, error)
	Revoke(ctx context.Context, issuerID, code string) error
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler serves the auth and invite endpoints.
type Handler struct {
	sessions Sessions
	invites  Invites
	signer   *relay.Signer
	checks   map[string]HealthCheck
	logger   *zap.Logger
}

// NewHandler creates the handler. Endpoints that act on the caller
// require an internal identity assertion verified by signer.
func NewHandler(sessions Sessions, invites Invites, signer *relay.Signer, checks map[string]HealthCheck, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		invites:  invites,
		signer:   signer,
		checks:   checks,
		logger:   logger,
	}
}

// Routes returns the request multiplexer.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	requireIdentity := relay.RequireIdentity(h.signer, h.logger)

	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("POST /auth/refresh", h.handleRefresh)
	mux.HandleFunc("POST /auth/logout", h.handleLogout)
	mux.Handle("DELETE /auth/account", requireIdentity(http.HandlerFunc(h.handleDeleteAccount)))
	mux.Handle("POST /pairings", requireIdentity(http.HandlerFunc(h.handleCreatePairing)))
	mux.Handle("POST /invites", requireIdentity(http.HandlerFunc(h.handleIssueInvite)))
	mux.Handle("POST /invites/redeem", requireIdentity(http.HandlerFunc(h.handleRedeemInvite)))
	mux.Handle("DELETE /invites/{code}", requireIdentity(http.HandlerFunc(h.handleRevokeInvite)))
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return mux
}

type loginRequest struct {
	IdentityToken string `json:"identityToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

type inviteResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type pairingResponse struct {
	PairID string `json:"pairId"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil || req.IdentityToken == "" {
		writeError(w, http.StatusBadRequest, "identityToken is required")
		return
	}

	pair, err := h.sessions.Login(r.Context(), req.IdentityToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout always answers 204, whatever the tokens.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	_ = decodeJSON(r, &req)
	h.sessions.Logout(r.Context(), req.RefreshToken, relay.ExtractBearer(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, _ := relay.IdentityFromContext(r.Context())
	if err := h.sessions.DeleteAccount(r.Context(), id.SubjectID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreatePairing(w http.ResponseWriter, r *http.Request) {
	id, _ := relay.IdentityFromContext(r.Context())
	pairingID, err := h.invites.CreatePairing(r.Context(), id.SubjectID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pairingResponse{PairID: pairingID})
}

func (h *Handler) handleIssueInvite(w http.ResponseWriter, r *http.Request) {
	id, _ := relay.IdentityFromContext(r.Context())
	code, err := h.invites.Issue(r.Context(), id.SubjectID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inviteResponse{Code: code.Code, ExpiresAt: code.ExpiresAt})
}

func (h *Handler) handleRedeemInvite(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	id, _ := relay.IdentityFromContext(r.Context())
	pairingID, err := h.invites.Redeem(r.Context(), id.SubjectID, req.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pairingResponse{PairID: pairingID})
}

func (h *Handler) handleRevokeInvite(w http.ResponseWriter, r *http.Request) {
	id, _ := relay.IdentityFromContext(r.Context())
	if err := h.invites.Revoke(r.Context(), id.SubjectID, r.PathValue("code")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			report[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, report)
}

// fail maps a service error onto a response. Unexpected errors are
// logged and reported without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeError(w, status, message)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrReuseDetected), errors.Is(err, session.ErrInvalidCredential):
		return http.StatusUnauthorized, "invalid credential"
	case errors.Is(err, identity.ErrUnavailable):
		return http.StatusServiceUnavailable, "identity provider unavailable"
	case errors.Is(err, invite.ErrNotEligible):
		return http.StatusForbidden, "not eligible"
	case errors.Is(err, invite.ErrAlreadyPaired):
		return http.StatusConflict, "already paired"
	case errors.Is(err, invite.ErrNotFound):
		return http.StatusNotFound, "not found"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// decodeJSON reads a JSON body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
