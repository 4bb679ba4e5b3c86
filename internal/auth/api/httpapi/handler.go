// Package httpapi exposes the ceremony flows over JSON HTTP.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stephenp0320/passwordless-auth-system/internal/auth/ceremony"
	"github.com/stephenp0320/passwordless-auth-system/internal/auth/session"
	apperrors "github.com/stephenp0320/passwordless-auth-system/internal/platform/errors"
)

// Handler serves the authentication API.
type Handler struct {
	log        *slog.Logger
	ceremonies *ceremony.Service
	sessions   *session.Issuer
	adminToken string
}

// New creates the API handler. An empty adminToken leaves the administrative
// routes unmounted.
func New(log *slog.Logger, ceremonies *ceremony.Service, sessions *session.Issuer, adminToken string) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:        log,
		ceremonies: ceremonies,
		sessions:   sessions,
		adminToken: adminToken,
	}
}

// Router builds the chi router with logging, request ids, and panic
// recovery on every route.
func (h *Handler) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(h.httpLogger)

	mux.Post("/register/start", h.handleRegisterStart)
	mux.Post("/register/finish", h.handleRegisterFinish)
	mux.Post("/login/start", h.handleLoginStart)
	mux.Post("/login/finish", h.handleLoginFinish)
	mux.Post("/login/start/usernameless", h.handleDiscoverableLoginStart)
	mux.Post("/login/finish/usernameless", h.handleDiscoverableLoginFinish)
	mux.Post("/recover", h.handleRecover)

	mux.Group(func(r chi.Router) {
		r.Use(h.requireSession)
		r.Get("/user/passkeys", h.handleListPasskeys)
		r.Delete("/user/passkeys/{credentialID}", h.handleRevokePasskey)
		r.Post("/user/logout", h.handleLogout)
	})

	if h.adminToken != "" {
		mux.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/admin/revoke", h.handleAdminRevoke)
			r.Get("/admin/users", h.handleAdminListUsers)
		})
	}

	mux.Get("/healthz", h.handleHealth)
	return mux
}

func (h *Handler) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(h.log, next)
}

type registerStartRequest struct {
	Username          string `json:"username"`
	AuthenticatorType string `json:"authenticator_type,omitempty"`
}

type registerStartResponse struct {
	ChallengeID string          `json:"challenge_id"`
	Options     json.RawMessage `json:"options"`
}

func (h *Handler) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	var req registerStartRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := h.ceremonies.BeginRegistration(r.Context(), req.Username, req.AuthenticatorType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, registerStartResponse{
		ChallengeID: start.ChallengeID,
		Options:     start.OptionsJSON,
	})
}

type registerFinishRequest struct {
	Username    string          `json:"username"`
	ChallengeID string          `json:"challenge_id"`
	Credential  json.RawMessage `json:"credential"`
	Label       string          `json:"label,omitempty"`
}

type registerFinishResponse struct {
	Username      string   `json:"username"`
	CredentialID  string   `json:"credential_id"`
	SessionToken  string   `json:"session_token"`
	RecoveryCodes []string `json:"recovery_codes,omitempty"`
}

func (h *Handler) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req registerFinishRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.ceremonies.FinishRegistration(r.Context(), req.Username, req.ChallengeID, req.Credential, req.Label)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, registerFinishResponse{
		Username:      result.Account.Username,
		CredentialID:  result.CredentialID,
		SessionToken:  result.SessionToken,
		RecoveryCodes: result.RecoveryCodes,
	})
}

type loginStartRequest struct {
	Username string `json:"username"`
}

type loginStartResponse struct {
	ChallengeID string          `json:"challenge_id"`
	Options     json.RawMessage `json:"options"`
}

func (h *Handler) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	var req loginStartRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := h.ceremonies.BeginLogin(r.Context(), req.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loginStartResponse{
		ChallengeID: start.ChallengeID,
		Options:     start.OptionsJSON,
	})
}

type loginFinishRequest struct {
	Username    string          `json:"username"`
	ChallengeID string          `json:"challenge_id"`
	Credential  json.RawMessage `json:"credential"`
}

type loginFinishResponse struct {
	Username     string    `json:"username"`
	CredentialID string    `json:"credential_id"`
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (h *Handler) handleLoginFinish(w http.ResponseWriter, r *http.Request) {
	var req loginFinishRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.ceremonies.FinishLogin(r.Context(), req.Username, req.ChallengeID, req.Credential)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loginFinishResponse{
		Username:     result.Account.Username,
		CredentialID: result.CredentialID,
		SessionToken: result.SessionToken,
		ExpiresAt:    result.SessionExpiresAt,
	})
}

func (h *Handler) handleDiscoverableLoginStart(w http.ResponseWriter, r *http.Request) {
	start, err := h.ceremonies.BeginDiscoverableLogin(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loginStartResponse{
		ChallengeID: start.ChallengeID,
		Options:     start.OptionsJSON,
	})
}

type usernamelessFinishRequest struct {
	ChallengeID string          `json:"challenge_id"`
	Credential  json.RawMessage `json:"credential"`
}

func (h *Handler) handleDiscoverableLoginFinish(w http.ResponseWriter, r *http.Request) {
	var req usernamelessFinishRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.ceremonies.FinishDiscoverableLogin(r.Context(), req.ChallengeID, req.Credential)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loginFinishResponse{
		Username:     result.Account.Username,
		CredentialID: result.CredentialID,
		SessionToken: result.SessionToken,
		ExpiresAt:    result.SessionExpiresAt,
	})
}

type recoverRequest struct {
	Username     string `json:"username"`
	RecoveryCode string `json:"recovery_code"`
}

type recoverResponse struct {
	ChallengeID    string          `json:"challenge_id"`
	Options        json.RawMessage `json:"options"`
	RemainingCodes int             `json:"remaining_codes"`
}

func (h *Handler) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := h.ceremonies.BeginRecovery(r.Context(), req.Username, req.RecoveryCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, recoverResponse{
		ChallengeID:    start.ChallengeID,
		Options:        start.OptionsJSON,
		RemainingCodes: start.RemainingCodes,
	})
}

type passkeyView struct {
	CredentialID string     `json:"credential_id"`
	Label        string     `json:"label,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

type listPasskeysResponse struct {
	Passkeys []passkeyView `json:"passkeys"`
}

func (h *Handler) handleListPasskeys(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		h.writeError(w, r, session.ErrSessionUnknown)
		return
	}
	records, err := h.ceremonies.ListPasskeys(r.Context(), sess.AccountID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]passkeyView, 0, len(records))
	for _, record := range records {
		views = append(views, passkeyView{
			CredentialID: record.CredentialID,
			Label:        record.Label,
			CreatedAt:    record.CreatedAt,
			LastUsedAt:   record.LastUsedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, listPasskeysResponse{Passkeys: views})
}

func (h *Handler) handleRevokePasskey(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		h.writeError(w, r, session.ErrSessionUnknown)
		return
	}
	credentialID := chi.URLParam(r, "credentialID")
	if err := h.ceremonies.RevokePasskey(r.Context(), sess.AccountID, credentialID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		h.writeError(w, r, session.ErrSessionUnknown)
		return
	}
	if err := h.sessions.Revoke(r.Context(), sess.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adminRevokeRequest struct {
	Username string `json:"username"`
}

type adminRevokeResponse struct {
	Username           string `json:"username"`
	CredentialsRevoked int    `json:"credentials_revoked"`
}

func (h *Handler) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	var req adminRevokeRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.ceremonies.RevokeAllForUsername(r.Context(), req.Username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, adminRevokeResponse{
		Username:           result.Account.Username,
		CredentialsRevoked: result.CredentialsRevoked,
	})
}

type accountView struct {
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type adminListUsersResponse struct {
	Accounts      []accountView `json:"accounts"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

func (h *Handler) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	pageSize := 0
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid page_size"})
			return
		}
		pageSize = parsed
	}
	page, err := h.ceremonies.ListAccounts(r.Context(), pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]accountView, 0, len(page.Accounts))
	for _, acct := range page.Accounts {
		views = append(views, accountView{Username: acct.Username, CreatedAt: acct.CreatedAt})
	}
	h.writeJSON(w, http.StatusOK, adminListUsersResponse{
		Accounts:      views,
		NextPageToken: page.NextPageToken,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error("encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.GetCode(err)
	status := code.HTTPStatus()
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		message = "internal error"
	}
	h.writeJSON(w, status, errorResponse{Error: message})
}
