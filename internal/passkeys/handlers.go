package passkeys

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openidx/passkeys/internal/auth"
	apperrors "github.com/openidx/passkeys/internal/common/errors"
	"github.com/openidx/passkeys/internal/metrics"
)

// Fixed response bodies of the credential management endpoints. Clients
// assert on these literally.
const (
	toggleOKBody        = "OK"
	deleteOKBody        = "Deleted Successfully"
	toggleForbiddenBody = "Error: You own this token so you can't toggle it"
	deleteForbiddenBody = "Error: You own this token so you can't delete it"
)

const missingChallengeMessage = "FIDO Status can't be found, please try again"

// Handlers exposes the ceremony engine, credential management and the
// one-time-code fallback over HTTP.
type Handlers struct {
	service  *Service
	otp      *OTPService
	logins   auth.Sessions
	loginURL string
	logger   *zap.Logger
}

// NewHandlers creates the HTTP layer.
func NewHandlers(service *Service, otp *OTPService, logins auth.Sessions, loginURL string, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		service:  service,
		otp:      otp,
		logins:   logins,
		loginURL: loginURL,
		logger:   logger,
	}
}

// RegisterRoutes mounts all routes on the router. The registration and
// credential management endpoints require a login; the authentication and
// fallback endpoints are reachable anonymously.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	pk := r.Group("/passkeys")
	pk.POST("/auth/begin", h.AuthBegin)
	pk.POST("/auth/complete", h.AuthComplete)

	managed := pk.Group("", auth.RequireLogin(h.loginURL))
	managed.POST("/registration/begin", h.RegistrationBegin)
	managed.POST("/registration/complete", h.RegistrationComplete)
	managed.GET("/keys", h.ListKeys)
	managed.POST("/toggle", h.ToggleKey)
	managed.POST("/del", h.DeleteKey)

	login := r.Group("/login")
	login.POST("/options", h.LoginOptions)
	login.POST("/otp/request", h.RequestCode)
	login.POST("/otp", h.LoginWithCode)

	r.POST("/logout", h.Logout)
}

// currentIdentity resolves the logged-in identity, or nil when anonymous.
func (h *Handlers) currentIdentity(c *gin.Context) (*Identity, error) {
	login := auth.CurrentLogin(c)
	if login == nil {
		return nil, nil
	}
	return h.service.identities.LookupByID(c.Request.Context(), login.UserID)
}

// RegistrationBegin starts a registration ceremony for the logged-in user
// and returns the credential creation options.
func (h *Handlers) RegistrationBegin(c *gin.Context) {
	identity, err := h.currentIdentity(c)
	if err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to resolve account", err))
		return
	}

	creation, err := h.service.BeginRegistration(c.Request.Context(), auth.SessionID(c), identity, h.service.config.Attachment)
	if err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to begin registration", err))
		return
	}
	c.JSON(http.StatusOK, creation)
}

// RegistrationComplete finishes a registration ceremony. The body is the
// authenticator attestation response with an optional key_name field; the
// response envelope is always {"status": ...}.
func (h *Handlers) RegistrationComplete(c *gin.Context) {
	identity, err := h.currentIdentity(c)
	if err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to resolve account", err))
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ERR", "message": "Error on server, please try again later"})
		return
	}
	var named struct {
		KeyName string `json:"key_name"`
	}
	// key_name rides alongside the attestation fields; the parser ignores it.
	_ = json.Unmarshal(raw, &named)

	_, err = h.service.FinishRegistration(
		c.Request.Context(),
		auth.SessionID(c),
		identity,
		bytes.NewReader(raw),
		named.KeyName,
		c.Request.UserAgent(),
	)
	switch {
	case err == nil:
		metrics.RecordCeremony("registration", "success")
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	case errors.Is(err, ErrNoActiveChallenge):
		metrics.RecordCeremony("registration", "failure")
		c.JSON(http.StatusOK, gin.H{"status": "ERR", "message": missingChallengeMessage})
	case errors.Is(err, ErrDuplicateCredential):
		metrics.RecordCeremony("registration", "failure")
		c.JSON(http.StatusOK, gin.H{"status": "ERR", "message": "This key is already registered"})
	default:
		metrics.RecordCeremony("registration", "failure")
		h.logger.Warn("registration completion failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "ERR", "message": "Error on server, please try again later"})
	}
}

// AuthBegin starts an authentication ceremony and returns the assertion
// options. Anonymous sessions with a stashed candidate get an allow-list for
// that account; otherwise the options request a discoverable credential.
func (h *Handlers) AuthBegin(c *gin.Context) {
	current, err := h.currentIdentity(c)
	if err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to resolve account", err))
		return
	}

	identity, err := h.service.ResolveLoginIdentity(c.Request.Context(), auth.SessionID(c), current)
	if err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to resolve login identity", err))
		return
	}

	assertion, err := h.service.BeginLogin(c.Request.Context(), auth.SessionID(c), identity)
	if err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to begin authentication", err))
		return
	}
	c.JSON(http.StatusOK, assertion)
}

// AuthComplete finishes an authentication ceremony. The assertion response
// arrives under the "passkeys" field; success establishes the login session.
func (h *Handlers) AuthComplete(c *gin.Context) {
	var req struct {
		Passkeys json.RawMessage `json:"passkeys"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Passkeys) == 0 {
		apperrors.RespondWithError(c, apperrors.BadRequest("missing passkeys field"))
		return
	}

	identity, err := h.service.FinishLogin(c.Request.Context(), auth.SessionID(c), bytes.NewReader(req.Passkeys), c.Request.UserAgent())
	if err != nil {
		metrics.RecordCeremony("authentication", "failure")
		switch {
		case errors.Is(err, ErrNoActiveChallenge):
			apperrors.RespondWithError(c, apperrors.New(apperrors.ErrNoActiveChallenge, "no authentication in progress", http.StatusBadRequest))
		case errors.Is(err, ErrUnknownCredential):
			apperrors.RespondWithError(c, apperrors.New(apperrors.ErrUnknownCredential, "unknown credential", http.StatusUnauthorized))
		case errors.Is(err, ErrVerificationFailed):
			apperrors.RespondWithError(c, apperrors.New(apperrors.ErrVerificationFailed, "authentication failed", http.StatusUnauthorized))
		case errors.Is(err, ErrStoreInvariantViolated):
			apperrors.RespondWithError(c, apperrors.New(apperrors.ErrStoreInvariant, "credential store inconsistency", http.StatusInternalServerError))
		default:
			apperrors.RespondWithError(c, apperrors.Internal("failed to complete authentication", err))
		}
		return
	}

	if _, err := h.logins.Establish(c.Request.Context(), auth.SessionID(c), identity.ID, auth.MethodPasskey); err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to establish session", err))
		return
	}
	metrics.RecordCeremony("authentication", "success")
	metrics.ActiveSessionsGauge.Inc()
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

// ListKeys returns the management view of the logged-in user's credentials.
func (h *Handlers) ListKeys(c *gin.Context) {
	login := auth.CurrentLogin(c)
	creds, err := h.service.ListCredentials(c.Request.Context(), login.UserID)
	if err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to list credentials", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": creds})
}

type credentialIDRequest struct {
	ID uuid.UUID `json:"id" binding:"required"`
}

// ToggleKey flips the enabled flag of an owned credential. The response
// bodies are plain text and fixed.
func (h *Handlers) ToggleKey(c *gin.Context) {
	var req credentialIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.RespondWithError(c, apperrors.BadRequest("missing credential id"))
		return
	}

	login := auth.CurrentLogin(c)
	_, err := h.service.ToggleCredential(c.Request.Context(), req.ID, login.UserID)
	switch {
	case err == nil:
		metrics.RecordCredentialOperation("toggle", "success")
		c.String(http.StatusOK, toggleOKBody)
	case errors.Is(err, ErrForbidden):
		metrics.RecordCredentialOperation("toggle", "forbidden")
		c.String(http.StatusForbidden, toggleForbiddenBody)
	case errors.Is(err, ErrCredentialNotFound):
		metrics.RecordCredentialOperation("toggle", "not_found")
		apperrors.RespondWithError(c, apperrors.NotFound("credential"))
	default:
		apperrors.RespondWithError(c, apperrors.Internal("failed to toggle credential", err))
	}
}

// DeleteKey removes an owned credential. The response bodies are plain text
// and fixed.
func (h *Handlers) DeleteKey(c *gin.Context) {
	var req credentialIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.RespondWithError(c, apperrors.BadRequest("missing credential id"))
		return
	}

	login := auth.CurrentLogin(c)
	err := h.service.DeleteCredential(c.Request.Context(), req.ID, login.UserID)
	switch {
	case err == nil:
		metrics.RecordCredentialOperation("delete", "success")
		c.String(http.StatusOK, deleteOKBody)
	case errors.Is(err, ErrForbidden):
		metrics.RecordCredentialOperation("delete", "forbidden")
		c.String(http.StatusForbidden, deleteForbiddenBody)
	case errors.Is(err, ErrCredentialNotFound):
		metrics.RecordCredentialOperation("delete", "not_found")
		apperrors.RespondWithError(c, apperrors.NotFound("credential"))
	default:
		apperrors.RespondWithError(c, apperrors.Internal("failed to delete credential", err))
	}
}

// LoginOptions stashes the submitted account hint in the session and reports
// whether that account can be offered a passkey login, so the client can
// choose between the passkey and fallback forms.
func (h *Handlers) LoginOptions(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.RespondWithError(c, apperrors.BadRequest("invalid request body"))
		return
	}

	hint := req.Username
	if h.service.config.UsernameLookup == UsernameFieldEmail {
		hint = req.Email
	}
	if hint == "" {
		apperrors.RespondWithError(c, apperrors.BadRequest("missing account identifier"))
		return
	}

	if err := h.service.sessions.SetCandidateUsername(c.Request.Context(), auth.SessionID(c), hint); err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to record login hint", err))
		return
	}

	identity, err := LookupIdentity(c.Request.Context(), h.service.identities, h.service.config.UsernameLookup, hint)
	if errors.Is(err, ErrIdentityNotFound) {
		c.JSON(http.StatusOK, gin.H{"passkeys": false})
		return
	}
	if err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to look up account", err))
		return
	}

	hasPasskeys, err := h.service.HasEnabledCredentials(c.Request.Context(), identity)
	if err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to check credentials", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"passkeys": hasPasskeys})
}

// RequestCode issues a one-time sign-in code and emails it to the account.
func (h *Handlers) RequestCode(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.RespondWithError(c, apperrors.BadRequest("missing email"))
		return
	}

	if _, err := h.service.identities.LookupByEmail(c.Request.Context(), req.Email); err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			metrics.RecordOTP("issue", "failure")
			apperrors.RespondWithError(c, apperrors.NotFound("account"))
			return
		}
		apperrors.RespondWithError(c, apperrors.Internal("failed to look up account", err))
		return
	}

	if _, err := h.otp.IssueCode(c.Request.Context(), req.Email); err != nil {
		metrics.RecordOTP("issue", "failure")
		apperrors.RespondWithError(c, apperrors.Internal("failed to send code", err))
		return
	}
	metrics.RecordOTP("issue", "success")
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

// LoginWithCode validates a one-time code and establishes the login session.
func (h *Handlers) LoginWithCode(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
		Code  string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.RespondWithError(c, apperrors.BadRequest("missing email or code"))
		return
	}

	if err := h.otp.ValidateCode(c.Request.Context(), req.Email, req.Code, h.otp.now()); err != nil {
		switch {
		case errors.Is(err, ErrCodeExpired):
			metrics.RecordOTP("validate", "expired")
			apperrors.RespondWithError(c, apperrors.New(apperrors.ErrCodeExpired, "code expired, request a new one", http.StatusUnauthorized))
		case errors.Is(err, ErrCodeInvalid):
			metrics.RecordOTP("validate", "failure")
			apperrors.RespondWithError(c, apperrors.New(apperrors.ErrCodeInvalid, "incorrect code", http.StatusUnauthorized))
		default:
			apperrors.RespondWithError(c, apperrors.Internal("failed to validate code", err))
		}
		return
	}

	identity, err := h.service.identities.LookupByEmail(c.Request.Context(), req.Email)
	if err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to look up account", err))
		return
	}

	if _, err := h.logins.Establish(c.Request.Context(), auth.SessionID(c), identity.ID, auth.MethodOTP); err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to establish session", err))
		return
	}
	metrics.RecordOTP("validate", "success")
	metrics.ActiveSessionsGauge.Inc()
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

// Logout clears the session's login.
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.logins.Clear(c.Request.Context(), auth.SessionID(c)); err != nil {
		apperrors.RespondWithError(c, apperrors.Internal("failed to clear session", err))
		return
	}
	metrics.ActiveSessionsGauge.Dec()
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}
