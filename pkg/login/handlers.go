package login

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/opsmaint/authcore/pkg/federation"
	"github.com/opsmaint/authcore/pkg/httputil"
	"github.com/opsmaint/authcore/pkg/middleware"
	"github.com/opsmaint/authcore/pkg/session"
)

// oauthStateCookie carries the CSRF state between the start redirect
// and the provider callback.
const oauthStateCookie = "authcore_oauth_state"

// HandlerConfig carries the deployment knobs the HTTP layer needs.
type HandlerConfig struct {
	// FrontendURL is where browser-redirect flows (OAuth2, OIDC, SAML)
	// land after the callback completes.
	FrontendURL string

	Cookies session.CookiePolicy

	OIDCEnabled bool
	SAMLEnabled bool
}

// Handlers exposes the login orchestrator over HTTP.
type Handlers struct {
	orch     *Orchestrator
	registry *federation.Registry
	guard    *middleware.LoginGuard
	cfg      HandlerConfig
	logger   *slog.Logger
}

func NewHandlers(orch *Orchestrator, registry *federation.Registry, guard *middleware.LoginGuard, cfg HandlerConfig, logger *slog.Logger) *Handlers {
	if registry == nil {
		registry = federation.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{orch: orch, registry: registry, guard: guard, cfg: cfg, logger: logger}
}

// RegisterRoutes mounts all authentication routes. Routes that need an
// authenticated caller are wrapped with authmw.
func (h *Handlers) RegisterRoutes(router *mux.Router, authmw *middleware.AuthMiddleware) {
	router.HandleFunc("/auth/login", h.login).Methods("POST")
	router.HandleFunc("/auth/register", h.register).Methods("POST")
	router.HandleFunc("/auth/mfa/setup", h.mfaSetup).Methods("POST")
	router.HandleFunc("/auth/mfa/verify", h.mfaVerify).Methods("POST")
	router.HandleFunc("/auth/bootstrap/rotate", h.rotate).Methods("POST")
	router.HandleFunc("/auth/invite/accept", h.acceptInvite).Methods("POST")
	router.HandleFunc("/auth/refresh", h.refresh).Methods("POST")

	router.HandleFunc("/auth/oauth/{provider}", h.oauthStart).Methods("GET")
	router.HandleFunc("/auth/oauth/{provider}/callback", h.oauthCallback).Methods("GET")

	if h.cfg.OIDCEnabled {
		router.HandleFunc("/auth/oidc/{provider}", h.oidcStart).Methods("GET")
		router.HandleFunc("/auth/oidc/{provider}/callback", h.oidcCallback).Methods("GET")
		router.HandleFunc("/auth/oidc/{provider}/metadata", h.oidcMetadata).Methods("GET")
	}
	if h.cfg.SAMLEnabled {
		router.HandleFunc("/auth/saml/{tenantId}/acs", h.samlACS).Methods("POST")
		router.HandleFunc("/auth/saml/{tenantId}/metadata", h.samlMetadata).Methods("GET")
		router.HandleFunc("/auth/saml/{tenantId}/redirect", h.samlRedirect).Methods("GET")
	}

	router.Handle("/auth/me", authmw.Handler(http.HandlerFunc(h.me))).Methods("GET")
	router.Handle("/auth/logout", authmw.Handler(http.HandlerFunc(h.logout))).Methods("POST")
}

// attemptFrom captures the client context every orchestrator call
// needs for session binding and the audit trail.
func (h *Handlers) attemptFrom(r *http.Request) Request {
	return Request{
		Binding:   session.FingerprintRequest(r),
		IP:        session.ClientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: r.Header.Get("X-Request-ID"),
	}
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		Remember   bool   `json:"remember"`
		TenantHint string `json:"tenantId"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "email and password are required")
		return
	}

	attempt := h.attemptFrom(r)
	attempt.Email = req.Email
	attempt.Password = req.Password
	attempt.Remember = req.Remember
	attempt.TenantHint = req.TenantHint

	// Throttling gates before any store access.
	if err := h.guard.Check(r.Context(), attempt.IP, req.Email); err != nil {
		var rl *middleware.RateLimitedError
		if errors.As(err, &rl) {
			middleware.WriteRateLimited(w, rl)
			return
		}
	}

	out, err := h.orch.Login(r.Context(), attempt)
	if err != nil {
		if isCredentialFailure(err) {
			h.guard.Failure(r.Context(), attempt.IP, req.Email)
		}
		h.writeError(w, err)
		return
	}

	switch out.State {
	case StateMFARequired:
		httputil.WriteSuccess(w, map[string]interface{}{
			"mfaRequired": true,
			"userId":      out.User.ID,
		})
	case StateRotationRequired:
		httputil.WriteJSON(w, http.StatusLocked, map[string]interface{}{
			"rotationRequired": true,
			"userId":           out.User.ID,
			"rotationToken":    out.RotationToken,
			"mfaSecret":        out.MFASecret,
		})
	default:
		h.guard.Success(r.Context(), attempt.IP, req.Email)
		h.writeIssued(w, out, req.Remember)
	}
}

func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Email      string `json:"email"`
		Password   string `json:"password"`
		TenantID   string `json:"tenantId"`
		EmployeeID string `json:"employeeId"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	attempt := h.attemptFrom(r)
	if err := h.guard.Check(r.Context(), attempt.IP, ""); err != nil {
		var rl *middleware.RateLimitedError
		if errors.As(err, &rl) {
			middleware.WriteRateLimited(w, rl)
			return
		}
	}

	u, err := h.orch.Register(r.Context(), RegisterInput{
		Name:       req.Name,
		Email:      req.Email,
		Password:   req.Password,
		TenantID:   req.TenantID,
		EmployeeID: req.EmployeeID,
	}, attempt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteCreated(w, u.Sanitized())
}

func (h *Handlers) mfaSetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.WriteBadRequest(w, "userId is required")
		return
	}

	enrollment, err := h.orch.SetupMFA(r.Context(), req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{
		"secret": enrollment.Secret,
		"token":  enrollment.CurrentCode,
	})
}

func (h *Handlers) mfaVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"userId"`
		Token    string `json:"token"`
		Remember bool   `json:"remember"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Token == "" {
		httputil.WriteBadRequest(w, "userId and token are required")
		return
	}

	attempt := h.attemptFrom(r)
	attempt.Remember = req.Remember

	// MFA codes are as brute-forceable as passwords; same guard, keyed
	// by the user id since no email is in play here.
	if err := h.guard.Check(r.Context(), attempt.IP, req.UserID); err != nil {
		var rl *middleware.RateLimitedError
		if errors.As(err, &rl) {
			middleware.WriteRateLimited(w, rl)
			return
		}
	}

	out, err := h.orch.VerifyMFA(r.Context(), req.UserID, req.Token, attempt)
	if err != nil {
		h.guard.Failure(r.Context(), attempt.IP, req.UserID)
		h.writeError(w, err)
		return
	}
	h.guard.Success(r.Context(), attempt.IP, req.UserID)
	if out.State == StateRotationRequired {
		httputil.WriteJSON(w, http.StatusLocked, map[string]interface{}{
			"rotationRequired": true,
			"userId":           out.User.ID,
			"rotationToken":    out.RotationToken,
			"mfaSecret":        out.MFASecret,
		})
		return
	}
	h.writeIssued(w, out, req.Remember)
}

func (h *Handlers) rotate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RotationToken string `json:"rotationToken"`
		NewPassword   string `json:"newPassword"`
		MFAToken      string `json:"mfaToken"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RotationToken == "" || req.NewPassword == "" || req.MFAToken == "" {
		httputil.WriteBadRequest(w, "rotationToken, newPassword and mfaToken are required")
		return
	}

	attempt := h.attemptFrom(r)
	if _, err := h.orch.Rotate(r.Context(), req.RotationToken, req.NewPassword, req.MFAToken, attempt); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"rotated": true})
}

// acceptInvite trades an invite token for the rotation flow: the
// response mirrors the 423 login outcome and the client finishes
// through /auth/bootstrap/rotate.
func (h *Handlers) acceptInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		InviteToken string `json:"inviteToken"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" || req.InviteToken == "" {
		httputil.WriteBadRequest(w, "email and inviteToken are required")
		return
	}

	attempt := h.attemptFrom(r)
	if err := h.guard.Check(r.Context(), attempt.IP, req.Email); err != nil {
		var rl *middleware.RateLimitedError
		if errors.As(err, &rl) {
			middleware.WriteRateLimited(w, rl)
			return
		}
	}

	out, err := h.orch.AcceptInvite(r.Context(), req.Email, req.InviteToken, attempt)
	if err != nil {
		if errors.Is(err, ErrInvalidRotationToken) {
			h.guard.Failure(r.Context(), attempt.IP, req.Email)
		}
		h.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusLocked, map[string]interface{}{
		"rotationRequired": true,
		"userId":           out.User.ID,
		"rotationToken":    out.RotationToken,
		"mfaSecret":        out.MFASecret,
	})
}

func (h *Handlers) refresh(w http.ResponseWriter, r *http.Request) {
	token := ""
	if c, err := r.Cookie(session.RefreshCookieName); err == nil {
		token = c.Value
	}
	if token == "" {
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if !httputil.ParseJSONOrError(w, r, &req) {
				return
			}
		}
		token = req.RefreshToken
	}
	if token == "" {
		httputil.WriteUnauthorized(w, "missing refresh token")
		return
	}

	attempt := h.attemptFrom(r)
	out, err := h.orch.Refresh(r.Context(), token, attempt.Binding, attempt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	http.SetCookie(w, h.cfg.Cookies.AccessCookie(out.AccessToken))
	httputil.WriteSuccess(w, map[string]interface{}{
		"token": out.AccessToken,
		"user":  out.User.Sanitized(),
	})
}

func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r)
	if ac == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	httputil.WriteSuccess(w, ac.User.Sanitized())
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r)
	if ac == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if err := h.orch.Logout(r.Context(), ac.User.ID, h.attemptFrom(r)); err != nil {
		h.writeError(w, err)
		return
	}
	for _, c := range h.cfg.Cookies.ClearCookies() {
		http.SetCookie(w, c)
	}
	httputil.WriteSuccess(w, map[string]bool{"loggedOut": true})
}

// --- browser redirect flows ---

func (h *Handlers) oauthStart(w http.ResponseWriter, r *http.Request) {
	provider, err := h.registry.OAuth2(mux.Vars(r)["provider"])
	if err != nil {
		httputil.WriteNotFoundError(w, "unknown provider")
		return
	}
	state := uuid.NewString()
	h.setStateCookie(w, state)
	http.Redirect(w, r, provider.AuthURL(state), http.StatusFound)
}

func (h *Handlers) oauthCallback(w http.ResponseWriter, r *http.Request) {
	provider, err := h.registry.OAuth2(mux.Vars(r)["provider"])
	if err != nil {
		httputil.WriteNotFoundError(w, "unknown provider")
		return
	}
	if !h.checkState(r) {
		h.redirectError(w, r, "invalid state")
		return
	}
	if e := r.URL.Query().Get("error"); e != "" {
		h.redirectError(w, r, "provider denied")
		return
	}

	id, err := provider.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		h.logger.Warn("oauth exchange failed", "provider", provider.Name, "error", err)
		h.redirectError(w, r, "authentication failed")
		return
	}
	h.finishFederated(w, r, id, "", "")
}

func (h *Handlers) oidcStart(w http.ResponseWriter, r *http.Request) {
	provider, err := h.registry.OIDC(mux.Vars(r)["provider"])
	if err != nil {
		httputil.WriteNotFoundError(w, "unknown provider")
		return
	}
	state := uuid.NewString()
	h.setStateCookie(w, state)
	http.Redirect(w, r, provider.AuthURL(state), http.StatusFound)
}

func (h *Handlers) oidcCallback(w http.ResponseWriter, r *http.Request) {
	provider, err := h.registry.OIDC(mux.Vars(r)["provider"])
	if err != nil {
		httputil.WriteNotFoundError(w, "unknown provider")
		return
	}
	if !h.checkState(r) {
		h.redirectError(w, r, "invalid state")
		return
	}
	if e := r.URL.Query().Get("error"); e != "" {
		h.redirectError(w, r, "provider denied")
		return
	}

	id, err := provider.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		h.logger.Warn("oidc exchange failed", "provider", provider.Name, "error", err)
		h.redirectError(w, r, "authentication failed")
		return
	}
	h.finishFederated(w, r, id, provider.Issuer, "")
}

func (h *Handlers) oidcMetadata(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["provider"]
	provider, err := h.registry.OIDC(name)
	if err != nil {
		httputil.WriteNotFoundError(w, "unknown provider")
		return
	}
	httputil.WriteSuccess(w, map[string]string{
		"provider": provider.Name,
		"issuer":   provider.Issuer,
		"loginUrl": "/auth/oidc/" + name,
		"callback": "/auth/oidc/" + name + "/callback",
	})
}

func (h *Handlers) samlACS(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	provider, err := h.registry.SAML(tenantID)
	if err != nil {
		httputil.WriteNotFoundError(w, "unknown tenant")
		return
	}
	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "malformed form body")
		return
	}

	id, err := provider.Consume(r.PostForm)
	if err != nil {
		h.logger.Warn("saml assertion rejected", "tenant", tenantID, "error", err)
		h.redirectError(w, r, "authentication failed")
		return
	}
	h.finishFederated(w, r, id, "", tenantID)
}

func (h *Handlers) samlMetadata(w http.ResponseWriter, r *http.Request) {
	provider, err := h.registry.SAML(mux.Vars(r)["tenantId"])
	if err != nil {
		httputil.WriteNotFoundError(w, "unknown tenant")
		return
	}
	doc, err := provider.Metadata()
	if err != nil {
		httputil.WriteServiceUnavailable(w, "metadata unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write(doc)
}

func (h *Handlers) samlRedirect(w http.ResponseWriter, r *http.Request) {
	provider, err := h.registry.SAML(mux.Vars(r)["tenantId"])
	if err != nil {
		httputil.WriteNotFoundError(w, "unknown tenant")
		return
	}
	target, err := provider.RedirectURL(r.URL.Query().Get("RelayState"))
	if err != nil {
		httputil.WriteServiceUnavailable(w, "identity provider not configured")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// finishFederated runs the orchestrator for an external identity and
// ends the browser flow with a redirect to the frontend. Callbacks are
// browser navigations, so the outcome travels as query parameters and
// cookies rather than a JSON body.
func (h *Handlers) finishFederated(w http.ResponseWriter, r *http.Request, id *federation.Identity, issuer, tenantHint string) {
	attempt := h.attemptFrom(r)
	attempt.TenantHint = tenantHint

	out, err := h.orch.FederatedLogin(r.Context(), id, issuer, attempt)
	if err != nil {
		h.logger.Warn("federated login rejected",
			"protocol", id.Protocol, "provider", id.Provider, "error", err)
		h.redirectError(w, r, "authentication failed")
		return
	}

	target, err := url.Parse(h.cfg.FrontendURL)
	if err != nil || h.cfg.FrontendURL == "" {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "frontend url not configured")
		return
	}
	q := target.Query()
	if out.State == StateMFARequired {
		q.Set("mfaRequired", "true")
		q.Set("userId", out.User.ID)
	} else {
		q.Set("token", out.AccessToken)
		q.Set("email", out.User.Email)
		q.Set("tenantId", out.User.TenantID)
		http.SetCookie(w, h.cfg.Cookies.AccessCookie(out.AccessToken))
		http.SetCookie(w, h.cfg.Cookies.RefreshCookie(out.RefreshToken, false))
	}
	if id.RelayState != "" {
		q.Set("relayState", id.RelayState)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *Handlers) redirectError(w http.ResponseWriter, r *http.Request, reason string) {
	target, err := url.Parse(h.cfg.FrontendURL)
	if err != nil || h.cfg.FrontendURL == "" {
		httputil.WriteBadRequest(w, reason)
		return
	}
	q := target.Query()
	q.Set("error", reason)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (h *Handlers) setStateCookie(w http.ResponseWriter, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.Cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) checkState(r *http.Request) bool {
	c, err := r.Cookie(oauthStateCookie)
	if err != nil || c.Value == "" {
		return false
	}
	return c.Value == r.URL.Query().Get("state")
}

// writeIssued sends the canonical success response: tokens as cookies
// for browser callers plus the access token in the body for API
// clients.
func (h *Handlers) writeIssued(w http.ResponseWriter, out *Outcome, remember bool) {
	http.SetCookie(w, h.cfg.Cookies.AccessCookie(out.AccessToken))
	if out.RefreshToken != "" {
		http.SetCookie(w, h.cfg.Cookies.RefreshCookie(out.RefreshToken, remember))
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"token": out.AccessToken,
		"user":  out.User.Sanitized(),
	})
}

// isCredentialFailure reports whether an error should count against
// the caller's rate-limit budget. A tenant mismatch is a configuration
// problem, not a guessing attempt, so it does not burn budget.
func isCredentialFailure(err error) bool {
	return errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrInvalidMfaCode)
}

// writeError maps the orchestrator's error taxonomy onto HTTP. The
// credential family collapses onto one generic message so responses
// cannot be used to enumerate accounts.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var rl *middleware.RateLimitedError
	switch {
	case errors.As(err, &rl):
		middleware.WriteRateLimited(w, rl)
	case errors.Is(err, ErrValidation):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrInvalidRotationToken):
		httputil.WriteUnauthorized(w, ErrInvalidRotationToken.Error())
	case errors.Is(err, ErrInvalidMfaCode):
		httputil.WriteBadRequest(w, ErrInvalidMfaCode.Error())
	case errors.Is(err, ErrTenantMismatch):
		httputil.WriteBadRequest(w, ErrTenantMismatch.Error())
	case errors.Is(err, ErrInvalidCredential):
		httputil.WriteBadRequest(w, ErrInvalidCredential.Error())
	case errors.Is(err, ErrTenantUnresolved), errors.Is(err, ErrProviderUnavailable):
		httputil.WriteBadRequest(w, ErrProviderUnavailable.Error())
	default:
		h.logger.Error("login request failed", "error", err)
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}
