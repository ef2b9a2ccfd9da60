package sso

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/gatekey/gatekey/pkg/httputil"
	"github.com/gatekey/gatekey/pkg/observability"
)

const loginCookie = "gatekey_login"

// Handlers exposes the SSO subsystem over HTTP.
type Handlers struct {
	service  *Service
	registry *Registry
	auditor  *Auditor
	logger   *observability.Logger
}

// NewHandlers creates the SSO HTTP handlers.
func NewHandlers(service *Service, registry *Registry, auditor *Auditor, logger *observability.Logger) *Handlers {
	return &Handlers{service: service, registry: registry, auditor: auditor, logger: logger}
}

// RegisterRoutes registers all SSO routes on one router. The server binary
// registers the groups separately so each can carry its own middleware.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	h.RegisterAdminRoutes(router)
	h.RegisterLoginRoutes(router)
}

// RegisterAdminRoutes registers provider configuration, session
// administration and audit routes.
func (h *Handlers) RegisterAdminRoutes(router *mux.Router) {
	router.HandleFunc("/sso/providers", h.listProviders).Methods("GET")
	router.HandleFunc("/sso/providers", h.createProvider).Methods("POST")
	router.HandleFunc("/sso/providers/{id}", h.getProvider).Methods("GET")
	router.HandleFunc("/sso/providers/{id}", h.updateProvider).Methods("PUT")
	router.HandleFunc("/sso/providers/{id}", h.disableProvider).Methods("DELETE")
	router.HandleFunc("/sso/presets", h.listPresets).Methods("GET")
	router.HandleFunc("/sso/presets/{name}", h.getPreset).Methods("GET")

	router.HandleFunc("/sso/sessions", h.listSessions).Methods("GET")
	router.HandleFunc("/sso/sessions/{id}", h.getSession).Methods("GET")
	router.HandleFunc("/sso/sessions/{id}", h.terminateSession).Methods("DELETE")
	router.HandleFunc("/sso/audit", h.listAudit).Methods("GET")
	router.HandleFunc("/sso/audit/statistics", h.auditStatistics).Methods("GET")
}

// RegisterLoginRoutes registers the login flow routes, plus SP metadata,
// which IdP operators fetch unauthenticated.
func (h *Handlers) RegisterLoginRoutes(router *mux.Router) {
	router.HandleFunc("/sso/metadata/{id}", h.samlMetadata).Methods("GET")

	router.HandleFunc("/auth/sso/{id}/login", h.initiateLogin).Methods("GET")
	router.HandleFunc("/auth/sso/{id}/callback", h.handleCallback).Methods("GET", "POST")
	router.HandleFunc("/auth/sso/{id}/ldap", h.ldapLogin).Methods("POST")
	router.HandleFunc("/auth/sso/session", h.currentSession).Methods("GET")
	router.HandleFunc("/auth/sso/logout", h.logout).Methods("POST")
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var ae *AuthError
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFound(w, "not found")
	case errors.As(err, &ae):
		httputil.WriteErrorMessage(w, ae.HTTPStatus(), ae.FailureReason())
	default:
		h.logger.WithError(err).Error("SSO request failed")
		httputil.WriteInternalError(w, err)
	}
}

func requestContext(r *http.Request) RequestContext {
	return RequestContext{
		IPAddress: httputil.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func queryTenantID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
	return id, err == nil && id > 0
}

// listProviders handles GET /sso/providers
func (h *Handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := queryTenantID(r)
	if !ok {
		httputil.WriteBadRequest(w, "tenant_id is required")
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"

	providers, err := h.registry.ListProviders(r.Context(), tenantID, activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"providers": providers})
}

// providerRequest is the write shape for provider configuration. Secret
// fields are excluded from the Provider JSON shape, so writes carry them
// in a separate secrets document that never appears in responses.
type providerRequest struct {
	Provider
	Secrets struct {
		ClientSecret string `json:"client_secret"`
		BindPassword string `json:"bind_password"`
	} `json:"secrets"`
}

func (req *providerRequest) applySecrets() error {
	if req.Secrets.ClientSecret != "" {
		if req.OAuthConfig == nil {
			return errors.New("client_secret supplied without oauth_config")
		}
		req.OAuthConfig.ClientSecret = req.Secrets.ClientSecret
	}
	if req.Secrets.BindPassword != "" {
		if req.LDAPConfig == nil {
			return errors.New("bind_password supplied without ldap_config")
		}
		req.LDAPConfig.BindPassword = req.Secrets.BindPassword
	}
	return nil
}

// createProvider handles POST /sso/providers
func (h *Handlers) createProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := req.applySecrets(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.registry.CreateProvider(r.Context(), &req.Provider); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteCreated(w, &req.Provider)
}

// getProvider handles GET /sso/providers/{id}
func (h *Handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid provider id")
		return
	}
	provider, err := h.registry.GetProvider(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, provider)
}

// updateProvider handles PUT /sso/providers/{id}
func (h *Handlers) updateProvider(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid provider id")
		return
	}
	existing, err := h.registry.GetProvider(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req providerRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := req.applySecrets(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	req.ID = existing.ID
	req.TenantID = existing.TenantID

	if err := h.registry.UpdateProvider(r.Context(), &req.Provider); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, &req.Provider)
}

// disableProvider handles DELETE /sso/providers/{id}. Providers are
// soft-disabled, never removed.
func (h *Handlers) disableProvider(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid provider id")
		return
	}
	if err := h.registry.DisableProvider(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// listPresets handles GET /sso/presets
func (h *Handlers) listPresets(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{"presets": PresetNames()})
}

// getPreset handles GET /sso/presets/{name}
func (h *Handlers) getPreset(w http.ResponseWriter, r *http.Request) {
	name, _ := httputil.ParsePathString(r, "name")
	preset, err := Preset(name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, preset)
}

// samlMetadata handles GET /sso/metadata/{id}
func (h *Handlers) samlMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid provider id")
		return
	}
	metadata, err := h.service.SAMLMetadata(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write(metadata)
}

// listSessions handles GET /sso/sessions
func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := queryTenantID(r)
	if !ok {
		httputil.WriteBadRequest(w, "tenant_id is required")
		return
	}
	limit := httputil.QueryInt(r, "limit", 100)

	sessions, err := h.service.Sessions().ListSessions(r.Context(), tenantID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"sessions": sessions})
}

// getSession handles GET /sso/sessions/{id}. Expired and unknown sessions
// both report 404; expiry is observed at read time, never written back.
func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid session id")
		return
	}

	session, user, err := h.service.GetActiveSession(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"session": session, "user": user})
}

// terminateSession handles DELETE /sso/sessions/{id}
func (h *Handlers) terminateSession(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid session id")
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "admin_revoked"
	}

	result, err := h.service.TerminateSession(r.Context(), id, reason, requestContext(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// listAudit handles GET /sso/audit
func (h *Handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := queryTenantID(r)
	if !ok {
		httputil.WriteBadRequest(w, "tenant_id is required")
		return
	}
	filter := AuditFilter{
		Category:  EventCategory(r.URL.Query().Get("category")),
		EventType: EventType(r.URL.Query().Get("event_type")),
		SessionID: r.URL.Query().Get("session_id"),
		Limit:     httputil.QueryInt(r, "limit", 100),
		Offset:    httputil.QueryInt(r, "offset", 0),
	}

	entries, err := h.auditor.List(r.Context(), tenantID, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"entries": entries})
}

// auditStatistics handles GET /sso/audit/statistics
func (h *Handlers) auditStatistics(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := queryTenantID(r)
	if !ok {
		httputil.WriteBadRequest(w, "tenant_id is required")
		return
	}
	stats, err := h.auditor.Statistics(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// initiateLogin handles GET /auth/sso/{id}/login. By default the response
// is a redirect to the IdP; ?redirect=false returns the redirect URL as
// JSON for non-browser clients.
func (h *Handlers) initiateLogin(w http.ResponseWriter, r *http.Request) {
	providerID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid provider id")
		return
	}

	session, result, err := h.service.InitiateLogin(r.Context(), providerID, requestContext(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     loginCookie,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})

	if r.URL.Query().Get("redirect") == "false" || result.RedirectURL == "" {
		httputil.WriteSuccess(w, map[string]interface{}{
			"session_id":   session.ID,
			"redirect_url": result.RedirectURL,
		})
		return
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// handleCallback handles GET/POST /auth/sso/{id}/callback. The session is
// located through the login cookie when present, otherwise through the
// correlation token the IdP echoed back.
func (h *Handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.WriteBadRequest(w, "failed to parse callback parameters")
		return
	}

	sessionID := ""
	if cookie, err := r.Cookie(loginCookie); err == nil {
		sessionID = cookie.Value
	}
	if sessionID == "" {
		token := r.Form.Get("state")
		if token == "" {
			token = r.Form.Get("RelayState")
		}
		session, err := h.service.Sessions().GetInitiatedByToken(r.Context(), token)
		if err != nil {
			h.writeError(w, ErrStateMismatch("no session matches this callback"))
			return
		}
		sessionID = session.ID
	}

	result, err := h.service.CompleteLogin(r.Context(), sessionID, &CompletionInput{Params: r.Form}, requestContext(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: loginCookie, MaxAge: -1, Path: "/"})
	httputil.WriteSuccess(w, result)
}

// ldapLogin handles POST /auth/sso/{id}/ldap
func (h *Handlers) ldapLogin(w http.ResponseWriter, r *http.Request) {
	providerID, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, "invalid provider id")
		return
	}

	var creds Credentials
	if err := httputil.ParseJSON(r, &creds); err != nil {
		httputil.WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	result, err := h.service.AuthenticateDirect(r.Context(), providerID, &creds, requestContext(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// currentSession handles GET /auth/sso/session
func (h *Handlers) currentSession(w http.ResponseWriter, r *http.Request) {
	token := httputil.BearerToken(r)
	if token == "" {
		httputil.WriteUnauthorized(w, "bearer token required")
		return
	}
	session, user, err := h.service.Authenticate(r.Context(), token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"session": session, "user": user})
}

// logout handles POST /auth/sso/logout
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	token := httputil.BearerToken(r)
	if token == "" {
		httputil.WriteUnauthorized(w, "bearer token required")
		return
	}
	session, _, err := h.service.Authenticate(r.Context(), token)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.service.TerminateSession(r.Context(), session.ID, "user_logout", requestContext(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}
