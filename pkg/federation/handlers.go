package federation

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/opsmaint/authcore/pkg/audit"
	"github.com/opsmaint/authcore/pkg/httputil"
)

// AdminHandlers manages per-tenant identity-provider configurations.
// Routes are expected to be mounted behind admin-role middleware.
type AdminHandlers struct {
	store   ConfigStore
	auditor audit.Logger
}

func NewAdminHandlers(store ConfigStore, auditor audit.Logger) *AdminHandlers {
	if auditor == nil {
		auditor = audit.NewNopLogger()
	}
	return &AdminHandlers{store: store, auditor: auditor}
}

// RegisterRoutes registers the provider-config admin routes.
func (h *AdminHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/admin/tenants/{tenantId}/providers", h.list).Methods("GET")
	router.HandleFunc("/auth/admin/tenants/{tenantId}/providers", h.upsert).Methods("POST")
	router.HandleFunc("/auth/admin/tenants/{tenantId}/providers/{protocol}/{provider}", h.get).Methods("GET")
	router.HandleFunc("/auth/admin/tenants/{tenantId}/providers/{protocol}/{provider}", h.update).Methods("PUT")
	router.HandleFunc("/auth/admin/tenants/{tenantId}/providers/{protocol}/{provider}", h.delete).Methods("DELETE")
}

func validProtocol(p string) bool {
	switch p {
	case ProtocolOAuth2, ProtocolOIDC, ProtocolSAML:
		return true
	}
	return false
}

func (h *AdminHandlers) list(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	configs, err := h.store.List(r.Context(), tenantID)
	if err != nil {
		httputil.WriteInternalError(w, errors.New("listing provider configs"))
		return
	}
	out := make([]ProviderConfig, 0, len(configs))
	for _, c := range configs {
		out = append(out, c.Sanitized())
	}
	httputil.WriteSuccess(w, out)
}

func (h *AdminHandlers) get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cfg, err := h.store.Get(r.Context(), vars["tenantId"], vars["protocol"], vars["provider"])
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			httputil.WriteNotFoundError(w, "provider config not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("loading provider config"))
		return
	}
	httputil.WriteSuccess(w, cfg.Sanitized())
}

func (h *AdminHandlers) upsert(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]

	var cfg ProviderConfig
	if !httputil.ParseJSONOrError(w, r, &cfg) {
		return
	}
	cfg.TenantID = tenantID
	cfg.Protocol = strings.ToLower(cfg.Protocol)
	if !validProtocol(cfg.Protocol) {
		httputil.WriteBadRequest(w, "protocol must be oauth2, oidc or saml")
		return
	}
	if !httputil.RequireNonEmpty(w, cfg.Provider, "provider") {
		return
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	if err := h.store.Upsert(r.Context(), &cfg); err != nil {
		httputil.WriteInternalError(w, errors.New("saving provider config"))
		return
	}
	h.auditChange(r, tenantID, cfg.Protocol, cfg.Provider, "created")
	httputil.WriteCreated(w, cfg.Sanitized())
}

func (h *AdminHandlers) update(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	existing, err := h.store.Get(r.Context(), vars["tenantId"], vars["protocol"], vars["provider"])
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			httputil.WriteNotFoundError(w, "provider config not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("loading provider config"))
		return
	}

	var cfg ProviderConfig
	if !httputil.ParseJSONOrError(w, r, &cfg) {
		return
	}
	cfg.ID = existing.ID
	cfg.TenantID = existing.TenantID
	cfg.Protocol = existing.Protocol
	cfg.Provider = existing.Provider
	// A masked or omitted secret means "keep the stored one".
	if cfg.ClientSecret == "" || cfg.ClientSecret == secretMask {
		cfg.ClientSecret = existing.ClientSecret
	}
	if cfg.SPPrivateKey == "" || cfg.SPPrivateKey == secretMask {
		cfg.SPPrivateKey = existing.SPPrivateKey
	}

	if err := h.store.Upsert(r.Context(), &cfg); err != nil {
		httputil.WriteInternalError(w, errors.New("saving provider config"))
		return
	}
	h.auditChange(r, cfg.TenantID, cfg.Protocol, cfg.Provider, "updated")
	httputil.WriteSuccess(w, cfg.Sanitized())
}

func (h *AdminHandlers) delete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := h.store.Delete(r.Context(), vars["tenantId"], vars["protocol"], vars["provider"])
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			httputil.WriteNotFoundError(w, "provider config not found")
			return
		}
		httputil.WriteInternalError(w, errors.New("deleting provider config"))
		return
	}
	h.auditChange(r, vars["tenantId"], vars["protocol"], vars["provider"], "deleted")
	httputil.WriteNoContent(w)
}

func (h *AdminHandlers) auditChange(r *http.Request, tenantID, protocol, provider, change string) {
	e := audit.NewEvent(audit.ActionConfigChange, audit.StatusSuccess, r)
	e.TenantID = tenantID
	e.Protocol = protocol
	e.Provider = provider
	e.Detail = map[string]interface{}{"change": change}
	h.auditor.Log(r.Context(), e)
}
