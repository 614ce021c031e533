package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/rijan/wa-gateway/internal/crypto"
	"github.com/rijan/wa-gateway/internal/store"
)

func strptr(s string) *string { return &s }

// handleCreateTenant provisions a tenant and returns its token. The
// token appears exactly once, here; only its fingerprint is persisted.
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		TTLDays int    `json:"ttlDays"`
	}
	if err := decode(r, &body); err != nil || strings.TrimSpace(body.Name) == "" {
		fail(w, r, http.StatusBadRequest, KindValidation, "name is required")
		return
	}

	tenant := &store.Tenant{
		ID:     crypto.MintID("tenant"),
		Name:   strings.TrimSpace(body.Name),
		Status: store.TenantActive,
	}
	token, err := s.keyring.IssueTenantToken(tenant.ID, body.TTLDays)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	tenant.APIKeyHash = crypto.TokenFingerprint(token)

	if err := s.store.CreateTenant(r.Context(), tenant); err != nil {
		s.failErr(w, r, err)
		return
	}
	s.audit(r, &tenant.ID, "admin", "tenant.created", strptr("tenant"), &tenant.ID)

	respond(w, http.StatusCreated, map[string]any{
		"tenant": tenant,
		"token":  token,
	})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.store.ListTenants(r.Context())
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, tenants)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.store.GetTenant(r.Context(), mux.Vars(r)["t"])
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, tenant)
}

// handlePatchTenant flips a tenant between active and suspended.
func (s *Server) handlePatchTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		fail(w, r, http.StatusBadRequest, KindValidation, "malformed body")
		return
	}
	if body.Status != store.TenantActive && body.Status != store.TenantSuspended {
		fail(w, r, http.StatusBadRequest, KindValidation, "status must be active or suspended")
		return
	}

	id := mux.Vars(r)["t"]
	if err := s.store.UpdateTenantStatus(r.Context(), id, body.Status); err != nil {
		s.failErr(w, r, err)
		return
	}
	s.audit(r, &id, "admin", "tenant."+body.Status, strptr("tenant"), &id)

	tenant, err := s.store.GetTenant(r.Context(), id)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, tenant)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["t"]
	if err := s.store.SoftDeleteTenant(r.Context(), id); err != nil {
		s.failErr(w, r, err)
		return
	}
	s.audit(r, &id, "admin", "tenant.deleted", strptr("tenant"), &id)
	respond(w, http.StatusOK, map[string]string{"id": id, "status": store.TenantDeleted})
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["t"]
	if _, err := s.store.GetTenant(r.Context(), tenantID); err != nil {
		s.failErr(w, r, err)
		return
	}

	var body struct {
		Label string `json:"label"`
	}
	if err := decode(r, &body); err != nil || strings.TrimSpace(body.Label) == "" {
		fail(w, r, http.StatusBadRequest, KindValidation, "label is required")
		return
	}

	device := &store.Device{
		ID:       crypto.MintID("device"),
		TenantID: tenantID,
		Label:    strings.TrimSpace(body.Label),
		Status:   store.DeviceDisconnected,
	}
	if err := s.store.CreateDevice(r.Context(), device); err != nil {
		s.failErr(w, r, err)
		return
	}
	s.audit(r, &tenantID, "admin", "device.created", strptr("device"), &device.ID)
	respond(w, http.StatusCreated, device)
}
