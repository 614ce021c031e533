package api

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/rijan/wa-gateway/internal/store"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	devices, err := s.store.ListDevices(r.Context(), tenant.ID)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, device)
}

func (s *Server) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	health, err := s.engine.Health(r.Context(), device.TenantID, device.ID)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, health)
}

func (s *Server) handleStartDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if err := s.engine.Start(r.Context(), device.TenantID, device.ID); err != nil {
		s.failErr(w, r, err)
		return
	}
	refreshed, err := s.store.GetDevice(r.Context(), device.TenantID, device.ID)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, refreshed)
}

func (s *Server) handleStopDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if err := s.engine.Stop(device.ID); err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": device.ID, "status": "disconnected"})
}

func (s *Server) handleLogoutDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if err := s.engine.Logout(r.Context(), device.ID); err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": device.ID, "status": "needs_pairing"})
}

func (s *Server) handlePairingQR(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	qr, err := s.engine.RequestQR(device.ID)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"qrImage":   "data:image/png;base64," + base64.StdEncoding.EncodeToString(qr.Image),
		"expiresAt": qr.ExpiresAt.Unix(),
	})
}

func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}

	var body struct {
		Phone string `json:"phone"`
	}
	if err := decode(r, &body); err != nil || strings.TrimSpace(body.Phone) == "" {
		fail(w, r, http.StatusBadRequest, KindValidation, "phone is required")
		return
	}

	code, expires, err := s.engine.PairingCode(r.Context(), device.ID, strings.TrimSpace(body.Phone))
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"code":      code,
		"expiresAt": expires.Unix(),
	})
}

// handleListEvents pulls from the event log with optional since/type
// filters. Capture order, oldest first.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}

	q := parseEventQuery(r)
	events, err := s.store.ListEvents(r.Context(), device.TenantID, device.ID, q)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, events)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	device, err := s.ownedDevice(r)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	chats, err := s.store.ListChats(r.Context(), device.TenantID, device.ID, intQuery(r, "limit", 100))
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, chats)
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseEventQuery(r *http.Request) store.EventQuery {
	q := store.EventQuery{
		Type:  r.URL.Query().Get("type"),
		Limit: intQuery(r, "limit", 100),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if n, err := strconv.ParseInt(since, 10, 64); err == nil {
			q.Since = n
		}
	}
	return q
}
