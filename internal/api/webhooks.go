package api

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/rijan/wa-gateway/internal/crypto"
	"github.com/rijan/wa-gateway/internal/fanout"
	"github.com/rijan/wa-gateway/internal/protocol"
	"github.com/rijan/wa-gateway/internal/store"
)

type webhookRequest struct {
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	Events     []string `json:"events"`
	Enabled    *bool    `json:"enabled"`
	RetryCount *int     `json:"retryCount"`
	TimeoutMs  *int     `json:"timeoutMs"`
}

func validateWebhook(req *webhookRequest) string {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "url must be a valid http(s) URL"
	}
	if len(req.Events) == 0 {
		return "events is required"
	}
	for _, e := range req.Events {
		if e == fanout.AliasMessageStatus {
			continue
		}
		if protocol.EventType(e).Internal() || !knownEventToken(e) {
			return "unknown event type: " + e
		}
	}
	return ""
}

func knownEventToken(e string) bool {
	switch protocol.EventType(e) {
	case protocol.EventMessageReceived, protocol.EventMessageUpdated, protocol.EventMessageDeleted,
		protocol.EventReceiptDelivery, protocol.EventReceiptRead,
		protocol.EventDeviceConnected, protocol.EventDeviceDisconnected,
		protocol.EventGroupCreated, protocol.EventGroupUpdated, protocol.EventGroupDeleted,
		protocol.EventParticipantAdded, protocol.EventParticipantRemoved,
		protocol.EventContactUpdated,
		protocol.EventChatUpserted, protocol.EventChatUpdated, protocol.EventChatDeleted:
		return true
	}
	return false
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())

	var req webhookRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, http.StatusBadRequest, KindValidation, "malformed body")
		return
	}
	if msg := validateWebhook(&req); msg != "" {
		fail(w, r, http.StatusBadRequest, KindValidation, msg)
		return
	}

	hook := &store.Webhook{
		ID:       crypto.MintID("wh"),
		TenantID: tenant.ID,
		URL:      req.URL,
		Secret:   req.Secret,
		Events:   req.Events,
		Enabled:  true,
	}
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
	}
	if req.RetryCount != nil {
		hook.RetryCount = *req.RetryCount
	}
	if req.TimeoutMs != nil {
		hook.TimeoutMs = *req.TimeoutMs
	}

	if err := s.store.CreateWebhook(r.Context(), hook); err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusCreated, hook)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	hooks, err := s.store.ListWebhooks(r.Context(), tenant.ID)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, hooks)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	hook, err := s.store.GetWebhook(r.Context(), tenant.ID, mux.Vars(r)["id"])
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, hook)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	hook, err := s.store.GetWebhook(r.Context(), tenant.ID, mux.Vars(r)["id"])
	if err != nil {
		s.failErr(w, r, err)
		return
	}

	var req webhookRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, http.StatusBadRequest, KindValidation, "malformed body")
		return
	}
	if msg := validateWebhook(&req); msg != "" {
		fail(w, r, http.StatusBadRequest, KindValidation, msg)
		return
	}

	hook.URL = req.URL
	hook.Secret = req.Secret
	hook.Events = req.Events
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
	}
	if req.RetryCount != nil {
		hook.RetryCount = *req.RetryCount
	}
	if req.TimeoutMs != nil {
		hook.TimeoutMs = *req.TimeoutMs
	}

	if err := s.store.UpdateWebhook(r.Context(), hook); err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, hook)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	if err := s.store.DeleteWebhook(r.Context(), tenant.ID, mux.Vars(r)["id"]); err != nil {
		s.failErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": mux.Vars(r)["id"]})
}
