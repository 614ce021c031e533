package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rijan/wa-gateway/internal/config"
	"github.com/rijan/wa-gateway/internal/crypto"
	"github.com/rijan/wa-gateway/internal/lifecycle"
	"github.com/rijan/wa-gateway/internal/lock"
	"github.com/rijan/wa-gateway/internal/metrics"
	"github.com/rijan/wa-gateway/internal/outbox"
	"github.com/rijan/wa-gateway/internal/protocol"
	"github.com/rijan/wa-gateway/internal/ratelimit"
	"github.com/rijan/wa-gateway/internal/store"
)

// Server wires handlers to the components they drive.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	keyring *crypto.Keyring
	engine  *lifecycle.Engine
	queue   *outbox.Queue
	limiter ratelimit.Limiter
	metrics *metrics.Registry
	log     *slog.Logger
}

func NewServer(cfg *config.Config, st *store.Store, keyring *crypto.Keyring, engine *lifecycle.Engine,
	queue *outbox.Queue, limiter ratelimit.Limiter, m *metrics.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		keyring: keyring,
		engine:  engine,
		queue:   queue,
		limiter: limiter,
		metrics: m,
		log:     log,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.withRequestID, s.withRecovery, s.withLogging, s.withCORS)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminGate)
	admin.HandleFunc("/tenants", s.handleCreateTenant).Methods(http.MethodPost)
	admin.HandleFunc("/tenants", s.handleListTenants).Methods(http.MethodGet)
	admin.HandleFunc("/tenants/{t}", s.handleGetTenant).Methods(http.MethodGet)
	admin.HandleFunc("/tenants/{t}", s.handlePatchTenant).Methods(http.MethodPatch)
	admin.HandleFunc("/tenants/{t}", s.handleDeleteTenant).Methods(http.MethodDelete)
	admin.HandleFunc("/tenants/{t}/devices", s.handleCreateDevice).Methods(http.MethodPost)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.tenantGate)
	v1.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{d}", s.handleGetDevice).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{d}/health", s.handleDeviceHealth).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{d}/start", s.handleStartDevice).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{d}/stop", s.handleStopDevice).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{d}/logout", s.handleLogoutDevice).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{d}/pairing/qr", s.handlePairingQR).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{d}/pairing/code", s.handlePairingCode).Methods(http.MethodPost)

	v1.HandleFunc("/devices/{d}/messages/{kind:text|media|location|contact|reaction|poll}",
		s.handleSendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{d}/messages/{id}", s.handleDeleteMessage).Methods(http.MethodDelete)
	v1.HandleFunc("/devices/{d}/messages/{id}/status", s.handleMessageStatus).Methods(http.MethodGet)

	v1.HandleFunc("/devices/{d}/events", s.handleListEvents).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{d}/chats", s.handleListChats).Methods(http.MethodGet)

	v1.HandleFunc("/devices/{d}/groups/create", s.handleCreateGroup).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{d}/groups/participants/add", s.handleGroupParticipants(true)).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{d}/groups/participants/remove", s.handleGroupParticipants(false)).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{d}/privacy/settings", s.handleGetPrivacy).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{d}/privacy/settings", s.handleSetPrivacy).Methods(http.MethodPost)

	v1.HandleFunc("/webhooks", s.handleCreateWebhook).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks", s.handleListWebhooks).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/{id}", s.handleGetWebhook).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/{id}", s.handleUpdateWebhook).Methods(http.MethodPut)
	v1.HandleFunc("/webhooks/{id}", s.handleDeleteWebhook).Methods(http.MethodDelete)

	return r
}

// ownedDevice resolves {d} for the authenticated tenant. A device that
// exists but belongs to someone else comes back as ErrNotFound, and the
// caller answers 404; ownership failures never distinguish themselves
// from absence.
func (s *Server) ownedDevice(r *http.Request) (*store.Device, error) {
	tenant := tenantFrom(r.Context())
	deviceID := mux.Vars(r)["d"]
	return s.store.GetDevice(r.Context(), tenant.ID, deviceID)
}

// failErr maps component errors onto the wire taxonomy.
func (s *Server) failErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		fail(w, r, http.StatusNotFound, KindNotFound, "not found")
	case errors.Is(err, lock.ErrHeldElsewhere):
		fail(w, r, http.StatusConflict, KindState, "device is owned by another instance")
	case errors.Is(err, lifecycle.ErrAlreadyUp):
		fail(w, r, http.StatusConflict, KindState, "device is already running")
	case errors.Is(err, lifecycle.ErrNotRunning):
		fail(w, r, http.StatusConflict, KindState, "device is not running")
	case errors.Is(err, lifecycle.ErrNoQR):
		fail(w, r, http.StatusConflict, KindState, "no QR code available yet")
	case errors.Is(err, protocol.ErrNotConnected):
		fail(w, r, http.StatusConflict, KindState, "device is not connected")
	case errors.Is(err, protocol.ErrNotPaired):
		fail(w, r, http.StatusConflict, KindState, "device is not paired")
	case errors.Is(err, protocol.ErrInvalidJID):
		fail(w, r, http.StatusBadRequest, KindValidation, "invalid recipient identifier")
	default:
		s.log.Error("request failed",
			"path", r.URL.Path, "request_id", requestID(r.Context()), "error", err)
		msg := "internal error"
		if !s.cfg.IsProduction() {
			msg = err.Error()
		}
		fail(w, r, http.StatusInternalServerError, KindInternal, msg)
	}
}
