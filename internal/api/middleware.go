package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rijan/wa-gateway/internal/crypto"
	"github.com/rijan/wa-gateway/internal/store"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	tenantKey
)

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func tenantFrom(ctx context.Context) *store.Tenant {
	t, _ := ctx.Value(tenantKey).(*store.Tenant)
	return t
}

// withRequestID honors an inbound X-Request-Id or mints one, and echoes
// it back on the response.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = crypto.MintID("req")
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestID(r.Context()),
		)
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panicked",
					"panic", rec, "path", r.URL.Path, "request_id", requestID(r.Context()))
				fail(w, r, http.StatusInternalServerError, KindInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Master-Key, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminGate requires the master pre-image in X-Master-Key. Failures are
// audited with actor=unknown so brute forcing leaves a trail.
func (s *Server) adminGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Master-Key")
		if key == "" || !s.keyring.VerifyMaster(key) {
			s.audit(r, nil, "unknown", "admin.auth.failed", nil, nil)
			fail(w, r, http.StatusUnauthorized, KindAuth, "invalid master key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tenantGate validates the tenant token, looks the tenant up by token
// fingerprint and attaches it to the request context. Expired tokens
// get their own kind so clients know to rotate.
func (s *Server) tenantGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			fail(w, r, http.StatusUnauthorized, KindAuth, "missing credentials")
			return
		}

		check := s.keyring.VerifyTenantToken(token)
		if check.Expired {
			fail(w, r, http.StatusUnauthorized, KindAuthExpired, "token expired, request a new one")
			return
		}
		if !check.Valid {
			fail(w, r, http.StatusUnauthorized, KindAuth, "invalid token")
			return
		}

		tenant, err := s.store.GetTenantByAPIKeyHash(r.Context(), crypto.TokenFingerprint(token))
		if err != nil {
			fail(w, r, http.StatusUnauthorized, KindAuth, "invalid token")
			return
		}
		if tenant.Status != store.TenantActive {
			fail(w, r, http.StatusForbidden, KindAuth, "tenant is not active")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.Header.Get("X-API-Key")
}

// audit writes one audit row, best-effort.
func (s *Server) audit(r *http.Request, tenantID *string, actor, action string, resourceType, resourceID *string) {
	ip := clientIP(r)
	ua := r.UserAgent()
	row := &store.AuditLog{
		TenantID:     tenantID,
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IPAddress:    &ip,
	}
	if ua != "" {
		row.UserAgent = &ua
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.store.InsertAudit(ctx, row); err != nil {
		s.log.Warn("audit insert failed", "action", action, "error", err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
