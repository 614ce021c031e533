// Command gateway is the multi-tenant chat gateway: HTTP API, device
// lifecycle supervision, outbox sender and webhook fan-out in one
// process. Horizontal scaling is safe; per-device exclusivity comes
// from the distributed lock.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rijan/wa-gateway/internal/api"
	"github.com/rijan/wa-gateway/internal/authstore"
	"github.com/rijan/wa-gateway/internal/config"
	"github.com/rijan/wa-gateway/internal/crypto"
	"github.com/rijan/wa-gateway/internal/fanout"
	"github.com/rijan/wa-gateway/internal/lifecycle"
	"github.com/rijan/wa-gateway/internal/lock"
	"github.com/rijan/wa-gateway/internal/metrics"
	"github.com/rijan/wa-gateway/internal/outbox"
	"github.com/rijan/wa-gateway/internal/protocol"
	"github.com/rijan/wa-gateway/internal/ratelimit"
	"github.com/rijan/wa-gateway/internal/store"
	"github.com/rijan/wa-gateway/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	log := buildLogger(cfg)
	slog.SetDefault(log)
	log.Info("gateway starting",
		"version", version.Version, "instance_id", cfg.InstanceID, "env", cfg.Env)

	keyring, err := crypto.NewKeyring(cfg.MasterKey)
	if err != nil {
		log.Error("master key rejected", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		log.Error("database directory unavailable", "error", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		log.Error("store open failed", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	auth, err := authstore.New(cfg.SessionsPath)
	if err != nil {
		log.Error("session root unavailable", "path", cfg.SessionsPath, "error", err)
		os.Exit(1)
	}

	reg := metrics.New()
	locks := lock.NewManager(st, cfg.InstanceID, cfg.LockTTL, cfg.LockRefreshPeriod, log)
	pipeline := fanout.New(st, reg, log, 4)

	// The in-memory dialer backs development and tests; a production
	// build swaps in the real protocol client here.
	dialer := protocol.NewFakeDialer()

	engine := lifecycle.New(st, auth, locks, dialer, pipeline, reg, log, cfg.LockAcquireTimeout)
	queue := outbox.NewQueue(st, log)
	sender := outbox.NewSender(st, engine, reg, log, cfg.SendRetryMax, cfg.OutboxHorizon)
	limiter := ratelimit.New(cfg.RateLimitWindow, cfg.RateLimitMax)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sender.Run(ctx)
	go locks.RunReaper(ctx, time.Minute)
	go refreshGauges(ctx, st, reg, log)

	if err := engine.RecoverOnBoot(ctx); err != nil {
		log.Warn("boot recovery incomplete", "error", err)
	}

	server := api.NewServer(cfg, st, keyring, engine, queue, limiter, reg, log)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info("shutdown signal received, draining")

	// A second signal aborts without draining.
	go func() {
		<-sigs
		log.Error("second signal, aborting")
		os.Exit(1)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http drain incomplete", "error", err)
	}

	cancel()
	engine.Shutdown()
	pipeline.Shutdown()
	locks.ReleaseAll()
	log.Info("gateway stopped")
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// refreshGauges polls the store for the gauge-backed metrics.
func refreshGauges(ctx context.Context, st *store.Store, reg *metrics.Registry, log *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := st.CountDevicesByStatus(ctx)
			if err != nil {
				log.Warn("device gauge refresh failed", "error", err)
				continue
			}
			for _, status := range []string{
				store.DeviceDisconnected, store.DeviceConnecting, store.DevicePairing,
				store.DeviceNeedsPairing, store.DeviceConnected, store.DeviceFailed,
			} {
				reg.DevicesByStatus.WithLabelValues(status).Set(float64(counts[status]))
			}
			if n, err := st.CountEnabledWebhooks(ctx); err == nil {
				reg.ActiveWebhooks.Set(float64(n))
			}
			if n, err := st.CountDeadLetters(ctx); err == nil {
				reg.DLQSize.Set(float64(n))
			}
		}
	}
}
