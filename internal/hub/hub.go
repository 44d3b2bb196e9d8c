// Package hub is the main orchestrator that ties all components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aihub-dev/aihub/internal/api"
	"github.com/aihub-dev/aihub/internal/auth"
	"github.com/aihub-dev/aihub/internal/billing"
	"github.com/aihub-dev/aihub/internal/config"
	"github.com/aihub-dev/aihub/internal/gateway"
	"github.com/aihub-dev/aihub/internal/ledger"
	"github.com/aihub-dev/aihub/internal/notify"
	"github.com/aihub-dev/aihub/internal/provider"
	"github.com/aihub-dev/aihub/internal/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg    *config.Config
	store  store.Store
	api    *api.Server
	logger *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	registry := notify.New(logger, cfg.Server.AllowedOrigins)
	ldgr := ledger.New(db, registry, logger, cfg.Credits)

	authSvc, err := auth.NewService(db, ldgr, logger, cfg.Auth, cfg.Credits)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}

	gw := gateway.New(db, ldgr, logger)
	billingSvc := billing.New(db, ldgr, registry, logger, cfg.Billing)

	apiSrv := api.NewServer(api.Deps{
		Store:    db,
		Auth:     authSvc,
		Ledger:   ldgr,
		Gateway:  gw,
		Notify:   registry,
		Billing:  billingSvc,
		Chat:     provider.NewChatClient(cfg.Providers.Chat),
		Image:    provider.NewImageClient(cfg.Providers.Image),
		RemoveBG: provider.NewRemoveBGClient(cfg.Providers.RemoveBG),
	}, cfg, logger)

	h := &Hub{
		cfg:    cfg,
		store:  db,
		api:    apiSrv,
		logger: logger.With("component", "hub"),
	}

	// Startup validation warnings.
	if cfg.Providers.Chat.APIKey == "" {
		logger.Warn("chat provider API key not set, AI features will fail")
	}
	if !billingSvc.Enabled() {
		logger.Info("billing disabled, checkout endpoints return 503")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}
