// Package daemon wires configuration, storage, the credit manager and the
// HTTP API into one running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voxnote/voxnote/internal/api"
	"github.com/voxnote/voxnote/internal/app/credit"
	"github.com/voxnote/voxnote/internal/app/ledger"
	"github.com/voxnote/voxnote/internal/infra/completion"
	"github.com/voxnote/voxnote/internal/infra/observability"
	"github.com/voxnote/voxnote/internal/infra/vault"
)

// Daemon holds every long-lived component.
type Daemon struct {
	Config  Config
	Home    string
	Logger  *zap.Logger
	Vault   *vault.Provider
	Store   *ledger.Store
	Credits *credit.Manager
	Notes   *completion.Client
	Tracer  *observability.Tracer
	Hub     *api.BalanceHub

	removeHub func()
}

// NewLogger builds a zap logger from the log section.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// New builds the component graph and initializes the credit manager.
func New(ctx context.Context, cfg Config, home string, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cc, err := cfg.CreditConfig()
	if err != nil {
		return nil, err
	}

	v := vault.New(vault.HostSignals("voxnote"))
	store := ledger.New(home, v, logger)
	payments := &credit.DemoProcessor{Delay: cfg.DemoDelay()}
	mgr := credit.New(store, v, payments, cc, logger)

	if err := mgr.Initialize(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if mgr.Corrupted() {
		logger.Warn("stored balance is corrupted; redeem a backup code with `voxnote recover`")
	}

	d := &Daemon{
		Config:  cfg,
		Home:    home,
		Logger:  logger,
		Vault:   v,
		Store:   store,
		Credits: mgr,
		Notes: completion.New(completion.Config{
			BaseURL: cfg.AI.BaseURL,
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.Model,
			Timeout: cfg.AITimeout(),
		}, logger),
		Tracer: observability.NewTracer(observability.DefaultTracerConfig()),
		Hub:    api.NewBalanceHub(),
	}
	d.removeHub = mgr.OnBalanceChange(d.Hub.Publish)
	return d, nil
}

// Server builds the configured API server.
func (d *Daemon) Server() *api.Server {
	srv := api.NewServer(d.Credits, d.Notes, d.Logger)
	srv.SetTracer(d.Tracer)
	srv.SetBalanceHub(d.Hub)
	srv.SetAdminToken(d.Config.Admin.Token)
	srv.SetAllowedOrigins(d.Config.API.AllowedOrigins)
	if d.Config.API.Metrics {
		srv.EnableMetrics()
	}
	return srv
}

// Serve runs the HTTP API until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              d.Config.Addr(),
		Handler:           d.Server().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.Logger.Info("api listening", zap.String("addr", httpSrv.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.Logger.Info("shutting down api")
	return httpSrv.Shutdown(shutdownCtx)
}

// Close releases storage. Safe to call more than once.
func (d *Daemon) Close() error {
	if d.removeHub != nil {
		d.removeHub()
	}
	return d.Store.Close()
}
