package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"appshell/internal/install"
	"appshell/internal/logging"
	"appshell/internal/offline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy in front of the configured origin",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := offline.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logging.Sync(log)

	svc, err := offline.NewService(cfg, log, offline.WithScriptSource(configScript(configPath)))
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("appshell listening", zap.String("addr", addr), zap.String("origin", cfg.Server.Origin))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	ctrl := install.NewController(install.Options{
		ScriptPath:    cfg.Server.ScriptPath,
		UpdateEvery:   cfg.UpdateEvery(),
		ToastDuration: cfg.ToastDuration(),
	}, registrar{svc: svc}, install.NewLogView(log), log)
	ctrl.Load(ctx)
	defer ctrl.Close()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

// configScript re-reads the cache section of the config file on every update
// check, so bumping cache.generation rolls out a new worker without a restart.
func configScript(path string) offline.ScriptSource {
	return func(context.Context) (offline.WorkerConfig, error) {
		cfg, err := offline.LoadConfig(path)
		if err != nil {
			return offline.WorkerConfig{}, err
		}
		return cfg.Cache, nil
	}
}

type registrar struct {
	svc *offline.Service
}

func (r registrar) Register(ctx context.Context, scriptPath string) (install.Registration, error) {
	reg, err := r.svc.Register(ctx, scriptPath)
	if reg == nil {
		return nil, err
	}
	return reg, err
}
