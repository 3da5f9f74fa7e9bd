package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/vango-go/intake-relay/internal/dotenv"
	"github.com/vango-go/intake-relay/pkg/gateway/config"
	"github.com/vango-go/intake-relay/pkg/gateway/lifecycle"
	gatewayserver "github.com/vango-go/intake-relay/pkg/gateway/server"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	openBackends func(context.Context, config.Config, *slog.Logger) (gatewayserver.Backends, func() error, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Backends) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig:   config.LoadFromEnv,
		openBackends: openBackends,
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runRelay(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openBackends == nil {
		return errors.New("missing openBackends dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, stderr)

	lc := &lifecycle.Lifecycle{}
	var backends gatewayserver.Backends
	var closeBackends func() error
	if err := lc.Init(func() error {
		var err error
		backends, closeBackends, err = deps.openBackends(ctx, cfg, logger)
		return err
	}); err != nil {
		return fmt.Errorf("open backends: %w", err)
	}
	defer func() {
		if err := lc.Teardown(closeBackends); err != nil {
			logger.Error("close backends", "error", err)
		}
	}()
	backends.Lifecycle = lc

	gw := deps.newGateway(cfg, logger, backends)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	if cfg.GeminiAPIKey == "" {
		logger.Warn("GEMINI_API_KEY not set; voice sessions will report an error on setup")
	}
	logger.Info("starting intake relay", "addr", cfg.Addr, "model", cfg.GeminiModel, "media_driver", cfg.MediaDriver)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()

	// Hijacked voice connections are invisible to Shutdown, so they are
	// drained alongside it.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res := gw.DrainLiveSessions(shutdownCtx)
		logger.Info("voice sessions drained", "warned", res.Warned, "canceled", res.Canceled, "clean", res.Clean)
	}()

	shutdownErr := httpSrv.Shutdown(shutdownCtx)
	wg.Wait()
	if shutdownErr != nil {
		return fmt.Errorf("shutdown http server: %w", shutdownErr)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("intake relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "intake-relay: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "intake-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
