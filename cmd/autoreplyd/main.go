// Package main is the entry point for the autoresponder daemon. By default
// it listens for SMTP; with -pipe it answers one message read from stdin,
// as an MTA pipe transport would deliver it.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/smtp-autoreply/internal/autoreply"
	"github.com/shineum/smtp-autoreply/internal/composer"
	"github.com/shineum/smtp-autoreply/internal/config"
	"github.com/shineum/smtp-autoreply/internal/metrics"
	"github.com/shineum/smtp-autoreply/internal/provider"
	"github.com/shineum/smtp-autoreply/internal/rules"
	"github.com/shineum/smtp-autoreply/internal/smtp"
	smtptls "github.com/shineum/smtp-autoreply/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	pipe := flag.Bool("pipe", false, "read one message from stdin and reply to the recipients given as arguments")
	sender := flag.String("sender", "", "envelope sender of the piped message (default: its Return-Path)")
	originalID := flag.String("id", "", "identifier of the piped message (default: its Message-ID)")
	verbose := flag.Bool("verbose", false, "log every matched rule and sent reply at info level")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(exitConfig)
	}

	// Pipe mode keeps stdout for the stdout provider.
	logOut := io.Writer(os.Stdout)
	if *pipe {
		logOut = os.Stderr
	}
	setupLogger(cfg.Logging.Level, logOut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	signer, err := setupSigner(cfg)
	if err != nil {
		slog.Error("failed to load DKIM key", "error", err)
		os.Exit(exitConfig)
	}

	prov, err := selectProvider(ctx, cfg, signer)
	if err != nil {
		slog.Error("failed to set up provider", "error", err)
		os.Exit(exitConfig)
	}

	responder := autoreply.New(autoreply.Options{
		Loader:  rules.FileLoader{Path: cfg.Rules.Path},
		Sender:  prov,
		Logger:  slog.Default(),
		Verbose: *verbose,
	})

	if *pipe {
		os.Exit(runPipe(ctx, responder, os.Stdin, *sender, *originalID, flag.Args()))
	}

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(exitConfig)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Responder:      responder,
		TLSConfig:      tlsConfig,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}

	slog.Info("starting autoreplyd",
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"rules", cfg.Rules.Path,
		"dkim", signer != nil,
		"tls_mode", tlsMode,
	)

	// Blocks until the context is cancelled.
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("autoreplyd stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string, w io.Writer) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// setupSigner returns nil when DKIM is not configured.
func setupSigner(cfg *config.Config) (provider.Signer, error) {
	if !cfg.DKIMConfigured() {
		return nil, nil
	}
	s, err := composer.NewSigner(cfg.DKIM.Domain, cfg.DKIM.Selector, cfg.DKIM.KeyFile)
	if err != nil {
		return nil, err
	}
	slog.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	return s, nil
}

// serveMetrics exposes /metrics until the context is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "error", err)
	}
}
