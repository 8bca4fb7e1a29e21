// Package smtp is the inbound listener. Every accepted message is handed to
// the autoresponder with its envelope sender and recipients.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-autoreply/internal/autoreply"
	"github.com/shineum/smtp-autoreply/internal/email"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// defaultMaxMessageSize is used when ServerConfig leaves it unset (25 MB).
const defaultMaxMessageSize = 25 * 1024 * 1024

// Responder answers an inbound message. *autoreply.Responder implements it.
type Responder interface {
	Reply(ctx context.Context, sender string, recipients []string, original *email.Email, originalID string) (autoreply.Result, error)
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO.
	Hostname string

	// Responder receives every accepted message.
	Responder Responder

	// TLSConfig is the TLS configuration for STARTTLS support.
	// If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// MaxMessageSize caps DATA in bytes.
	MaxMessageSize int64
}

// Server accepts SMTP connections and passes each message to a Responder.
type Server struct {
	config ServerConfig
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	return &Server{config: cfg}
}

// ListenAndServe listens on the configured address and serves until the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled. On
// cancellation it stops accepting and waits up to 30 seconds for in-flight
// sessions to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := smtp.NewServer(&backend{ctx: context.WithoutCancel(ctx), config: s.config})
	srv.Domain = s.config.Hostname
	srv.TLSConfig = s.config.TLSConfig
	srv.MaxMessageBytes = s.config.MaxMessageSize
	srv.ReadTimeout = idleTimeout
	srv.WriteTimeout = idleTimeout
	srv.ErrorLog = slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn)

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"hostname", s.config.Hostname,
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_size", s.config.MaxMessageSize,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down SMTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	// Unblocks Serve if it had not registered ln yet.
	_ = ln.Close()
	if err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		_ = srv.Close()
	} else {
		slog.Info("all sessions completed")
	}

	if err := <-errCh; err != nil && !errors.Is(err, smtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// backend creates one session per connection. Its context is not cancelled
// on shutdown, so replies already in flight complete during the drain.
type backend struct {
	ctx    context.Context
	config ServerConfig
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{
		ctx:       b.ctx,
		responder: b.config.Responder,
		remote:    c.Conn().RemoteAddr().String(),
	}, nil
}
