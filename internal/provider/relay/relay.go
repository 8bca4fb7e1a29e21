// Package relay implements a Provider that submits replies to an SMTP relay.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-autoreply/internal/composer"
	"github.com/shineum/smtp-autoreply/internal/email"
	"github.com/shineum/smtp-autoreply/internal/metrics"
	"github.com/shineum/smtp-autoreply/internal/provider"
	ourtls "github.com/shineum/smtp-autoreply/internal/tls"
)

// TLS modes for the relay connection.
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

const (
	defaultPort    = 25
	defaultTimeout = 30 * time.Second
)

// RelayError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) should not be retried.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether retrying the send cannot help.
func (e *RelayError) IsPermanent() bool {
	return e.Permanent
}

// IsPermanentError reports whether err is a permanent (5xx) failure.
// Network and connection errors are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// Config holds the configuration for creating a Provider.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLS is one of TLSNone, TLSStartTLS or TLSImplicit. Empty means TLSNone.
	TLS       string
	TLSVerify bool

	// Hostname is announced in EHLO and used for generated Message-IDs.
	Hostname string

	Signer  provider.Signer
	Timeout time.Duration
}

// Provider delivers each reply over a fresh SMTP connection.
type Provider struct {
	cfg Config
}

// New creates a relay Provider. Host is required.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("relay host not configured")
	}
	switch cfg.TLS {
	case "":
		cfg.TLS = TLSNone
	case TLSNone, TLSStartTLS, TLSImplicit:
	default:
		return nil, fmt.Errorf("unknown relay TLS mode %q", cfg.TLS)
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Provider{cfg: cfg}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "relay"
}

// Addr returns the relay address in host:port form.
func (p *Provider) Addr() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
}

// Send renders msg, signs it when a signer is configured, and submits it.
// The envelope sender is the reply's From address.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	err := p.send(ctx, msg)
	if err != nil {
		metrics.ProviderSends.WithLabelValues(p.Name(), "failure").Inc()
		return err
	}
	metrics.ProviderSends.WithLabelValues(p.Name(), "success").Inc()
	return nil
}

func (p *Provider) send(ctx context.Context, msg *email.Email) error {
	from, err := envelopeAddress(msg.From)
	if err != nil {
		return &RelayError{Err: fmt.Errorf("invalid sender: %w", err), Permanent: true}
	}

	var rcpts []string
	for _, list := range [][]string{msg.To, msg.Cc, msg.Bcc} {
		for _, addr := range list {
			rcpt, err := envelopeAddress(addr)
			if err != nil {
				return &RelayError{Err: fmt.Errorf("invalid recipient %q: %w", addr, err), Permanent: true}
			}
			rcpts = append(rcpts, rcpt)
		}
	}
	if len(rcpts) == 0 {
		return &RelayError{Err: errors.New("no recipients"), Permanent: true}
	}

	raw, err := composer.Compose(msg, p.cfg.Hostname)
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to build message: %w", err), Permanent: true}
	}
	if p.cfg.Signer != nil {
		if raw, err = p.cfg.Signer.Sign(raw); err != nil {
			return &RelayError{Err: err, Permanent: true}
		}
	}

	c, err := p.dial(ctx)
	if err != nil {
		return &RelayError{Err: err, Permanent: IsPermanentError(err)}
	}
	defer c.Close()

	if p.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)); err != nil {
			return &RelayError{Err: fmt.Errorf("failed to authenticate: %w", err), Permanent: IsPermanentError(err)}
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &RelayError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err), Permanent: false}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	// The message is accepted once DATA completes.
	if err := c.Quit(); err != nil {
		slog.Warn("relay QUIT failed", "addr", p.Addr(), "error", err)
	}

	slog.Debug("reply relayed",
		"addr", p.Addr(),
		"from", from,
		"recipients", len(rcpts),
	)
	return nil
}

// dial connects and greets the relay, upgrading to TLS as configured.
func (p *Provider) dial(ctx context.Context) (*smtp.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	tlsConfig := ourtls.ClientConfig(p.cfg.Host, p.cfg.TLSVerify)

	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS == TLSImplicit {
		d := &tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", p.Addr())
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", p.Addr())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP relay %s: %w", p.Addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var c *smtp.Client
	if p.cfg.TLS == TLSStartTLS {
		// The EHLO before the upgrade names the client "localhost"; the
		// configured hostname is sent with the EHLO that follows it.
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to start TLS with SMTP relay: %w", err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	if err := c.Hello(p.cfg.Hostname); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to greet SMTP relay: %w", err)
	}

	// Clear the dial deadline; the client timeouts govern the session.
	_ = conn.SetDeadline(time.Time{})
	c.CommandTimeout = p.cfg.Timeout
	c.SubmissionTimeout = p.cfg.Timeout
	return c, nil
}

// envelopeAddress extracts the bare address from a header-style value such
// as "Example <noreply@example.com>".
func envelopeAddress(value string) (string, error) {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}
