package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shineum/smtp-autoreply/internal/config"
	"github.com/shineum/smtp-autoreply/internal/provider"
	"github.com/shineum/smtp-autoreply/internal/provider/relay"
	"github.com/shineum/smtp-autoreply/internal/provider/ses"
	"github.com/shineum/smtp-autoreply/internal/provider/stdout"
	"github.com/shineum/smtp-autoreply/internal/rules"
)

// selectProvider chooses the reply delivery backend. An explicit provider
// wins; otherwise a configured relay, then SES, then the SMTP host named in
// the rules document, and finally stdout.
func selectProvider(ctx context.Context, cfg *config.Config, signer provider.Signer) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSES:
		if !cfg.SESConfigured() {
			return nil, errors.New("SES provider selected but SES_REGION is required")
		}
		return newSES(ctx, cfg, signer)

	case config.ProviderRelay:
		host, port := relayAddress(ctx, cfg)
		if host == "" {
			return nil, errors.New("relay provider selected but neither RELAY_HOST nor the rules document SMTP is set")
		}
		return newRelay(cfg, host, port, signer)

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(), nil

	case "":
		if cfg.RelayConfigured() {
			return newRelay(cfg, cfg.Relay.Host, cfg.Relay.Port, signer)
		}
		if cfg.SESConfigured() {
			return newSES(ctx, cfg, signer)
		}
		if host, port := relayAddress(ctx, cfg); host != "" {
			return newRelay(cfg, host, port, signer)
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// relayAddress returns the configured relay, falling back to the SMTP and
// port entries of the rules document. The document is read once here; a
// changed SMTP entry takes effect on restart.
func relayAddress(ctx context.Context, cfg *config.Config) (string, int) {
	if cfg.RelayConfigured() {
		return cfg.Relay.Host, cfg.Relay.Port
	}
	doc, err := rules.FileLoader{Path: cfg.Rules.Path}.Load(ctx)
	if err != nil {
		slog.Debug("no relay host from rules document", "path", cfg.Rules.Path, "error", err)
		return "", 0
	}
	return doc.SMTP, doc.Port
}

func newRelay(cfg *config.Config, host string, port int, signer provider.Signer) (provider.Provider, error) {
	p, err := relay.New(relay.Config{
		Host:      host,
		Port:      port,
		Username:  cfg.Relay.Username,
		Password:  cfg.Relay.Password,
		TLS:       cfg.Relay.TLS,
		TLSVerify: cfg.Relay.TLSVerify,
		Hostname:  cfg.SMTP.Hostname,
		Signer:    signer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create relay provider: %w", err)
	}
	slog.Info("using SMTP relay provider",
		"addr", p.Addr(),
		"tls", cfg.Relay.TLS,
		"auth", cfg.Relay.Username != "",
	)
	return p, nil
}

func newSES(ctx context.Context, cfg *config.Config, signer provider.Signer) (provider.Provider, error) {
	p, err := ses.New(ctx, ses.Config{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
		Retries:         cfg.SES.Retries,
		Hostname:        cfg.SMTP.Hostname,
		Signer:          signer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SES provider: %w", err)
	}
	slog.Info("using AWS SES provider",
		"region", cfg.SES.Region,
		"retries", cfg.SES.Retries,
	)
	return p, nil
}
