// Package provider defines the interface for reply delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-autoreply/internal/email"
)

// Provider is the interface that delivery backends must implement.
// Every provider satisfies autoreply.Sender.
type Provider interface {
	// Send delivers a composed reply through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Signer signs a rendered message before submission, e.g. with DKIM.
type Signer interface {
	Sign(raw []byte) ([]byte, error)
}
