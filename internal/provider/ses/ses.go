// Package ses implements a Provider that sends replies via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-autoreply/internal/composer"
	"github.com/shineum/smtp-autoreply/internal/email"
	"github.com/shineum/smtp-autoreply/internal/metrics"
	"github.com/shineum/smtp-autoreply/internal/provider"
)

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender overrides the envelope From identity. Empty uses each
	// reply's own From.
	Sender string

	// Retries is the number of extra attempts after a failed call.
	Retries int

	// Hostname is used for generated Message-IDs on raw sends.
	Hostname string

	// Signer, when set, forces raw sends so the signature covers the
	// exact bytes SES relays.
	Signer provider.Signer
}

// Provider sends replies via the AWS SES v2 API.
type Provider struct {
	sender   string
	retries  int
	hostname string
	signer   provider.Signer
	client   SendEmailAPI

	retryDelay time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Provider, loading AWS credentials from cfg or the default chain.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Provider with a custom client.
func NewWithClient(cfg Config, client SendEmailAPI) *Provider {
	return &Provider{
		sender:   cfg.Sender,
		retries:  cfg.Retries,
		hostname: cfg.Hostname,
		signer:   cfg.Signer,
		client:   client,

		retryDelay: baseRetryDelay,
	}
}

// Send delivers a reply. Messages with attachments, or any message when a
// signer is configured, are sent raw; everything else uses simple content
// with the threading headers attached.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	var input *sesv2.SendEmailInput

	if len(msg.Attachments) > 0 || p.signer != nil {
		raw, err := composer.Compose(msg, p.hostname)
		if err != nil {
			return fmt.Errorf("failed to build raw message: %w", err)
		}
		if p.signer != nil {
			if raw, err = p.signer.Sign(raw); err != nil {
				return err
			}
		}
		input = &sesv2.SendEmailInput{
			Destination: destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
		if p.sender != "" {
			input.FromEmailAddress = aws.String(p.sender)
		}
	} else {
		input = buildSimpleInput(p.sender, msg)
	}

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(p.retryDelay, attempt)
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"retries", p.retries,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := p.client.SendEmail(ctx, input)
		if err == nil {
			metrics.ProviderSends.WithLabelValues(p.Name(), "success").Inc()
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	metrics.ProviderSends.WithLabelValues(p.Name(), "failure").Inc()
	if p.retries == 0 {
		return fmt.Errorf("SES API request failed: %w", lastErr)
	}
	return fmt.Errorf("SES API request failed after %d retries: %w", p.retries, lastErr)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

func destination(msg *email.Email) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}
}

// buildSimpleInput creates a SendEmailInput with simple content. The reply's
// own From is used unless sender overrides it.
func buildSimpleInput(sender string, msg *email.Email) *sesv2.SendEmailInput {
	from := msg.From
	if sender != "" {
		from = sender
	}

	body := &types.Body{}
	if msg.HTML() {
		body.Html = &types.Content{
			Data:    aws.String(msg.HtmlBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body:    body,
				Headers: simpleHeaders(msg),
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	return input
}

// simpleHeaders carries threading and auto-reply headers on simple sends.
func simpleHeaders(msg *email.Email) []types.MessageHeader {
	var headers []types.MessageHeader
	if msg.InReplyTo != "" {
		headers = append(headers, types.MessageHeader{Name: aws.String("In-Reply-To"), Value: aws.String(msg.InReplyTo)})
	}
	if len(msg.References) > 0 {
		headers = append(headers, types.MessageHeader{Name: aws.String("References"), Value: aws.String(strings.Join(msg.References, " "))})
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		headers = append(headers, types.MessageHeader{Name: aws.String(k), Value: aws.String(msg.Headers[k])})
	}
	return headers
}

// backoffDelay returns the exponential backoff delay for the given retry
// attempt, starting at base for the first retry.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
