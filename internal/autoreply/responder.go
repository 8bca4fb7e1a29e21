// Package autoreply selects the configured rule for each recipient of an
// inbound message and sends the templated reply.
package autoreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shineum/smtp-autoreply/internal/email"
	"github.com/shineum/smtp-autoreply/internal/metrics"
	"github.com/shineum/smtp-autoreply/internal/rules"
)

var (
	// ErrConfigLoad means the rule document could not be loaded. No reply
	// is sent for the invocation.
	ErrConfigLoad = errors.New("failed to load autoreply rules")

	// ErrTemplateFieldMissing aliases the rules error so callers need only
	// this package.
	ErrTemplateFieldMissing = rules.ErrTemplateFieldMissing

	// ErrSend wraps a failure returned by the Sender.
	ErrSend = errors.New("failed to send reply")
)

// Sender delivers a composed reply.
type Sender interface {
	Send(ctx context.Context, msg *email.Email) error
}

// RecipientError is the failure of one recipient's reply.
type RecipientError struct {
	Recipient string
	Rule      string
	Err       error
}

func (e *RecipientError) Error() string {
	return fmt.Sprintf("autoreply for %s (rule %s): %v", e.Recipient, e.Rule, e.Err)
}

func (e *RecipientError) Unwrap() error {
	return e.Err
}

// Options configures a Responder.
type Options struct {
	// Loader supplies the rule document. It is called once per Reply.
	Loader rules.Loader

	// Sender delivers each composed reply.
	Sender Sender

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Verbose logs every match and send at info level. A document with
	// "logging": true has the same effect for that invocation.
	Verbose bool
}

// Responder answers inbound messages according to the loaded rules.
// It keeps no state between calls and is safe for concurrent use when
// its Loader and Sender are.
type Responder struct {
	loader  rules.Loader
	sender  Sender
	logger  *slog.Logger
	verbose bool
}

// New creates a Responder.
func New(opts Options) *Responder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		loader:  opts.Loader,
		sender:  opts.Sender,
		logger:  logger,
		verbose: opts.Verbose,
	}
}

// Result summarises one Reply call.
type Result struct {
	Sent      int
	Unmatched int
	Failed    int
}

// Retryable reports whether the host should ask for the message to be
// delivered again: the rules could not be loaded, or replies were due,
// none went out, and at least one failure may pass on a later attempt. A
// partial failure is not retryable since redelivery would repeat the
// replies already sent.
func Retryable(res Result, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfigLoad) {
		return true
	}
	if res.Sent > 0 {
		return false
	}
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}
	for _, e := range errs {
		if !permanentFailure(e) {
			return true
		}
	}
	return false
}

func failureReason(err error) string {
	if errors.Is(err, ErrTemplateFieldMissing) {
		return "template"
	}
	return "send"
}

// permanentFailure reports whether err cannot succeed on retry: an
// incomplete rule, or a send error whose provider marked it permanent.
func permanentFailure(err error) bool {
	if errors.Is(err, ErrTemplateFieldMissing) {
		return true
	}
	var p interface{ IsPermanent() bool }
	return errors.As(err, &p) && p.IsPermanent()
}

// Reply loads the rules once and, for every recipient in order, sends the
// reply of the first matching rule back to sender. Recipients without a
// rule are skipped. A failing recipient does not stop the others; all
// failures are returned joined, each as a *RecipientError.
func (r *Responder) Reply(ctx context.Context, sender string, recipients []string, original *email.Email, originalID string) (Result, error) {
	var res Result

	doc, err := r.loader.Load(ctx)
	if err != nil {
		metrics.RuleLoadFailures.Inc()
		return res, fmt.Errorf("%w: %w", ErrConfigLoad, err)
	}

	level := slog.LevelDebug
	if r.verbose || doc.Logging {
		level = slog.LevelInfo
	}

	var errs []error
	for _, rcpt := range recipients {
		rule, ok := doc.Match(rcpt)
		if !ok {
			res.Unmatched++
			metrics.RecipientsUnmatched.Inc()
			r.logger.Log(ctx, slog.LevelDebug, "no autoreply rule for recipient", "recipient", rcpt)
			continue
		}

		if err := r.replyOne(ctx, rule, rcpt, sender, original, originalID, level); err != nil {
			res.Failed++
			metrics.RepliesTotal.WithLabelValues("failed").Inc()
			metrics.ReplyFailures.WithLabelValues(failureReason(err)).Inc()
			errs = append(errs, &RecipientError{Recipient: rcpt, Rule: rule.Key(), Err: err})
			continue
		}
		res.Sent++
		metrics.RepliesTotal.WithLabelValues("sent").Inc()
	}

	return res, errors.Join(errs...)
}

func (r *Responder) replyOne(ctx context.Context, rule *rules.Rule, rcpt, sender string, original *email.Email, originalID string, level slog.Level) error {
	if err := rule.Validate(); err != nil {
		r.logger.Error("autoreply rule incomplete",
			"recipient", rcpt,
			"rule", rule.Key(),
			"error", err,
		)
		return err
	}

	reply := Compose(rule, rcpt, sender, original, originalID)
	r.logger.Log(ctx, level, "autoreply rule matched",
		"recipient", rcpt,
		"rule", rule.Key(),
		"to", sender,
		"subject", reply.Subject,
	)

	if err := r.sender.Send(ctx, reply); err != nil {
		r.logger.Error("autoreply send failed",
			"recipient", rcpt,
			"to", sender,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	r.logger.Log(ctx, level, "autoreply sent",
		"recipient", rcpt,
		"to", sender,
		"in_reply_to", originalID,
	)
	return nil
}
