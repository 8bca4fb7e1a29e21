package smtp

import (
	"context"
	"io"
	"log/slog"

	"github.com/emersion/go-smtp"

	"github.com/shineum/smtp-autoreply/internal/autoreply"
	"github.com/shineum/smtp-autoreply/internal/metrics"
	"github.com/shineum/smtp-autoreply/internal/parser"
)

var (
	errParse = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Failed to process message",
	}
	errTemporary = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary failure, please try again later",
	}
)

// session is one SMTP transaction sequence on a connection.
type session struct {
	ctx       context.Context
	responder Responder
	remote    string

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// Mail records the envelope sender. The null sender <> arrives as "".
func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.mailFrom = from
	s.rcptTo = nil
	return nil
}

// Rcpt records an envelope recipient. Rules are not consulted here, so
// every recipient is accepted.
func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.rcptTo = append(s.rcptTo, to)
	return nil
}

// Data parses the message and answers it unless it must not be answered.
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		// Size overruns surface here; go-smtp maps them to 552.
		return err
	}
	metrics.MessagesReceived.WithLabelValues("smtp").Inc()

	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Error("failed to parse message", "remote", s.remote, "error", err)
		return errParse
	}

	if skip, reason := autoreply.Suppress(s.mailFrom, msg); skip {
		metrics.MessagesSuppressed.WithLabelValues(reason).Inc()
		slog.Info("not answering message",
			"sender", s.mailFrom,
			"message_id", msg.MessageID,
			"reason", reason,
		)
		return nil
	}

	res, err := s.responder.Reply(s.ctx, s.mailFrom, s.rcptTo, msg, msg.MessageID)
	if err != nil {
		slog.Error("autoreply failed",
			"sender", s.mailFrom,
			"message_id", msg.MessageID,
			"sent", res.Sent,
			"failed", res.Failed,
			"error", err,
		)
		if autoreply.Retryable(res, err) {
			return errTemporary
		}
		return nil
	}

	slog.Debug("message answered",
		"sender", s.mailFrom,
		"message_id", msg.MessageID,
		"sent", res.Sent,
		"unmatched", res.Unmatched,
	)
	return nil
}

// Reset clears the current transaction.
func (s *session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
}

// Logout is called when the client disconnects.
func (s *session) Logout() error {
	return nil
}
