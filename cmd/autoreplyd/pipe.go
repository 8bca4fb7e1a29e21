package main

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/shineum/smtp-autoreply/internal/autoreply"
	"github.com/shineum/smtp-autoreply/internal/metrics"
	"github.com/shineum/smtp-autoreply/internal/parser"
	"github.com/shineum/smtp-autoreply/internal/smtp"
)

// Exit codes from sysexits.h, as MTA pipe transports expect.
const (
	exitOK       = 0
	exitDataErr  = 65
	exitTempFail = 75
	exitConfig   = 78
)

// runPipe answers one message read from in and returns the process exit
// code. EX_TEMPFAIL asks the MTA to deliver the message again.
func runPipe(ctx context.Context, responder smtp.Responder, in io.Reader, sender, originalID string, recipients []string) int {
	raw, err := io.ReadAll(in)
	if err != nil {
		slog.Error("failed to read message", "error", err)
		return exitTempFail
	}
	metrics.MessagesReceived.WithLabelValues("pipe").Inc()

	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Error("failed to parse message", "error", err)
		return exitDataErr
	}

	if sender == "" {
		sender = strings.Trim(strings.TrimSpace(msg.Header("Return-Path")), "<>")
	}
	if originalID == "" {
		originalID = msg.MessageID
	}

	if skip, reason := autoreply.Suppress(sender, msg); skip {
		metrics.MessagesSuppressed.WithLabelValues(reason).Inc()
		slog.Info("not answering message",
			"sender", sender,
			"message_id", originalID,
			"reason", reason,
		)
		return exitOK
	}

	res, err := responder.Reply(ctx, sender, recipients, msg, originalID)
	if err != nil {
		slog.Error("autoreply failed",
			"sender", sender,
			"message_id", originalID,
			"sent", res.Sent,
			"failed", res.Failed,
			"error", err,
		)
		if autoreply.Retryable(res, err) {
			return exitTempFail
		}
	}
	return exitOK
}
