package autoreply

import (
	"strings"

	"github.com/shineum/smtp-autoreply/internal/email"
	"github.com/shineum/smtp-autoreply/internal/rules"
)

// Compose builds the reply that rule sends for a message addressed to
// recipient. The reply goes back to sender and threads onto originalID.
// A nil original is treated as a message with an empty subject.
func Compose(rule *rules.Rule, recipient, sender string, original *email.Email, originalID string) *email.Email {
	var subject string
	if original != nil {
		subject = original.Subject
	}

	// One pass so a subject containing a placeholder is not expanded again.
	body := strings.NewReplacer(
		rules.PlaceholderSubject, subject,
		rules.PlaceholderDestination, recipient,
	).Replace(rule.Body)

	reply := &email.Email{
		From:    rule.From,
		To:      []string{sender},
		ReplyTo: rule.ReplyTo,
		Subject: strings.ReplaceAll(rule.Subject, rules.PlaceholderSubject, subject),
		Headers: map[string]string{
			"Auto-Submitted":           "auto-replied",
			"X-Auto-Response-Suppress": "All",
		},
	}
	if rule.HTML {
		reply.HtmlBody = body
	} else {
		reply.TextBody = body
	}

	if originalID != "" {
		reply.InReplyTo = originalID
		reply.References = append(strings.Fields(original.Header("References")), originalID)
	}

	return reply
}
