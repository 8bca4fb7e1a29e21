package autoreply

import (
	"strings"

	"github.com/shineum/smtp-autoreply/internal/email"
)

var listHeaders = []string{
	"List-Id",
	"List-Help",
	"List-Unsubscribe",
	"List-Subscribe",
	"List-Post",
	"List-Owner",
	"List-Archive",
}

var daemonLocalParts = []string{
	"mailer-daemon",
	"postmaster",
	"noreply",
	"no-reply",
	"do-not-reply",
	"donotreply",
}

// Suppress reports whether an inbound message must not be answered at all,
// and why. It catches bounces, other autoresponders and list traffic so two
// responders cannot loop. Hosts call it before Reply.
func Suppress(sender string, original *email.Email) (bool, string) {
	if sender == "" {
		return true, "null_sender"
	}

	local := strings.ToLower(sender)
	if idx := strings.LastIndex(local, "@"); idx >= 0 {
		local = local[:idx]
	}
	for _, d := range daemonLocalParts {
		if local == d || strings.HasPrefix(local, d+"-") || strings.HasPrefix(local, d+"+") {
			return true, "daemon_sender"
		}
	}

	if original == nil {
		return false, ""
	}

	// RFC 3834 section 2
	if v := strings.ToLower(strings.TrimSpace(original.Header("Auto-Submitted"))); v != "" && v != "no" {
		return true, "auto_submitted"
	}

	for _, v := range strings.Split(original.Header("X-Auto-Response-Suppress"), ",") {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "all", "oof", "autoreply":
			return true, "auto_response_suppress"
		}
	}

	switch strings.ToLower(strings.TrimSpace(original.Header("Precedence"))) {
	case "bulk", "list", "junk":
		return true, "precedence"
	}

	for _, h := range listHeaders {
		if original.Header(h) != "" {
			return true, "list"
		}
	}

	return false, ""
}
