// Package email defines the core email data model shared by the parser,
// the autoresponder and the delivery providers.
package email

import "net/textproto"

// Email represents a parsed inbound message or a composed reply.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	ReplyTo     string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string

	// InReplyTo and References thread a reply to the message it answers.
	InReplyTo  string
	References []string

	// Headers carries extra headers to emit on outbound messages,
	// e.g. Auto-Submitted.
	Headers map[string]string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// HTML reports whether the message body is HTML.
func (e *Email) HTML() bool {
	return e.HtmlBody != ""
}

// Body returns the HTML body if set, else the text body.
func (e *Email) Body() string {
	if e.HtmlBody != "" {
		return e.HtmlBody
	}
	return e.TextBody
}

// Header returns the first raw header value for key, or "" when absent.
func (e *Email) Header(key string) string {
	if e == nil || e.RawHeaders == nil {
		return ""
	}
	if v := e.RawHeaders[textproto.CanonicalMIMEHeaderKey(key)]; len(v) > 0 {
		return v[0]
	}
	return ""
}
