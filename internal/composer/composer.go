// Package composer renders email.Email values into RFC 5322 messages ready
// for SMTP or raw API submission.
package composer

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-autoreply/internal/email"
)

// Compose renders msg. Date and Message-ID are generated when absent; the
// Message-ID domain is hostname.
func Compose(msg *email.Email, hostname string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())

	setAddressHeader(&h, "From", []string{msg.From})
	setAddressHeader(&h, "To", msg.To)
	if len(msg.Cc) > 0 {
		setAddressHeader(&h, "Cc", msg.Cc)
	}
	if msg.ReplyTo != "" {
		setAddressHeader(&h, "Reply-To", []string{msg.ReplyTo})
	}
	h.SetSubject(msg.Subject)

	if msg.MessageID != "" {
		h.Set("Message-Id", msg.MessageID)
	} else {
		if hostname == "" {
			hostname = "localhost"
		}
		h.SetMessageID(fmt.Sprintf("%d.autoreply@%s", time.Now().UnixNano(), hostname))
	}
	if msg.InReplyTo != "" {
		h.Set("In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		h.Set("References", strings.Join(msg.References, " "))
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, msg.Headers[k])
	}

	var buf bytes.Buffer
	if len(msg.Attachments) == 0 {
		h.SetContentType(bodyType(msg), map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if err := writeAndClose(w, msg.Body()); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	var ih mail.InlineHeader
	ih.SetContentType(bodyType(msg), map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ih)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if err := writeAndClose(pw, msg.Body()); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close body part: %w", err)
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(att.ContentType, nil)
		ah.SetFilename(att.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := aw.Write(att.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment: %w", err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), nil
}

func bodyType(msg *email.Email) string {
	if msg.HTML() {
		return "text/html"
	}
	return "text/plain"
}

// setAddressHeader writes parsed addresses so display names are encoded
// properly, and falls back to the raw text when a value does not parse.
func setAddressHeader(h *mail.Header, key string, values []string) {
	addrs := make([]*mail.Address, 0, len(values))
	for _, v := range values {
		addr, err := mail.ParseAddress(v)
		if err != nil {
			h.Set(key, strings.Join(values, ", "))
			return
		}
		addrs = append(addrs, addr)
	}
	h.SetAddressList(key, addrs)
}

func writeAndClose(w io.WriteCloser, body string) error {
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return fmt.Errorf("failed to write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close body: %w", err)
	}
	return nil
}
