// Package parser turns raw RFC 5322 messages into email.Email values.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-autoreply/internal/email"
)

// Parse parses a raw message. Encoded headers are decoded, bodies are
// decoded from their transfer encoding and charset, and nested multipart
// trees are flattened into a text body, an HTML body and attachments.
// Parts that cannot be decoded are logged and skipped.
func Parse(raw []byte) (*email.Email, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if entity.Header.Len() == 0 {
		return nil, errors.New("failed to parse message: no header fields")
	}

	h := mail.Header{Header: entity.Header}
	result := &email.Email{
		From:       h.Get("From"),
		MessageID:  h.Get("Message-Id"),
		RawHeaders: copyHeaders(h),
		To:         addressList(h, "To"),
		Cc:         addressList(h, "Cc"),
		Bcc:        addressList(h, "Bcc"),
	}

	if subject, err := h.Subject(); err == nil {
		result.Subject = subject
	} else {
		slog.Warn("failed to decode subject, using raw value", "error", err)
		result.Subject = h.Get("Subject")
	}

	if err := walk(entity, result, true); err != nil {
		return nil, err
	}
	return result, nil
}

// walk descends into entity, filling result. Errors below the top level
// are logged and the offending part skipped.
func walk(entity *message.Entity, result *email.Email, top bool) error {
	mediaType, params := contentType(entity.Header)

	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			if top {
				return errors.New("multipart message missing boundary")
			}
			slog.Warn("nested multipart missing boundary, skipping")
			return nil
		}
		mr := entity.MultipartReader()
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil && !message.IsUnknownCharset(err) {
				if message.IsUnknownEncoding(err) {
					slog.Warn("skipping part with unknown transfer encoding", "error", err)
					continue
				}
				if top {
					return fmt.Errorf("failed to parse multipart message: %w", err)
				}
				slog.Warn("failed to read nested part", "error", err)
				return nil
			}
			if err := walk(part, result, false); err != nil {
				return err
			}
		}
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		if top {
			return fmt.Errorf("failed to read message body: %w", err)
		}
		slog.Warn("failed to read part content", "content_type", mediaType, "error", err)
		return nil
	}

	disposition, dispParams, _ := entity.Header.ContentDisposition()
	if disposition == "attachment" {
		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    attachmentName(mediaType, params, dispParams),
			ContentType: mediaType,
			Content:     content,
		})
		return nil
	}

	switch mediaType {
	case "text/plain":
		if result.TextBody == "" {
			result.TextBody = string(content)
		}
	case "text/html":
		if result.HtmlBody == "" {
			result.HtmlBody = string(content)
		}
	default:
		if top {
			slog.Warn("unrecognized top-level content type", "content_type", mediaType)
			result.TextBody = string(content)
			return nil
		}
		if params["name"] != "" || dispParams["filename"] != "" {
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    attachmentName(mediaType, params, dispParams),
				ContentType: mediaType,
				Content:     content,
			})
			return nil
		}
		slog.Warn("unrecognized MIME part, skipping",
			"content_type", mediaType,
			"disposition", disposition,
		)
	}
	return nil
}

// contentType returns the media type, defaulting to text/plain when the
// header is absent or unparseable.
func contentType(h message.Header) (string, map[string]string) {
	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		if raw := h.Get("Content-Type"); raw != "" {
			slog.Warn("failed to parse content type, treating as plain text",
				"content_type", raw,
				"error", err,
			)
		}
		return "text/plain", map[string]string{}
	}
	return mediaType, params
}

// attachmentName picks the Content-Disposition filename, then the
// Content-Type name parameter, then a name derived from the media type.
func attachmentName(mediaType string, params, dispParams map[string]string) string {
	if fn := dispParams["filename"]; fn != "" {
		return fn
	}
	if name := params["name"]; name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// copyHeaders collects every header field under its canonical key, with
// encoded words decoded where possible.
func copyHeaders(h mail.Header) map[string][]string {
	out := make(map[string][]string, h.Len())
	fields := h.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		val, err := fields.Text()
		if err != nil {
			val = fields.Value()
		}
		out[key] = append(out[key], val)
	}
	return out
}

// addressList returns the bare addresses in header key, or nil when the
// header is absent.
func addressList(h mail.Header, key string) []string {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	addrs, err := h.AddressList(key)
	if err != nil {
		// Fall back to a plain comma split for headers that are not RFC 5322 clean
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		result = append(result, addr.Address)
	}
	return result
}
