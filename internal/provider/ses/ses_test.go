package ses

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/shineum/smtp-autoreply/internal/email"
	"github.com/shineum/smtp-autoreply/internal/provider"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

// prefixSigner implements provider.Signer by prepending a marker header.
type prefixSigner struct{}

func (prefixSigner) Sign(raw []byte) ([]byte, error) {
	return append([]byte("DKIM-Signature: test\r\n"), raw...), nil
}

func reply() *email.Email {
	return &email.Email{
		From:       "Example Company <noreply@example.com>",
		To:         []string{"test@external.com"},
		ReplyTo:    "support@example.com",
		Subject:    "RE: Test Subject",
		TextBody:   "Your email has been received.",
		InReplyTo:  "<test123@external.com>",
		References: []string{"<test123@external.com>"},
		Headers:    map[string]string{"Auto-Submitted": "auto-replied"},
	}
}

func newFast(cfg Config, client SendEmailAPI) *Provider {
	p := NewWithClient(cfg, client)
	p.retryDelay = time.Millisecond
	return p
}

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient(Config{}, &mockSESClient{})
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_SimpleReply(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(Config{}, mock)

	if err := p.Send(context.Background(), reply()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Simple == nil {
		t.Fatal("expected simple email content, got nil")
	}
	if got := *input.FromEmailAddress; got != "Example Company <noreply@example.com>" {
		t.Errorf("FromEmailAddress: got %q", got)
	}
	if len(input.ReplyToAddresses) != 1 || input.ReplyToAddresses[0] != "support@example.com" {
		t.Errorf("ReplyToAddresses: got %v", input.ReplyToAddresses)
	}
	if got := *input.Content.Simple.Subject.Data; got != "RE: Test Subject" {
		t.Errorf("Subject: got %q", got)
	}
	if got := *input.Content.Simple.Body.Text.Data; got != "Your email has been received." {
		t.Errorf("TextBody: got %q", got)
	}
	if input.Content.Simple.Body.Html != nil {
		t.Error("expected no HTML body")
	}

	headers := map[string]string{}
	for _, h := range input.Content.Simple.Headers {
		headers[*h.Name] = *h.Value
	}
	if headers["In-Reply-To"] != "<test123@external.com>" {
		t.Errorf("In-Reply-To header: got %q", headers["In-Reply-To"])
	}
	if headers["References"] != "<test123@external.com>" {
		t.Errorf("References header: got %q", headers["References"])
	}
	if headers["Auto-Submitted"] != "auto-replied" {
		t.Errorf("Auto-Submitted header: got %q", headers["Auto-Submitted"])
	}
}

func TestSend_SenderOverride(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(Config{Sender: "verified@example.com"}, mock)

	if err := p.Send(context.Background(), reply()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := *mock.lastInput.FromEmailAddress; got != "verified@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "verified@example.com")
	}
}

func TestSend_HTMLReply(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(Config{}, mock)

	msg := reply()
	msg.TextBody = ""
	msg.HtmlBody = "<h1>Thanks</h1>"

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := mock.lastInput.Content.Simple.Body
	if body.Html == nil || *body.Html.Data != "<h1>Thanks</h1>" {
		t.Errorf("HtmlBody: got %+v", body.Html)
	}
	if body.Text != nil {
		t.Error("expected no text body")
	}
}

func TestSend_SignedRaw(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(Config{Hostname: "mx.example.com", Signer: prefixSigner{}}, mock)

	if err := p.Send(context.Background(), reply()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw content when a signer is configured")
	}
	raw := input.Content.Raw.Data
	if !bytes.HasPrefix(raw, []byte("DKIM-Signature: test\r\n")) {
		t.Error("raw message was not signed")
	}
	if !bytes.Contains(raw, []byte("In-Reply-To: <test123@external.com>")) {
		t.Error("raw message missing In-Reply-To")
	}
	if input.FromEmailAddress != nil {
		t.Errorf("FromEmailAddress: got %q, want nil", *input.FromEmailAddress)
	}
	if len(input.Destination.ToAddresses) != 1 {
		t.Errorf("ToAddresses: got %v", input.Destination.ToAddresses)
	}
}

func TestSend_WithAttachments(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(Config{}, mock)

	msg := reply()
	msg.Attachments = []email.Attachment{{
		Filename:    "terms.pdf",
		ContentType: "application/pdf",
		Content:     []byte("fake pdf"),
	}}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw content for attachments")
	}
	if !strings.Contains(string(input.Content.Raw.Data), "terms.pdf") {
		t.Error("raw message missing attachment filename")
	}
}

func TestSend_NoRetriesByDefault(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	p := NewWithClient(Config{}, mock)

	err := p.Send(context.Background(), reply())
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
	if !strings.Contains(err.Error(), "throttled") {
		t.Errorf("error should wrap the API error, got %q", err.Error())
	}
}

func TestSend_RetryOnError(t *testing.T) {
	t.Parallel()

	callCount := 0
	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			callCount++
			if callCount <= 2 {
				return nil, errors.New("transient error")
			}
			return &sesv2.SendEmailOutput{MessageId: aws.String("ok")}, nil
		},
	}
	p := newFast(Config{Retries: 3}, mock)

	if err := p.Send(context.Background(), reply()); err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if callCount != 3 {
		t.Errorf("call count: got %d, want 3", callCount)
	}
}

func TestSend_AllRetriesExhausted(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("persistent error")
		},
	}
	p := newFast(Config{Retries: 3}, mock)

	err := p.Send(context.Background(), reply())
	if err == nil {
		t.Fatal("expected error after all retries exhausted")
	}
	if !strings.Contains(err.Error(), "after 3 retries") {
		t.Errorf("error message: got %q, want to contain 'after 3 retries'", err.Error())
	}
	// 1 initial + 3 retries = 4 total
	if mock.callCount != 4 {
		t.Errorf("call count: got %d, want 4", mock.callCount)
	}
}

func TestSend_ContextCancelled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("error")
		},
	}
	p := NewWithClient(Config{Retries: 3}, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Send(ctx, reply())
	if err == nil {
		t.Fatal("expected error when context cancelled")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := backoffDelay(time.Second, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestProviderInterface(t *testing.T) {
	t.Parallel()

	var _ provider.Provider = (*Provider)(nil)
}
