// Package rules loads the autoreply rule document and selects the rule
// that answers a given recipient address.
package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template placeholders understood in rule subjects and bodies.
const (
	PlaceholderSubject     = "{ORIGINAL_SUBJECT}"
	PlaceholderDestination = "{ORIGINAL_DESTINATION}"
)

// ErrTemplateFieldMissing is returned when a matched rule lacks a field
// required to compose a reply.
var ErrTemplateFieldMissing = errors.New("rule is missing a required template field")

// Rule is one configured autoreply entry. A rule is keyed either by an
// exact recipient address (Email) or by a recipient domain (Domain).
type Rule struct {
	Email   string `yaml:"email" json:"email,omitempty"`
	Domain  string `yaml:"domain" json:"domain,omitempty"`
	From    string `yaml:"from" json:"from"`
	ReplyTo string `yaml:"reply-to" json:"reply-to"`
	Subject string `yaml:"subject" json:"subject"`
	Body    string `yaml:"body" json:"body"`
	HTML    bool   `yaml:"html" json:"html"`
}

// Key returns the match criterion of the rule, used in logs and metrics.
func (r *Rule) Key() string {
	if r.Email != "" {
		return r.Email
	}
	return "@" + r.Domain
}

// Matches reports whether the rule answers addr.
func (r *Rule) Matches(addr string) bool {
	if r.Email != "" && r.Email == addr {
		return true
	}
	return r.Domain != "" && r.Domain == Domain(addr)
}

// Validate checks the fields needed to compose a reply.
func (r *Rule) Validate() error {
	var missing []string
	if r.From == "" {
		missing = append(missing, "from")
	}
	if r.Subject == "" {
		missing = append(missing, "subject")
	}
	if r.Body == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrTemplateFieldMissing, strings.Join(missing, ", "))
	}
	return nil
}

// Document is the autoreply configuration document. Only Rules is read by
// the responder; Logging, SMTP and Port configure the surrounding process.
type Document struct {
	Logging bool   `yaml:"logging" json:"logging"`
	SMTP    string `yaml:"SMTP" json:"SMTP"`
	Port    int    `yaml:"port" json:"port"`
	Rules   []Rule `yaml:"autoreply" json:"autoreply"`
}

// Match returns the first rule, in document order, that answers addr.
// Exact-address and domain rules share one ordered list.
func (d *Document) Match(addr string) (*Rule, bool) {
	for i := range d.Rules {
		if d.Rules[i].Matches(addr) {
			return &d.Rules[i], true
		}
	}
	return nil, false
}

// Domain returns the part of addr after the last '@', or "" if addr has none.
func Domain(addr string) string {
	if idx := strings.LastIndex(addr, "@"); idx >= 0 {
		return addr[idx+1:]
	}
	return ""
}

// Loader produces the current rule document.
type Loader interface {
	Load(ctx context.Context) (*Document, error)
}

// FileLoader reads the document from Path on every call, so edits to the
// file apply to the next message without a restart.
type FileLoader struct {
	Path string
}

// Load reads and decodes the document, in JSON or YAML.
func (l FileLoader) Load(_ context.Context) (*Document, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a rule document. A document starting with '{' is JSON;
// anything else is read as YAML.
func Parse(data []byte) (*Document, error) {
	doc := &Document{}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("failed to parse rules document: %w", err)
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules document: %w", err)
	}
	return doc, nil
}

// StaticLoader always returns the same document.
type StaticLoader struct {
	Doc *Document
}

// Load returns a copy of the held document so callers cannot mutate it.
func (l StaticLoader) Load(_ context.Context) (*Document, error) {
	if l.Doc == nil {
		return nil, errors.New("no rules document configured")
	}
	doc := *l.Doc
	doc.Rules = append([]Rule(nil), l.Doc.Rules...)
	return &doc, nil
}
