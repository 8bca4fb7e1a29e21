package composer

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

// Signer adds a DKIM-Signature header to rendered messages.
type Signer struct {
	domain   string
	selector string
	key      crypto.Signer
}

// NewSigner reads a PEM private key (PKCS#8 or PKCS#1) from keyFile.
func NewSigner(domain, selector, keyFile string) (*Signer, error) {
	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading DKIM key %s: %w", keyFile, err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", keyFile)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing DKIM private key: %w", err)
		}
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("DKIM key does not implement crypto.Signer")
	}

	return &Signer{domain: domain, selector: selector, key: signer}, nil
}

// Sign returns raw with a DKIM-Signature header prepended. Relaxed/relaxed
// canonicalization covers the headers a reply carries.
func (s *Signer) Sign(raw []byte) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys: []string{
			"From", "To", "Subject", "Date", "Message-Id",
			"In-Reply-To", "References", "Reply-To",
			"Auto-Submitted", "Mime-Version", "Content-Type",
		},
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(raw), opts); err != nil {
		return nil, fmt.Errorf("DKIM signing: %w", err)
	}
	return signed.Bytes(), nil
}
