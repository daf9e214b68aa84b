package mailer

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
)

// DKIMConfig enables DKIM signing when Selector is set.
type DKIMConfig struct {
	Domain   string
	Selector string
	// KeyPath or PrivateKey holds a PEM encoded RSA or Ed25519 key
	KeyPath    string
	PrivateKey string
}

// Signer applies DKIM signatures to outgoing messages.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// NewSigner builds a Signer from config. It returns nil, nil when DKIM is not configured.
func NewSigner(cfg DKIMConfig) (*Signer, error) {
	selector := strings.TrimSpace(cfg.Selector)
	keyPath := strings.TrimSpace(cfg.KeyPath)

	if selector == "" && keyPath == "" && cfg.PrivateKey == "" {
		return nil, nil
	}
	if selector == "" {
		return nil, fmt.Errorf("dkim: selector is required when enabling DKIM")
	}

	var pemData []byte
	switch {
	case cfg.PrivateKey != "":
		pemData = []byte(cfg.PrivateKey)
	case keyPath != "":
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, fmt.Errorf("dkim: provide key_path or private_key")
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}

	return &Signer{
		domain:   strings.ToLower(strings.TrimSpace(cfg.Domain)),
		selector: selector,
		key:      key,
		headerKeys: []string{
			"from",
			"to",
			"subject",
			"date",
			"message-id",
			"mime-version",
			"content-type",
		},
	}, nil
}

// Sign prepends a DKIM-Signature header. A nil Signer returns the message unchanged.
func (s *Signer) Sign(message []byte, from string) ([]byte, error) {
	if s == nil || s.key == nil {
		return message, nil
	}

	domain := s.domain
	if domain == "" {
		domain = addressDomain(from)
	}
	if domain == "" {
		return nil, fmt.Errorf("dkim: unable to determine signing domain")
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	}

	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(message), opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, fmt.Errorf("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, fmt.Errorf("no private key found in PEM data")
}
