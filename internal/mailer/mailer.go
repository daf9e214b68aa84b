// Package mailer delivers one rendered message to one recipient.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidAddress is returned for recipients that fail RFC 5322 parsing
var ErrInvalidAddress = errors.New("invalid email address")

// Message is a single HTML email
type Message struct {
	To       string
	Subject  string
	HTMLBody string
}

// Mailer sends a message and returns the Message-ID it was sent with
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Compile-time interface checks.
var (
	_ Mailer = (*SMTPMailer)(nil)
	_ Mailer = (*LogMailer)(nil)
)

// NewMessageID returns a globally unique Message-ID in angle brackets
func NewMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// ParseAddress validates and normalizes a single address
func ParseAddress(address string) (string, error) {
	parsed, err := mail.ParseAddress(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return parsed.Address, nil
}

// addressDomain returns the lower-cased domain of an address, or ""
func addressDomain(address string) string {
	address = strings.Trim(strings.TrimSpace(address), "<>")
	if i := strings.LastIndex(address, "@"); i >= 0 && i+1 < len(address) {
		return strings.ToLower(address[i+1:])
	}
	return ""
}
