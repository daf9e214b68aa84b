package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"
)

const defaultHeloName = "localhost"

// SMTPConfig holds SMTP relay settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	HeloName string
	// RequireTLS fails the send when the server does not offer STARTTLS
	RequireTLS         bool
	InsecureSkipVerify bool
	DialTimeout        time.Duration
}

// SMTPMailer relays messages through an SMTP submission server
type SMTPMailer struct {
	cfg    SMTPConfig
	from   mail.Address
	signer *Signer
	logger *slog.Logger
	now    func() time.Time
}

// NewSMTPMailer validates the sender and returns a mailer; signer may be nil
func NewSMTPMailer(cfg SMTPConfig, signer *Signer, logger *slog.Logger) (*SMTPMailer, error) {
	from, err := ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("smtp from: %w", err)
	}
	if cfg.HeloName == "" {
		cfg.HeloName = defaultHeloName
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	return &SMTPMailer{
		cfg:    cfg,
		from:   mail.Address{Name: cfg.FromName, Address: from},
		signer: signer,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Send delivers msg. The SMTP session is aborted when ctx is done.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	to, err := ParseAddress(msg.To)
	if err != nil {
		return "", err
	}
	msg.To = to

	messageID := NewMessageID(addressDomain(m.from.Address))
	data, err := composeMessage(m.from, msg, messageID, m.now())
	if err != nil {
		return "", err
	}
	if data, err = m.signer.Sign(data, m.from.Address); err != nil {
		return "", err
	}

	if err := m.deliver(ctx, to, data); err != nil {
		return "", err
	}

	m.logger.Debug("Message relayed",
		slog.String("to", to),
		slog.String("message_id", messageID),
	)
	return messageID, nil
}

func (m *SMTPMailer) deliver(ctx context.Context, to string, data []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(m.cfg.HeloName); err != nil {
		return fmt.Errorf("helo: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConf := &tls.Config{
			ServerName:         m.cfg.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: m.cfg.InsecureSkipVerify,
		}
		if err := client.StartTLS(tlsConf); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	} else if m.cfg.RequireTLS {
		return fmt.Errorf("starttls: not offered by %s", addr)
	}

	if m.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}

	if err := client.Mail(m.from.Address); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}
