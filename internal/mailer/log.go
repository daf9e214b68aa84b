package mailer

import (
	"context"
	"log/slog"
)

// LogMailer logs messages instead of sending them. Used in development.
type LogMailer struct {
	logger *slog.Logger
	domain string
}

func NewLogMailer(logger *slog.Logger, domain string) *LogMailer {
	return &LogMailer{logger: logger, domain: domain}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	to, err := ParseAddress(msg.To)
	if err != nil {
		return "", err
	}

	messageID := NewMessageID(m.domain)
	m.logger.Info("Email sent (log mailer)",
		slog.String("to", to),
		slog.String("subject", msg.Subject),
		slog.Int("body_bytes", len(msg.HTMLBody)),
		slog.String("message_id", messageID),
	)
	return messageID, nil
}
