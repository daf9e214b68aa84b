package mailer

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSMTPMailer_Send(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dataCh := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Errorf("accept error: %v", err)
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		br := bufio.NewReader(conn)
		bw := bufio.NewWriter(conn)

		reply := func(line string) {
			fmt.Fprint(bw, line+"\r\n")
			bw.Flush()
		}

		reply("220 test ESMTP")
		expectCommand(t, br, "EHLO mailer.test")
		reply("250 OK")
		expectCommand(t, br, "MAIL FROM:<sender@example.com>")
		reply("250 OK")
		expectCommand(t, br, "RCPT TO:<rcpt@example.com>")
		reply("250 OK")
		expectCommand(t, br, "DATA")
		reply("354 End data with <CR><LF>.<CR><LF>")

		var lines []string
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				t.Errorf("read data error: %v", err)
				return
			}
			if line == ".\r\n" {
				break
			}
			lines = append(lines, line)
		}
		dataCh <- strings.Join(lines, "")
		reply("250 OK")

		expectCommand(t, br, "QUIT")
		reply("221 Bye")
	}()

	m, err := NewSMTPMailer(SMTPConfig{
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		From:     "sender@example.com",
		FromName: "Newsletter",
		HeloName: "mailer.test",
	}, nil, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messageID, err := m.Send(ctx, Message{
		To:       "rcpt@example.com",
		Subject:  "Launch day",
		HTMLBody: "<p>We are live</p>",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(messageID, "<"))
	assert.True(t, strings.HasSuffix(messageID, "@example.com>"))

	select {
	case body := <-dataCh:
		assert.Contains(t, body, "Subject: Launch day\r\n")
		assert.Contains(t, body, "To: rcpt@example.com\r\n")
		assert.Contains(t, body, `From: "Newsletter" <sender@example.com>`)
		assert.Contains(t, body, "Message-ID: "+messageID+"\r\n")
		assert.Contains(t, body, "<p>We are live</p>")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SMTP data")
	}
}

func TestSMTPMailer_DialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	m, err := NewSMTPMailer(SMTPConfig{
		Host:        "127.0.0.1",
		Port:        port,
		From:        "sender@example.com",
		DialTimeout: time.Second,
	}, nil, discardLogger())
	require.NoError(t, err)

	_, err = m.Send(context.Background(), Message{To: "rcpt@example.com", Subject: "s", HTMLBody: "b"})
	assert.Error(t, err)
}

func TestSMTPMailer_RejectsBadAddresses(t *testing.T) {
	_, err := NewSMTPMailer(SMTPConfig{From: "not-an-address"}, nil, discardLogger())
	assert.ErrorIs(t, err, ErrInvalidAddress)

	m, err := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: 1, From: "sender@example.com"}, nil, discardLogger())
	require.NoError(t, err)
	_, err = m.Send(context.Background(), Message{To: "broken@", Subject: "s"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestComposeMessage(t *testing.T) {
	date := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	body := "<p>" + strings.Repeat("long line ", 20) + "café</p>"

	data, err := composeMessage(
		mail.Address{Address: "sender@example.com"},
		Message{To: "rcpt@example.com", Subject: "Café news", HTMLBody: body},
		"<id@example.com>",
		date,
	)
	require.NoError(t, err)

	parsed, err := mail.ReadMessage(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, "<id@example.com>", parsed.Header.Get("Message-ID"))
	assert.Equal(t, "quoted-printable", parsed.Header.Get("Content-Transfer-Encoding"))
	assert.Equal(t, "Sun, 01 Mar 2026 10:00:00 +0000", parsed.Header.Get("Date"))

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(parsed.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Café news", subject)

	for _, line := range strings.Split(string(data), "\r\n") {
		assert.LessOrEqual(t, len(line), 78, "line too long: %q", line)
	}
}

func TestLogMailer_Send(t *testing.T) {
	m := NewLogMailer(discardLogger(), "example.com")

	id, err := m.Send(context.Background(), Message{To: "rcpt@example.com", Subject: "s", HTMLBody: "b"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@example.com>"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Send(ctx, Message{To: "rcpt@example.com"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSigner(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	pemData := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	tests := []struct {
		name    string
		cfg     DKIMConfig
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", cfg: DKIMConfig{}, wantNil: true},
		{name: "missing selector", cfg: DKIMConfig{PrivateKey: pemData}, wantErr: true},
		{name: "missing key", cfg: DKIMConfig{Selector: "s1", Domain: "example.com"}, wantErr: true},
		{name: "garbage key", cfg: DKIMConfig{Selector: "s1", PrivateKey: "nope"}, wantErr: true},
		{name: "inline key", cfg: DKIMConfig{Selector: "s1", Domain: "example.com", PrivateKey: pemData}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer, err := NewSigner(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, signer)
			} else {
				assert.NotNil(t, signer)
			}
		})
	}
}

func TestSigner_Sign(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	signer := &Signer{selector: "s1", key: key, headerKeys: []string{"from", "subject"}}

	raw := "From: sender@example.com\r\nSubject: Test\r\n\r\nBody\r\n"
	signed, err := signer.Sign([]byte(raw), "sender@example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(signed), "DKIM-Signature:"))
	assert.Contains(t, string(signed), "d=example.com")
	assert.Contains(t, string(signed), "s=s1")

	var nilSigner *Signer
	same, err := nilSigner.Sign([]byte(raw), "sender@example.com")
	require.NoError(t, err)
	assert.Equal(t, raw, string(same))
}

func expectCommand(t *testing.T, br *bufio.Reader, allowed ...string) {
	t.Helper()
	line, err := br.ReadString('\n')
	if err != nil {
		t.Errorf("read command error: %v", err)
		return
	}
	line = strings.TrimRight(line, "\r\n")
	for _, option := range allowed {
		if line == option {
			return
		}
	}
	t.Errorf("unexpected command %q", line)
}
