package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/nhle/secretary/internal/model"
)

// SMTPConfig holds the settings for the sending side.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLS selects implicit TLS (port 465 style); otherwise STARTTLS.
	TLS bool
}

// SMTPSender sends single plain-text UTF-8 messages. A fresh connection
// is opened per send and closed on every exit path.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender creates a new SMTP sender configuration.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// Send delivers a reply to a single recipient. inReplyTo, when
// non-empty, threads the reply under the original message.
func (s *SMTPSender) Send(ctx context.Context, reply model.Reply, inReplyTo string) error {
	msg, err := composeMessage(s.cfg.Username, reply, inReplyTo)
	if err != nil {
		return fmt.Errorf("building message: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	tlsCfg := &tls.Config{ServerName: s.cfg.Host}

	var client *smtp.Client
	if s.cfg.TLS {
		client, err = smtp.DialTLS(addr, tlsCfg)
	} else {
		client, err = smtp.DialStartTLS(addr, tlsCfg)
	}
	if err != nil {
		return fmt.Errorf("connecting to SMTP %s: %w", addr, err)
	}
	defer client.Close()

	if deadline, ok := ctx.Deadline(); ok {
		client.CommandTimeout = time.Until(deadline)
	}

	auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	if err := client.Auth(auth); err != nil {
		return &AuthError{
			Protocol: "smtp",
			Message: fmt.Sprintf(
				"authentication failed for %s: %v", s.cfg.Username, err,
			),
		}
	}

	if err := client.SendMail(s.cfg.Username, []string{reply.To}, msg); err != nil {
		return fmt.Errorf("sending to %s: %w", reply.To, err)
	}

	return client.Quit()
}

// composeMessage builds a single-part text/plain message.
func composeMessage(from string, reply model.Reply, inReplyTo string) (io.Reader, error) {
	var header gomail.Header
	header.SetDate(time.Now())
	header.SetSubject(reply.Subject)
	header.SetAddressList("From", []*gomail.Address{{Address: from}})
	header.SetAddressList("To", []*gomail.Address{{Address: reply.To}})
	if inReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{inReplyTo})
		header.SetMsgIDList("References", []string{inReplyTo})
	}
	header.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, header)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, strings.NewReader(reply.Body)); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return &buf, nil
}
