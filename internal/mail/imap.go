// Package mail holds the IMAP and SMTP transports. Sessions are opened
// per operation and closed on every exit path; the gateway owns one
// session at a time.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomail "github.com/emersion/go-message/mail"

	"github.com/nhle/secretary/internal/model"
)

// IMAPConfig holds the settings for the receiving side.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS bool

	// DialTimeout bounds the socket connect (and TLS handshake).
	DialTimeout time.Duration

	// SearchTimeout bounds the server-side unseen search, nested inside
	// the caller's operation deadline.
	SearchTimeout time.Duration
}

// IMAPClient wraps go-imap v2 for polling the mailbox.
type IMAPClient struct {
	cfg IMAPConfig
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(cfg IMAPConfig) *IMAPClient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 30 * time.Second
	}
	return &IMAPClient{cfg: cfg}
}

// connect establishes a connection, authenticates, and selects INBOX.
// The caller is responsible for calling Logout on the returned client.
func (c *IMAPClient) connect(_ context.Context) (*imapclient.Client, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	var client *imapclient.Client
	if c.cfg.TLS {
		dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
			ServerName: c.cfg.Host,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
		}
		client = imapclient.New(conn, nil)
	} else {
		conn, err := net.DialTimeout("tcp", addr, c.cfg.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
		}
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: c.cfg.Host},
		})
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
		}
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Protocol: "imap",
			Message: fmt.Sprintf(
				"authentication failed for %s: %v", c.cfg.Username, err,
			),
		}
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}

	return client, nil
}

// FetchUnseen returns all currently unseen messages with decoded
// subjects and plain-text bodies, in mailbox order. The search is
// restricted to unseen mail only, never a full-mailbox scan, and the
// bodies are fetched with BODY.PEEK so the fetch itself leaves the seen
// flags untouched. Marking is a separate, explicit operation.
func (c *IMAPClient) FetchUnseen(ctx context.Context) ([]model.Message, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	uids, err := c.searchUnseen(ctx, client)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	var messages []model.Message
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		m := messageFromBuffer(buf)
		if raw := buf.FindBodySection(bodySection); raw != nil {
			m.Body = extractPlainText(raw)
		}
		messages = append(messages, m)
	}

	if err := fetchCmd.Close(); err != nil {
		return messages, fmt.Errorf("fetching unseen messages: %w", err)
	}

	return messages, nil
}

// searchUnseen runs UID SEARCH UNSEEN under its own timeout. A stuck
// search must not consume the whole operation deadline.
func (c *IMAPClient) searchUnseen(
	ctx context.Context, client *imapclient.Client,
) ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	type searchResult struct {
		data *imap.SearchData
		err  error
	}
	ch := make(chan searchResult, 1)
	go func() {
		data, err := client.UIDSearch(criteria, nil).Wait()
		ch <- searchResult{data: data, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("searching unseen messages: %w", res.err)
		}
		return res.data.AllUIDs(), nil
	case <-time.After(c.cfg.SearchTimeout):
		return nil, fmt.Errorf(
			"unseen search timed out after %s", c.cfg.SearchTimeout,
		)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MarkSeen sets the \Seen flag on a single message. The gateway calls
// this only after a processing result exists for the message, so a
// crash mid-cycle never loses an unprocessed command.
func (c *IMAPClient) MarkSeen(ctx context.Context, uid uint32) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	storeCmd := client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("marking UID %d seen: %w", uid, err)
	}
	return nil
}

// messageFromBuffer extracts a model.Message from a fetch buffer.
func messageFromBuffer(buf *imapclient.FetchMessageBuffer) model.Message {
	m := model.Message{
		UID: uint32(buf.UID),
	}

	if buf.Envelope != nil {
		m.Subject = buf.Envelope.Subject
		m.MessageID = buf.Envelope.MessageID
		m.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			m.From = strings.ToLower(buf.Envelope.From[0].Addr())
		}
	}

	return m
}

// extractPlainText parses a raw RFC 2822 body with go-message and
// returns the text/plain part, falling back to stripped HTML and then
// to the raw bytes when MIME parsing fails.
func extractPlainText(raw []byte) string {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	defer mr.Close()

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html"):
			htmlBody = string(body)
		}
	}

	if textBody == "" && htmlBody != "" {
		return stripHTML(htmlBody)
	}
	return textBody
}
