package platform

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"unibox/config"
	"unibox/models"
	"unibox/normalizer"
)

// IMAP is the generic mailbox variant: history over IMAP, sending over SMTP
type IMAP struct {
	imapCfg config.IMAPConfig
	smtpCfg config.SMTPConfig
	logger  *logrus.Entry
}

func NewIMAP(imapCfg config.IMAPConfig, smtpCfg config.SMTPConfig, logger *logrus.Entry) *IMAP {
	if imapCfg.Mailbox == "" {
		imapCfg.Mailbox = "INBOX"
	}
	return &IMAP{imapCfg: imapCfg, smtpCfg: smtpCfg, logger: logger}
}

func (m *IMAP) Platform() models.Platform {
	return models.PlatformIMAP
}

// Connect verifies the mailbox login. Each fetch opens its own session.
// A failed login is returned; the caller reports it.
func (m *IMAP) Connect(ctx context.Context, cb Callbacks) error {
	c, err := m.dial()
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrConnectionFailure, err)
	}
	_ = c.Logout()
	cb.OnReady()
	return nil
}

func (m *IMAP) dial() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", m.imapCfg.Host, m.imapCfg.Port)
	tlsConfig := &tls.Config{ServerName: m.imapCfg.Host}

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(m.imapCfg.Encryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %v", err)
	}

	if err := c.Login(m.imapCfg.Username, m.imapCfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %v", err)
	}
	return c, nil
}

// FetchBatch returns raw messages in the mailbox since the given epoch ms.
// IMAP SINCE has day granularity, so the boundary day is fetched again and
// deduplicated by the store.
func (m *IMAP) FetchBatch(ctx context.Context, since int64) ([]interface{}, error) {
	c, err := m.dial()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConnectionFailure, err)
	}
	defer c.Logout()

	if _, err := c.Select(m.imapCfg.Mailbox, true); err != nil {
		return nil, fmt.Errorf("%w: failed to select mailbox: %v", models.ErrConnectionFailure, err)
	}

	criteria := imap.NewSearchCriteria()
	if since > 0 {
		criteria.Since = time.UnixMilli(since).UTC()
	}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to search messages: %v", models.ErrConnectionFailure, err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	batch := make([]interface{}, 0, len(uids))
	for msg := range messages {
		if ctx.Err() != nil {
			continue
		}
		literal := msg.GetBody(section)
		if literal == nil {
			m.logger.WithField("uid", msg.Uid).Warn("Message has no body section")
			continue
		}
		raw, err := io.ReadAll(literal)
		if err != nil {
			m.logger.WithError(err).WithField("uid", msg.Uid).Warn("Failed to read message body")
			continue
		}
		batch = append(batch, normalizer.RawMailPayload{
			Account:      m.imapCfg.Username,
			Mailbox:      m.imapCfg.Mailbox,
			UID:          msg.Uid,
			InternalDate: msg.InternalDate,
			Raw:          raw,
		})
	}

	if err := <-done; err != nil {
		return batch, fmt.Errorf("%w: error during fetch: %v", models.ErrConnectionFailure, err)
	}
	if err := ctx.Err(); err != nil {
		return batch, err
	}
	return batch, nil
}

func (m *IMAP) SendMessage(ctx context.Context, target, body string) (*SendResult, error) {
	if err := checkmail.ValidateFormat(target); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %v", target, err)
	}
	if m.smtpCfg.Host == "" {
		return nil, fmt.Errorf("%w: smtp is not configured", models.ErrConnectionFailure)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.imapCfg.Username)
	msg.SetHeader("To", target)
	msg.SetBody("text/plain", body)

	d := gomail.NewDialer(m.smtpCfg.Host, m.smtpCfg.Port, m.smtpCfg.Username, m.smtpCfg.Password)
	if err := d.DialAndSend(msg); err != nil {
		return nil, fmt.Errorf("%w: error sending email: %v", models.ErrConnectionFailure, err)
	}

	return &SendResult{
		Platform: models.PlatformIMAP,
		Target:   target,
		SentAt:   time.Now().UTC(),
	}, nil
}

func (m *IMAP) Disconnect() error {
	return nil
}
