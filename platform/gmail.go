package platform

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"unibox/models"
)

// Gmail is the REST mail variant. It has no live push: new mail arrives
// through FetchBatch on every sync.
type Gmail struct {
	api      GmailAPI
	fetchMax int
	logger   *logrus.Entry

	mu      sync.RWMutex
	account string
}

func NewGmail(api GmailAPI, fetchMax int, logger *logrus.Entry) *Gmail {
	if fetchMax <= 0 {
		fetchMax = 50
	}
	return &Gmail{api: api, fetchMax: fetchMax, logger: logger}
}

func (g *Gmail) Platform() models.Platform {
	return models.PlatformGmail
}

// Connect checks the stored credentials by reading the account profile
func (g *Gmail) Connect(ctx context.Context, cb Callbacks) error {
	account, err := g.api.Profile(ctx)
	if err != nil {
		return fmt.Errorf("%w: gmail authorisation: %v", models.ErrConnectionFailure, err)
	}
	g.mu.Lock()
	g.account = account
	g.mu.Unlock()
	g.logger.WithField("account", account).Info("Gmail account authorised")
	cb.OnReady()
	return nil
}

// FetchBatch lists every inbox message received after since, walking all
// result pages of fetchMax ids, and loads each in full. Messages that fail to
// load are skipped.
func (g *Gmail) FetchBatch(ctx context.Context, since int64) ([]interface{}, error) {
	query := "in:inbox"
	if since > 0 {
		query += " after:" + strconv.FormatInt(since/1000, 10)
	}

	var (
		ids       []string
		pageToken string
	)
	for {
		page, next, err := g.api.ListMessageIDs(ctx, query, g.fetchMax, pageToken)
		if err != nil {
			return nil, fmt.Errorf("%w: list messages: %v", models.ErrConnectionFailure, err)
		}
		ids = append(ids, page...)
		if next == "" || next == pageToken {
			break
		}
		pageToken = next
	}

	batch := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			return batch, ctx.Err()
		}
		msg, err := g.api.GetMessage(ctx, id)
		if err != nil {
			g.logger.WithError(err).WithField("message_id", id).Warn("Failed to load message")
			continue
		}
		batch = append(batch, *msg)
	}
	return batch, nil
}

func (g *Gmail) SendMessage(ctx context.Context, target, body string) (*SendResult, error) {
	if err := checkmail.ValidateFormat(target); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %v", target, err)
	}

	g.mu.RLock()
	from := g.account
	g.mu.RUnlock()

	m := gomail.NewMessage()
	if from != "" {
		m.SetHeader("From", from)
	}
	m.SetHeader("To", target)
	m.SetBody("text/plain", body)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to compose message: %v", err)
	}

	id, err := g.api.SendRaw(ctx, base64.RawURLEncoding.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("%w: gmail send: %v", models.ErrConnectionFailure, err)
	}
	return &SendResult{
		Platform:  models.PlatformGmail,
		Target:    target,
		MessageID: id,
		SentAt:    time.Now().UTC(),
	}, nil
}

func (g *Gmail) Disconnect() error {
	return nil
}
