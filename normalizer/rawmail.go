package normalizer

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	msgmail "github.com/emersion/go-message/mail"

	"unibox/models"
)

func normalizeRawMail(platform models.Platform, p *RawMailPayload) (*models.Message, error) {
	if err := expectPlatform(platform, models.PlatformIMAP); err != nil {
		return nil, err
	}
	if len(p.Raw) == 0 {
		return nil, malformed("empty mail body for uid %d", p.UID)
	}

	mr, err := msgmail.CreateReader(bytes.NewReader(p.Raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, malformed("unreadable mail uid %d: %v", p.UID, err)
	}
	defer mr.Close()

	header := mr.Header
	id, _ := header.MessageID()
	if id == "" {
		if p.UID == 0 {
			return nil, malformed("mail without message id or uid")
		}
		id = fmt.Sprintf("%s:%d", p.Mailbox, p.UID)
	}

	var timestamp int64
	if date, err := header.Date(); err == nil && !date.IsZero() {
		timestamp = date.UnixMilli()
	} else if !p.InternalDate.IsZero() {
		timestamp = p.InternalDate.UnixMilli()
	}
	if timestamp <= 0 {
		return nil, malformed("mail %s has no usable date", id)
	}

	subject, _ := header.Subject()
	if subject == "" {
		subject = noSubject
	}

	var fromName, fromID string
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		fromID = from[0].Address
		fromName = from[0].Name
		if fromName == "" {
			fromName = fromID
		}
	}
	var to []string
	if rcpts, err := header.AddressList("To"); err == nil {
		for _, a := range rcpts {
			to = append(to, a.String())
		}
	}

	body, hasMedia, err := readMailBody(mr)
	if err != nil {
		return nil, malformed("mail %s: %v", id, err)
	}

	return &models.Message{
		ID:        id,
		Platform:  platform,
		FromName:  fromName,
		FromID:    fromID,
		To:        strings.Join(to, ", "),
		Body:      Truncate(body, PreviewLength),
		Subject:   subject,
		Timestamp: timestamp,
		IsFromMe:  p.Account != "" && strings.EqualFold(p.Account, fromID),
		ThreadID:  threadRoot(&header, id),
		Type:      models.TypeEmail,
		HasMedia:  hasMedia,
	}, nil
}

// readMailBody walks the parts, preferring text/plain over the first inline part
func readMailBody(mr *msgmail.Reader) (string, bool, error) {
	var plain, first string
	var havePlain, haveFirst, hasMedia bool

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", false, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := p.Header.(type) {
		case *msgmail.InlineHeader:
			contentType, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return "", false, fmt.Errorf("failed to read body: %w", err)
			}
			if !havePlain && strings.EqualFold(contentType, "text/plain") {
				plain, havePlain = string(b), true
			}
			if !haveFirst {
				first, haveFirst = string(b), true
			}
		case *msgmail.AttachmentHeader:
			hasMedia = true
		}
	}

	if havePlain {
		return plain, hasMedia, nil
	}
	return first, hasMedia, nil
}

// threadRoot keys a mail thread by the first message id it references,
// falling back to the message's own id for thread starters.
func threadRoot(h *msgmail.Header, id string) string {
	if refs, err := h.MsgIDList("References"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	if replyTo, err := h.MsgIDList("In-Reply-To"); err == nil && len(replyTo) > 0 {
		return replyTo[0]
	}
	return id
}
