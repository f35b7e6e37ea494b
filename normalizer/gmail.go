package normalizer

import (
	"encoding/base64"
	"net/mail"
	"strings"

	msgmail "github.com/emersion/go-message/mail"

	"unibox/models"
)

const noSubject = "(no subject)"

func normalizeGmail(platform models.Platform, p *GmailPayload) (*models.Message, error) {
	if err := expectPlatform(platform, models.PlatformGmail); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, malformed("gmail message without id")
	}

	headers := p.Payload.Headers
	timestamp := p.InternalDate
	if timestamp <= 0 {
		date, err := mail.ParseDate(headerValue(headers, "Date"))
		if err != nil {
			return nil, malformed("gmail message %s has no usable date: %v", p.ID, err)
		}
		timestamp = date.UnixMilli()
	}
	if timestamp <= 0 {
		return nil, malformed("gmail message %s has no usable date", p.ID)
	}

	subject := headerValue(headers, "Subject")
	if subject == "" {
		subject = noSubject
	}
	fromName, fromID := splitAddress(headerValue(headers, "From"))

	return &models.Message{
		ID:        p.ID,
		Platform:  platform,
		FromName:  fromName,
		FromID:    fromID,
		To:        headerValue(headers, "To"),
		Body:      Truncate(gmailBody(&p.Payload), PreviewLength),
		Subject:   subject,
		Timestamp: timestamp,
		IsFromMe:  hasLabel(p.LabelIDs, "SENT"),
		ThreadID:  p.ThreadID,
		Type:      models.TypeEmail,
		HasMedia:  hasAttachment(&p.Payload),
	}, nil
}

// headerValue looks a header up by name, ignoring case. First match wins.
func headerValue(headers []GmailHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return strings.TrimSpace(h.Value)
		}
	}
	return ""
}

// gmailBody prefers the first text/plain part anywhere in the tree, then the
// top-level body, then nothing.
func gmailBody(root *GmailPart) string {
	if part := findPart(root.Parts, "text/plain"); part != nil {
		if text, ok := decodeBase64URL(part.Body.Data); ok {
			return text
		}
	}
	if text, ok := decodeBase64URL(root.Body.Data); ok {
		return text
	}
	return ""
}

func findPart(parts []GmailPart, mimeType string) *GmailPart {
	for i := range parts {
		part := &parts[i]
		if strings.EqualFold(part.MimeType, mimeType) && part.Filename == "" && part.Body.Data != "" {
			return part
		}
		if nested := findPart(part.Parts, mimeType); nested != nil {
			return nested
		}
	}
	return nil
}

func hasAttachment(part *GmailPart) bool {
	if part.Filename != "" || part.Body.AttachmentID != "" {
		return true
	}
	for i := range part.Parts {
		if hasAttachment(&part.Parts[i]) {
			return true
		}
	}
	return false
}

func decodeBase64URL(data string) (string, bool) {
	if data == "" {
		return "", false
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", false
	}
	return string(b), true
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// splitAddress returns the display name (or the address when there is none)
// and the bare address of a From header. Unparseable values are kept whole.
func splitAddress(value string) (name, address string) {
	if value == "" {
		return "", ""
	}
	addr, err := msgmail.ParseAddress(value)
	if err != nil {
		return value, value
	}
	if addr.Name != "" {
		return addr.Name, addr.Address
	}
	return addr.Address, addr.Address
}
