// Package normalizer maps platform-native payloads to the canonical message.
// Every function here is pure: same input, same output, no clock or I/O.
package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"unibox/models"
)

// PreviewLength is the number of characters kept of a mail body. The stored
// body is a preview and is never used to re-derive the original message.
const PreviewLength = 500

var validate = validator.New()

// Normalize reduces a native payload of the given platform to a canonical message.
func Normalize(platform models.Platform, payload interface{}) (*models.Message, error) {
	if _, err := models.ParsePlatform(string(platform)); err != nil {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownPlatform, platform)
	}

	var (
		msg *models.Message
		err error
	)
	switch p := payload.(type) {
	case WhatsAppPayload:
		msg, err = normalizeWhatsApp(platform, &p)
	case *WhatsAppPayload:
		msg, err = normalizeWhatsApp(platform, p)
	case GmailPayload:
		msg, err = normalizeGmail(platform, &p)
	case *GmailPayload:
		msg, err = normalizeGmail(platform, p)
	case RawMailPayload:
		msg, err = normalizeRawMail(platform, &p)
	case *RawMailPayload:
		msg, err = normalizeRawMail(platform, p)
	case models.Message:
		msg, err = normalizeCanonical(platform, &p)
	case *models.Message:
		msg, err = normalizeCanonical(platform, p)
	default:
		return nil, malformed("unsupported payload type %T", payload)
	}
	if err != nil {
		return nil, err
	}

	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", models.ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func expectPlatform(got models.Platform, want ...models.Platform) error {
	for _, w := range want {
		if got == w {
			return nil
		}
	}
	return malformed("payload does not belong to platform %q", got)
}

func validateMessage(msg *models.Message) error {
	err := validate.Struct(msg)
	if err == nil {
		return nil
	}

	var problems []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	} else {
		problems = append(problems, err.Error())
	}
	return malformed("%s", strings.Join(problems, ", "))
}

// normalizeCanonical accepts an already canonical message, e.g. from the
// ingestMessage request. The server owns CreatedAt, so any client value is dropped.
func normalizeCanonical(platform models.Platform, in *models.Message) (*models.Message, error) {
	if in == nil {
		return nil, malformed("nil message")
	}
	msg := *in
	if msg.Platform == "" {
		msg.Platform = platform
	}
	if msg.Platform != platform {
		return nil, malformed("message platform %q does not match %q", msg.Platform, platform)
	}
	if msg.Type == "" {
		msg.Type = models.TypeMessage
		if platform.IsMail() {
			msg.Type = models.TypeEmail
		}
	}
	msg.CreatedAt = time.Time{}
	return &msg, nil
}

// Truncate cuts s to at most n characters without splitting a rune
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
