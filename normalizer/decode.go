package normalizer

import (
	"encoding/json"
	"fmt"

	"unibox/models"
)

// Decode parses a JSON-encoded native payload into the payload type of the
// platform, ready for Normalize. No native payload carries a top-level
// "platform" field, so an object that has one is decoded as a canonical message.
func Decode(platform models.Platform, raw []byte) (interface{}, error) {
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) == nil {
		if _, ok := fields["platform"]; ok {
			if _, err := models.ParsePlatform(string(platform)); err != nil {
				return nil, fmt.Errorf("%w: %q", models.ErrUnknownPlatform, platform)
			}
			return DecodeCanonical(raw)
		}
	}

	var target interface{}
	switch platform {
	case models.PlatformWhatsApp, models.PlatformWhatsAppBusiness:
		target = &WhatsAppPayload{}
	case models.PlatformGmail:
		target = &GmailPayload{}
	case models.PlatformIMAP:
		target = &RawMailPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownPlatform, platform)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, malformed("invalid %s payload: %v", platform, err)
	}
	return target, nil
}

// DecodeCanonical parses a message already in canonical form, as sent by a
// caller that normalized it itself. Normalize still validates it.
func DecodeCanonical(raw []byte) (*models.Message, error) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, malformed("invalid canonical message: %v", err)
	}
	return &msg, nil
}
