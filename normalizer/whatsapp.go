package normalizer

import (
	"strings"

	"unibox/models"
)

func normalizeWhatsApp(platform models.Platform, p *WhatsAppPayload) (*models.Message, error) {
	if err := expectPlatform(platform, models.PlatformWhatsApp, models.PlatformWhatsAppBusiness); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, malformed("whatsapp message without id")
	}
	if p.Timestamp <= 0 {
		return nil, malformed("whatsapp message %s without timestamp", p.ID)
	}

	fromName := p.Contact.PushName
	if fromName == "" {
		fromName = p.Contact.Number
	}

	return &models.Message{
		ID:        p.ID,
		Platform:  platform,
		FromName:  fromName,
		FromID:    p.Contact.ID,
		To:        p.To,
		Body:      p.Body,
		Timestamp: p.Timestamp * 1000,
		IsFromMe:  p.FromMe,
		ChatName:  p.Chat.Name,
		ThreadID:  p.Chat.ID,
		Type:      models.TypeMessage,
		HasMedia:  p.HasMedia,
	}, nil
}
