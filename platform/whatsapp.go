package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"unibox/models"
)

// SessionClient is the chat-session protocol implementation. It runs outside
// this service and reports lifecycle and message events through cb.
type SessionClient interface {
	Start(ctx context.Context, cb Callbacks) error
	Send(ctx context.Context, to, body string) (string, error)
	Close() error
}

// WhatsApp is the personal chat-session variant
type WhatsApp struct {
	client SessionClient
	logger *logrus.Entry
}

func NewWhatsApp(client SessionClient, logger *logrus.Entry) *WhatsApp {
	return &WhatsApp{client: client, logger: logger}
}

func (w *WhatsApp) Platform() models.Platform {
	return models.PlatformWhatsApp
}

func (w *WhatsApp) Connect(ctx context.Context, cb Callbacks) error {
	return startSession(ctx, w.client, cb)
}

func (w *WhatsApp) SendMessage(ctx context.Context, target, body string) (*SendResult, error) {
	return sendSession(ctx, w.client, w.Platform(), target, body)
}

func (w *WhatsApp) Disconnect() error {
	return w.client.Close()
}

// WhatsAppBusiness is the business-account variant. It speaks the same session
// protocol through its own client and reports under its own platform.
type WhatsAppBusiness struct {
	WhatsApp
}

func NewWhatsAppBusiness(client SessionClient, logger *logrus.Entry) *WhatsAppBusiness {
	return &WhatsAppBusiness{WhatsApp{client: client, logger: logger}}
}

func (w *WhatsAppBusiness) Platform() models.Platform {
	return models.PlatformWhatsAppBusiness
}

func (w *WhatsAppBusiness) SendMessage(ctx context.Context, target, body string) (*SendResult, error) {
	return sendSession(ctx, w.client, w.Platform(), target, body)
}

func startSession(ctx context.Context, client SessionClient, cb Callbacks) error {
	if err := client.Start(ctx, cb); err != nil {
		return fmt.Errorf("%w: %v", models.ErrConnectionFailure, err)
	}
	return nil
}

func sendSession(ctx context.Context, client SessionClient, p models.Platform, target, body string) (*SendResult, error) {
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("target is required")
	}
	id, err := client.Send(ctx, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: send failed: %v", models.ErrConnectionFailure, err)
	}
	return &SendResult{
		Platform:  p,
		Target:    target,
		MessageID: id,
		SentAt:    time.Now().UTC(),
	}, nil
}
