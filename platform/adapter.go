// Package platform holds one adapter variant per supported source. Each
// variant wraps an external client and exposes the same capability set, so
// adding a platform means adding a variant, not another string branch.
package platform

import (
	"context"
	"time"

	"unibox/models"
)

// Callbacks is the lifecycle boundary a platform client reports through
type Callbacks interface {
	OnChallenge(payload string)
	OnReady()
	OnAuthFailure(reason string)
	OnMessage(payload interface{})
	OnDisconnected(reason string)
}

// Adapter is implemented by every platform variant
type Adapter interface {
	Platform() models.Platform
	// Connect starts the client; lifecycle signals and inbound messages arrive
	// on cb. The client must stop when ctx is cancelled.
	Connect(ctx context.Context, cb Callbacks) error
	SendMessage(ctx context.Context, target, body string) (*SendResult, error)
	Disconnect() error
}

// Fetcher is implemented by variants that can return historical messages.
// Each call returns a finite batch of native payloads newer than since (epoch ms).
type Fetcher interface {
	FetchBatch(ctx context.Context, since int64) ([]interface{}, error)
}

// SendResult is returned for an accepted outbound message
type SendResult struct {
	Platform  models.Platform `json:"platform"`
	Target    string          `json:"target"`
	MessageID string          `json:"message_id,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}
