package bus

import (
	"time"

	"unibox/models"
)

type Topic string

const (
	TopicMessageNew       Topic = "message.new"
	TopicConnectionQR     Topic = "connection.qr"
	TopicConnectionReady  Topic = "connection.ready"
	TopicConnectionStatus Topic = "connection.status"
)

// Topics lists every topic the bus carries
var Topics = []Topic{TopicMessageNew, TopicConnectionQR, TopicConnectionReady, TopicConnectionStatus}

// Envelope wraps one published event. ID is unique per publish, so a consumer
// seeing the same message twice can still tell replays apart.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     Topic           `json:"topic"`
	Platform  models.Platform `json:"platform"`
	EmittedAt time.Time       `json:"emitted_at"`
	Payload   interface{}     `json:"payload"`
}

// MessageEvent is published on message.new for every ingested message
type MessageEvent struct {
	Message        *models.Message `json:"message"`
	IsNew          bool            `json:"is_new"`
	RollupAdvanced bool            `json:"rollup_advanced"`
}

// ChallengeEvent carries an opaque pairing challenge, forwarded verbatim
type ChallengeEvent struct {
	Challenge string `json:"challenge"`
}

type ReadyEvent struct{}

// StatusEvent reports a connection state change
type StatusEvent struct {
	State    string `json:"state"`
	Previous string `json:"previous"`
	Reason   string `json:"reason,omitempty"`
}
