// Package pipeline turns native payloads into stored messages, conversation
// rollups and message.new events.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"unibox/bus"
	"unibox/metrics"
	"unibox/models"
	"unibox/normalizer"
)

// Store is the part of the message store the pipeline writes through
type Store interface {
	Lock(platform models.Platform, key string) func()
	UpsertMessage(ctx context.Context, msg *models.Message) (bool, error)
	ApplyRollup(ctx context.Context, key string, msg *models.Message, isNew bool) (bool, error)
}

// Publisher is the part of the notification bus the pipeline emits to
type Publisher interface {
	Publish(topic bus.Topic, platform models.Platform, payload interface{}) bus.Envelope
}

// NormalizeFunc maps a native payload to a canonical message
type NormalizeFunc func(models.Platform, interface{}) (*models.Message, error)

type Pipeline struct {
	store     Store
	publisher Publisher
	normalize NormalizeFunc
	logger    *logrus.Entry
}

func New(store Store, publisher Publisher, logger *logrus.Entry) *Pipeline {
	return &Pipeline{
		store:     store,
		publisher: publisher,
		normalize: normalizer.Normalize,
		logger:    logger,
	}
}

// WithNormalizer swaps the normalization step
func (p *Pipeline) WithNormalizer(fn NormalizeFunc) *Pipeline {
	p.normalize = fn
	return p
}

// Result describes one ingested message
type Result struct {
	Message        *models.Message
	IsNew          bool
	RollupAdvanced bool
	Orphaned       bool // stored without a conversation key
}

// Ingest normalizes and stores a single payload and publishes it on message.new
func (p *Pipeline) Ingest(ctx context.Context, platform models.Platform, payload interface{}) (*Result, error) {
	msg, err := p.normalize(platform, payload)
	if err != nil {
		if errors.Is(err, models.ErrMalformedPayload) {
			metrics.MalformedPayloads.WithLabelValues(string(platform)).Inc()
			p.logger.WithError(err).WithField("platform", platform).Warn("Rejected malformed payload")
		}
		return nil, err
	}
	return p.persist(ctx, msg)
}

// Warning records one batch item that was skipped
type Warning struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchResult summarizes IngestBatch. Err is set when the batch stopped early;
// items before the failure stay stored.
type BatchResult struct {
	Ingested int       `json:"ingested"`
	Warnings []Warning `json:"warnings"`
	Newest   int64     `json:"newest"`
	Err      error     `json:"-"`
}

// IngestBatch ingests payloads in order. Malformed items are skipped with a
// warning; a store failure or cancelled context stops the batch.
func (p *Pipeline) IngestBatch(ctx context.Context, platform models.Platform, payloads []interface{}) BatchResult {
	var res BatchResult
	if _, err := models.ParsePlatform(string(platform)); err != nil {
		res.Err = fmt.Errorf("%w: %q", models.ErrUnknownPlatform, platform)
		return res
	}

	log := p.logger.WithFields(logrus.Fields{"platform": platform, "batch_size": len(payloads)})
	for i, payload := range payloads {
		if err := ctx.Err(); err != nil {
			res.Err = err
			log.WithField("remaining", len(payloads)-i).Warn("Batch ingestion cancelled")
			break
		}

		msg, err := p.normalize(platform, payload)
		if err != nil {
			if !errors.Is(err, models.ErrMalformedPayload) {
				res.Err = err
				break
			}
			metrics.MalformedPayloads.WithLabelValues(string(platform)).Inc()
			log.WithError(err).WithField("index", i).Warn("Skipping malformed batch item")
			res.Warnings = append(res.Warnings, Warning{Index: i, Error: err.Error()})
			continue
		}

		if _, err := p.persist(ctx, msg); err != nil {
			res.Err = err
			break
		}
		res.Ingested++
		if msg.Timestamp > res.Newest {
			res.Newest = msg.Timestamp
		}
	}

	log.WithFields(logrus.Fields{
		"ingested": res.Ingested,
		"warnings": len(res.Warnings),
	}).Info("Batch ingested")
	return res
}

// persist writes the message and its rollup under the conversation lock, then
// publishes. Writes run to completion even if ctx is cancelled meanwhile.
func (p *Pipeline) persist(ctx context.Context, msg *models.Message) (*Result, error) {
	key := msg.ConversationKey()
	lockKey := key
	if lockKey == "" {
		lockKey = "msg:" + msg.ID
	}

	res := &Result{Message: msg, Orphaned: key == ""}
	log := p.logger.WithFields(logrus.Fields{
		"platform":   msg.Platform,
		"message_id": msg.ID,
	})

	unlock := p.store.Lock(msg.Platform, lockKey)
	isNew, err := p.store.UpsertMessage(ctx, msg)
	if err == nil && key != "" {
		res.RollupAdvanced, err = p.store.ApplyRollup(ctx, key, msg, isNew)
	}
	unlock()
	if err != nil {
		metrics.IngestFailures.WithLabelValues(string(msg.Platform)).Inc()
		log.WithError(err).Error("Failed to store message")
		return nil, err
	}
	res.IsNew = isNew

	if res.Orphaned {
		log.Debug("Stored message without conversation key")
	}

	result := "replaced"
	if isNew {
		result = "inserted"
	}
	metrics.MessagesIngested.WithLabelValues(string(msg.Platform), result).Inc()

	p.publisher.Publish(bus.TopicMessageNew, msg.Platform, bus.MessageEvent{
		Message:        msg,
		IsNew:          isNew,
		RollupAdvanced: res.RollupAdvanced,
	})
	return res, nil
}
