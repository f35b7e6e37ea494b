// Package store persists canonical messages and the per-conversation rollups derived
// from them.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"unibox/models"
)

const (
	// Default and maximum number of rows returned by QueryMessages.
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000

	// Fixed cap of SearchMessages.
	SearchLimit = 50

	// Maximum runtime of a single database operation.
	dbTimeout = 5 * time.Second
)

// MessageStore is the durable table of messages plus conversation rollups.
// It is safe for concurrent use; writers for the same conversation key should
// hold Lock(key) so that upsert and rollup run as one unit.
type MessageStore struct {
	db     *gorm.DB
	locks  *KeyedMutex
	logger *logrus.Entry
}

func NewMessageStore(db *gorm.DB, logger *logrus.Entry) *MessageStore {
	return &MessageStore{
		db:     db,
		locks:  NewKeyedMutex(),
		logger: logger,
	}
}

// writeContext detaches a write from the caller's cancellation so a started
// upsert always completes, but still bounds its runtime.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), dbTimeout)
}

func readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, dbTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, op, err)
}

// Lock serializes writers of one (platform, key) pair and returns the unlock func.
func (s *MessageStore) Lock(platform models.Platform, key string) func() {
	return s.locks.Lock(string(platform) + "\x00" + key)
}

// UpsertMessage inserts the message or replaces every mutable column of the
// existing (id, platform) row. CreatedAt is stamped on insert only; on return
// msg.CreatedAt holds the stored value. The boolean reports a new row. The
// insert is conflict-tolerant, so concurrent writers of one id never fail.
func (s *MessageStore) UpsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	ctx, cancel := writeContext(ctx)
	defer cancel()

	isNew := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg.CreatedAt = time.Now().UTC()
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}, {Name: "platform"}},
			DoNothing: true,
		}).Create(msg)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			isNew = true
			return nil
		}

		if err := tx.Model(&models.Message{}).
			Where("id = ? AND platform = ?", msg.ID, msg.Platform).
			Updates(mutableColumns(msg)).Error; err != nil {
			return err
		}
		var existing models.Message
		if err := tx.Select("created_at").
			Where("id = ? AND platform = ?", msg.ID, msg.Platform).
			Take(&existing).Error; err != nil {
			return err
		}
		msg.CreatedAt = existing.CreatedAt
		return nil
	})
	if err != nil {
		return false, unavailable("upsert message", err)
	}

	s.logger.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"platform":   msg.Platform,
		"new":        isNew,
	}).Debug("Stored message")
	return isNew, nil
}

func mutableColumns(msg *models.Message) map[string]interface{} {
	return map[string]interface{}{
		"from_name":  msg.FromName,
		"from_id":    msg.FromID,
		"to_address": msg.To,
		"body":       msg.Body,
		"subject":    msg.Subject,
		"timestamp":  msg.Timestamp,
		"is_from_me": msg.IsFromMe,
		"chat_name":  msg.ChatName,
		"thread_id":  msg.ThreadID,
		"type":       msg.Type,
		"has_media":  msg.HasMedia,
	}
}

// ApplyRollup folds msg into the conversation identified by key, creating the
// conversation on first sight. The last message only moves forward in time, so
// out-of-order delivery never regresses it. A replay that moves the current
// last message back in time, or into another conversation, recomputes the
// affected rollups from the stored messages. Unread count grows for new
// messages that were not sent by the account owner. Returns whether the last
// message of key changed.
func (s *MessageStore) ApplyRollup(ctx context.Context, key string, msg *models.Message, isNew bool) (bool, error) {
	ctx, cancel := writeContext(ctx)
	defer cancel()

	advanced := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv := models.Conversation{
			ID:       key,
			Platform: msg.Platform,
			Name:     conversationName(msg),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&conv).Error; err != nil {
			return err
		}

		if !isNew {
			// conversations that still point at this message under another key
			var moved []models.Conversation
			if err := tx.Where("platform = ? AND last_message_id = ? AND id <> ?", msg.Platform, msg.ID, key).
				Find(&moved).Error; err != nil {
				return err
			}
			for _, c := range moved {
				if _, err := recomputeLast(tx, msg.Platform, c.ID); err != nil {
					return err
				}
			}

			var current models.Conversation
			if err := tx.Where("id = ? AND platform = ?", key, msg.Platform).Take(&current).Error; err != nil {
				return err
			}
			if current.LastMessageID == msg.ID && msg.Timestamp < current.LastMessageTime {
				changed, err := recomputeLast(tx, msg.Platform, key)
				advanced = changed
				return err
			}
		}

		updates := map[string]interface{}{
			"last_message_id":   msg.ID,
			"last_message_time": msg.Timestamp,
		}
		if name := conversationName(msg); name != "" {
			updates["name"] = name
		}
		res := tx.Model(&models.Conversation{}).
			Where("id = ? AND platform = ? AND last_message_time <= ?", key, msg.Platform, msg.Timestamp).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		advanced = res.RowsAffected > 0

		if isNew && !msg.IsFromMe {
			return tx.Model(&models.Conversation{}).
				Where("id = ? AND platform = ?", key, msg.Platform).
				UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1)).Error
		}
		return nil
	})
	if err != nil {
		return false, unavailable("apply rollup", err)
	}
	return advanced, nil
}

// recomputeLast points the conversation at its newest stored message, or at
// nothing when no message resolves to key anymore. Reports whether the last
// message id changed.
func recomputeLast(tx *gorm.DB, platform models.Platform, key string) (bool, error) {
	var conv models.Conversation
	if err := tx.Where("id = ? AND platform = ?", key, platform).Take(&conv).Error; err != nil {
		return false, err
	}

	var newest models.Message
	err := whereConversationKey(tx.Model(&models.Message{}), platform, key).
		Order("timestamp DESC").Order("id DESC").
		Take(&newest).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		newest = models.Message{}
	case err != nil:
		return false, err
	}

	return newest.ID != conv.LastMessageID, tx.Model(&models.Conversation{}).
		Where("id = ? AND platform = ?", key, platform).
		Updates(map[string]interface{}{
			"last_message_id":   newest.ID,
			"last_message_time": newest.Timestamp,
		}).Error
}

// whereConversationKey selects the messages whose ConversationKey is key
func whereConversationKey(q *gorm.DB, platform models.Platform, key string) *gorm.DB {
	return q.Where(
		"platform = ? AND (thread_id = ? OR (thread_id = '' AND (chat_name = ? OR (chat_name = '' AND from_id = ?))))",
		platform, key, key, key,
	)
}

func conversationName(msg *models.Message) string {
	switch {
	case msg.ChatName != "":
		return msg.ChatName
	case msg.Type == models.TypeEmail && msg.Subject != "":
		return msg.Subject
	default:
		return msg.FromName
	}
}

// GetConversation returns the rollup for (platform, key)
func (s *MessageStore) GetConversation(ctx context.Context, platform models.Platform, key string) (*models.Conversation, error) {
	ctx, cancel := readContext(ctx)
	defer cancel()

	var conv models.Conversation
	if err := s.db.WithContext(ctx).
		Where("id = ? AND platform = ?", key, platform).
		Take(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, unavailable("get conversation", err)
	}
	return &conv, nil
}

// ListConversations returns non-archived conversations, most recent first, each
// with the body of its last message as preview.
func (s *MessageStore) ListConversations(ctx context.Context) ([]models.ConversationPreview, error) {
	ctx, cancel := readContext(ctx)
	defer cancel()

	var previews []models.ConversationPreview
	err := s.db.WithContext(ctx).
		Table("conversations AS c").
		Select("c.*, COALESCE(m.body, '') AS last_message").
		Joins("LEFT JOIN messages AS m ON m.id = c.last_message_id AND m.platform = c.platform").
		Where("c.is_archived = ?", false).
		Order("c.last_message_time DESC").
		Scan(&previews).Error
	if err != nil {
		return nil, unavailable("list conversations", err)
	}
	return previews, nil
}

// QueryMessages returns messages matching every set option of the filter,
// newest first, capped at the filter limit.
func (s *MessageStore) QueryMessages(ctx context.Context, filter models.MessageFilter) ([]models.Message, error) {
	ctx, cancel := readContext(ctx)
	defer cancel()

	q := s.db.WithContext(ctx).Model(&models.Message{})
	if filter.Platform != "" {
		q = q.Where("platform = ?", filter.Platform)
	}
	if filter.FromID != "" {
		q = q.Where("from_id = ?", filter.FromID)
	}
	if filter.ThreadID != "" {
		q = q.Where("thread_id = ?", filter.ThreadID)
	}
	if filter.SearchTerm != "" {
		q = whereContains(q, filter.SearchTerm)
	}

	var messages []models.Message
	if err := q.Order("timestamp DESC").Order("id DESC").
		Limit(clampLimit(filter.Limit)).
		Find(&messages).Error; err != nil {
		return nil, unavailable("query messages", err)
	}
	return messages, nil
}

// SearchMessages is QueryMessages with only a search term and a fixed cap of 50
func (s *MessageStore) SearchMessages(ctx context.Context, term string) ([]models.Message, error) {
	return s.QueryMessages(ctx, models.MessageFilter{SearchTerm: term, Limit: SearchLimit})
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultQueryLimit
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return limit
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// whereContains adds a case-insensitive substring match over body, subject and
// sender name. LIKE wildcards in the term match literally.
func whereContains(q *gorm.DB, term string) *gorm.DB {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(term)) + "%"
	return q.Where(
		`(LOWER(body) LIKE ? ESCAPE '\' OR LOWER(subject) LIKE ? ESCAPE '\' OR LOWER(from_name) LIKE ? ESCAPE '\')`,
		pattern, pattern, pattern,
	)
}
