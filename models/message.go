package models

import (
	"time"
)

// Platform identifies the source a message was ingested from
type Platform string

const (
	PlatformWhatsApp         Platform = "whatsapp"
	PlatformWhatsAppBusiness Platform = "whatsapp-business"
	PlatformGmail            Platform = "gmail"
	PlatformIMAP             Platform = "imap"
)

// MessageType separates chat messages from mail
type MessageType string

const (
	TypeMessage MessageType = "message"
	TypeEmail   MessageType = "email"
)

// Message is the canonical, platform-independent shape every adapter produces.
// A row is replaced on conflict of (id, platform); CreatedAt is set once.
type Message struct {
	ID        string      `gorm:"primaryKey;type:text" json:"id" validate:"required"`
	Platform  Platform    `gorm:"primaryKey;type:text;index" json:"platform" validate:"required"`
	FromName  string      `json:"from_name"`
	FromID    string      `gorm:"index" json:"from_id"`
	To        string      `gorm:"column:to_address" json:"to"`
	Body      string      `gorm:"type:text" json:"body"`
	Subject   string      `json:"subject,omitempty"`
	Timestamp int64       `gorm:"not null;index" json:"timestamp" validate:"gt=0"`
	IsFromMe  bool        `gorm:"default:false" json:"is_from_me"`
	ChatName  string      `json:"chat_name,omitempty"`
	ThreadID  string      `gorm:"index" json:"thread_id,omitempty"`
	Type      MessageType `gorm:"type:text" json:"type" validate:"required,oneof=message email"`
	HasMedia  bool        `gorm:"default:false" json:"has_media"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

// ConversationKey returns the grouping key of the conversation a message belongs to:
// thread id, then chat name, then sender id. Empty means the message has no conversation.
func (m *Message) ConversationKey() string {
	switch {
	case m.ThreadID != "":
		return m.ThreadID
	case m.ChatName != "":
		return m.ChatName
	default:
		return m.FromID
	}
}

// Conversation is the rollup maintained per (platform, conversation key)
type Conversation struct {
	ID              string    `gorm:"primaryKey;type:text" json:"id"`
	Platform        Platform  `gorm:"primaryKey;type:text" json:"platform"`
	Name            string    `json:"name"`
	LastMessageID   string    `json:"last_message_id"`
	LastMessageTime int64     `gorm:"index" json:"last_message_time"`
	UnreadCount     int       `gorm:"not null;default:0" json:"unread_count"`
	IsArchived      bool      `gorm:"not null;default:false" json:"is_archived"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ConversationPreview is a conversation joined with the body of its last message
type ConversationPreview struct {
	Conversation
	LastMessage string `json:"last_message"`
}

// SyncCursor remembers how far a historical fetch has progressed for a platform
type SyncCursor struct {
	Platform  Platform  `gorm:"primaryKey;type:text" json:"platform"`
	Cursor    int64     `gorm:"not null;default:0" json:"cursor"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// MessageFilter holds the recognized query options. Zero values impose no constraint.
type MessageFilter struct {
	Platform   Platform `query:"platform" json:"platform"`
	FromID     string   `query:"from_id" json:"from_id"`
	ThreadID   string   `query:"thread_id" json:"thread_id"`
	SearchTerm string   `query:"search" json:"search"`
	Limit      int      `query:"limit" json:"limit" validate:"gte=0"`
}
