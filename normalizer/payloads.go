package normalizer

import "time"

// WhatsAppPayload is a chat-session message event as delivered by the session
// bridge, already extracted into platform-native fields.
type WhatsAppPayload struct {
	ID        string          `json:"id"`
	Body      string          `json:"body"`
	Timestamp int64           `json:"timestamp"` // unix seconds
	FromMe    bool            `json:"fromMe"`
	To        string          `json:"to"`
	HasMedia  bool            `json:"hasMedia"`
	Contact   WhatsAppContact `json:"contact"`
	Chat      WhatsAppChat    `json:"chat"`
}

type WhatsAppContact struct {
	ID       string `json:"id"`
	PushName string `json:"pushname"`
	Number   string `json:"number"`
}

type WhatsAppChat struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsGroup bool   `json:"isGroup"`
}

// GmailPayload mirrors a Gmail API message fetched with format=full
type GmailPayload struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId"`
	LabelIDs     []string  `json:"labelIds"`
	Snippet      string    `json:"snippet"`
	InternalDate int64     `json:"internalDate,string,omitempty"` // epoch ms
	Payload      GmailPart `json:"payload"`
}

type GmailPart struct {
	PartID   string        `json:"partId"`
	MimeType string        `json:"mimeType"`
	Filename string        `json:"filename"`
	Headers  []GmailHeader `json:"headers"`
	Body     GmailBody     `json:"body"`
	Parts    []GmailPart   `json:"parts"`
}

type GmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type GmailBody struct {
	AttachmentID string `json:"attachmentId"`
	Size         int    `json:"size"`
	Data         string `json:"data"` // base64url
}

// RawMailPayload is one RFC 822 message fetched over IMAP
type RawMailPayload struct {
	Account      string    `json:"account"` // mailbox owner's address, used to detect sent mail
	Mailbox      string    `json:"mailbox"`
	UID          uint32    `json:"uid"`
	InternalDate time.Time `json:"internal_date"`
	Raw          []byte    `json:"raw"` // base64 in JSON
}
