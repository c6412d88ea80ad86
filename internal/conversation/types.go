// Package conversation stores relay threads and their append-only message logs.
package conversation

import (
	"errors"
	"time"

	"github.com/memohai/chatrelay/internal/channel"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is one thread between a bot and one external identity on one platform.
type Conversation struct {
	ID               string           `json:"id"`
	BotID            string           `json:"bot_id"`
	Platform         channel.Platform `json:"platform"`
	PlatformUserID   string           `json:"platform_user_id"`
	PlatformUsername string           `json:"platform_username,omitempty"`
	Language         string           `json:"language"`
	IsActive         bool             `json:"is_active"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Message is one user or assistant turn.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	IsFromUser     bool      `json:"is_from_user"`
	TokensUsed     int       `json:"tokens_used,omitempty"`
	LatencyMS      int64     `json:"latency_ms,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Identity is the lookup key of a conversation plus the values used on create.
type Identity struct {
	BotID          string
	Platform       channel.Platform
	PlatformUserID string
	DisplayName    string
	// Language is stored only when the conversation is created.
	Language string
}

// NewMessage is the input of AppendMessage.
type NewMessage struct {
	Content    string
	IsFromUser bool
	TokensUsed int
	Latency    time.Duration
}

const messageTypeText = "text"

// chronological reverses a newest-first page in place.
func chronological(items []Message) []Message {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}
