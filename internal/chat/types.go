package chat

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyCompletion is returned by a Completer when the model produced no text.
var ErrEmptyCompletion = errors.New("empty completion")

// MaxHistoryTurns bounds how many prior messages are sent as context.
const MaxHistoryTurns = 10

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn is a prior conversation message used as context.
type Turn struct {
	FromUser bool
	Content  string
}

// Request is the input of Service.Generate.
type Request struct {
	UserMessage  string
	SystemPrompt string
	Language     Language
	// BotID selects the knowledge base; empty skips the lookup.
	BotID   string
	History []Turn
}

// Reply is what Generate produced. Fallback is set when Text is the
// canned per-language apology rather than model output.
type Reply struct {
	Text       string
	TokensUsed int
	Latency    time.Duration
	Fallback   bool
}

// Completion is a raw model answer.
type Completion struct {
	Text       string
	TokensUsed int
}

// Completer calls a chat completion backend.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (Completion, error)
}

// KnowledgeSource returns the concatenated active knowledge of a bot.
type KnowledgeSource interface {
	ActiveContent(ctx context.Context, botID string) (string, error)
}
