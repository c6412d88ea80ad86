// Package chat produces assistant replies for relayed conversations.
package chat

import (
	"context"
	"log/slog"
	"strings"

	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/prune"
)

// Service builds prompts and calls the completer. Generate never fails;
// every error path yields the per-language fallback.
type Service struct {
	completer Completer
	knowledge KnowledgeSource
	clock     clock.Clock
	logger    *slog.Logger
}

// NewService creates a chat service. knowledge may be nil, in which case
// every bot is treated as having no knowledge loaded.
func NewService(log *slog.Logger, completer Completer, knowledge KnowledgeSource, clk clock.Clock) *Service {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		completer: completer,
		knowledge: knowledge,
		clock:     clk,
		logger:    log.With(slog.String("service", "chat")),
	}
}

func (s *Service) Generate(ctx context.Context, req Request) Reply {
	lang := ParseLanguage(string(req.Language))
	start := s.clock.Now()
	log := s.logger.With(slog.String("bot_id", req.BotID), slog.String("language", string(lang)))

	fallback := func() Reply {
		return Reply{Text: Fallback(lang), Latency: s.clock.Now().Sub(start), Fallback: true}
	}

	var kb string
	if req.BotID != "" && s.knowledge != nil {
		content, err := s.knowledge.ActiveContent(ctx, req.BotID)
		if err != nil {
			log.Error("knowledge lookup failed", slog.Any("error", err))
			return fallback()
		}
		kb = prune.HeadTail(content, prune.MaxKnowledgeBytes, "")
	}
	if s.completer == nil {
		log.Warn("no completer configured")
		return fallback()
	}

	completion, err := s.completer.Complete(ctx, BuildMessages(lang, kb, req))
	if err != nil {
		log.Error("completion failed", slog.Any("error", err))
		return fallback()
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" {
		log.Warn("completion was empty")
		return fallback()
	}
	return Reply{Text: text, TokensUsed: completion.TokensUsed, Latency: s.clock.Now().Sub(start)}
}

// BuildMessages assembles the system prompt, the last MaxHistoryTurns of
// history, and the user message.
func BuildMessages(lang Language, knowledge string, req Request) []Message {
	history := req.History
	if len(history) > MaxHistoryTurns {
		history = history[len(history)-MaxHistoryTurns:]
	}
	out := make([]Message, 0, len(history)+2)
	out = append(out, Message{Role: RoleSystem, Content: BuildSystemPrompt(lang, knowledge, req.SystemPrompt)})
	for _, t := range history {
		role := RoleAssistant
		if t.FromUser {
			role = RoleUser
		}
		out = append(out, Message{Role: role, Content: t.Content})
	}
	return append(out, Message{Role: RoleUser, Content: req.UserMessage})
}
