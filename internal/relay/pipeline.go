// Package relay turns inbound platform webhooks into assistant replies.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/memohai/chatrelay/internal/accounts"
	"github.com/memohai/chatrelay/internal/bots"
	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/chat"
	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/conversation"
)

var (
	// ErrAuthentication means the webhook signature was missing or wrong.
	ErrAuthentication = errors.New("webhook authentication failed")
	// ErrValidation means the payload carried nothing the relay can answer.
	ErrValidation = errors.New("invalid webhook payload")
	// ErrUnknownBot means the bot or its platform binding does not exist.
	ErrUnknownBot = errors.New("unknown bot or platform")
)

const monitorTimeout = 30 * time.Second

// BotSource loads bots with their platform bindings.
type BotSource interface {
	Get(ctx context.Context, id string) (bots.Bot, error)
}

// AccessChecker decides whether a bot owner may currently use the service.
type AccessChecker interface {
	Get(ctx context.Context, id string) (accounts.Account, error)
	CheckAccount(ctx context.Context, acct *accounts.Account) (bool, error)
}

// ConversationStore is the persistence the pipeline needs.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, id conversation.Identity) (conversation.Conversation, bool, error)
	AppendMessage(ctx context.Context, conversationID string, in conversation.NewMessage) (conversation.Message, error)
	RecentHistory(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
	SetLanguage(ctx context.Context, conversationID, language string) error
	CountAssistantMessagesSince(ctx context.Context, botID string, since time.Time) (int64, error)
}

// Responder produces the assistant reply. It never fails.
type Responder interface {
	Generate(ctx context.Context, req chat.Request) chat.Reply
}

// Result summarizes one handled webhook request.
type Result struct {
	Handled int
	Skipped int
	// Inert is set when the bot is disabled and the request was dropped.
	Inert bool
}

// Pipeline authenticates, parses and answers webhook deliveries.
type Pipeline struct {
	registry      *channel.Registry
	bots          BotSource
	access        AccessChecker
	conversations ConversationStore
	responder     Responder
	monitor       Monitor
	clock         clock.Clock
	logger        *slog.Logger

	wg sync.WaitGroup
}

type Option func(*Pipeline)

// WithMonitor enables the best-effort exchange fan-out.
func WithMonitor(m Monitor) Option {
	return func(p *Pipeline) { p.monitor = m }
}

func WithClock(clk clock.Clock) Option {
	return func(p *Pipeline) { p.clock = clk }
}

func NewPipeline(log *slog.Logger, registry *channel.Registry, botSource BotSource, access AccessChecker,
	conversations ConversationStore, responder Responder, opts ...Option,
) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		registry:      registry,
		bots:          botSource,
		access:        access,
		conversations: conversations,
		responder:     responder,
		clock:         clock.System{},
		logger:        log.With(slog.String("service", "relay")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait blocks until in-flight monitor deliveries finish.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// target is everything resolved for one request before updates are handled.
type target struct {
	bot      bots.Bot
	platform channel.Platform
	adapter  channel.Adapter
	creds    channel.Credentials
	gateway  channel.Gateway
	logger   *slog.Logger
}

func (p *Pipeline) resolve(ctx context.Context, platform channel.Platform, botID string) (*target, error) {
	adapter, ok := p.registry.Get(platform)
	if !ok {
		return nil, fmt.Errorf("platform %q: %w", platform, ErrUnknownBot)
	}
	bot, err := p.bots.Get(ctx, botID)
	if errors.Is(err, bots.ErrBotNotFound) {
		return nil, fmt.Errorf("bot %s: %w", botID, ErrUnknownBot)
	}
	if err != nil {
		return nil, fmt.Errorf("load bot: %w", err)
	}
	creds, ok := bot.Credentials(platform)
	if !ok {
		return nil, fmt.Errorf("bot %s has no %s binding: %w", botID, platform, ErrUnknownBot)
	}
	return &target{
		bot:      bot,
		platform: platform,
		adapter:  adapter,
		creds:    creds,
		logger:   p.logger.With(slog.String("bot_id", botID), slog.String("platform", string(platform))),
	}, nil
}

// VerifyChallenge answers a platform subscription handshake.
func (p *Pipeline) VerifyChallenge(ctx context.Context, platform channel.Platform, botID string, query url.Values) (string, error) {
	t, err := p.resolve(ctx, platform, botID)
	if err != nil {
		return "", err
	}
	responder, ok := t.adapter.(channel.ChallengeResponder)
	if !ok {
		return "", fmt.Errorf("%s has no verification handshake: %w", platform, ErrValidation)
	}
	challenge, ok := responder.VerifyChallenge(query, t.creds)
	if !ok {
		t.logger.Warn("webhook verification rejected")
		return "", ErrAuthentication
	}
	return challenge, nil
}

// Handle processes one webhook delivery. Gateway failures are logged and do
// not fail the request; persistence failures do.
func (p *Pipeline) Handle(ctx context.Context, platform channel.Platform, botID string, header http.Header, body []byte) (Result, error) {
	t, err := p.resolve(ctx, platform, botID)
	if err != nil {
		return Result{}, err
	}
	if err := t.adapter.Authenticate(header, body, t.creds); err != nil {
		t.logger.Warn("webhook authentication failed", slog.Any("error", err))
		return Result{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	updates, err := t.adapter.ParseUpdates(body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	live, err := p.live(ctx, t.bot)
	if err != nil {
		return Result{}, err
	}
	if !live {
		t.logger.Info("bot inert, dropping update", slog.Int("updates", len(updates)))
		return Result{Inert: true}, nil
	}

	t.gateway = t.adapter.NewGateway(t.creds)
	var res Result
	invalid := 0
	for _, u := range updates {
		err := p.handleUpdate(ctx, t, u)
		switch {
		case err == nil:
			if u.Kind == channel.UpdateIgnored {
				res.Skipped++
			} else {
				res.Handled++
			}
		case errors.Is(err, ErrValidation):
			invalid++
			res.Skipped++
			t.logger.Info("update skipped", slog.String("user_id", u.UserID), slog.Any("error", err))
		default:
			return res, err
		}
	}
	if invalid > 0 && res.Handled == 0 {
		return res, ErrValidation
	}
	return res, nil
}

// live reports whether the bot should answer at all. Owner activity is
// part of the access check.
func (p *Pipeline) live(ctx context.Context, bot bots.Bot) (bool, error) {
	if !bot.IsActive {
		return false, nil
	}
	owner, err := p.access.Get(ctx, bot.OwnerID)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load bot owner: %w", err)
	}
	ok, err := p.access.CheckAccount(ctx, &owner)
	if err != nil {
		return false, fmt.Errorf("check owner access: %w", err)
	}
	return ok, nil
}

func (p *Pipeline) handleUpdate(ctx context.Context, t *target, u channel.Update) error {
	switch u.Kind {
	case channel.UpdateCallback:
		return p.handleCallback(ctx, t, u)
	case channel.UpdateMessage:
		if u.UserID == "" {
			return fmt.Errorf("missing sender: %w", ErrValidation)
		}
		if u.IsCommand() && p.isKnownCommand(u.Command) {
			return p.handleCommand(ctx, t, u)
		}
		if strings.TrimSpace(u.Text) == "" {
			return fmt.Errorf("empty message text: %w", ErrValidation)
		}
		return p.handleMessage(ctx, t, u)
	default:
		return nil
	}
}

func (p *Pipeline) isKnownCommand(cmd string) bool {
	switch cmd {
	case commandStart, commandHelp, commandLanguage:
		return true
	}
	return false
}

func (p *Pipeline) conversationFor(ctx context.Context, t *target, u channel.Update, lang chat.Language) (conversation.Conversation, error) {
	conv, created, err := p.conversations.GetOrCreate(ctx, conversation.Identity{
		BotID:          t.bot.ID,
		Platform:       t.platform,
		PlatformUserID: u.UserID,
		DisplayName:    u.DisplayName,
		Language:       string(lang),
	})
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("resolve conversation: %w", err)
	}
	if created {
		t.logger.Info("conversation created", slog.String("conversation_id", conv.ID), slog.String("language", conv.Language))
	}
	return conv, nil
}

func (p *Pipeline) handleCommand(ctx context.Context, t *target, u channel.Update) error {
	conv, err := p.conversationFor(ctx, t, u, chat.DefaultLanguage)
	if err != nil {
		return err
	}
	var (
		reply    string
		keyboard channel.Keyboard
	)
	switch u.Command {
	case commandStart:
		reply = fmt.Sprintf(text(greetings, conv.Language), t.bot.Name)
		keyboard = languageKeyboard()
	case commandHelp:
		reply = text(helpTexts, conv.Language)
	case commandLanguage:
		reply = text(chooseLanguage, conv.Language)
		keyboard = languageKeyboard()
	}
	p.dispatch(ctx, t, u.ChatID, reply, keyboard)
	return nil
}

func (p *Pipeline) handleCallback(ctx context.Context, t *target, u channel.Update) error {
	defer p.answerCallback(ctx, t, u.CallbackID)
	if u.UserID == "" {
		return fmt.Errorf("missing sender: %w", ErrValidation)
	}

	raw, ok := strings.CutPrefix(u.CallbackData, languageCallbackPrefix)
	lang := chat.Language(raw)
	if !ok || !lang.IsValid() {
		t.logger.Info("unknown callback data", slog.String("data", u.CallbackData))
		return nil
	}
	conv, err := p.conversationFor(ctx, t, u, lang)
	if err != nil {
		return err
	}
	if conv.Language != string(lang) {
		if err := p.conversations.SetLanguage(ctx, conv.ID, string(lang)); err != nil {
			return fmt.Errorf("set conversation language: %w", err)
		}
	}

	reply := languageSet[lang]
	if editor, ok := t.gateway.(channel.MessageEditor); ok && u.MessageID != "" {
		resp := editor.EditMessage(ctx, u.ChatID, u.MessageID, reply, nil)
		if resp.Success {
			return nil
		}
		t.logger.Warn("edit message failed, sending instead", slog.Any("error", resp.Err()))
	}
	p.dispatch(ctx, t, u.ChatID, reply, nil)
	return nil
}

func (p *Pipeline) answerCallback(ctx context.Context, t *target, callbackID string) {
	answerer, ok := t.gateway.(channel.CallbackAnswerer)
	if !ok || callbackID == "" {
		return
	}
	if resp := answerer.AnswerCallback(ctx, callbackID, ""); !resp.Success {
		t.logger.Warn("answer callback failed", slog.Any("error", resp.Err()))
	}
}

func (p *Pipeline) handleMessage(ctx context.Context, t *target, u channel.Update) error {
	userText := strings.TrimSpace(u.Text)
	conv, err := p.conversationFor(ctx, t, u, chat.DetectLanguage(userText))
	if err != nil {
		return err
	}
	log := t.logger.With(slog.String("conversation_id", conv.ID))

	inbound, err := p.conversations.AppendMessage(ctx, conv.ID, conversation.NewMessage{Content: userText, IsFromUser: true})
	if err != nil {
		return fmt.Errorf("persist inbound message: %w", err)
	}

	if limit := t.bot.MaxDailyMessages; limit > 0 {
		sent, err := p.conversations.CountAssistantMessagesSince(ctx, t.bot.ID, clock.StartOfDay(p.clock.Now()))
		if err != nil {
			return fmt.Errorf("count daily messages: %w", err)
		}
		if sent >= int64(limit) {
			log.Info("daily message limit reached", slog.Int("limit", limit))
			p.dispatch(ctx, t, u.ChatID, text(limitReached, conv.Language), nil)
			return nil
		}
	}

	recent, err := p.conversations.RecentHistory(ctx, conv.ID, chat.MaxHistoryTurns+1)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	history := make([]chat.Turn, 0, len(recent))
	for _, m := range recent {
		if m.ID == inbound.ID {
			continue
		}
		history = append(history, chat.Turn{FromUser: m.IsFromUser, Content: m.Content})
	}

	reply := p.responder.Generate(ctx, chat.Request{
		UserMessage:  userText,
		SystemPrompt: t.bot.SystemPrompt,
		Language:     chat.ParseLanguage(conv.Language),
		BotID:        t.bot.ID,
		History:      history,
	})
	if reply.Fallback {
		log.Warn("assistant reply degraded to fallback")
	}

	if _, err := p.conversations.AppendMessage(ctx, conv.ID, conversation.NewMessage{
		Content:    reply.Text,
		IsFromUser: false,
		TokensUsed: reply.TokensUsed,
		Latency:    reply.Latency,
	}); err != nil {
		return fmt.Errorf("persist outbound message: %w", err)
	}

	p.dispatch(ctx, t, u.ChatID, reply.Text, nil)
	p.report(ctx, Exchange{
		BotID:       t.bot.ID,
		BotName:     t.bot.Name,
		Platform:    t.platform,
		UserID:      u.UserID,
		DisplayName: u.DisplayName,
		UserText:    userText,
		ReplyText:   reply.Text,
		Fallback:    reply.Fallback,
	})
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, t *target, chatID, body string, keyboard channel.Keyboard) {
	resp := t.gateway.SendMessage(ctx, chatID, body, keyboard)
	if !resp.Success {
		t.logger.Error("reply delivery failed",
			slog.String("chat_id", chatID),
			slog.String("error_kind", string(resp.ErrorKind)),
			slog.Any("error", resp.Err()),
		)
	}
}

func (p *Pipeline) report(ctx context.Context, ex Exchange) {
	if p.monitor == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), monitorTimeout)
		defer cancel()
		p.monitor.Report(mctx, ex)
	}()
}
