// Package telegram binds the Telegram Bot API to the channel gateway surface.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/chatrelay/internal/channel"
)

const defaultTimeout = 30 * time.Second

// The client library logger is process-wide.
var loggerOnce sync.Once

// Adapter builds Telegram gateways and decodes Telegram webhook updates.
type Adapter struct {
	logger   *slog.Logger
	client   *http.Client
	endpoint string
}

// NewAdapter creates an Adapter whose gateway calls are bounded by timeout.
func NewAdapter(log *slog.Logger, timeout time.Duration) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	adapter := &Adapter{
		logger:   log.With(slog.String("adapter", "telegram")),
		client:   &http.Client{Timeout: timeout},
		endpoint: tgbotapi.APIEndpoint,
	}
	loggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	})
	return adapter
}

// SetAPIEndpoint overrides the Bot API URL format (token, method).
func (a *Adapter) SetAPIEndpoint(endpoint string) {
	a.endpoint = endpoint
}

func (a *Adapter) Platform() channel.Platform {
	return channel.PlatformTelegram
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    channel.PlatformTelegram,
		DisplayName: "Telegram",
		Capabilities: channel.Capabilities{
			Keyboards: true,
			Edit:      true,
			Callbacks: true,
			Webhook:   true,
		},
	}
}

// NewGateway returns a gateway for the bot token in creds.
func (a *Adapter) NewGateway(creds channel.Credentials) channel.Gateway {
	return &Gateway{
		token:    creds.Token,
		client:   a.client,
		endpoint: a.endpoint,
		logger:   a.logger,
	}
}

// Authenticate compares the secret_token header registered at deploy time.
// Telegram does not sign request bodies.
func (a *Adapter) Authenticate(header http.Header, _ []byte, creds channel.Credentials) error {
	if !channel.VerifyToken(channel.SecretToken(creds.Token), header.Get(channel.TelegramSecretHeader)) {
		return channel.ErrSignature
	}
	return nil
}

// ParseUpdates decodes a webhook body. Telegram delivers one update per
// request; updates without a message or a callback query are ignored.
func (a *Adapter) ParseUpdates(body []byte) ([]channel.Update, error) {
	var upd tgbotapi.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrMalformedUpdate, err)
	}
	switch {
	case upd.CallbackQuery != nil:
		return []channel.Update{parseCallback(upd.CallbackQuery)}, nil
	case upd.Message != nil && upd.Message.Chat != nil:
		return []channel.Update{parseMessage(upd.Message)}, nil
	}
	return []channel.Update{{Kind: channel.UpdateIgnored}}, nil
}

func parseMessage(msg *tgbotapi.Message) channel.Update {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	u := channel.Update{
		Kind:        channel.UpdateMessage,
		UserID:      chatID,
		ChatID:      chatID,
		DisplayName: displayName(msg.From),
		Text:        strings.TrimSpace(msg.Text),
		MessageID:   strconv.Itoa(msg.MessageID),
	}
	if msg.IsCommand() {
		u.Command = strings.ToLower(msg.Command())
	}
	return u
}

func parseCallback(cq *tgbotapi.CallbackQuery) channel.Update {
	u := channel.Update{
		Kind:         channel.UpdateCallback,
		CallbackID:   cq.ID,
		CallbackData: cq.Data,
		DisplayName:  displayName(cq.From),
	}
	if cq.Message != nil {
		u.MessageID = strconv.Itoa(cq.Message.MessageID)
		if cq.Message.Chat != nil {
			u.ChatID = strconv.FormatInt(cq.Message.Chat.ID, 10)
		}
	}
	if u.ChatID == "" && cq.From != nil {
		u.ChatID = strconv.FormatInt(cq.From.ID, 10)
	}
	u.UserID = u.ChatID
	return u
}

func displayName(user *tgbotapi.User) string {
	if user == nil {
		return ""
	}
	name := strings.TrimSpace(strings.TrimSpace(user.FirstName) + " " + strings.TrimSpace(user.LastName))
	if name != "" {
		return name
	}
	return user.UserName
}

// Gateway is a Telegram Bot API client for one bot token.
type Gateway struct {
	token    string
	client   *http.Client
	endpoint string
	logger   *slog.Logger
}

func (g *Gateway) Platform() channel.Platform {
	return channel.PlatformTelegram
}

// api builds a BotAPI without the getMe round trip of tgbotapi.NewBotAPI.
func (g *Gateway) api(ctx context.Context) *tgbotapi.BotAPI {
	bot := &tgbotapi.BotAPI{
		Token:  g.token,
		Client: contextClient{ctx: ctx, client: g.client},
		Buffer: 100,
	}
	bot.SetAPIEndpoint(g.endpoint)
	return bot
}

func (g *Gateway) SendMessage(ctx context.Context, recipient, text string, keyboard channel.Keyboard) channel.ServiceResponse {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return channel.Fail(channel.ErrorRemoteRejected, 0, "telegram chat id must be numeric")
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if markup := inlineKeyboard(keyboard); markup != nil {
		msg.ReplyMarkup = *markup
	}
	sent, err := g.api(ctx).Send(msg)
	if err != nil {
		return classify(err)
	}
	return channel.OK(map[string]any{
		"message_id": sent.MessageID,
		"chat_id":    recipient,
	})
}

func (g *Gateway) EditMessage(ctx context.Context, chatID, messageID, text string, keyboard channel.Keyboard) channel.ServiceResponse {
	cid, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return channel.Fail(channel.ErrorRemoteRejected, 0, "telegram chat id must be numeric")
	}
	mid, err := strconv.Atoi(strings.TrimSpace(messageID))
	if err != nil {
		return channel.Fail(channel.ErrorRemoteRejected, 0, "telegram message id must be numeric")
	}
	edit := tgbotapi.NewEditMessageText(cid, mid, text)
	edit.ReplyMarkup = inlineKeyboard(keyboard)
	if _, err := g.api(ctx).Send(edit); err != nil {
		return classify(err)
	}
	return channel.OK(map[string]any{"message_id": mid})
}

func (g *Gateway) AnswerCallback(ctx context.Context, callbackID, text string) channel.ServiceResponse {
	if _, err := g.api(ctx).Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return classify(err)
	}
	return channel.OK(nil)
}

// SetWebhook registers url with secret_token. The typed WebhookConfig of the
// client library predates secret_token, so the raw method is used.
func (g *Gateway) SetWebhook(ctx context.Context, webhookURL, secretToken string) channel.ServiceResponse {
	params := tgbotapi.Params{"url": webhookURL}
	params.AddNonEmpty("secret_token", secretToken)
	if _, err := g.api(ctx).MakeRequest("setWebhook", params); err != nil {
		return classify(err)
	}
	return channel.OK(map[string]any{"url": webhookURL})
}

func (g *Gateway) DeleteWebhook(ctx context.Context) channel.ServiceResponse {
	if _, err := g.api(ctx).Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return classify(err)
	}
	return channel.OK(nil)
}

func (g *Gateway) GetSelfInfo(ctx context.Context) channel.ServiceResponse {
	me, err := g.api(ctx).GetMe()
	if err != nil {
		return classify(err)
	}
	return channel.OK(map[string]any{
		"id":       strconv.FormatInt(me.ID, 10),
		"username": me.UserName,
		"name":     me.FirstName,
	})
}

func inlineKeyboard(keyboard channel.Keyboard) *tgbotapi.InlineKeyboardMarkup {
	if len(keyboard) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(keyboard))
	for _, row := range keyboard {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

// classify maps a client library error onto the gateway error taxonomy.
func classify(err error) channel.ServiceResponse {
	if apiErr, ok := asAPIError(err); ok {
		kind := channel.ErrorRemoteRejected
		if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound {
			kind = channel.ErrorUnauthorized
		}
		resp := channel.Fail(kind, apiErr.Code, apiErr.Message)
		resp.RetryAfterSeconds = apiErr.RetryAfter
		return resp
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return channel.Fail(channel.ErrorTimeout, 0, err.Error())
	}
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return channel.Fail(channel.ErrorMalformedResponse, 0, err.Error())
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return channel.Fail(channel.ErrorConnectionFailure, 0, urlErr.Err.Error())
	}
	return channel.Fail(channel.ErrorConnectionFailure, 0, err.Error())
}

func asAPIError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}

// contextClient binds the request context the client library does not pass.
type contextClient struct {
	ctx    context.Context
	client *http.Client
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
