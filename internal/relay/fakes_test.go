package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/memohai/chatrelay/internal/accounts"
	"github.com/memohai/chatrelay/internal/bots"
	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/chat"
	"github.com/memohai/chatrelay/internal/conversation"
)

// fakeAdapter decodes a JSON array of channel.Update and checks the
// X-Hub-Signature-256 HMAC like the Meta adapters do.
type fakeAdapter struct {
	gateway *fakeGateway
}

func (a *fakeAdapter) Platform() channel.Platform { return channel.PlatformTelegram }

func (a *fakeAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Platform: channel.PlatformTelegram}
}

func (a *fakeAdapter) NewGateway(channel.Credentials) channel.Gateway { return a.gateway }

func (a *fakeAdapter) Authenticate(header http.Header, body []byte, creds channel.Credentials) error {
	if !channel.VerifyHMAC(channel.DeriveSecret(creds.Token), body, header.Get(channel.SignatureHeader)) {
		return channel.ErrSignature
	}
	return nil
}

func (a *fakeAdapter) ParseUpdates(body []byte) ([]channel.Update, error) {
	var updates []channel.Update
	if err := json.Unmarshal(body, &updates); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrMalformedUpdate, err)
	}
	return updates, nil
}

func (a *fakeAdapter) VerifyChallenge(query url.Values, creds channel.Credentials) (string, bool) {
	if query.Get("hub.mode") != "subscribe" || !channel.VerifyToken(channel.SecretToken(creds.Token), query.Get("hub.verify_token")) {
		return "", false
	}
	return query.Get("hub.challenge"), true
}

type sent struct {
	Chat     string
	Text     string
	Keyboard channel.Keyboard
}

type fakeGateway struct {
	mu       sync.Mutex
	sends    []sent
	edits    []sent
	answered []string
	failSend bool
	failEdit bool
}

func (g *fakeGateway) Platform() channel.Platform { return channel.PlatformTelegram }

func (g *fakeGateway) SendMessage(_ context.Context, chatID, text string, kb channel.Keyboard) channel.ServiceResponse {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSend {
		return channel.Fail(channel.ErrorTimeout, 0, "deadline exceeded")
	}
	g.sends = append(g.sends, sent{Chat: chatID, Text: text, Keyboard: kb})
	return channel.OK(map[string]any{"message_id": len(g.sends)})
}

func (g *fakeGateway) EditMessage(_ context.Context, chatID, messageID, text string, kb channel.Keyboard) channel.ServiceResponse {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failEdit {
		return channel.Fail(channel.ErrorRemoteRejected, 400, "message is not modified")
	}
	g.edits = append(g.edits, sent{Chat: chatID + "/" + messageID, Text: text, Keyboard: kb})
	return channel.OK(nil)
}

func (g *fakeGateway) AnswerCallback(_ context.Context, callbackID, _ string) channel.ServiceResponse {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answered = append(g.answered, callbackID)
	return channel.OK(nil)
}

func (g *fakeGateway) GetSelfInfo(context.Context) channel.ServiceResponse { return channel.OK(nil) }

type fakeBots map[string]bots.Bot

func (f fakeBots) Get(_ context.Context, id string) (bots.Bot, error) {
	b, ok := f[id]
	if !ok {
		return bots.Bot{}, fmt.Errorf("bot %s: %w", id, bots.ErrBotNotFound)
	}
	return b, nil
}

type fakeAccess struct {
	now      time.Time
	accounts map[string]accounts.Account
}

func (f *fakeAccess) Get(_ context.Context, id string) (accounts.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return accounts.Account{}, accounts.ErrAccountNotFound
	}
	return a, nil
}

func (f *fakeAccess) CheckAccount(_ context.Context, a *accounts.Account) (bool, error) {
	return a.HasAccess(f.now), nil
}

type memConversations struct {
	mu            sync.Mutex
	conversations map[string]conversation.Conversation
	messages      []conversation.Message
	assistantSent int64
	appendErr     error
	nextID        int64
}

func newMemConversations() *memConversations {
	return &memConversations{conversations: map[string]conversation.Conversation{}}
}

func (m *memConversations) GetOrCreate(_ context.Context, id conversation.Identity) (conversation.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := id.BotID + "|" + string(id.Platform) + "|" + id.PlatformUserID
	if c, ok := m.conversations[key]; ok {
		return c, false, nil
	}
	c := conversation.Conversation{
		ID: key, BotID: id.BotID, Platform: id.Platform, PlatformUserID: id.PlatformUserID,
		PlatformUsername: id.DisplayName, Language: id.Language, IsActive: true,
	}
	m.conversations[key] = c
	return c, true, nil
}

func (m *memConversations) AppendMessage(_ context.Context, conversationID string, in conversation.NewMessage) (conversation.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil && !in.IsFromUser {
		return conversation.Message{}, m.appendErr
	}
	m.nextID++
	msg := conversation.Message{
		ID: m.nextID, ConversationID: conversationID, Content: in.Content,
		IsFromUser: in.IsFromUser, TokensUsed: in.TokensUsed, LatencyMS: in.Latency.Milliseconds(),
	}
	m.messages = append(m.messages, msg)
	if !in.IsFromUser {
		m.assistantSent++
	}
	return msg, nil
}

func (m *memConversations) RecentHistory(_ context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []conversation.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memConversations) SetLanguage(_ context.Context, conversationID, language string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return conversation.ErrNotFound
	}
	c.Language = language
	m.conversations[conversationID] = c
	return nil
}

func (m *memConversations) CountAssistantMessagesSince(context.Context, string, time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assistantSent, nil
}

func (m *memConversations) counts() (convs, msgs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations), len(m.messages)
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []chat.Request
	reply chat.Reply
}

func (f *fakeResponder) Generate(_ context.Context, req chat.Request) chat.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.reply
}

type recordingMonitor struct {
	mu        sync.Mutex
	exchanges []Exchange
}

func (m *recordingMonitor) Report(_ context.Context, ex Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, ex)
}

type failingCompleter struct{}

func (failingCompleter) Complete(context.Context, []chat.Message) (chat.Completion, error) {
	return chat.Completion{}, errors.New("context deadline exceeded")
}
