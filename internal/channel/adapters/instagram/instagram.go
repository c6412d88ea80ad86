// Package instagram binds Instagram Messaging (Graph API) to the channel gateway surface.
package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/channel/adapters/meta"
)

// Adapter builds Instagram gateways and decodes Instagram webhook events.
type Adapter struct {
	logger    *slog.Logger
	client    *http.Client
	baseURL   string
	appSecret string
}

func NewAdapter(log *slog.Logger, timeout time.Duration) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		logger:  log.With(slog.String("adapter", "instagram")),
		client:  &http.Client{Timeout: timeout},
		baseURL: meta.DefaultBaseURL,
	}
}

// SetBaseURL overrides the Graph API root.
func (a *Adapter) SetBaseURL(baseURL string) {
	a.baseURL = baseURL
}

// SetAppSecret makes Authenticate verify signatures with the Meta app secret.
func (a *Adapter) SetAppSecret(secret string) {
	a.appSecret = strings.TrimSpace(secret)
}

func (a *Adapter) Platform() channel.Platform {
	return channel.PlatformInstagram
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:           channel.PlatformInstagram,
		DisplayName:        "Instagram",
		RequiresExternalID: true,
		Capabilities:       channel.Capabilities{Keyboards: true},
	}
}

func (a *Adapter) NewGateway(creds channel.Credentials) channel.Gateway {
	return &Gateway{
		graph:  meta.NewClient(a.client, a.baseURL, creds.Token),
		pageID: strings.TrimSpace(creds.ExternalID),
	}
}

func (a *Adapter) Authenticate(header http.Header, body []byte, creds channel.Credentials) error {
	return meta.Authenticate(header, body, creds, a.appSecret)
}

func (a *Adapter) VerifyChallenge(query url.Values, creds channel.Credentials) (string, bool) {
	return meta.VerifyChallenge(query, creds)
}

type envelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string  `json:"id"`
		Messaging []event `json:"messaging"`
	} `json:"entry"`
}

type event struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message *struct {
		Mid        string `json:"mid"`
		Text       string `json:"text"`
		IsEcho     bool   `json:"is_echo"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
	} `json:"message"`
	Postback *struct {
		Mid     string `json:"mid"`
		Payload string `json:"payload"`
	} `json:"postback"`
}

// ParseUpdates flattens every messaging event of every entry. Echoes of the
// page's own messages are ignored.
func (a *Adapter) ParseUpdates(body []byte) ([]channel.Update, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrMalformedUpdate, err)
	}
	var updates []channel.Update
	for _, entry := range env.Entry {
		for _, ev := range entry.Messaging {
			updates = append(updates, parseEvent(ev))
		}
	}
	if len(updates) == 0 {
		updates = append(updates, channel.Update{Kind: channel.UpdateIgnored})
	}
	return updates, nil
}

func parseEvent(ev event) channel.Update {
	sender := ev.Sender.ID
	switch {
	case ev.Postback != nil:
		return channel.Update{
			Kind:         channel.UpdateCallback,
			UserID:       sender,
			ChatID:       sender,
			CallbackData: ev.Postback.Payload,
			MessageID:    ev.Postback.Mid,
		}
	case ev.Message != nil && ev.Message.IsEcho:
		return channel.Update{Kind: channel.UpdateIgnored}
	case ev.Message != nil && ev.Message.QuickReply != nil:
		return channel.Update{
			Kind:         channel.UpdateCallback,
			UserID:       sender,
			ChatID:       sender,
			CallbackData: ev.Message.QuickReply.Payload,
			MessageID:    ev.Message.Mid,
		}
	case ev.Message != nil:
		text := strings.TrimSpace(ev.Message.Text)
		return channel.Update{
			Kind:      channel.UpdateMessage,
			UserID:    sender,
			ChatID:    sender,
			Text:      text,
			Command:   channel.ParseCommand(text),
			MessageID: ev.Message.Mid,
		}
	}
	return channel.Update{Kind: channel.UpdateIgnored}
}

// Gateway sends through one Instagram professional account.
type Gateway struct {
	graph  *meta.Client
	pageID string
}

func (g *Gateway) Platform() channel.Platform {
	return channel.PlatformInstagram
}

func (g *Gateway) node() string {
	if g.pageID == "" {
		return "me"
	}
	return g.pageID
}

type quickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

// SendMessage delivers text to recipient. A keyboard becomes quick replies.
func (g *Gateway) SendMessage(ctx context.Context, recipient, text string, keyboard channel.Keyboard) channel.ServiceResponse {
	message := map[string]any{"text": text}
	var replies []quickReply
	for _, row := range keyboard {
		for _, b := range row {
			replies = append(replies, quickReply{ContentType: "text", Title: b.Text, Payload: b.Data})
		}
	}
	if len(replies) > 0 {
		message["quick_replies"] = replies
	}
	return g.graph.Post(ctx, g.node()+"/messages", map[string]any{
		"recipient":      map[string]string{"id": recipient},
		"messaging_type": "RESPONSE",
		"message":        message,
	})
}

func (g *Gateway) GetSelfInfo(ctx context.Context) channel.ServiceResponse {
	return g.graph.Get(ctx, g.node(), url.Values{"fields": {"id,name,username"}})
}
