// Package whatsapp binds the WhatsApp Cloud API to the channel gateway surface.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/channel/adapters/meta"
)

const (
	// Cloud API limits for reply buttons.
	maxButtons     = 3
	maxButtonTitle = 20
)

// Adapter builds WhatsApp gateways and decodes WhatsApp webhook events.
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
		logger:  log.With(slog.String("adapter", "whatsapp")),
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
	return channel.PlatformWhatsApp
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:           channel.PlatformWhatsApp,
		DisplayName:        "WhatsApp",
		RequiresExternalID: true,
		Capabilities:       channel.Capabilities{Keyboards: true},
	}
}

func (a *Adapter) NewGateway(creds channel.Credentials) channel.Gateway {
	return &Gateway{
		graph:         meta.NewClient(a.client, a.baseURL, creds.Token),
		phoneNumberID: strings.TrimSpace(creds.ExternalID),
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
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value value  `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type value struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []inboundMessage `json:"messages"`
}

type inboundMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *reply `json:"button_reply"`
		ListReply   *reply `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Payload string `json:"payload"`
	} `json:"button"`
}

type reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ParseUpdates flattens the messages of every change. Status callbacks carry
// no messages and come back as a single ignored update.
func (a *Adapter) ParseUpdates(body []byte) ([]channel.Update, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrMalformedUpdate, err)
	}
	var updates []channel.Update
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				updates = append(updates, parseMessage(msg, names[msg.From]))
			}
		}
	}
	if len(updates) == 0 {
		updates = append(updates, channel.Update{Kind: channel.UpdateIgnored})
	}
	return updates, nil
}

func parseMessage(msg inboundMessage, name string) channel.Update {
	u := channel.Update{
		UserID:      msg.From,
		ChatID:      msg.From,
		DisplayName: name,
		MessageID:   msg.ID,
	}
	switch {
	case msg.Interactive != nil && msg.Interactive.ButtonReply != nil:
		u.Kind = channel.UpdateCallback
		u.CallbackData = msg.Interactive.ButtonReply.ID
	case msg.Interactive != nil && msg.Interactive.ListReply != nil:
		u.Kind = channel.UpdateCallback
		u.CallbackData = msg.Interactive.ListReply.ID
	case msg.Button != nil:
		u.Kind = channel.UpdateCallback
		u.CallbackData = msg.Button.Payload
	default:
		u.Kind = channel.UpdateMessage
		if msg.Text != nil {
			u.Text = strings.TrimSpace(msg.Text.Body)
			u.Command = channel.ParseCommand(u.Text)
		}
	}
	return u
}

// Gateway sends through one WhatsApp business phone number.
type Gateway struct {
	graph         *meta.Client
	phoneNumberID string
}

func (g *Gateway) Platform() channel.Platform {
	return channel.PlatformWhatsApp
}

// SendMessage delivers text to recipient. A keyboard becomes reply buttons;
// the Cloud API accepts at most three.
func (g *Gateway) SendMessage(ctx context.Context, recipient, text string, keyboard channel.Keyboard) channel.ServiceResponse {
	if g.phoneNumberID == "" {
		return channel.Fail(channel.ErrorRemoteRejected, 0, "whatsapp phone number id is required")
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                recipient,
	}
	if buttons := replyButtons(keyboard); len(buttons) > 0 {
		payload["type"] = "interactive"
		payload["interactive"] = map[string]any{
			"type":   "button",
			"body":   map[string]string{"text": text},
			"action": map[string]any{"buttons": buttons},
		}
	} else {
		payload["type"] = "text"
		payload["text"] = map[string]string{"body": text}
	}
	resp := g.graph.Post(ctx, g.phoneNumberID+"/messages", payload)
	if resp.Success {
		if id := firstMessageID(resp.Data); id != "" {
			resp.Data["message_id"] = id
		}
	}
	return resp
}

func (g *Gateway) GetSelfInfo(ctx context.Context) channel.ServiceResponse {
	if g.phoneNumberID == "" {
		return channel.Fail(channel.ErrorRemoteRejected, 0, "whatsapp phone number id is required")
	}
	return g.graph.Get(ctx, g.phoneNumberID, url.Values{"fields": {"id,display_phone_number,verified_name"}})
}

func replyButtons(keyboard channel.Keyboard) []map[string]any {
	var buttons []map[string]any
	for _, row := range keyboard {
		for _, b := range row {
			if len(buttons) == maxButtons {
				return buttons
			}
			buttons = append(buttons, map[string]any{
				"type":  "reply",
				"reply": reply{ID: b.Data, Title: truncate(b.Text, maxButtonTitle)},
			})
		}
	}
	return buttons
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func firstMessageID(data map[string]any) string {
	msgs, ok := data["messages"].([]any)
	if !ok || len(msgs) == 0 {
		return ""
	}
	first, ok := msgs[0].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := first["id"].(string)
	return id
}
