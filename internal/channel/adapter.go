package channel

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

var (
	// ErrSignature is returned when a webhook request fails authentication.
	ErrSignature = errors.New("invalid webhook signature")
	// ErrMalformedUpdate is returned when a webhook body cannot be decoded.
	ErrMalformedUpdate = errors.New("malformed platform update")
)

// Gateway is a client bound to one bot's credentials on one platform.
// Every call is bounded by the gateway timeout and reports through ServiceResponse.
type Gateway interface {
	Platform() Platform
	SendMessage(ctx context.Context, recipient, text string, keyboard Keyboard) ServiceResponse
	GetSelfInfo(ctx context.Context) ServiceResponse
}

// MessageEditor edits an already-sent message in place.
type MessageEditor interface {
	EditMessage(ctx context.Context, chatID, messageID, text string, keyboard Keyboard) ServiceResponse
}

// CallbackAnswerer acknowledges an inline control press.
type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string) ServiceResponse
}

// WebhookSetter registers or clears the platform's delivery URL.
type WebhookSetter interface {
	SetWebhook(ctx context.Context, url, secretToken string) ServiceResponse
	DeleteWebhook(ctx context.Context) ServiceResponse
}

// Adapter is the per-platform factory for gateways plus the inbound codec.
type Adapter interface {
	Platform() Platform
	Descriptor() Descriptor
	NewGateway(creds Credentials) Gateway
	// Authenticate checks the request signature against the bot's credentials.
	Authenticate(header http.Header, body []byte, creds Credentials) error
	// ParseUpdates decodes a webhook body into the events it carries, in order.
	ParseUpdates(body []byte) ([]Update, error)
}

// ChallengeResponder answers a platform's webhook verification handshake.
type ChallengeResponder interface {
	VerifyChallenge(query url.Values, creds Credentials) (string, bool)
}

// Descriptor holds read-only metadata for a registered platform.
type Descriptor struct {
	Platform    Platform `json:"platform"`
	DisplayName string   `json:"display_name"`
	// RequiresExternalID is set when deployment needs a page or phone number id.
	RequiresExternalID bool         `json:"requires_external_id"`
	Capabilities       Capabilities `json:"capabilities"`
}

// Capabilities lists the optional gateway operations a platform supports.
type Capabilities struct {
	Keyboards bool `json:"keyboards"`
	Edit      bool `json:"edit"`
	Callbacks bool `json:"callbacks"`
	Webhook   bool `json:"webhook"`
}
