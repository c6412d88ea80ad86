// Package channel defines the platform-neutral surface of the messaging
// integrations: platforms, gateway results, parsed inbound updates, and the
// registry of platform adapters.
package channel

import (
	"fmt"
	"strings"
)

// Platform identifies where a conversation lives.
type Platform string

const (
	PlatformWeb       Platform = "web"
	PlatformTelegram  Platform = "telegram"
	PlatformInstagram Platform = "instagram"
	PlatformWhatsApp  Platform = "whatsapp"
)

// String returns the platform as a plain string.
func (p Platform) String() string {
	return string(p)
}

func (p Platform) IsValid() bool {
	switch p {
	case PlatformWeb, PlatformTelegram, PlatformInstagram, PlatformWhatsApp:
		return true
	}
	return false
}

// Messaging reports whether the platform is reached through a webhook gateway.
func (p Platform) Messaging() bool {
	switch p {
	case PlatformTelegram, PlatformInstagram, PlatformWhatsApp:
		return true
	case PlatformWeb:
		return false
	}
	return false
}

// ParsePlatform normalizes and validates a raw platform name.
func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if !p.IsValid() {
		return "", fmt.Errorf("unsupported platform: %s", raw)
	}
	return p, nil
}

// ErrorKind classifies a failed gateway call.
type ErrorKind string

const (
	ErrorNone              ErrorKind = ""
	ErrorUnauthorized      ErrorKind = "unauthorized"
	ErrorTimeout           ErrorKind = "timeout"
	ErrorConnectionFailure ErrorKind = "connection_failure"
	ErrorMalformedResponse ErrorKind = "malformed_response"
	ErrorRemoteRejected    ErrorKind = "remote_rejected"
)

// ServiceResponse is the uniform result of every gateway call. Gateways never
// return Go errors; failures are described by ErrorKind and ErrorDetail.
type ServiceResponse struct {
	Success     bool           `json:"success"`
	Data        map[string]any `json:"data,omitempty"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	ErrorCode   int            `json:"error_code,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	// RetryAfterSeconds is set when the platform asked the caller to back off.
	RetryAfterSeconds int `json:"retry_after,omitempty"`
}

// OK builds a successful response.
func OK(data map[string]any) ServiceResponse {
	return ServiceResponse{Success: true, Data: data}
}

// Fail builds a failed response.
func Fail(kind ErrorKind, code int, detail string) ServiceResponse {
	return ServiceResponse{ErrorKind: kind, ErrorCode: code, ErrorDetail: detail}
}

// Err converts a failed response into an error for logging; nil on success.
func (r ServiceResponse) Err() error {
	if r.Success {
		return nil
	}
	return &GatewayError{Kind: r.ErrorKind, Code: r.ErrorCode, Detail: r.ErrorDetail}
}

// String returns a value from Data as a string, or "".
func (r ServiceResponse) String(key string) string {
	if r.Data == nil {
		return ""
	}
	switch v := r.Data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// GatewayError is the error form of a failed ServiceResponse.
type GatewayError struct {
	Kind   ErrorKind
	Code   int
	Detail string
}

func (e *GatewayError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("gateway %s (%d): %s", e.Kind, e.Code, e.Detail)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Detail)
}

// Button is one inline control. Data is echoed back in a callback update.
type Button struct {
	Text string
	Data string
}

// Keyboard is an optional inline control grid attached to a message.
type Keyboard [][]Button

// Credentials are the per-bot platform settings a gateway is built from.
type Credentials struct {
	Token string
	// ExternalID is the page id (Instagram) or phone number id (WhatsApp).
	ExternalID string
}

// UpdateKind says which branch of the relay an inbound update takes.
type UpdateKind int

const (
	// UpdateIgnored is a platform event with nothing to answer (receipts, edits).
	UpdateIgnored UpdateKind = iota
	UpdateMessage
	UpdateCallback
)

// Update is a parsed inbound platform event.
type Update struct {
	Kind UpdateKind
	// UserID is the platform-scoped identity the conversation is keyed by.
	UserID      string
	DisplayName string
	// ChatID is where replies are delivered; equal to UserID on Meta platforms.
	ChatID string
	Text   string
	// Command is the leading slash command without the slash, lower-cased.
	Command      string
	CallbackID   string
	CallbackData string
	MessageID    string
}

// IsCommand reports whether the update carries a slash command.
func (u Update) IsCommand() bool {
	return u.Kind == UpdateMessage && u.Command != ""
}

// ParseCommand extracts a leading slash command from free text, lower-cased
// and without the slash or a trailing @botname. It returns "" for plain text.
func ParseCommand(text string) string {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '/' {
		return ""
	}
	word := strings.Fields(text[1:])
	if len(word) == 0 {
		return ""
	}
	cmd, _, _ := strings.Cut(word[0], "@")
	return strings.ToLower(cmd)
}
