// Package meta is the Graph API client and webhook codec shared by the
// Instagram and WhatsApp adapters.
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/memohai/chatrelay/internal/channel"
)

const (
	// DefaultBaseURL is the versioned Graph API root.
	DefaultBaseURL = "https://graph.facebook.com/v17.0"

	maxResponseBytes = 1 << 20

	// Graph error code for expired or invalid access tokens.
	codeInvalidToken = 190
)

// Client calls the Graph API with one access token.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewClient returns a client for baseURL; empty means DefaultBaseURL.
func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// Post sends payload as JSON to path and decodes the JSON result.
func (c *Client) Post(ctx context.Context, path string, payload any) channel.ServiceResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		return channel.Fail(channel.ErrorRemoteRejected, 0, fmt.Sprintf("encode request: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+strings.TrimLeft(path, "/"), bytes.NewReader(body))
	if err != nil {
		return channel.Fail(channel.ErrorConnectionFailure, 0, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// Get requests path with query and decodes the JSON result.
func (c *Client) Get(ctx context.Context, path string, query url.Values) channel.ServiceResponse {
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return channel.Fail(channel.ErrorConnectionFailure, 0, err.Error())
	}
	return c.do(req)
}

type graphError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *Client) do(req *http.Request) channel.ServiceResponse {
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return transportFailure(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportFailure(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var ge graphError
		if err := json.Unmarshal(raw, &ge); err != nil || ge.Error == nil {
			return channel.Fail(kindForStatus(resp.StatusCode, 0), resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return channel.Fail(kindForStatus(resp.StatusCode, ge.Error.Code), resp.StatusCode, ge.Error.Message)
	}

	data := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return channel.Fail(channel.ErrorMalformedResponse, resp.StatusCode, err.Error())
		}
	}
	return channel.OK(data)
}

func kindForStatus(status, graphCode int) channel.ErrorKind {
	if status == http.StatusUnauthorized || graphCode == codeInvalidToken {
		return channel.ErrorUnauthorized
	}
	return channel.ErrorRemoteRejected
}

func transportFailure(err error) channel.ServiceResponse {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return channel.Fail(channel.ErrorTimeout, 0, err.Error())
	}
	return channel.Fail(channel.ErrorConnectionFailure, 0, err.Error())
}

// Authenticate checks X-Hub-Signature-256. Meta signs deliveries with the
// app secret; when appSecret is empty the key derived from the token is used,
// which only matches relays and tests that sign the same way.
func Authenticate(header http.Header, body []byte, creds channel.Credentials, appSecret string) error {
	key := channel.DeriveSecret(creds.Token)
	if appSecret != "" {
		key = []byte(appSecret)
	}
	if !channel.VerifyHMAC(key, body, header.Get(channel.SignatureHeader)) {
		return channel.ErrSignature
	}
	return nil
}

// VerifyChallenge answers the hub.mode=subscribe handshake. The expected verify
// token is channel.SecretToken of the bot's access token.
func VerifyChallenge(query url.Values, creds channel.Credentials) (string, bool) {
	if query.Get("hub.mode") != "subscribe" {
		return "", false
	}
	if !channel.VerifyToken(channel.SecretToken(creds.Token), query.Get("hub.verify_token")) {
		return "", false
	}
	challenge := query.Get("hub.challenge")
	return challenge, challenge != ""
}
