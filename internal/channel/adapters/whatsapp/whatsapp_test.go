package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatrelay/internal/channel"
)

func TestParseUpdates(t *testing.T) {
	t.Parallel()

	a := NewAdapter(nil, time.Second)
	body := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"waba","changes":[{"field":"messages","value":{
		"messaging_product":"whatsapp",
		"metadata":{"phone_number_id":"pn-1"},
		"contacts":[{"wa_id":"998901234567","profile":{"name":"Aziz"}}],
		"messages":[
			{"from":"998901234567","id":"wamid.1","type":"text","text":{"body":"Salom"}},
			{"from":"998901234567","id":"wamid.2","type":"interactive","interactive":{"type":"button_reply","button_reply":{"id":"lang_ru","title":"Русский"}}},
			{"from":"998901234567","id":"wamid.3","type":"image"}
		]}}]}]}`)

	updates, err := a.ParseUpdates(body)
	require.NoError(t, err)
	require.Len(t, updates, 3)

	assert.Equal(t, channel.UpdateMessage, updates[0].Kind)
	assert.Equal(t, "998901234567", updates[0].UserID)
	assert.Equal(t, "Aziz", updates[0].DisplayName)
	assert.Equal(t, "Salom", updates[0].Text)

	assert.Equal(t, channel.UpdateCallback, updates[1].Kind)
	assert.Equal(t, "lang_ru", updates[1].CallbackData)

	assert.Equal(t, channel.UpdateMessage, updates[2].Kind)
	assert.Empty(t, updates[2].Text)
}

func TestParseUpdatesStatusOnly(t *testing.T) {
	t.Parallel()

	a := NewAdapter(nil, time.Second)
	updates, err := a.ParseUpdates([]byte(`{"object":"whatsapp_business_account","entry":[{"id":"waba","changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.1","status":"delivered"}]}}]}]}`))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, channel.UpdateIgnored, updates[0].Kind)
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"wa_id":"998901234567"}],"messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	a := NewAdapter(nil, time.Second)
	a.SetBaseURL(srv.URL)
	gw := a.NewGateway(channel.Credentials{Token: "tok", ExternalID: "pn-1"})

	resp := gw.SendMessage(context.Background(), "998901234567", "Javob", nil)
	require.True(t, resp.Success, "%+v", resp)
	assert.Equal(t, "/pn-1/messages", path)
	assert.Equal(t, "whatsapp", got["messaging_product"])
	assert.Equal(t, "text", got["type"])
	assert.Equal(t, "Javob", got["text"].(map[string]any)["body"])
	assert.Equal(t, "wamid.out", resp.String("message_id"))
}

func TestSendMessageInteractiveButtons(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.kb"}]}`))
	}))
	defer srv.Close()

	a := NewAdapter(nil, time.Second)
	a.SetBaseURL(srv.URL)
	gw := a.NewGateway(channel.Credentials{Token: "tok", ExternalID: "pn-1"})
	resp := gw.SendMessage(context.Background(), "998901234567", "Tilni tanlang", channel.Keyboard{
		{{Text: "O'zbek", Data: "lang_uz"}, {Text: "Русский", Data: "lang_ru"}},
		{{Text: "English", Data: "lang_en"}, {Text: "Deutsch (a very long button title)", Data: "lang_de"}},
	})
	require.True(t, resp.Success)
	assert.Equal(t, "interactive", got["type"])

	interactive := got["interactive"].(map[string]any)
	buttons := interactive["action"].(map[string]any)["buttons"].([]any)
	require.Len(t, buttons, 3)
	last := buttons[2].(map[string]any)["reply"].(map[string]any)
	assert.Equal(t, "lang_en", last["id"])
}

func TestGatewayRequiresPhoneNumberID(t *testing.T) {
	t.Parallel()

	gw := NewAdapter(nil, time.Second).NewGateway(channel.Credentials{Token: "tok"})
	resp := gw.SendMessage(context.Background(), "1", "x", nil)
	assert.False(t, resp.Success)
	assert.Equal(t, channel.ErrorRemoteRejected, resp.ErrorKind)
	assert.False(t, gw.GetSelfInfo(context.Background()).Success)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Русский", truncate("Русский", 20))
	assert.Equal(t, "abc", truncate("abcdef", 3))
}

func TestAuthenticateWithAppSecret(t *testing.T) {
	t.Parallel()

	a := NewAdapter(nil, time.Second)
	creds := channel.Credentials{Token: "EAAB", ExternalID: "1784"}
	body := []byte(`{"object":"whatsapp","entry":[]}`)
	header := http.Header{}
	header.Set(channel.SignatureHeader, channel.Sign([]byte("meta-app-secret"), body))

	assert.ErrorIs(t, a.Authenticate(header, body, creds), channel.ErrSignature)

	a.SetAppSecret(" meta-app-secret ")
	assert.NoError(t, a.Authenticate(header, body, creds))

	header.Set(channel.SignatureHeader, channel.Sign(channel.DeriveSecret("EAAB"), body))
	assert.ErrorIs(t, a.Authenticate(header, body, creds), channel.ErrSignature)
}
