package bots

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/clock"
	"github.com/memohai/chatrelay/internal/db"
)

type memStore struct {
	mu         sync.Mutex
	bots       map[string]Bot
	upsertErr  error
	upsertCall int
}

func newMemStore() *memStore {
	return &memStore{bots: map[string]Bot{}}
}

func (m *memStore) Create(_ context.Context, b Bot) (Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.UpdatedAt = b.CreatedAt
	b.Platforms = map[channel.Platform]PlatformBinding{}
	m.bots[b.ID] = b
	return b, nil
}

func (m *memStore) Get(_ context.Context, id string) (Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return Bot{}, fmt.Errorf("bot %s: %w", id, ErrBotNotFound)
	}
	platforms := make(map[channel.Platform]PlatformBinding, len(b.Platforms))
	for k, v := range b.Platforms {
		platforms[k] = v
	}
	b.Platforms = platforms
	return b, nil
}

func (m *memStore) ListByOwner(_ context.Context, ownerID string) ([]Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Bot
	for _, b := range m.bots {
		if b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) Update(_ context.Context, b Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bots[b.ID]
	if !ok {
		return ErrBotNotFound
	}
	b.Platforms = cur.Platforms
	m.bots[b.ID] = b
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[id]; !ok {
		return ErrBotNotFound
	}
	delete(m.bots, id)
	return nil
}

func (m *memStore) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return ErrBotNotFound
	}
	b.IsActive = active
	m.bots[id] = b
	return nil
}

func (m *memStore) UpsertPlatform(_ context.Context, botID string, binding PlatformBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCall++
	if m.upsertErr != nil {
		return m.upsertErr
	}
	b := m.bots[botID]
	b.Platforms[binding.Platform] = binding
	m.bots[botID] = b
	return nil
}

func (m *memStore) DeletePlatform(_ context.Context, botID string, p channel.Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bots[botID]
	if _, ok := b.Platforms[p]; !ok {
		return ErrPlatformNotConfigured
	}
	delete(b.Platforms, p)
	return nil
}

func (m *memStore) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.bots)), nil
}

// fakeGateway records calls; webhookGateway adds WebhookSetter.
type fakeGateway struct {
	platform channel.Platform
	self     channel.ServiceResponse
	setResp  channel.ServiceResponse
	calls    *[]string
}

func (g *fakeGateway) Platform() channel.Platform { return g.platform }

func (g *fakeGateway) SendMessage(context.Context, string, string, channel.Keyboard) channel.ServiceResponse {
	return channel.OK(nil)
}

func (g *fakeGateway) GetSelfInfo(context.Context) channel.ServiceResponse {
	*g.calls = append(*g.calls, "getSelf")
	return g.self
}

type webhookGateway struct{ *fakeGateway }

func (g webhookGateway) SetWebhook(_ context.Context, url, secret string) channel.ServiceResponse {
	*g.calls = append(*g.calls, "setWebhook "+url+" "+secret)
	return g.setResp
}

func (g webhookGateway) DeleteWebhook(context.Context) channel.ServiceResponse {
	*g.calls = append(*g.calls, "deleteWebhook")
	return channel.OK(nil)
}

type fakeAdapter struct {
	platform  channel.Platform
	external  bool
	webhooks  bool
	self      channel.ServiceResponse
	setResp   channel.ServiceResponse
	calls     []string
	lastCreds channel.Credentials
}

func (a *fakeAdapter) Platform() channel.Platform { return a.platform }

func (a *fakeAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Platform: a.platform, RequiresExternalID: a.external}
}

func (a *fakeAdapter) NewGateway(creds channel.Credentials) channel.Gateway {
	a.lastCreds = creds
	gw := &fakeGateway{platform: a.platform, self: a.self, setResp: a.setResp, calls: &a.calls}
	if a.webhooks {
		return webhookGateway{gw}
	}
	return gw
}

func (a *fakeAdapter) Authenticate(http.Header, []byte, channel.Credentials) error { return nil }

func (a *fakeAdapter) ParseUpdates([]byte) ([]channel.Update, error) { return nil, nil }

type fixture struct {
	svc       *Service
	store     *memStore
	telegram  *fakeAdapter
	instagram *fakeAdapter
	bot       Bot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tg := &fakeAdapter{
		platform: channel.PlatformTelegram, webhooks: true,
		self: channel.OK(map[string]any{"username": "relay_bot"}), setResp: channel.OK(nil),
	}
	ig := &fakeAdapter{
		platform: channel.PlatformInstagram, external: true,
		self: channel.OK(map[string]any{"id": "17841400000"}),
	}
	store := newMemStore()
	clk := clock.NewFixed(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(nil, store, channel.NewRegistry(tg, ig), clk, "https://relay.example.com/")
	bot, err := svc.Create(context.Background(), "owner-1", CreateBotRequest{Name: " Support "})
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, telegram: tg, instagram: ig, bot: bot}
}

func TestCreateDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	assert.Equal(t, "Support", f.bot.Name)
	assert.Equal(t, []string{"uz", "ru", "en"}, f.bot.Languages)
	assert.Equal(t, DefaultMaxDailyMessages, f.bot.MaxDailyMessages)
	assert.True(t, f.bot.IsActive)
	assert.NotEmpty(t, f.bot.ID)

	zero := 0
	unlimited, err := f.svc.Create(context.Background(), "owner-1", CreateBotRequest{
		Name: "Sales", Languages: []string{"en"}, MaxDailyMessages: &zero,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, unlimited.MaxDailyMessages)
	assert.Equal(t, []string{"en"}, unlimited.Languages)

	_, err = f.svc.Create(context.Background(), "owner-1", CreateBotRequest{Name: "  "})
	assert.ErrorIs(t, err, db.ErrValidation)

	n, err := f.svc.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestAuthorizeAccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AuthorizeAccess(ctx, "owner-1", f.bot.ID, false)
	assert.NoError(t, err)
	_, err = f.svc.AuthorizeAccess(ctx, "owner-2", f.bot.ID, false)
	assert.ErrorIs(t, err, ErrBotAccessDenied)
	_, err = f.svc.AuthorizeAccess(ctx, "admin", f.bot.ID, true)
	assert.NoError(t, err)
	_, err = f.svc.AuthorizeAccess(ctx, "owner-1", "missing", false)
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestDeployTelegramRegistersWebhook(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Deploy(ctx, f.bot.ID, channel.PlatformTelegram, DeployRequest{Token: " 123:abc "})
	require.NoError(t, err)

	wantURL := "https://relay.example.com/webhook/telegram/" + f.bot.ID
	assert.Equal(t, wantURL, res.WebhookURL)
	assert.Empty(t, res.VerifyToken)
	assert.Equal(t, "relay_bot", res.Self["username"])
	assert.Equal(t, []string{"getSelf", "setWebhook " + wantURL + " " + channel.SecretToken("123:abc")}, f.telegram.calls)

	bot, err := f.svc.Get(ctx, f.bot.ID)
	require.NoError(t, err)
	creds, ok := bot.Credentials(channel.PlatformTelegram)
	require.True(t, ok)
	assert.Equal(t, "123:abc", creds.Token)
	assert.Equal(t, wantURL, bot.Platforms[channel.PlatformTelegram].WebhookURL)
}

func TestDeployRejectedTokenPersistsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.telegram.self = channel.Fail(channel.ErrorUnauthorized, http.StatusUnauthorized, "Unauthorized")

	_, err := f.svc.Deploy(context.Background(), f.bot.ID, channel.PlatformTelegram, DeployRequest{Token: "bad"})
	require.ErrorIs(t, err, ErrDeployRejected)
	assert.Equal(t, []string{"getSelf"}, f.telegram.calls)
	assert.Zero(t, f.store.upsertCall)
}

func TestDeployWebhookFailurePersistsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.telegram.setResp = channel.Fail(channel.ErrorRemoteRejected, http.StatusBadRequest, "bad webhook")

	_, err := f.svc.Deploy(context.Background(), f.bot.ID, channel.PlatformTelegram, DeployRequest{Token: "123:abc"})
	require.ErrorIs(t, err, ErrDeployRejected)
	assert.Zero(t, f.store.upsertCall)
}

func TestDeployPersistFailureRollsBackWebhook(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.upsertErr = errors.New("db down")

	_, err := f.svc.Deploy(context.Background(), f.bot.ID, channel.PlatformTelegram, DeployRequest{Token: "123:abc"})
	require.Error(t, err)
	require.Len(t, f.telegram.calls, 3)
	assert.Equal(t, "deleteWebhook", f.telegram.calls[2])
}

func TestDeployInstagramReturnsVerifyToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Deploy(ctx, f.bot.ID, channel.PlatformInstagram, DeployRequest{Token: "page-token"})
	assert.ErrorIs(t, err, db.ErrValidation)

	res, err := f.svc.Deploy(ctx, f.bot.ID, channel.PlatformInstagram, DeployRequest{Token: "page-token", ExternalID: "1784"})
	require.NoError(t, err)
	assert.Equal(t, channel.SecretToken("page-token"), res.VerifyToken)
	assert.Equal(t, channel.Credentials{Token: "page-token", ExternalID: "1784"}, f.instagram.lastCreds)
}

func TestDeployValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Deploy(ctx, f.bot.ID, channel.PlatformWhatsApp, DeployRequest{Token: "x"})
	assert.ErrorIs(t, err, db.ErrValidation)
	_, err = f.svc.Deploy(ctx, f.bot.ID, channel.PlatformTelegram, DeployRequest{Token: " "})
	assert.ErrorIs(t, err, db.ErrValidation)
	_, err = f.svc.Deploy(ctx, "missing", channel.PlatformTelegram, DeployRequest{Token: "x"})
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.Disconnect(ctx, f.bot.ID, channel.PlatformTelegram)
	assert.ErrorIs(t, err, ErrPlatformNotConfigured)

	_, err = f.svc.Deploy(ctx, f.bot.ID, channel.PlatformTelegram, DeployRequest{Token: "123:abc"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Disconnect(ctx, f.bot.ID, channel.PlatformTelegram))
	assert.Equal(t, "deleteWebhook", f.telegram.calls[len(f.telegram.calls)-1])

	bot, err := f.svc.Get(ctx, f.bot.ID)
	require.NoError(t, err)
	_, ok := bot.Credentials(channel.PlatformTelegram)
	assert.False(t, ok)
}

func TestUpdateAppliesOnlyGivenFields(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	prompt := "  Answer about shipping only. "
	limit := 25
	langs := []string{"ru"}
	bot, err := f.svc.Update(ctx, f.bot.ID, UpdateBotRequest{SystemPrompt: &prompt, MaxDailyMessages: &limit, Languages: &langs})
	require.NoError(t, err)
	assert.Equal(t, "Support", bot.Name)
	assert.Equal(t, "Answer about shipping only.", bot.SystemPrompt)
	assert.Equal(t, 25, bot.MaxDailyMessages)
	assert.Equal(t, []string{"ru"}, bot.Languages)

	stored, err := f.svc.Get(ctx, f.bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "Answer about shipping only.", stored.SystemPrompt)
	assert.True(t, stored.IsActive)

	blank := "   "
	_, err = f.svc.Update(ctx, f.bot.ID, UpdateBotRequest{Name: &blank})
	assert.ErrorIs(t, err, db.ErrValidation)

	_, err = f.svc.Update(ctx, "missing", UpdateBotRequest{Name: &prompt})
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestDeleteRemovesWebhooksThenBot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Deploy(ctx, f.bot.ID, channel.PlatformTelegram, DeployRequest{Token: "123:abc"})
	require.NoError(t, err)
	_, err = f.svc.Deploy(ctx, f.bot.ID, channel.PlatformInstagram, DeployRequest{Token: "page-token", ExternalID: "1784"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, f.bot.ID))
	assert.Equal(t, "deleteWebhook", f.telegram.calls[len(f.telegram.calls)-1])

	_, err = f.svc.Get(ctx, f.bot.ID)
	assert.ErrorIs(t, err, ErrBotNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, f.bot.ID), ErrBotNotFound)
}
