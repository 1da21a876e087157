package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"chat-provider-hub/core/adapter"
	"chat-provider-hub/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalogProvider(id string, f models.WireFormat) *models.Provider {
	return &models.Provider{ID: id, WireFormat: f, Endpoint: f.DefaultEndpoint(), Enabled: true}
}

func TestModelCatalog_TTL(t *testing.T) {
	fetcher := &fakeFetcher{ids: []string{"gpt-4o"}}
	c := NewModelCatalog(fetcher, 0, quietLogger())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	p := catalogProvider("p", models.WireFormatOpenAI)
	ctx := context.Background()

	_, err := c.Fetch(ctx, p, "sk", false, nil)
	require.NoError(t, err)
	now = now.Add(DefaultModelCacheTTL - time.Second)
	_, err = c.Fetch(ctx, p, "sk", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.callCount(), "second call within TTL is a cache hit")

	_, err = c.Fetch(ctx, p, "sk", true, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.callCount(), "forceRefresh always fetches")

	now = now.Add(DefaultModelCacheTTL)
	_, err = c.Fetch(ctx, p, "sk", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, fetcher.callCount(), "expired entry is refetched")
}

// Scenario D
func TestModelCatalog_GeminiNormalization(t *testing.T) {
	fetcher := &fakeFetcher{ids: []string{"models/gemini-2.5-flash", "models/gemini-2.5-pro", "models/gemini-2.5-flash"}}
	c := NewModelCatalog(fetcher, 0, quietLogger())
	p := catalogProvider("g", models.WireFormatGemini)
	p.UseHeaderAuth = true

	list, err := c.Fetch(context.Background(), p, "g-key", false, nil)
	require.NoError(t, err)

	require.Len(t, list, 2)
	assert.Equal(t, "gemini-2.5-flash", list[0].ID)
	assert.Equal(t, "gemini-2.5-pro", list[1].ID)
	for _, m := range list {
		assert.False(t, m.Capabilities.ImageInput)
		assert.False(t, m.Capabilities.ImageOutput)
		assert.False(t, m.Legacy)
	}
	assert.Equal(t, "gemini", fetcher.lastVendor)
	assert.True(t, fetcher.lastHeaderMode)
	assert.Equal(t, "g-key", fetcher.lastSecret)
}

func TestModelCatalog_DispatchByFormat(t *testing.T) {
	fetcher := &fakeFetcher{ids: []string{"m"}}
	c := NewModelCatalog(fetcher, 0, quietLogger())

	cases := map[models.WireFormat]string{
		models.WireFormatOpenAI:          "openai",
		models.WireFormatOpenAIResponses: "openai",
		models.WireFormatClaude:          "claude",
		models.WireFormatGemini:          "gemini",
	}
	for f, vendor := range cases {
		_, err := c.Fetch(context.Background(), catalogProvider(string(f), f), "k", true, nil)
		require.NoError(t, err)
		assert.Equal(t, vendor, fetcher.lastVendor, string(f))
	}

	claude, _ := c.Entry(string(models.WireFormatClaude))
	assert.True(t, claude.Models[0].Capabilities.ImageInput)

	_, err := c.Fetch(context.Background(), catalogProvider("x", "telnet"), "k", true, nil)
	assert.ErrorIs(t, err, ErrInvalidWireFormat)
}

func TestModelCatalog_FailureNotCached(t *testing.T) {
	upstream := &adapter.FetchError{Vendor: "openai", StatusCode: 401, Body: "invalid key"}
	fetcher := &fakeFetcher{err: upstream}
	c := NewModelCatalog(fetcher, 0, quietLogger())
	p := catalogProvider("p", models.WireFormatOpenAI)

	_, err := c.Fetch(context.Background(), p, "bad", false, nil)
	var fe *adapter.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 401, fe.StatusCode)

	_, ok := c.Entry("p")
	assert.False(t, ok)

	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.ids = []string{"gpt-4o"}
	fetcher.mu.Unlock()

	list, err := c.Fetch(context.Background(), p, "good", false, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestModelCatalog_DeletedDuringFetch(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.ids = []string{"gpt-4o"}
	p := env.mustCreate(t, models.ProviderDraft{WireFormat: models.WireFormatOpenAI, APIKey: "sk"})
	env.fetcher.during = func() {
		env.registry.DeleteProvider(p.ID)
	}

	list, err := env.registry.FetchProviderModels(context.Background(), p.ID, false)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, ok := env.catalog.Entry(p.ID)
	assert.False(t, ok, "result for a deleted provider must not be cached")
}

func TestModelCatalog_CredentialChangeDuringFetch(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.ids = []string{"model-visible-to-old-key"}
	p := env.mustCreate(t, models.ProviderDraft{WireFormat: models.WireFormatOpenAI, APIKey: "sk-old"})
	k2, ok := env.registry.AddAPIKey(p.ID, "sk-new", "")
	require.True(t, ok)
	env.fetcher.during = func() {
		env.registry.SetCurrentKey(p.ID, k2.ID)
	}

	list, err := env.registry.FetchProviderModels(context.Background(), p.ID, false)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, "sk-old", env.fetcher.lastSecret)

	_, cached := env.catalog.Entry(p.ID)
	assert.False(t, cached, "list fetched with the previous key must not be cached")

	env.fetcher.during = nil
	_, err = env.registry.FetchProviderModels(context.Background(), p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, env.fetcher.callCount())
	assert.Equal(t, "sk-new", env.fetcher.lastSecret)

	_, cached = env.catalog.Entry(p.ID)
	assert.True(t, cached)
}

func TestModelCatalog_ClearAllDuringFetch(t *testing.T) {
	fetcher := &fakeFetcher{ids: []string{"a"}}
	c := NewModelCatalog(fetcher, time.Hour, quietLogger())
	p := catalogProvider("p1", models.WireFormatOpenAI)
	fetcher.during = c.ClearAll

	_, err := c.Fetch(context.Background(), p, "", false, nil)
	require.NoError(t, err)
	_, ok := c.Entry("p1")
	assert.False(t, ok)

	fetcher.during = nil
	_, err = c.Fetch(context.Background(), p, "", false, nil)
	require.NoError(t, err)
	_, ok = c.Entry("p1")
	assert.True(t, ok)
}

func TestModelCatalog_ClearAndReturnedCopies(t *testing.T) {
	fetcher := &fakeFetcher{ids: []string{"a"}}
	c := NewModelCatalog(fetcher, time.Hour, quietLogger())
	p1 := catalogProvider("p1", models.WireFormatOpenAI)
	p2 := catalogProvider("p2", models.WireFormatOpenAI)

	list, _ := c.Fetch(context.Background(), p1, "", false, nil)
	list[0].ID = "mutated"
	again, _ := c.Fetch(context.Background(), p1, "", false, nil)
	assert.Equal(t, "a", again[0].ID)

	c.Fetch(context.Background(), p2, "", false, nil)
	c.Clear("p1")
	_, ok := c.Entry("p1")
	assert.False(t, ok)
	_, ok = c.Entry("p2")
	assert.True(t, ok)

	c.ClearAll()
	_, ok = c.Entry("p2")
	assert.False(t, ok)
}

func TestFetchProviderModels_UsesPeekSecretWithoutCounting(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.ids = []string{"gpt-4o"}
	p := env.mustCreate(t, models.ProviderDraft{WireFormat: models.WireFormatOpenAI, APIKey: "sk-1"})
	env.registry.AddAPIKey(p.ID, "sk-2", "")
	env.registry.SetKeyRotationConfig(p.ID, models.RotationPatch{Enabled: boolPtr(true)})

	_, err := env.registry.FetchProviderModels(context.Background(), p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "sk-1", env.fetcher.lastSecret)

	got, _ := env.registry.FindProvider(p.ID)
	for _, c := range got.Credentials {
		assert.Zero(t, c.UsageCount)
	}

	_, err = env.registry.FetchProviderModels(context.Background(), "missing", false)
	assert.True(t, errors.Is(err, ErrProviderNotFound))
}
