package core

import (
	"testing"

	"chat-provider-hub/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_EmptyRegistry(t *testing.T) {
	env := newTestEnv(t)
	r := NewResolver(env.registry, models.Session{SelectedModel: "gpt-4o"}, quietLogger())

	_, ok := r.GetCurrentProvider()
	assert.False(t, ok)

	_, known := r.GetCurrentModelCapabilities()
	assert.False(t, known)
	assert.Equal(t, "gpt-4o", r.GetModelDisplayName("gpt-4o", nil))
}

func TestResolver_PinnedProvider(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, models.ProviderDraft{WireFormat: models.WireFormatOpenAI})
	b := env.mustCreate(t, models.ProviderDraft{WireFormat: models.WireFormatClaude})

	r := NewResolver(env.registry, models.Session{}, quietLogger())
	r.PinProvider(b.ID)

	got, ok := r.GetCurrentProvider()
	require.True(t, ok)
	assert.Equal(t, b.ID, got.ID)
}

func TestResolver_DisabledPinFallsThroughToModelMatch(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, models.ProviderDraft{WireFormat: models.WireFormatOpenAI})
	pinned := env.mustCreate(t, models.ProviderDraft{
		WireFormat: models.WireFormatOpenAI,
		Enabled:    boolPtr(false),
		Models:     []models.ModelRef{{ID: "claude-sonnet-4"}},
	})
	match := env.mustCreate(t, models.ProviderDraft{
		WireFormat: models.WireFormatClaude,
		Models:     []models.ModelRef{{ID: "claude-sonnet-4"}},
	})

	r := NewResolver(env.registry, models.Session{
		CurrentProviderID: pinned.ID,
		SelectedModel:     "claude-sonnet-4",
	}, quietLogger())

	got, ok := r.GetCurrentProvider()
	require.True(t, ok)
	assert.Equal(t, match.ID, got.ID)
	assert.Empty(t, r.Session().CurrentProviderID, "stale pin is cleared")
}

func TestResolver_DeletedPinIsCleared(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreate(t, models.ProviderDraft{WireFormat: models.WireFormatOpenAI})
	b := env.mustCreate(t, models.ProviderDraft{WireFormat: models.WireFormatGemini})

	r := NewResolver(env.registry, models.Session{CurrentProviderID: b.ID}, quietLogger())
	env.registry.DeleteProvider(b.ID)

	got, ok := r.GetCurrentProvider()
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)
	assert.Empty(t, r.Session().CurrentProviderID)
}

func TestResolver_ModelMatchPrefersActiveFormat(t *testing.T) {
	env := newTestEnv(t)
	shared := []models.ModelRef{{ID: "llama-3"}}
	first := env.mustCreate(t, models.ProviderDraft{WireFormat: models.WireFormatOpenAI, Models: shared})
	responses := env.mustCreate(t, models.ProviderDraft{WireFormat: models.WireFormatOpenAIResponses, Models: shared})

	r := NewResolver(env.registry, models.Session{SelectedModel: "llama-3"}, quietLogger())
	got, _ := r.GetCurrentProvider()
	assert.Equal(t, first.ID, got.ID, "first match in registry order")

	r.SetWireFormat(models.WireFormatOpenAIResponses)
	got, _ = r.GetCurrentProvider()
	assert.Equal(t, responses.ID, got.ID)
}

func TestResolver_FallbackOrder(t *testing.T) {
	env := newTestEnv(t)
	disabled := env.mustCreate(t, models.ProviderDraft{WireFormat: models.WireFormatOpenAI, Enabled: boolPtr(false)})
	enabled := env.mustCreate(t, models.ProviderDraft{WireFormat: models.WireFormatGemini})

	r := NewResolver(env.registry, models.Session{SelectedModel: "unknown"}, quietLogger())
	got, _ := r.GetCurrentProvider()
	assert.Equal(t, enabled.ID, got.ID, "first enabled provider")

	env.registry.UpdateProvider(enabled.ID, models.ProviderPatch{Enabled: boolPtr(false)})
	got, ok := r.GetCurrentProvider()
	require.True(t, ok)
	assert.Equal(t, disabled.ID, got.ID, "last resort: first provider regardless of enabled")
}

func TestResolver_DisplayName(t *testing.T) {
	env := newTestEnv(t)
	p := env.mustCreate(t, models.ProviderDraft{
		WireFormat: models.WireFormatOpenAI,
		Models: []models.ModelRef{
			{ID: "gpt-4o", DisplayName: "GPT-4o"},
			models.LegacyModel("gpt-4o-mini"),
		},
	})
	r := NewResolver(env.registry, models.Session{}, quietLogger())

	assert.Equal(t, "GPT-4o", r.GetModelDisplayName("gpt-4o", p))
	assert.Equal(t, "GPT-4o", r.GetModelDisplayName("gpt-4o", nil))
	assert.Equal(t, "gpt-4o-mini", r.GetModelDisplayName("gpt-4o-mini", p))
	assert.Equal(t, "o3", r.GetModelDisplayName("o3", p))
}

func TestResolver_Capabilities(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, models.ProviderDraft{
		WireFormat: models.WireFormatClaude,
		Models: []models.ModelRef{
			models.LegacyModel("claude-legacy"),
			{ID: "claude-text", Capabilities: models.Capabilities{}},
			{ID: "claude-vision", Capabilities: models.Capabilities{ImageInput: true}},
		},
	})
	r := NewResolver(env.registry, models.Session{}, quietLogger())

	r.SelectModel("claude-legacy")
	caps, ok := r.GetCurrentModelCapabilities()
	assert.True(t, ok)
	assert.Equal(t, models.WireFormatClaude.DefaultCapabilities(), caps)

	r.SelectModel("claude-text")
	caps, ok = r.GetCurrentModelCapabilities()
	assert.True(t, ok, "explicit all-false is known")
	assert.Equal(t, models.Capabilities{}, caps)

	r.SelectModel("claude-vision")
	caps, ok = r.GetCurrentModelCapabilities()
	assert.True(t, ok)
	assert.True(t, caps.ImageInput)

	r.SelectModel("not-listed")
	_, ok = r.GetCurrentModelCapabilities()
	assert.False(t, ok, "unknown")
}
