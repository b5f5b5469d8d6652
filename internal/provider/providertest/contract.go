// Package providertest holds the contract every provider adapter must pass.
package providertest

import (
	"context"
	"testing"

	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, not yet activated provider
type Factory func(t *testing.T) provider.StorageCapability

// RunContract exercises the StorageCapability contract against an adapter
func RunContract(t *testing.T, newProvider Factory) {
	t.Run("activate and deactivate are idempotent", func(t *testing.T) {
		p := newProvider(t)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			res := p.Activate(ctx)
			require.False(t, res.IsError, res.Message)
			assert.True(t, res.Value)
		}
		for i := 0; i < 2; i++ {
			res := p.Deactivate(ctx)
			require.False(t, res.IsError, res.Message)
		}
	})

	t.Run("inactive provider rejects writes", func(t *testing.T) {
		p := newProvider(t)
		res := p.SaveHolon(context.Background(), sampleHolon(1))
		assert.True(t, res.IsError)
		assert.False(t, res.HasValue)
	})

	t.Run("save records provider key", func(t *testing.T) {
		p := activated(t, newProvider)
		h := sampleHolon(1)

		res := p.SaveHolon(context.Background(), h)
		require.False(t, res.IsError, res.Message)
		require.NotNil(t, res.Value)
		assert.Equal(t, h.ID, res.Value.ID)
		assert.NotEmpty(t, res.Value.ProviderKeys[p.ID()])
		assert.Equal(t, p.ID(), res.ProviderUsed)
	})

	t.Run("load latest and specific version", func(t *testing.T) {
		p := activated(t, newProvider)
		ctx := context.Background()
		h := sampleHolon(1)

		require.False(t, p.SaveHolon(ctx, h).IsError)
		h2 := h.Clone()
		h2.Version = 2
		h2.Fields["color"] = "blue"
		require.False(t, p.SaveHolon(ctx, h2).IsError)

		latest := p.LoadHolon(ctx, h.ID, 0)
		require.False(t, latest.IsError, latest.Message)
		assert.Equal(t, 2, latest.Value.Version)
		assert.Equal(t, "blue", latest.Value.StringField("color"))

		first := p.LoadHolon(ctx, h.ID, 1)
		require.False(t, first.IsError, first.Message)
		assert.Equal(t, 1, first.Value.Version)
		assert.Equal(t, "red", first.Value.StringField("color"))
	})

	t.Run("load missing holon fails", func(t *testing.T) {
		p := activated(t, newProvider)
		res := p.LoadHolon(context.Background(), uuid.New(), 0)
		assert.True(t, res.IsError)
		assert.False(t, res.HasValue)
	})

	t.Run("soft delete leaves tombstone", func(t *testing.T) {
		p := activated(t, newProvider)
		ctx := context.Background()
		h := sampleHolon(1)
		require.False(t, p.SaveHolon(ctx, h).IsError)

		del := p.DeleteHolon(ctx, h.ID, true)
		require.False(t, del.IsError, del.Message)

		loaded := p.LoadHolon(ctx, h.ID, 0)
		require.False(t, loaded.IsError, loaded.Message)
		assert.True(t, loaded.Value.IsDeleted)

		found := p.Search(ctx, model.SearchCriteria{Fields: map[string]string{"tag": h.StringField("tag")}})
		require.False(t, found.IsError, found.Message)
		assert.Empty(t, found.Value)
	})

	t.Run("hard delete removes holon", func(t *testing.T) {
		p := activated(t, newProvider)
		ctx := context.Background()
		h := sampleHolon(1)
		require.False(t, p.SaveHolon(ctx, h).IsError)

		require.False(t, p.DeleteHolon(ctx, h.ID, false).IsError)
		assert.True(t, p.LoadHolon(ctx, h.ID, 0).IsError)
	})

	t.Run("search filters by type and field", func(t *testing.T) {
		p := activated(t, newProvider)
		ctx := context.Background()

		a := sampleHolon(1)
		b := sampleHolon(1)
		b.Fields["tag"] = a.StringField("tag")
		b.Fields["color"] = "green"
		other := sampleHolon(1)
		require.False(t, p.SaveHolon(ctx, a).IsError)
		require.False(t, p.SaveHolon(ctx, b).IsError)
		require.False(t, p.SaveHolon(ctx, other).IsError)

		res := p.Search(ctx, model.SearchCriteria{
			Type:   model.HolonTypeHolon,
			Fields: map[string]string{"tag": a.StringField("tag"), "color": "green"},
		})
		require.False(t, res.IsError, res.Message)
		require.Len(t, res.Value, 1)
		assert.Equal(t, b.ID, res.Value[0].ID)
	})
}

func activated(t *testing.T, newProvider Factory) provider.StorageCapability {
	t.Helper()
	p := newProvider(t)
	res := p.Activate(context.Background())
	require.False(t, res.IsError, res.Message)
	t.Cleanup(func() { p.Deactivate(context.Background()) })
	return p
}

func sampleHolon(version int) *model.Holon {
	h := model.NewHolon(model.HolonTypeHolon, "sample")
	h.Version = version
	h.Fields["color"] = "red"
	h.Fields["tag"] = uuid.NewString()
	return h
}
