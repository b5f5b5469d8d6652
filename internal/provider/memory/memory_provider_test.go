package memory

import (
	"context"
	"testing"

	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"github.com/devrev/hyperdrive/internal/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryProvider_Contract(t *testing.T) {
	providertest.RunContract(t, func(t *testing.T) provider.StorageCapability {
		return New(model.ProviderMemory, zap.NewNop())
	})
}

func TestMemoryProvider_KeyIsHolonID(t *testing.T) {
	p := New("mem-a", zap.NewNop())
	ctx := context.Background()
	p.Activate(ctx)

	h := model.NewHolon(model.HolonTypeHolon, "x")
	h.Version = 1
	res := p.SaveHolon(ctx, h)

	require.False(t, res.IsError)
	assert.Equal(t, h.ID.String(), res.Value.ProviderKeys["mem-a"])
	assert.Equal(t, 1, p.Size())
}

func TestMemoryProvider_ReturnedHolonIsACopy(t *testing.T) {
	p := New(model.ProviderMemory, zap.NewNop())
	ctx := context.Background()
	p.Activate(ctx)

	h := model.NewHolon(model.HolonTypeHolon, "x")
	h.Version = 1
	h.Fields["k"] = "v"
	saved := p.SaveHolon(ctx, h)
	require.False(t, saved.IsError)

	saved.Value.Fields["k"] = "mutated"

	loaded := p.LoadHolon(ctx, h.ID, 0)
	require.False(t, loaded.IsError)
	assert.Equal(t, "v", loaded.Value.StringField("k"))
}
