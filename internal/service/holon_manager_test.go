package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	hderrors "github.com/devrev/hyperdrive/internal/errors"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolonManager_VersionsAreMonotonic(t *testing.T) {
	a := newScripted(t, "a")
	h := newHarness(t, harnessOptions{}, a)
	ctx := context.Background()

	holon := sampleHolon("widget")
	for want := 1; want <= 3; want++ {
		res := h.holons.SaveHolon(ctx, holon)
		require.False(t, res.IsError, res.Message)
		assert.Equal(t, want, res.Value.Version)
		holon = res.Value
	}

	// A stale copy still produces the next version
	stale := holon.Clone()
	stale.Version = 1
	res := h.holons.SaveHolon(ctx, stale)
	require.False(t, res.IsError)
	assert.Equal(t, 4, res.Value.Version)

	loaded := h.holons.LoadHolon(ctx, holon.ID, 0)
	require.False(t, loaded.IsError)
	assert.Equal(t, 4, loaded.Value.Version)

	older := h.holons.LoadHolon(ctx, holon.ID, 2)
	require.False(t, older.IsError)
	assert.Equal(t, 2, older.Value.Version)
}

func TestHolonManager_VersionComesFromStorage(t *testing.T) {
	shared := newScripted(t, "a")
	first := newHarness(t, harnessOptions{}, shared)
	ctx := context.Background()

	holon := sampleHolon("widget")
	for i := 0; i < 2; i++ {
		res := first.holons.SaveHolon(ctx, holon)
		require.False(t, res.IsError, res.Message)
		holon = res.Value
	}
	require.Equal(t, 2, holon.Version)

	// A second manager, as after a restart, has never seen this holon
	second := newHarness(t, harnessOptions{}, shared)
	update := holon.Clone()
	update.Version = 0
	update.Fields["color"] = "blue"

	res := second.holons.SaveHolon(ctx, update)
	require.False(t, res.IsError, res.Message)
	assert.Equal(t, 3, res.Value.Version)

	loaded := first.holons.LoadHolon(ctx, holon.ID, 0)
	require.False(t, loaded.IsError)
	assert.Equal(t, 3, loaded.Value.Version)
	assert.Equal(t, "blue", loaded.Value.StringField("color"))

	// Earlier versions are untouched
	v1 := second.holons.LoadHolon(ctx, holon.ID, 1)
	require.False(t, v1.IsError)
	assert.Equal(t, "red", v1.Value.StringField("color"))
}

func TestHolonManager_CallerVersionIsIgnored(t *testing.T) {
	a := newScripted(t, "a")
	h := newHarness(t, harnessOptions{}, a)

	holon := sampleHolon("widget")
	holon.Version = 100

	res := h.holons.SaveHolon(context.Background(), holon)
	require.False(t, res.IsError)
	assert.Equal(t, 1, res.Value.Version)
}

func TestHolonManager_VersionLookupFailure(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	h := newHarness(t, harnessOptions{}, a, b)
	ctx := context.Background()

	saved := h.holons.SaveHolon(ctx, sampleHolon("widget"))
	require.False(t, saved.IsError)
	h.replicator.Wait()

	t.Run("falls over to the next provider", func(t *testing.T) {
		a.failAll.Store(true)
		defer a.failAll.Store(false)

		res := h.holons.SaveHolon(ctx, saved.Value)
		require.False(t, res.IsError, res.Message)
		assert.Equal(t, 2, res.Value.Version)
		assert.Equal(t, model.ProviderID("b"), res.ProviderUsed)
	})

	t.Run("every provider fails", func(t *testing.T) {
		a.failAll.Store(true)
		b.failAll.Store(true)
		defer a.failAll.Store(false)
		defer b.failAll.Store(false)
		saves := a.saves.Load() + b.saves.Load()

		res := h.holons.SaveHolon(ctx, saved.Value)
		require.True(t, res.IsError)
		assert.Equal(t, AllProvidersFailed, res.Message)
		assert.True(t, errors.Is(res.Exception, hderrors.ErrAggregateFailover))
		assert.Len(t, res.InnerMessages, 2)
		assert.Equal(t, saves, a.saves.Load()+b.saves.Load())
	})
}

func TestHolonManager_WriteLocksAreReleased(t *testing.T) {
	a := newScripted(t, "a")
	h := newHarness(t, harnessOptions{}, a)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		saved := h.holons.SaveHolon(ctx, sampleHolon("widget"))
		require.False(t, saved.IsError)
		require.False(t, h.holons.DeleteHolon(ctx, saved.Value.ID, i%2 == 0).IsError)
	}

	assert.Zero(t, h.holons.writes.size())
}

func TestHolonManager_ConcurrentSavesGetDistinctVersions(t *testing.T) {
	a := newScripted(t, "a")
	h := newHarness(t, harnessOptions{}, a)

	holon := sampleHolon("widget")
	const writers = 20

	var (
		mu       sync.Mutex
		versions []int
		wg       sync.WaitGroup
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.holons.SaveHolon(context.Background(), holon)
			if res.IsError {
				return
			}
			mu.Lock()
			versions = append(versions, res.Value.Version)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, versions, writers)
	sort.Ints(versions)
	for i, v := range versions {
		assert.Equal(t, i+1, v)
	}
}

func TestHolonManager_SaveAssignsDefaults(t *testing.T) {
	a := newScripted(t, "a")
	h := newHarness(t, harnessOptions{}, a)

	res := h.holons.SaveHolon(context.Background(), &model.Holon{Name: "bare"})

	require.False(t, res.IsError)
	assert.NotEqual(t, uuid.Nil, res.Value.ID)
	assert.Equal(t, model.HolonTypeHolon, res.Value.Type)
	assert.Equal(t, 1, res.Value.Version)
	assert.False(t, res.Value.CreatedAt.IsZero())
	assert.False(t, res.Value.ModifiedAt.IsZero())
	assert.Equal(t, res.Value.ID.String(), res.Value.ProviderKeys["a"])
}

func TestHolonManager_SaveDoesNotMutateInput(t *testing.T) {
	a := newScripted(t, "a")
	h := newHarness(t, harnessOptions{}, a)

	holon := sampleHolon("widget")
	res := h.holons.SaveHolon(context.Background(), holon)

	require.False(t, res.IsError)
	assert.Zero(t, holon.Version)
	assert.Empty(t, holon.ProviderKeys)
}

func TestHolonManager_Validation(t *testing.T) {
	m := newMockProvider("a")
	h := newHarness(t, harnessOptions{}, m)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
	}{
		{"load nil id", func() error { return h.holons.LoadHolon(ctx, uuid.Nil, 0).Exception }},
		{"load negative version", func() error { return h.holons.LoadHolon(ctx, uuid.New(), -1).Exception }},
		{"save nil", func() error { return h.holons.SaveHolon(ctx, nil).Exception }},
		{"save negative version", func() error {
			holon := sampleHolon("widget")
			holon.Version = -2
			return h.holons.SaveHolon(ctx, holon).Exception
		}},
		{"delete nil id", func() error { return h.holons.DeleteHolon(ctx, uuid.Nil, true).Exception }},
		{"search negative limit", func() error {
			return h.holons.Search(ctx, model.SearchCriteria{Limit: -1}).Exception
		}},
		{"search all negative limit", func() error {
			return h.holons.SearchAll(ctx, model.SearchCriteria{Limit: -1}).Exception
		}},
		{"copy to itself", func() error { return h.holons.CopyHolon(ctx, uuid.New(), "a", "a").Exception }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			assert.True(t, errors.Is(err, hderrors.ErrValidation), "got %v", err)
		})
	}

	// Validation failures never reach a provider
	m.AssertExpectations(t)
	assert.Empty(t, m.Calls)
}

func TestHolonManager_LoadMissing(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	h := newHarness(t, harnessOptions{}, a, b)

	res := h.holons.LoadHolon(context.Background(), uuid.New(), 0)

	require.True(t, res.IsError)
	assert.Equal(t, AllProvidersFailed, res.Message)
	assert.True(t, errors.Is(res.Exception, hderrors.ErrNotFound))
	assert.Len(t, res.InnerMessages, 2)
}

func TestHolonManager_LoadFailsOverToReplica(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	h := newHarness(t, harnessOptions{}, a, b)
	ctx := context.Background()

	saved := h.holons.SaveHolon(ctx, sampleHolon("widget"))
	require.False(t, saved.IsError)
	h.replicator.Wait()

	a.failAll.Store(true)
	res := h.holons.LoadHolon(ctx, saved.Value.ID, 0)

	require.False(t, res.IsError, res.Message)
	assert.Equal(t, model.ProviderID("b"), res.ProviderUsed)
	assert.Equal(t, "red", res.Value.StringField("color"))
	assert.Equal(t, []string{"provider a failed: connection refused"}, res.InnerMessages)
	assert.Equal(t, model.ReplicationReplicated, res.Value.ReplicationStatus["b"].Status)
}

func TestHolonManager_Search(t *testing.T) {
	a := newScripted(t, "a")
	h := newHarness(t, harnessOptions{}, a)
	ctx := context.Background()

	red := sampleHolon("red")
	blue := sampleHolon("blue")
	blue.Fields["color"] = "blue"
	for _, holon := range []*model.Holon{red, blue} {
		require.False(t, h.holons.SaveHolon(ctx, holon).IsError)
	}

	res := h.holons.Search(ctx, model.SearchCriteria{Fields: map[string]string{"color": "blue"}})

	require.False(t, res.IsError)
	require.Len(t, res.Value, 1)
	assert.Equal(t, blue.ID, res.Value[0].ID)
	assert.NotNil(t, res.Value[0].ReplicationStatus)
}

func TestHolonManager_SearchAllMergesAndWarns(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	c := newScripted(t, "c")
	h := newHarness(t, harnessOptions{}, a, b, c)
	ctx := context.Background()

	shared := sampleHolon("shared")
	shared.Version = 1
	newer := shared.Clone()
	newer.Version = 2
	onlyB := sampleHolon("only-b")
	onlyB.Version = 1

	require.False(t, a.Provider.SaveHolon(ctx, shared).IsError)
	require.False(t, b.Provider.SaveHolon(ctx, newer).IsError)
	require.False(t, b.Provider.SaveHolon(ctx, onlyB).IsError)
	c.failAll.Store(true)

	res := h.holons.SearchAll(ctx, model.SearchCriteria{})

	require.False(t, res.IsError, res.Message)
	assert.True(t, res.IsWarning)
	assert.Equal(t, 1, res.WarningCount())
	assert.Equal(t, []string{"provider c failed: connection refused"}, res.InnerMessages)
	assert.Equal(t, model.ProviderID("a"), res.ProviderUsed)

	require.Len(t, res.Value, 2)
	byID := make(map[uuid.UUID]*model.Holon)
	for _, holon := range res.Value {
		byID[holon.ID] = holon
	}
	assert.Equal(t, 2, byID[shared.ID].Version)
	assert.Len(t, byID[shared.ID].ProviderKeys, 2)
	assert.Contains(t, byID, onlyB.ID)
}

func TestHolonManager_SearchAllEveryProviderFails(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	a.failAll.Store(true)
	b.failAll.Store(true)
	h := newHarness(t, harnessOptions{}, a, b)

	res := h.holons.SearchAll(context.Background(), model.SearchCriteria{})

	require.True(t, res.IsError)
	assert.Equal(t, AllProvidersFailed, res.Message)
	assert.Len(t, res.InnerMessages, 2)
	assert.True(t, errors.Is(res.Exception, hderrors.ErrAggregateFailover))
}

func TestHolonManager_SearchAllLimit(t *testing.T) {
	a := newScripted(t, "a")
	h := newHarness(t, harnessOptions{}, a)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.False(t, h.holons.SaveHolon(ctx, sampleHolon("widget")).IsError)
	}

	res := h.holons.SearchAll(ctx, model.SearchCriteria{Limit: 3})
	require.False(t, res.IsError)
	assert.Len(t, res.Value, 3)
	assert.False(t, res.IsWarning)
}

func TestHolonManager_CopyHolon(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	b.key = "b-copy"
	h := newHarness(t, harnessOptions{replicas: []model.ProviderID{"a"}}, a, b)
	ctx := context.Background()

	saved := h.holons.SaveHolon(ctx, sampleHolon("widget"))
	require.False(t, saved.IsError)
	h.replicator.Wait()
	require.Zero(t, b.Size())

	res := h.holons.CopyHolon(ctx, saved.Value.ID, "a", "b")

	require.False(t, res.IsError, res.Message)
	assert.Equal(t, model.ProviderID("b"), res.ProviderUsed)
	assert.Equal(t, saved.Value.Version, res.Value.Version)
	assert.Equal(t, "b-copy", res.Value.ProviderKeys["b"])
	assert.Equal(t, []string{"copied from provider a"}, res.InnerMessages)

	report := h.holons.ReplicationStatus(saved.Value.ID)
	require.False(t, report.IsError)
	assert.Equal(t, model.ReplicationReplicated, report.Value.Status["b"].Status)
	assert.Equal(t, "b-copy", report.Value.ProviderKeys["b"])
}

func TestHolonManager_CopyHolonErrors(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	h := newHarness(t, harnessOptions{}, a, b)
	ctx := context.Background()

	res := h.holons.CopyHolon(ctx, uuid.New(), "a", "missing")
	require.True(t, res.IsError)
	assert.True(t, errors.Is(res.Exception, hderrors.ErrUnknownProvider))

	res = h.holons.CopyHolon(ctx, uuid.New(), "a", "b")
	require.True(t, res.IsError)
	assert.True(t, errors.Is(res.Exception, hderrors.ErrNotFound))
	assert.EqualValues(t, 0, b.saves.Load())
}

func TestHolonManager_ReplicationStatusUnknownHolon(t *testing.T) {
	a := newScripted(t, "a")
	h := newHarness(t, harnessOptions{}, a)

	res := h.holons.ReplicationStatus(uuid.New())

	require.True(t, res.IsError)
	assert.True(t, errors.Is(res.Exception, hderrors.ErrNotFound))
}

func TestHolonManager_DeleteDoesNotBumpVersion(t *testing.T) {
	a := newScripted(t, "a")
	h := newHarness(t, harnessOptions{}, a)
	ctx := context.Background()

	saved := h.holons.SaveHolon(ctx, sampleHolon("widget"))
	require.False(t, saved.IsError)

	require.False(t, h.holons.DeleteHolon(ctx, saved.Value.ID, true).IsError)

	loaded := h.holons.LoadHolon(ctx, saved.Value.ID, 0)
	require.False(t, loaded.IsError)
	assert.True(t, loaded.Value.IsDeleted)
	assert.Equal(t, 1, loaded.Value.Version)

	again := h.holons.SaveHolon(ctx, loaded.Value)
	require.False(t, again.IsError)
	assert.Equal(t, 2, again.Value.Version)
}
