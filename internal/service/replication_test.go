package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/hyperdrive/internal/events"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/provider"
	"github.com/devrev/hyperdrive/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReplication_DoesNotBlockTheWrite(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	c := newScripted(t, "c")
	b.delay = 300 * time.Millisecond
	c.delay = 300 * time.Millisecond

	h := newHarness(t, harnessOptions{}, a, b, c)

	start := time.Now()
	res := h.holons.SaveHolon(context.Background(), sampleHolon("widget"))
	elapsed := time.Since(start)

	require.False(t, res.IsError, res.Message)
	assert.Less(t, elapsed, 200*time.Millisecond, "save must return before replicas finish")
	assert.Equal(t, model.ProviderID("a"), res.ProviderUsed)

	status := res.Value.ReplicationStatus
	assert.Equal(t, model.ReplicationReplicated, status["a"].Status)
	assert.Equal(t, model.ReplicationPending, status["b"].Status)
	assert.Equal(t, model.ReplicationPending, status["c"].Status)

	h.replicator.Wait()

	report := h.holons.ReplicationStatus(res.Value.ID)
	require.False(t, report.IsError)
	for _, id := range []model.ProviderID{"a", "b", "c"} {
		assert.Equal(t, model.ReplicationReplicated, report.Value.Status[id].Status, id)
		assert.Equal(t, res.Value.ID.String(), report.Value.ProviderKeys[id], id)
	}
	assert.Equal(t, 1, b.Size())
	assert.Equal(t, 1, c.Size())
}

func TestReplication_RetryOnceThenFail(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	c := newScripted(t, "c")
	c.failSaves.Store(-1)

	h := newHarness(t, harnessOptions{backoff: 30 * time.Millisecond}, a, b, c)

	res := h.holons.SaveHolon(context.Background(), sampleHolon("widget"))
	require.False(t, res.IsError)
	h.replicator.Wait()

	// First attempt plus exactly one retry
	assert.EqualValues(t, 2, c.saves.Load())

	report := h.holons.ReplicationStatus(res.Value.ID)
	require.False(t, report.IsError)
	assert.Equal(t, model.ReplicationReplicated, report.Value.Status["b"].Status)
	failed := report.Value.Status["c"]
	assert.Equal(t, model.ReplicationFailed, failed.Status)
	assert.Contains(t, failed.Error, "connection refused")
	assert.NotContains(t, report.Value.ProviderKeys, model.ProviderID("c"))

	replicationFailures := h.events.ofType(events.ReplicationFailed)
	require.Len(t, replicationFailures, 2)
	for _, e := range replicationFailures {
		assert.Equal(t, model.ProviderID("c"), e.ProviderID)
		assert.Equal(t, res.Value.ID, e.HolonID)
	}

	// Replica failures never touch the caller's result or the failover plan
	assert.Empty(t, res.InnerMessages)
	assert.True(t, h.registry.IsActive("c"))

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 2, c.saves.Load(), "no further retries")
}

func TestReplication_RetrySucceeds(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	b.failSaves.Store(1)

	h := newHarness(t, harnessOptions{backoff: 20 * time.Millisecond}, a, b)

	res := h.holons.SaveHolon(context.Background(), sampleHolon("widget"))
	require.False(t, res.IsError)
	h.replicator.Wait()

	assert.EqualValues(t, 2, b.saves.Load())
	status, keys, ok := h.replicator.Status(res.Value.ID)
	require.True(t, ok)
	assert.Equal(t, model.ReplicationReplicated, status["b"].Status)
	assert.Empty(t, status["b"].Error)
	assert.Equal(t, res.Value.ID.String(), keys["b"])
	assert.Len(t, h.events.ofType(events.ReplicationFailed), 1)
}

func TestReplication_SupersededRetryIsSkipped(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	b.failSaves.Store(-1)

	h := newHarness(t, harnessOptions{backoff: 200 * time.Millisecond}, a, b)

	first := h.holons.SaveHolon(context.Background(), sampleHolon("widget"))
	require.False(t, first.IsError)
	require.Eventually(t, func() bool { return b.saves.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := h.holons.SaveHolon(context.Background(), first.Value)
	require.False(t, second.IsError)
	assert.Equal(t, 2, second.Value.Version)

	h.replicator.Wait()

	// v1 first attempt, v2 first attempt, v2 retry; the v1 retry is skipped
	assert.EqualValues(t, 3, b.saves.Load())
}

func TestReplication_ConcurrencyIsBounded(t *testing.T) {
	var inflight, peak atomic.Int32
	source := newScripted(t, "source")
	replicas := make([]provider.StorageCapability, 0, 5)
	all := []provider.StorageCapability{source}
	for _, id := range []model.ProviderID{"r1", "r2", "r3", "r4", "r5"} {
		p := newScripted(t, id)
		p.delay = 40 * time.Millisecond
		p.inflight = &inflight
		p.maxInflight = &peak
		replicas = append(replicas, p)
		all = append(all, p)
	}

	h := newHarness(t, harnessOptions{maxConcurrency: 2}, all...)
	res := h.holons.SaveHolon(context.Background(), sampleHolon("widget"))
	require.False(t, res.IsError)
	h.replicator.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	for _, p := range replicas {
		assert.EqualValues(t, 1, p.(*scriptedProvider).saves.Load())
	}
}

func TestReplication_ReplicaSubset(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	c := newScripted(t, "c")

	h := newHarness(t, harnessOptions{replicas: []model.ProviderID{"c"}}, a, b, c)
	res := h.holons.SaveHolon(context.Background(), sampleHolon("widget"))
	require.False(t, res.IsError)
	h.replicator.Wait()

	assert.EqualValues(t, 0, b.saves.Load())
	assert.EqualValues(t, 1, c.saves.Load())
	assert.NotContains(t, res.Value.ReplicationStatus, model.ProviderID("b"))
}

func TestReplication_DeletePropagates(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	c := newScripted(t, "c")

	h := newHarness(t, harnessOptions{}, a, b, c)
	saved := h.holons.SaveHolon(context.Background(), sampleHolon("widget"))
	require.False(t, saved.IsError)
	h.replicator.Wait()
	require.Equal(t, 1, c.Size())

	// A replica that no longer holds the holon still counts as replicated
	c.Provider.DeleteHolon(context.Background(), saved.Value.ID, false)

	res := h.holons.DeleteHolon(context.Background(), saved.Value.ID, false)
	require.False(t, res.IsError, res.Message)
	h.replicator.Wait()

	assert.Zero(t, a.Size())
	assert.Zero(t, b.Size())
	assert.Empty(t, h.events.ofType(events.ReplicationFailed))

	// Nothing is tracked for a holon that is gone everywhere
	_, _, ok := h.replicator.Status(saved.Value.ID)
	assert.False(t, ok)
}

func TestReplication_FailedHardDeleteStaysTracked(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")

	h := newHarness(t, harnessOptions{backoff: time.Hour}, a, b)
	saved := h.holons.SaveHolon(context.Background(), sampleHolon("widget"))
	require.False(t, saved.IsError)
	h.replicator.Wait()

	b.failAll.Store(true)
	res := h.holons.DeleteHolon(context.Background(), saved.Value.ID, false)
	require.False(t, res.IsError, res.Message)
	require.Eventually(t, func() bool { return b.deletes.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		status, _, ok := h.replicator.Status(saved.Value.ID)
		return ok && status["b"].Status == model.ReplicationFailed
	}, time.Second, 5*time.Millisecond)
}

func TestReplication_HardDeleteWithoutReplicasIsForgotten(t *testing.T) {
	a := newScripted(t, "a")
	h := newHarness(t, harnessOptions{}, a)

	saved := h.holons.SaveHolon(context.Background(), sampleHolon("widget"))
	require.False(t, saved.IsError)
	_, _, ok := h.replicator.Status(saved.Value.ID)
	require.True(t, ok)

	require.False(t, h.holons.DeleteHolon(context.Background(), saved.Value.ID, false).IsError)
	_, _, ok = h.replicator.Status(saved.Value.ID)
	assert.False(t, ok)

	// A new write under the same id starts fresh tracking
	again := h.holons.SaveHolon(context.Background(), saved.Value)
	require.False(t, again.IsError)
	assert.Equal(t, 1, again.Value.Version)
	_, _, ok = h.replicator.Status(saved.Value.ID)
	assert.True(t, ok)
}

func TestReplication_SoftDeleteKeepsKeys(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")

	h := newHarness(t, harnessOptions{}, a, b)
	saved := h.holons.SaveHolon(context.Background(), sampleHolon("widget"))
	require.False(t, saved.IsError)
	h.replicator.Wait()

	res := h.holons.DeleteHolon(context.Background(), saved.Value.ID, true)
	require.False(t, res.IsError)
	h.replicator.Wait()

	loaded := b.Provider.LoadHolon(context.Background(), saved.Value.ID, 0)
	require.False(t, loaded.IsError)
	assert.True(t, loaded.Value.IsDeleted)

	_, keys, ok := h.replicator.Status(saved.Value.ID)
	require.True(t, ok)
	assert.Len(t, keys, 2)
}

func TestReplication_StopCancelsPendingRetries(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	b.failSaves.Store(-1)

	h := newHarness(t, harnessOptions{backoff: time.Hour}, a, b)
	res := h.holons.SaveHolon(context.Background(), sampleHolon("widget"))
	require.False(t, res.IsError)
	require.Eventually(t, func() bool { return b.saves.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.replicator.Stop(time.Second))
	assert.EqualValues(t, 1, b.saves.Load())
}

func TestReplication_AfterStopNothingIsScheduled(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	h := newHarness(t, harnessOptions{}, a, b)

	require.NoError(t, h.replicator.Stop(time.Second))

	holon := sampleHolon("widget")
	holon.Version = 1
	var status map[model.ProviderID]model.ReplicationState
	assert.NotPanics(t, func() {
		status = h.replicator.Replicate(WriteOp{Holon: holon}, "a")
	})
	assert.Equal(t, model.ReplicationPending, status["b"].Status)

	h.replicator.Wait()
	current, _, ok := h.replicator.Status(holon.ID)
	require.True(t, ok)
	assert.Equal(t, model.ReplicationFailed, current["b"].Status)
	assert.Contains(t, current["b"].Error, "replicator stopped")
	assert.EqualValues(t, 0, b.saves.Load())
}

func TestReplication_StopRacesWithReplicate(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	h := newHarness(t, harnessOptions{}, a, b)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			holon := sampleHolon("widget")
			holon.Version = 1
			h.replicator.Replicate(WriteOp{Holon: holon}, "a")
		}
	}()
	require.NoError(t, h.replicator.Stop(5*time.Second))
	<-done
	h.replicator.Wait()
}

func TestReplication_UnschedulableCycleIsRecorded(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	h := newHarness(t, harnessOptions{backoff: time.Hour}, a, b)

	pool := workerpool.New(workerpool.Config{Name: "stopped", Workers: 1, QueueSize: 1})
	require.NoError(t, pool.Stop(time.Second))
	replicator := NewReplicator(h.registry, pool, ReplicationOptions{
		RetryBackoff: time.Hour,
		Events:       h.events,
		Logger:       zap.NewNop(),
	})
	t.Cleanup(func() { _ = replicator.Stop(time.Second) })

	holon := sampleHolon("widget")
	holon.Version = 1
	status := replicator.Replicate(WriteOp{Holon: holon}, "a")

	assert.Equal(t, model.ReplicationReplicated, status["a"].Status)
	current, _, ok := replicator.Status(holon.ID)
	require.True(t, ok)
	assert.Equal(t, model.ReplicationFailed, current["b"].Status)
	assert.Contains(t, current["b"].Error, "not scheduled")
	assert.Len(t, h.events.ofType(events.ReplicationFailed), 1)
}

func TestReplication_TrackedKeyReplacesStaleKey(t *testing.T) {
	a := newScripted(t, "a")
	b := newScripted(t, "b")
	b.key = "b-row-1"
	h := newHarness(t, harnessOptions{}, a, b)
	ctx := context.Background()

	first := h.holons.SaveHolon(ctx, sampleHolon("widget"))
	require.False(t, first.IsError)
	h.replicator.Wait()

	loaded := h.holons.LoadHolon(ctx, first.Value.ID, 0)
	require.False(t, loaded.IsError)
	require.Equal(t, "b-row-1", loaded.Value.ProviderKeys["b"])

	// The replica hands out a new key per version
	b.key = "b-row-2"
	second := h.holons.SaveHolon(ctx, loaded.Value)
	require.False(t, second.IsError)
	h.replicator.Wait()

	_, keys, ok := h.replicator.Status(first.Value.ID)
	require.True(t, ok)
	assert.Equal(t, "b-row-2", keys["b"])

	reloaded := h.holons.LoadHolon(ctx, first.Value.ID, 0)
	require.False(t, reloaded.IsError)
	assert.Equal(t, 2, reloaded.Value.Version)
	assert.Equal(t, "b-row-2", reloaded.Value.ProviderKeys["b"])

	// Other providers' keys are not persisted with the record
	stored := a.Provider.LoadHolon(ctx, first.Value.ID, 0)
	require.False(t, stored.IsError)
	assert.NotContains(t, stored.Value.ProviderKeys, model.ProviderID("b"))
}

func TestReplication_DecorateMergesKeys(t *testing.T) {
	a := newScripted(t, "a")
	h := newHarness(t, harnessOptions{}, a)

	holon := sampleHolon("widget")
	h.replicator.MarkReplicated(holon.ID, "z", "z-key")

	h.replicator.Decorate(holon)
	assert.Equal(t, "z-key", holon.ProviderKeys["z"])
	assert.Equal(t, model.ReplicationReplicated, holon.ReplicationStatus["z"].Status)

	stale := holon.Clone()
	stale.SetProviderKey("z", "old-key")
	h.replicator.Decorate(stale)
	assert.Equal(t, "z-key", stale.ProviderKeys["z"])

	untracked := sampleHolon("other")
	h.replicator.Decorate(untracked)
	assert.Nil(t, untracked.ReplicationStatus)
}
