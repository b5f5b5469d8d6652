package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/hyperdrive/internal/events"
	"github.com/devrev/hyperdrive/internal/provider/memory"
	"github.com/devrev/hyperdrive/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newRegistry(t *testing.T, publisher events.Publisher) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Options{Events: publisher})
	require.NoError(t, reg.Register(memory.New("memory", zap.NewNop()), 1))
	require.NoError(t, reg.Register(memory.New("sqlite", zap.NewNop()), 2))
	return reg
}

func grpcStatus(hc *HealthCheck, service string) healthpb.HealthCheckResponse_ServingStatus {
	resp, err := hc.GRPCServer().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return resp.Status
}

func TestLiveness(t *testing.T) {
	hc := NewHealthCheck(newRegistry(t, nil), zap.NewNop())

	w := httptest.NewRecorder()
	hc.LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestReadiness(t *testing.T) {
	reg := newRegistry(t, nil)
	hc := NewHealthCheck(reg, zap.NewNop())

	t.Run("ready with an active provider", func(t *testing.T) {
		require.True(t, reg.Deactivate("memory", "maintenance"))

		w := httptest.NewRecorder()
		hc.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp ReadinessResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ready", resp.Status)
		assert.Equal(t, "inactive", resp.Checks["memory"])
		assert.Equal(t, "active", resp.Checks["sqlite"])
	})

	t.Run("not ready without active providers", func(t *testing.T) {
		require.True(t, reg.Deactivate("sqlite", "maintenance"))

		w := httptest.NewRecorder()
		hc.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.False(t, hc.IsReady())
	})
}

func TestGRPCStatusFollowsEvents(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()
	reg := newRegistry(t, bus)
	hc := NewHealthCheck(reg, zap.NewNop())

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, grpcStatus(hc, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, grpcStatus(hc, ServicePrefix+"memory"))

	sub := bus.Subscribe(16)
	go hc.Watch(sub)

	require.True(t, reg.Deactivate("memory", "too many failures"))
	assert.Eventually(t, func() bool {
		return grpcStatus(hc, ServicePrefix+"memory") == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, grpcStatus(hc, ""))

	require.NoError(t, reg.Activate(context.Background(), "memory"))
	assert.Eventually(t, func() bool {
		return grpcStatus(hc, ServicePrefix+"memory") == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	hc := NewHealthCheck(newRegistry(t, nil), zap.NewNop())
	hc.Shutdown()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, grpcStatus(hc, ""))
}
