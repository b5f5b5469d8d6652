// Package health reports liveness and readiness over HTTP and the standard
// gRPC health protocol. The service is ready while at least one provider is
// active; each provider is also exposed as its own gRPC health service.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/devrev/hyperdrive/internal/events"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/registry"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix prefixes the gRPC health service name of each provider
const ServicePrefix = "hyperdrive.provider."

// StatusLister lists provider state
type StatusLister interface {
	List() []registry.Status
}

// HealthCheck manages health check functionality.
type HealthCheck struct {
	providers StatusLister
	grpc      *health.Server
	logger    *zap.Logger
}

// NewHealthCheck creates a HealthCheck and publishes the initial gRPC status.
func NewHealthCheck(providers StatusLister, logger *zap.Logger) *HealthCheck {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthCheck{
		providers: providers,
		grpc:      health.NewServer(),
		logger:    logger,
	}
	hc.Sync()
	return hc
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string                      `json:"status"`
	Checks map[model.ProviderID]string `json:"checks,omitempty"`
}

// LivenessHandler handles GET /health/live.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /health/ready.
// Returns 200 OK while at least one provider is active.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready, checks := hc.check()
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "not_ready", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: checks})
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	ready, _ := hc.check()
	return ready
}

// GRPCServer returns the gRPC health service to register on a grpc.Server.
func (hc *HealthCheck) GRPCServer() healthpb.HealthServer {
	return hc.grpc
}

// Sync copies provider state into the gRPC health service.
func (hc *HealthCheck) Sync() {
	ready, checks := hc.check()
	for id, state := range checks {
		hc.grpc.SetServingStatus(ServicePrefix+id.String(), servingStatus(state == "active"))
	}
	hc.grpc.SetServingStatus("", servingStatus(ready))
}

// Watch re-syncs on every registry event until the subscription closes.
// Run it in its own goroutine.
func (hc *HealthCheck) Watch(sub *events.Subscription) {
	for e := range sub.C {
		if e.Type == events.ProviderActivated || e.Type == events.ProviderDeactivated {
			hc.Sync()
			hc.logger.Debug("Health status synced",
				zap.String("event", string(e.Type)),
				zap.String("provider_id", e.ProviderID.String()))
		}
	}
}

// Shutdown reports NOT_SERVING for every service and ignores later updates.
func (hc *HealthCheck) Shutdown() {
	hc.grpc.Shutdown()
}

func (hc *HealthCheck) check() (bool, map[model.ProviderID]string) {
	statuses := hc.providers.List()
	checks := make(map[model.ProviderID]string, len(statuses))
	ready := false
	for _, s := range statuses {
		if s.Active {
			checks[s.ID] = "active"
			ready = true
		} else {
			checks[s.ID] = "inactive"
		}
	}
	return ready, checks
}

func servingStatus(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
