package events

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogSink writes every event from sub to the logger until the
// subscription closes. Run it in its own goroutine.
func LogSink(sub *Subscription, logger *zap.Logger) {
	for e := range sub.C {
		fields := []zap.Field{
			zap.String("event_type", string(e.Type)),
			zap.String("provider_id", e.ProviderID.String()),
			zap.Time("timestamp", e.Timestamp),
		}
		if e.HolonID != uuid.Nil {
			fields = append(fields, zap.String("holon_id", e.HolonID.String()))
		}
		if e.Reason != "" {
			fields = append(fields, zap.String("reason", e.Reason))
		}

		switch e.Type {
		case ProviderDeactivated, ReplicationFailed:
			logger.Warn("HyperDrive event", fields...)
		default:
			logger.Info("HyperDrive event", fields...)
		}
	}
}
