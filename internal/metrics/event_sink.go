package metrics

import (
	"github.com/devrev/hyperdrive/internal/events"
)

// ActiveCounter reports how many providers are active
type ActiveCounter interface {
	ActiveCount() int
}

// EventSink updates provider metrics from the event feed until the
// subscription closes. Run it in its own goroutine.
func (m *Metrics) EventSink(sub *events.Subscription, providers ActiveCounter) {
	m.UpdateProvidersActive(providers.ActiveCount())

	for e := range sub.C {
		switch e.Type {
		case events.ProviderDeactivated:
			m.RecordDeactivation(e.ProviderID)
			m.UpdateProvidersActive(providers.ActiveCount())
		case events.ProviderActivated:
			m.UpdateProvidersActive(providers.ActiveCount())
		}
	}
}
