package access

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Role change outcomes recorded by RoleChanges.
const (
	resultApplied     = "applied"
	resultDenied      = "denied"
	resultUnconfirmed = "unconfirmed"
	resultFailed      = "failed"
)

// Metrics holds the access counters.
type Metrics struct {
	Transitions  *prometheus.CounterVec
	StaleFetches prometheus.Counter
	RoleChanges  *prometheus.CounterVec
}

// NewMetrics creates the access counters and registers them with registry
// when it is not nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gymops_access_transitions_total",
				Help: "Access context states published, by state",
			},
			[]string{"state"},
		),
		StaleFetches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gymops_access_stale_fetches_total",
				Help: "Access context fetches discarded because a newer event superseded them",
			},
		),
		RoleChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gymops_role_changes_total",
				Help: "Role change requests, by result",
			},
			[]string{"result"},
		),
	}

	if registry != nil {
		registry.MustRegister(m.Transitions, m.StaleFetches, m.RoleChanges)
	}

	return m
}
