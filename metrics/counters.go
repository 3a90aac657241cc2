package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "oidfed_trust_anchor"

// Counters groups the service counters. A nil *Counters is valid and drops
// every observation, which keeps components usable without a metrics server.
type Counters struct {
	registrations        *prometheus.CounterVec
	statementsIssued     *prometheus.CounterVec
	remoteFetchFailures  prometheus.Counter
	validationRejections prometheus.Counter
	archiveFailures      prometheus.Counter
}

func NewCounters() *Counters {
	return &Counters{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Entity registration attempts by result.",
		}, []string{"result"}),
		statementsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statements_issued_total",
			Help:      "Signed entity statements by kind (self, subordinate).",
		}, []string{"kind"}),
		remoteFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_fetch_failures_total",
			Help:      "Failed fetches of remote entity configurations.",
		}),
		validationRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Registrations rejected by validation rules.",
		}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_failures_total",
			Help:      "Statements that could not be written to the archive.",
		}),
	}
}

func (c *Counters) register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		c.registrations,
		c.statementsIssued,
		c.remoteFetchFailures,
		c.validationRejections,
		c.archiveFailures,
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (c *Counters) Registration(result string) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(result).Inc()
}

func (c *Counters) StatementIssued(kind string) {
	if c == nil {
		return
	}
	c.statementsIssued.WithLabelValues(kind).Inc()
}

func (c *Counters) RemoteFetchFailure() {
	if c == nil {
		return
	}
	c.remoteFetchFailures.Inc()
}

func (c *Counters) ValidationRejection() {
	if c == nil {
		return
	}
	c.validationRejections.Inc()
}

func (c *Counters) ArchiveFailure() {
	if c == nil {
		return
	}
	c.archiveFailures.Inc()
}
