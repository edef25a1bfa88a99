// Package prom exports caskv hook events as Prometheus counters.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/caskv"
)

const namespace = "caskv"

// Hooks counts events per store namespace. Register it once per process and
// share it between KV handles.
type Hooks struct {
	conflicts     *prometheus.CounterVec
	retries       *prometheus.CounterVec
	exhausted     *prometheus.CounterVec
	reaped        *prometheus.CounterVec
	storageFaults *prometheus.CounterVec
	retryAttempt  *prometheus.HistogramVec
}

var _ caskv.Hooks = (*Hooks)(nil)

// New registers the collectors on reg. A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Hooks, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	h := &Hooks{
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Number of failed CAS or delete predicates.",
		}, []string{"ns"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transact_retries_total",
			Help:      "Number of transaction attempts lost to a concurrent writer.",
		}, []string{"ns"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transact_exhausted_total",
			Help:      "Number of transactions that gave up after their retry budget.",
		}, []string{"ns"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_entries_total",
			Help:      "Number of expired entries removed by the reaper.",
		}, []string{"ns"}),
		storageFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_faults_total",
			Help:      "Number of backend or codec failures by operation.",
		}, []string{"ns", "op"}),
		retryAttempt: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transact_retry_attempt",
			Help:      "Attempt number at which transactions lost a race.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}, []string{"ns"}),
	}
	for _, c := range []prometheus.Collector{h.conflicts, h.retries, h.exhausted, h.reaped, h.storageFaults, h.retryAttempt} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// MustNew is New that panics on registration errors.
func MustNew(reg prometheus.Registerer) *Hooks {
	h, err := New(reg)
	if err != nil {
		panic(err)
	}
	return h
}

func (h *Hooks) Conflict(ns, _ string) { h.conflicts.WithLabelValues(ns).Inc() }

func (h *Hooks) TransactRetry(ns string, _, attempt int) {
	h.retries.WithLabelValues(ns).Inc()
	h.retryAttempt.WithLabelValues(ns).Observe(float64(attempt))
}

func (h *Hooks) RetriesExhausted(ns string, _ int) { h.exhausted.WithLabelValues(ns).Inc() }

func (h *Hooks) Reaped(ns string, removed int) { h.reaped.WithLabelValues(ns).Add(float64(removed)) }

func (h *Hooks) StorageFault(ns, op string, _ error) { h.storageFaults.WithLabelValues(ns, op).Inc() }
