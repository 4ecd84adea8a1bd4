package store

import "github.com/prometheus/client_golang/prometheus"

// envMetrics exposes the store's commit, abort and writer-busy counters
// via prometheus; the free_list_head_reset corruption counter is added
// separately by registerFreeListGauge. A nil registerer (the common
// case in tests) yields unregistered but still usable counters.
type envMetrics struct {
	commits     prometheus.Counter
	aborts      prometheus.Counter
	busyRetries prometheus.Counter
}

func newEnvMetrics(reg prometheus.Registerer) *envMetrics {
	m := &envMetrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sapling_store_commits_total",
			Help: "Top-level write transactions committed.",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sapling_store_aborts_total",
			Help: "Transactions aborted.",
		}),
		busyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sapling_store_writer_busy_total",
			Help: "Begin calls that returned BUSY due to writer contention.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commits, m.aborts, m.busyRetries)
	}
	return m
}

// registerFreeListGauge hooks a GaugeFunc sampling the arena's
// corruption-hardening counter; called once the arena exists.
func (m *envMetrics) registerFreeListGauge(reg prometheus.Registerer, sample func() float64) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sapling_store_free_list_head_resets_total",
		Help: "Corrupt free-list heads discarded rather than trusted.",
	}, sample)
	if reg != nil {
		reg.MustRegister(g)
	}
}
