// Package metrics exposes Prometheus collectors for the mailbox engine:
// counters and gauges for append/expunge/compaction/quota activity,
// registered against a *prometheus.Registry the caller owns. This package
// never starts an HTTP listener itself; serving /metrics is a host
// application's concern.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every metric this engine reports. Register creates one
// bound to a given registry; all mailbox-package call sites take a
// *Collectors (or nil, in which case they skip recording).
type Collectors struct {
	Appends        prometheus.Counter
	Expunges       *prometheus.CounterVec // labeled by mailbox name
	Compactions    prometheus.Counter
	QuotaExceeded  prometheus.Counter
	QuotaUsed      *prometheus.GaugeVec // labeled by quota root
	ReconstructOps prometheus.Counter
}

// Register creates and registers a fresh Collectors set on reg. Passing a
// reg already holding same-named collectors returns an AlreadyRegisteredError
// wrapped by prometheus.Register, surfaced to the caller unchanged.
func Register(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		Appends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailbox_appends_total",
			Help: "Total messages successfully appended across all mailboxes.",
		}),
		Expunges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailbox_expunges_total",
			Help: "Total messages removed by compaction, labeled by mailbox name.",
		}, []string{"mailbox"}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailbox_compactions_total",
			Help: "Total compaction runs across all mailboxes.",
		}),
		QuotaExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailbox_quota_exceeded_total",
			Help: "Total operations rejected for exceeding a quota root's limit.",
		}),
		QuotaUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailbox_quota_used_bytes",
			Help: "Last known used-bytes value per quota root.",
		}, []string{"root"}),
		ReconstructOps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailbox_reconstruct_total",
			Help: "Total reconstruct operations run.",
		}),
	}
	for _, coll := range []prometheus.Collector{
		c.Appends, c.Expunges, c.Compactions, c.QuotaExceeded, c.QuotaUsed, c.ReconstructOps,
	} {
		if err := reg.Register(coll); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordAppend and friends are nil-safe so callers can pass a nil
// *Collectors when metrics aren't configured, without forcing every caller
// through a global singleton.

func (c *Collectors) RecordAppend() {
	if c == nil {
		return
	}
	c.Appends.Inc()
}

func (c *Collectors) RecordExpunge(mailbox string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Expunges.WithLabelValues(mailbox).Add(float64(n))
}

func (c *Collectors) RecordCompaction() {
	if c == nil {
		return
	}
	c.Compactions.Inc()
}

func (c *Collectors) RecordQuotaExceeded() {
	if c == nil {
		return
	}
	c.QuotaExceeded.Inc()
}

func (c *Collectors) SetQuotaUsed(root string, used int64) {
	if c == nil {
		return
	}
	c.QuotaUsed.WithLabelValues(root).Set(float64(used))
}

func (c *Collectors) RecordReconstruct() {
	if c == nil {
		return
	}
	c.ReconstructOps.Inc()
}
