package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RewardsMetrics aggregates the counters and gauges for both claim paths.
type RewardsMetrics struct {
	snapshotsCreated *prometheus.CounterVec
	snapshotTotal    *prometheus.GaugeVec
	batchClaims      *prometheus.CounterVec
	voucherClaims    *prometheus.CounterVec
	voucherGranted   prometheus.Counter
}

var (
	rewardsOnce     sync.Once
	rewardsRegistry *RewardsMetrics
)

// Rewards returns the process-wide metrics registry, registering the
// collectors on first use.
func Rewards() *RewardsMetrics {
	rewardsOnce.Do(func() {
		rewardsRegistry = &RewardsMetrics{
			snapshotsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewardhub_snapshots_created_total",
				Help: "Count of snapshot build attempts by outcome.",
			}, []string{"outcome"}),
			snapshotTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "rewardhub_snapshot_entitled",
				Help: "Total entitled amount committed per period.",
			}, []string{"period"}),
			batchClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewardhub_batch_claims_total",
				Help: "Count of batch claim attempts by outcome.",
			}, []string{"outcome"}),
			voucherClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewardhub_voucher_claims_total",
				Help: "Count of voucher claim attempts by outcome.",
			}, []string{"outcome"}),
			voucherGranted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewardhub_voucher_granted_claims_total",
				Help: "Count of granted voucher claims.",
			}),
		}
		prometheus.MustRegister(
			rewardsRegistry.snapshotsCreated,
			rewardsRegistry.snapshotTotal,
			rewardsRegistry.batchClaims,
			rewardsRegistry.voucherClaims,
			rewardsRegistry.voucherGranted,
		)
	})
	return rewardsRegistry
}

func (m *RewardsMetrics) SnapshotCreated(outcome string, periodID uint64, entitled float64) {
	if m == nil {
		return
	}
	m.snapshotsCreated.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		m.snapshotTotal.WithLabelValues(strconv.FormatUint(periodID, 10)).Set(entitled)
	}
}

func (m *RewardsMetrics) BatchClaim(outcome string) {
	if m == nil {
		return
	}
	m.batchClaims.WithLabelValues(outcome).Inc()
}

func (m *RewardsMetrics) VoucherClaim(outcome string) {
	if m == nil {
		return
	}
	m.voucherClaims.WithLabelValues(outcome).Inc()
	if outcome == "granted" {
		m.voucherGranted.Inc()
	}
}
