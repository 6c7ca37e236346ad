// Package metrics registers the process-wide Prometheus collectors the core
// exposes for its own observability (TXG generation numbers, space-map
// alloc/free bytes, rebuild watermark, vdev error counters). Ambient
// concern, carried regardless of the dataset-layer Non-goals (SPEC_FULL.md
// AMBIENT STACK).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TxgOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spa", Subsystem: "txg", Name: "open", Help: "current open txg",
	})
	TxgQuiescing = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spa", Subsystem: "txg", Name: "quiescing", Help: "current quiescing txg (0 if none)",
	})
	TxgSyncing = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spa", Subsystem: "txg", Name: "syncing", Help: "current syncing txg (0 if none)",
	})
	TxgSynced = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spa", Subsystem: "txg", Name: "synced", Help: "last fully synced txg",
	})
	TxgSyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spa", Subsystem: "txg", Name: "sync_seconds", Help: "spa_sync wall time",
	})

	SpaceMapAllocBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spa", Subsystem: "spacemap", Name: "alloc_bytes", Help: "live allocated bytes per space map object",
	}, []string{"object"})
	SpaceMapObjSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spa", Subsystem: "spacemap", Name: "objsize_bytes", Help: "on-disk object size per space map",
	}, []string{"object"})

	VdevErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spa", Subsystem: "vdev", Name: "errors_total", Help: "leaf I/O errors by kind",
	}, []string{"vdev", "kind"})

	RebuildOutstandingBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spa", Subsystem: "rebuild", Name: "outstanding_bytes", Help: "in-flight reconstruction I/O bytes",
	}, []string{"vdev"})
	RebuildMetaslabsDone = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spa", Subsystem: "rebuild", Name: "metaslabs_done", Help: "highest contiguous completed metaslab index",
	}, []string{"vdev"})
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		TxgOpen, TxgQuiescing, TxgSyncing, TxgSynced, TxgSyncDuration,
		SpaceMapAllocBytes, SpaceMapObjSize,
		VdevErrors,
		RebuildOutstandingBytes, RebuildMetaslabsDone,
	)
}
