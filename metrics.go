package jlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// logMetrics instruments the journal the way the teacher's walMetrics
// instruments its WAL: counters for the hot paths (append, resync, repair,
// retention) plus a gauge for the current writable segment.
type logMetrics struct {
	appends           prometheus.Counter
	bytesWritten      prometheus.Counter
	rotations         prometheus.Counter
	resyncs           prometheus.Counter
	resyncRetries     prometheus.Counter
	repairs           *prometheus.CounterVec
	holesRemoved      prometheus.Counter
	segmentsRemoved   prometheus.Counter
	checkpointAdvance prometheus.Counter
	currentStorageLog prometheus.Gauge
}

func newLogMetrics(reg prometheus.Registerer) *logMetrics {
	return &logMetrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "jlog_appends_total",
			Help: "Number of records appended to the journal.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "jlog_bytes_written_total",
			Help: "Payload bytes appended to the journal, excluding record headers.",
		}),
		rotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "jlog_segment_rotations_total",
			Help: "Number of times the writer rotated to a new segment.",
		}),
		resyncs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "jlog_index_resyncs_total",
			Help: "Number of index resync passes performed.",
		}),
		resyncRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "jlog_index_resync_retries_total",
			Help: "Number of times an index resync was retried after corruption.",
		}),
		repairs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "jlog_repairs_total",
			Help: "Number of repair invocations, labeled by outcome.",
		}, []string{"outcome"}),
		holesRemoved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "jlog_repair_holes_removed_total",
			Help: "Number of corrupt byte ranges coalesced and removed by datafile repair.",
		}),
		segmentsRemoved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "jlog_segments_removed_total",
			Help: "Number of segment files removed by retention.",
		}),
		checkpointAdvance: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "jlog_checkpoint_advances_total",
			Help: "Number of times a subscriber checkpoint was advanced.",
		}),
		currentStorageLog: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "jlog_current_storage_log",
			Help: "LogID of the current writable segment.",
		}),
	}
}
