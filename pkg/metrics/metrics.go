package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and gauges for the synchronization core. Registered on the
// default registry; the daemon exposes them via promhttp at /metrics.
var (
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgsync_ingest_total",
		Help: "Confirmed messages accepted into the store, by source channel.",
	}, []string{"source"})

	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_dedup_hits_total",
		Help: "Ingested messages that matched an already-stored id.",
	})

	OptimisticReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_optimistic_replaced_total",
		Help: "Optimistic entries replaced by a server-confirmed message.",
	})

	PollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_poll_ticks_total",
		Help: "Poll fetches started.",
	})

	PollSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_poll_skipped_total",
		Help: "Poll ticks skipped because the prior fetch was still in flight.",
	})

	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_poll_errors_total",
		Help: "Poll fetches that failed (swallowed and retried next tick).",
	})

	PushReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_push_reconnects_total",
		Help: "Push channel reconnect attempts after the initial connect.",
	})

	PushDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_push_dropped_total",
		Help: "Push events dropped for threads not currently activated.",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_send_failures_total",
		Help: "Sends where both the push channel and the HTTP fallback failed.",
	})

	SendRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_send_retries_total",
		Help: "Retries of previously failed sends.",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "msgsync_active_subscriptions",
		Help: "Threads currently activated for delivery.",
	})
)
