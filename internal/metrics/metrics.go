package metrics

import (
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	CampaignStartTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_start_total", Help: "Campaign start requests."},
		[]string{"result"}, // ok | in_progress | no_audience | invalid | error
	)

	// Orchestrator
	RunTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orchestrator_run_total", Help: "Finished orchestrator runs."},
		[]string{"result"}, // ok | fatal | interrupted
	)
	RunsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "orchestrator_runs_inflight", Help: "Campaign runs in progress in this process."},
	)
	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_batch_size",
			Help:    "Messages per dispatched batch.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)
	MessageStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orchestrator_message_total", Help: "Message outcomes recorded by the orchestrator."},
		[]string{"status"}, // sent | failed
	)

	// Vendor
	VendorSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vendor_send_total", Help: "Vendor send outcomes."},
		[]string{"outcome"}, // sent | failed
	)
	VendorSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vendor_send_duration_seconds",
			Help:    "Vendor send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	ReceiptEmitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "vendor_receipt_emit_total", Help: "Delivery receipts emitted by the vendor."},
		[]string{"result"}, // ok | error
	)

	// Correlator
	ReceiptIngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "receipt_ingest_total", Help: "Delivery receipts ingested."},
		[]string{"result"}, // ok | duplicate | not_found | invalid | error
	)
	CampaignSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_settled_total", Help: "Campaign terminal transitions."},
		[]string{"status"}, // completed | failed
	)
)

var registerOnce sync.Once

// MustRegister registers our collectors with the default registry, which
// already carries the Go and process collectors. Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration, CampaignStartTotal,
			RunTotal, RunsInFlight, BatchSize, MessageStatusTotal,
			VendorSendTotal, VendorSendDuration, ReceiptEmitTotal,
			ReceiptIngestTotal, CampaignSettledTotal,
		)
	})
}

// PoolCollectors exports pgxpool statistics, read on every scrape.
func PoolCollectors(pool *pgxpool.Pool) []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}, func() float64 { return float64(pool.Stat().TotalConns()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}, func() float64 { return float64(pool.Stat().IdleConns()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}, func() float64 { return float64(pool.Stat().AcquireCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}, func() float64 { return pool.Stat().AcquireDuration().Seconds() }),
	}
}
