package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "voicerelay_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "relay"},
		},
		[]string{"date", "sha", "version"},
	)

	channelOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicerelay_channel_opens_total",
			Help: "Native channel open attempts",
		},
		[]string{"outcome"},
	)

	channelCloses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicerelay_channel_closes_total",
			Help: "Native channel lifetimes that ended",
		},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicerelay_requests_total",
			Help: "Terminal outcomes of relayed requests",
		},
		[]string{"command", "outcome"},
	)

	pending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicerelay_pending_requests",
			Help: "Requests awaiting a response from the native host",
		},
	)

	droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicerelay_dropped_frames_total",
			Help: "Inbound frames that could not be routed to a caller",
		},
		[]string{"reason"},
	)

	roundTrip = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voicerelay_round_trip_seconds",
			Help:    "Time between submitting a request and receiving its response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	mailboxOverflow = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicerelay_mailbox_overflow_total",
			Help: "Results discarded because a caller mailbox was full",
		},
	)

	mailboxEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicerelay_mailbox_evictions_total",
			Help: "Idle caller mailboxes discarded",
		},
	)

	mailboxEvictedResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicerelay_mailbox_evicted_results_total",
			Help: "Unread results discarded with an idle mailbox",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, channelOpens, channelCloses, requests, pending, droppedFrames, roundTrip, mailboxOverflow, mailboxEvictions, mailboxEvictedResults)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordChannelOpen counts an open attempt.
func RecordChannelOpen(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	channelOpens.WithLabelValues(outcome).Inc()
}

// RecordChannelClosed counts the end of a channel lifetime.
func RecordChannelClosed() { channelCloses.Inc() }

// RecordRequest counts a request's terminal outcome ("ok", "error" or a
// relay error code).
func RecordRequest(command, outcome string) {
	requests.WithLabelValues(command, outcome).Inc()
}

// SetPending reports the size of the pending request table.
func SetPending(n int) { pending.Set(float64(n)) }

// RecordDroppedFrame counts an inbound frame that reached no caller.
func RecordDroppedFrame(reason string) {
	droppedFrames.WithLabelValues(reason).Inc()
}

// ObserveRoundTrip records the latency of an answered request.
func ObserveRoundTrip(command string, d time.Duration) {
	roundTrip.WithLabelValues(command).Observe(d.Seconds())
}

// RecordMailboxOverflow counts a result evicted from a full mailbox.
func RecordMailboxOverflow() { mailboxOverflow.Inc() }

// RecordMailboxEvicted counts an idle mailbox dropped with unread results.
func RecordMailboxEvicted(unread int) {
	mailboxEvictions.Inc()
	mailboxEvictedResults.Add(float64(unread))
}
