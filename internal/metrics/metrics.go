// Package metrics exposes Prometheus counters/gauges/histograms for the
// inference-serving façade: token throughput, session lifecycle, sampler
// behavior, and the HTTP surface in front of them. Only the server
// (InferenceTokensTotal, LogitComparison*, ServerQueueDepth) and HTTP
// (HTTPRequest*) collectors are updated by this module; the rest are
// registered and exported but nothing records into them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InferenceTokensTotal counts tokens generated across all sessions.
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_tokens_total",
		Help: "The total number of tokens generated",
	})

	// InferenceDuration is the histogram for the wall-clock time of a
	// single decode step; nothing in this module observes into it.
	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inference_decode_duration_seconds",
		Help:    "Duration of a single Session decode step",
		Buckets: prometheus.DefBuckets,
	})

	// SessionsStarted is the counter for Session.New calls; nothing in
	// this module increments it.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_started_total",
		Help: "Total number of sessions started",
	})

	// SessionsActive is the gauge for how many Instances have a live
	// Session; nothing in this module sets it.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Number of sessions currently live across all instances",
	})

	// ContextShiftsTotal is the counter for rolling context-shift
	// evictions in doDecode; nothing in this module increments it.
	ContextShiftsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "context_shifts_total",
		Help: "Total number of context-shift KV cache evictions",
	})

	// SelfExtendShiftsTotal is the counter for group-attention
	// self-extend remaps, distinct from plain rolling context shift;
	// nothing in this module increments it.
	SelfExtendShiftsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "self_extend_shifts_total",
		Help: "Total number of group-attention self-extend KV cache remaps",
	})

	// SamplerGrammarResamplesTotal is the counter for Sample()
	// resample-on-violation fallbacks, where the chain's first choice
	// failed the grammar and a grammar-constrained refill ran; nothing in
	// this module increments it.
	SamplerGrammarResamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sampler_grammar_resamples_total",
		Help: "Total number of times the sampler had to resample after a grammar violation",
	})

	// SamplerMirostatSurprise is the histogram for mirostat's per-token
	// surprise value; nothing in this module observes into it.
	SamplerMirostatSurprise = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sampler_mirostat_surprise",
		Help:    "Distribution of mirostat's observed surprise value",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 8, 10, 15},
	})

	// AntipromptMatchesTotal is the counter for FeedGeneratedText
	// completions, labeled by which configured antiprompt matched;
	// nothing in this module increments it.
	AntipromptMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "antiprompt_matches_total",
		Help: "Total number of antiprompt matches that ended generation",
	}, []string{"antiprompt"})

	// LogitComparisonDivergence tracks LogitComparer.Compare's distance
	// metric across verify requests, as a guard against silent backend
	// drift between a reference and candidate decode path.
	LogitComparisonDivergence = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logit_comparison_divergence",
		Help:    "Distribution of LogitComparer relative distance across verify requests",
		Buckets: []float64{0, 0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// LogitComparisonTop1Mismatches counts verify requests whose top-1
	// predicted token disagreed between the two compared logit rows.
	LogitComparisonTop1Mismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logit_comparison_top1_mismatches_total",
		Help: "Total number of LogitComparer comparisons where the top-1 token differed",
	})

	// EmbeddingRequestsTotal is the counter for embedding extraction
	// calls; nothing in this module increments it.
	EmbeddingRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "embedding_requests_total",
		Help: "Total number of embedding extraction requests served",
	})

	// HTTPRequestDuration tracks request latency per route and status code.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	// HTTPRequestsInFlight tracks concurrently-processing HTTP requests.
	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "http_requests_in_flight",
		Help: "Number of HTTP requests currently being served",
	})

	// ServerQueueDepth tracks how many jobs are waiting on the Server's
	// single-worker queue.
	ServerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "server_queue_depth",
		Help: "Number of jobs queued awaiting the single inference worker",
	})
)
