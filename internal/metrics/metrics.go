package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	RoundsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "airfeeld_rounds_started_total",
			Help: "Rounds handed out to players",
		},
	)

	GuessesSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airfeeld_guesses_total",
			Help: "Accepted guesses by attempt number and outcome",
		},
		[]string{"attempt", "correct"},
	)

	GuessesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airfeeld_guesses_rejected_total",
			Help: "Rejected guess submissions by reason",
		},
		[]string{"reason"},
	)

	RoundsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airfeeld_rounds_finished_total",
			Help: "Rounds that reached a terminal state",
		},
		[]string{"state"},
	)

	AdjustedScores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "airfeeld_adjusted_score",
			Help:    "Adjusted score of completed rounds",
			Buckets: []float64{0, 3, 5, 9, 10, 15, 20, 30},
		},
	)

	AggregatorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airfeeld_difficulty_runs_total",
			Help: "Difficulty aggregator runs by result",
		},
		[]string{"result"},
	)

	AdjusterRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airfeeld_retroactive_runs_total",
			Help: "Retroactive adjustment passes by result",
		},
		[]string{"result"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airfeeld_job_duration_seconds",
			Help:    "Duration of background jobs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			RoundsStarted,
			GuessesSubmitted,
			GuessesRejected,
			RoundsFinished,
			AdjustedScores,
			AggregatorRuns,
			AdjusterRuns,
			JobDuration,
		)
	})
}

// Middleware records request counts and latency per chi route pattern
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		RequestCounter.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records how long a background job took
func ObserveJob(job string, start time.Time) {
	JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}
