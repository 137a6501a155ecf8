// Package telemetry holds the logging and metrics plumbing shared by the
// edge handlers.
//
//	reg := prometheus.NewRegistry()
//	m := telemetry.NewMetrics()
//	reg.MustRegister(m.Collectors()...)
//
//	cache := datafile.NewCache(fetcher, datafile.WithMetrics(m))
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements the metrics hooks of the datafile, dispatch and handler
// packages on top of prometheus collectors.
type Metrics struct {
	DatafileRequests      *prometheus.CounterVec
	DatafileFetches       *prometheus.CounterVec
	DatafileFetchDuration *prometheus.HistogramVec
	Dispatches            *prometheus.CounterVec
	Decisions             *prometheus.CounterVec
	Invocations           *prometheus.CounterVec

	// RequestDuration is partitioned by the HTTP method, route and status.
	RequestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		DatafileRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeflag_datafile_requests_total",
				Help: "Datafile reads partitioned by hit, miss or shared.",
			},
			[]string{"result"},
		),
		DatafileFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeflag_datafile_fetches_total",
				Help: "Datafile fetches against the origin.",
			},
			[]string{"result"},
		),
		DatafileFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgeflag_datafile_fetch_duration_seconds",
				Help:    "A histogram of datafile fetch latencies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeflag_dispatch_total",
				Help: "Telemetry events partitioned by ok, error or dropped.",
			},
			[]string{"result"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeflag_decisions_total",
				Help: "Flag decisions made.",
			},
			[]string{"flag", "enabled"},
		),
		Invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeflag_invocations_total",
				Help: "Edge handler invocations by trigger.",
			},
			[]string{"trigger", "result"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgeflag_request_duration_seconds",
				Help:    "A histogram of latencies for requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
}

// Collectors returns every collector so they can be registered at once.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DatafileRequests,
		m.DatafileFetches,
		m.DatafileFetchDuration,
		m.Dispatches,
		m.Decisions,
		m.Invocations,
		m.RequestDuration,
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	return nil
}

func (m *Metrics) ObserveRequest(result string) {
	m.DatafileRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveFetch(result string, d time.Duration) {
	m.DatafileFetches.WithLabelValues(result).Inc()
	m.DatafileFetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) ObserveDispatch(result string) {
	m.Dispatches.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDecision(flag string, enabled bool) {
	m.Decisions.WithLabelValues(flag, strconv.FormatBool(enabled)).Inc()
}

func (m *Metrics) ObserveInvocation(trigger, result string) {
	m.Invocations.WithLabelValues(trigger, result).Inc()
}

// RequestDurationHandler records the latency of every request served by next.
func (m *Metrics) RequestDurationHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func(start time.Time) {
			path := r.Pattern
			if path == "" {
				path = "*"
			}

			m.RequestDuration.
				WithLabelValues(r.Method, path, strconv.Itoa(wr.status)).
				Observe(time.Since(start).Seconds())
		}(time.Now())

		next.ServeHTTP(wr, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}

	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
