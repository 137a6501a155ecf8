package datafile

import "time"

// Request results reported to Metrics.ObserveRequest.
const (
	ResultHit    = "hit"
	ResultMiss   = "miss"
	ResultShared = "shared"
)

// Fetch results reported to Metrics.ObserveFetch.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics receives cache activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveRequest(result string)
	ObserveFetch(result string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string) {}

func (noopMetrics) ObserveFetch(string, time.Duration) {}
