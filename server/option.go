package server

import (
	"net/http"
	"time"
)

// Option adjusts the server built by New. Zero durations leave the
// defaults in place.
type Option interface {
	Apply(s *http.Server)
}

// ReadTimeout bounds reading the whole request, body included.
type ReadTimeout time.Duration

func (d ReadTimeout) Apply(s *http.Server) {
	if d > 0 {
		s.ReadTimeout = time.Duration(d)
	}
}

// WriteTimeout bounds the time from the end of the request headers to the
// end of the response. It must outlast HandlerTimeout for the 503 to reach
// the client.
type WriteTimeout time.Duration

func (d WriteTimeout) Apply(s *http.Server) {
	if d > 0 {
		s.WriteTimeout = time.Duration(d)
	}
}

// HandlerTimeout answers 503 with Message when the handler has not finished
// within Duration.
type HandlerTimeout struct {
	Duration time.Duration
	Message  string
}

func (t HandlerTimeout) Apply(s *http.Server) {
	if t.Duration > 0 {
		s.Handler = http.TimeoutHandler(s.Handler, t.Duration, t.Message)
	}
}
