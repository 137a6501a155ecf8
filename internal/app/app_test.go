package app_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/alextanhongpin/edgeflag/config"
	"github.com/alextanhongpin/edgeflag/httpedge"
	"github.com/alextanhongpin/edgeflag/internal/app"
	"github.com/alextanhongpin/edgeflag/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newCDN(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()

	b, err := os.ReadFile("../../decision/optimizely/testdata/datafile.json")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/datafiles/sdk-key.json" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newConfig(datafileURL string) config.Config {
	cfg := config.Default()
	cfg.SDKKey = "sdk-key"
	cfg.Flags = []string{"sort_algorithm"}
	cfg.DatafileURL = datafileURL
	cfg.EventsURL = "http://127.0.0.1:1"
	return cfg
}

func TestApp(t *testing.T) {
	is := assert.New(t)

	var hits atomic.Int32
	cdn := newCDN(t, &hits)

	metrics := telemetry.NewMetrics()
	a, err := app.New(newConfig(cdn.URL), logger, metrics, app.Clients{})
	require.NoError(t, err)
	defer a.Close()

	is.Nil(a.CheckDatafile(context.Background()))

	for range 3 {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Cookie", "OPTIMIZELY_USER_ID=abc-123")
		rec := httptest.NewRecorder()

		a.HTTP.ServeHTTP(rec, r)

		is.Equal(http.StatusOK, rec.Code)
		is.Equal("true", rec.Header().Get("sort_algorithm-decision"))

		var body httpedge.Body
		is.Nil(json.Unmarshal(rec.Body.Bytes(), &body))
		is.Equal("abc-123", body.VisitorID)
		is.Equal("42", body.Revision)
	}

	is.Equal(int32(1), hits.Load())
	is.Equal(float64(3), testutil.ToFloat64(metrics.Decisions.WithLabelValues("sort_algorithm", "true")))
	is.Equal(float64(1), testutil.ToFloat64(metrics.DatafileFetches.WithLabelValues("ok")))
}

func TestAppDatafileUnavailable(t *testing.T) {
	var hits atomic.Int32
	cdn := newCDN(t, &hits)

	cfg := newConfig(cdn.URL)
	cfg.SDKKey = "unknown"

	a, err := app.New(cfg, logger, nil, app.Clients{})
	require.NoError(t, err)
	defer a.Close()

	assert.Error(t, a.CheckDatafile(context.Background()))
}

func TestAppInvalidFallback(t *testing.T) {
	cfg := newConfig("http://127.0.0.1:1")
	cfg.Fallback = "retry"

	_, err := app.New(cfg, logger, nil, app.Clients{})
	assert.Error(t, err)
}
