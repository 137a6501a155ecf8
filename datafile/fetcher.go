package datafile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultBaseURL is the CDN that serves datafiles by SDK key.
const DefaultBaseURL = "https://cdn.optimizely.com"

// maxBodySize caps how much of an origin response is read.
const maxBodySize = 10 << 20

// HTTPFetcher fetches datafiles from {baseURL}/datafiles/{key}.json.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher returns a fetcher for baseURL. An empty baseURL means
// DefaultBaseURL and a nil client means http.DefaultClient. The client's
// Transport decides how the request leaves the process, so edge runtimes can
// plug in their own backend transport.
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPFetcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// URL returns the location of the datafile for key.
func (f *HTTPFetcher) URL(key string) string {
	return f.baseURL + "/datafiles/" + url.PathEscape(key) + ".json"
}

func (f *HTTPFetcher) Fetch(ctx context.Context, key string) (Datafile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(key), nil)
	if err != nil {
		return Datafile{}, &FetchError{Key: key, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Datafile{}, &FetchError{Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

		return Datafile{}, &FetchError{
			Key:        key,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %q", resp.Status),
		}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Datafile{}, &FetchError{Key: key, Err: err}
	}

	return Parse(key, b)
}
