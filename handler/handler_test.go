package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"sync"
	"testing"

	"github.com/alextanhongpin/edgeflag/datafile"
	"github.com/alextanhongpin/edgeflag/decision"
	"github.com/alextanhongpin/edgeflag/edge"
	"github.com/alextanhongpin/edgeflag/handler"
	"github.com/alextanhongpin/edgeflag/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sdkKey = "sdk-key"

var setCookieRe = regexp.MustCompile(`^OPTIMIZELY_USER_ID=[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}; Path=/; Secure; HttpOnly$`)

type stubDatafiles struct {
	df    datafile.Datafile
	err   error
	stale *datafile.Datafile
	keys  []string
}

func (s *stubDatafiles) Get(ctx context.Context, key string) (datafile.Datafile, error) {
	s.keys = append(s.keys, key)
	return s.df, s.err
}

func (s *stubDatafiles) LastKnownGood(key string) (datafile.Datafile, bool) {
	if s.stale == nil {
		return datafile.Datafile{}, false
	}

	return *s.stale, true
}

// enabledFor enables every requested flag for visitor "abc-123" only.
var enabledFor = decision.EngineFunc(func(ctx context.Context, df datafile.Datafile, user decision.User, flagKeys []string) (map[string]decision.Decision, error) {
	out := make(map[string]decision.Decision)
	for _, k := range flagKeys {
		out[k] = decision.Decision{FlagKey: k, Enabled: user.ID == "abc-123", VariationKey: df.Revision}
	}
	return out, nil
})

type recordingMetrics struct {
	mu          sync.Mutex
	decisions   map[string]bool
	invocations map[string]int
}

func (m *recordingMetrics) ObserveDecision(flag string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.decisions == nil {
		m.decisions = make(map[string]bool)
	}
	m.decisions[flag] = enabled
}

func (m *recordingMetrics) ObserveInvocation(trigger, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.invocations == nil {
		m.invocations = make(map[string]int)
	}
	m.invocations[trigger+":"+result]++
}

func viewerRequest(cookie string) *edge.Event {
	h := edge.NewHeaderSet()
	h.Add("Host", "example.com")
	if cookie != "" {
		h.Add("Cookie", cookie)
	}

	return &edge.Event{
		Trigger: edge.TriggerViewerRequest,
		Request: &edge.Request{Method: "GET", URI: "/", Headers: h},
	}
}

func TestViewerRequest(t *testing.T) {
	df := datafile.Datafile{Key: sdkKey, Revision: "42", Raw: []byte(`{}`)}

	t.Run("known visitor", func(t *testing.T) {
		is := assert.New(t)

		m := &recordingMetrics{}
		ds := &stubDatafiles{df: df}
		h := handler.New(sdkKey, ds, enabledFor, handler.WithFlags("sort_algorithm"), handler.WithMetrics(m))

		ev := viewerRequest("OPTIMIZELY_USER_ID=abc-123")
		res, err := h.Handle(context.Background(), ev)
		require.NoError(t, err)

		is.Nil(res.Response)
		is.Equal("true", res.Request.Headers.First("sort_algorithm-decision"))
		is.Equal([]string{"OPTIMIZELY_USER_ID=abc-123"}, res.Request.Headers.Values("cookie"))
		is.Empty(res.Request.Headers.Values("set-cookie"))
		is.Equal([]string{sdkKey}, ds.keys)

		// The incoming request is left untouched.
		is.Empty(ev.Request.Headers.Values("sort_algorithm-decision"))

		is.Equal(map[string]bool{"sort_algorithm": true}, m.decisions)
		is.Equal(map[string]int{"viewer-request:ok": 1}, m.invocations)
	})

	t.Run("new visitor", func(t *testing.T) {
		is := assert.New(t)

		h := handler.New(sdkKey, &stubDatafiles{df: df}, enabledFor, handler.WithFlags("sort_algorithm"))

		res, err := h.Handle(context.Background(), viewerRequest("theme=dark"))
		require.NoError(t, err)

		is.Equal("false", res.Request.Headers.First("sort_algorithm-decision"))

		cookies := res.Request.Headers.Values("cookie")
		is.Len(cookies, 2)
		is.Equal("theme=dark", cookies[0])

		id, ok := h.Resolver().Resolve(res.Request.Headers)
		is.True(ok)
		is.Equal("OPTIMIZELY_USER_ID="+id, cookies[1])
	})

	t.Run("attributes", func(t *testing.T) {
		var got decision.User
		engine := decision.EngineFunc(func(ctx context.Context, df datafile.Datafile, user decision.User, flagKeys []string) (map[string]decision.Decision, error) {
			got = user
			return nil, nil
		})

		h := handler.New(sdkKey, &stubDatafiles{df: df}, engine, handler.WithAttributes(func(r *edge.Request) map[string]any {
			return map[string]any{"host": r.Headers.First("host")}
		}))

		_, err := h.Handle(context.Background(), viewerRequest("OPTIMIZELY_USER_ID=abc-123"))
		require.NoError(t, err)
		assert.Equal(t, decision.User{ID: "abc-123", Attributes: map[string]any{"host": "example.com"}}, got)
	})
}

func TestDecideNewVisitor(t *testing.T) {
	is := assert.New(t)

	h := handler.New(sdkKey, &stubDatafiles{df: datafile.Datafile{Revision: "1"}}, enabledFor,
		handler.WithFlags("sort_algorithm"),
		handler.WithResolver(identity.New(identity.WithIDFunc(func() string { return "minted" }))),
	)

	req := &edge.Request{Method: "GET", URI: "/", Headers: edge.NewHeaderSet()}
	o := h.Decide(context.Background(), req)

	is.Equal(identity.Visitor{ID: "minted", New: true}, o.Visitor)
	is.Equal("OPTIMIZELY_USER_ID=minted; Path=/; Secure; HttpOnly", o.SetCookie)
	is.Equal([]string{"OPTIMIZELY_USER_ID=minted"}, o.Request.Headers.Values("cookie"))
	is.Nil(o.Request.Headers.Get("set-cookie"))
	is.Equal(0, req.Headers.Len())
}

func TestViewerRequestRespond(t *testing.T) {
	df := datafile.Datafile{Key: sdkKey, Revision: "42", Raw: []byte(`{}`)}

	t.Run("single flag", func(t *testing.T) {
		is := assert.New(t)

		h := handler.New(sdkKey, &stubDatafiles{df: df}, enabledFor,
			handler.WithFlags("sort_algorithm"),
			handler.WithRespond(true),
		)
		is.True(h.Respond())

		res, err := h.Handle(context.Background(), viewerRequest(""))
		require.NoError(t, err)

		is.Nil(res.Request)
		is.Equal(http.StatusOK, res.Response.Status)
		is.Equal("OK", res.Response.StatusDescription)
		is.JSONEq(`{"key":"sort_algorithm-decision","value":"Enabled: false"}`, res.Response.Body)
		is.Equal("application/json", res.Response.Headers.First("content-type"))
		is.Regexp(setCookieRe, res.Response.Headers.First("set-cookie"))
		is.Equal("no-store, private", res.Response.Headers.First("cache-control"))
	})

	t.Run("several flags", func(t *testing.T) {
		is := assert.New(t)

		h := handler.New(sdkKey, &stubDatafiles{df: df}, enabledFor,
			handler.WithFlags("b_flag", "a_flag"),
			handler.WithRespond(true),
		)

		res, err := h.Handle(context.Background(), viewerRequest("OPTIMIZELY_USER_ID=abc-123"))
		require.NoError(t, err)

		is.JSONEq(`[
			{"key":"a_flag-decision","value":"Enabled: true"},
			{"key":"b_flag-decision","value":"Enabled: true"}
		]`, res.Response.Body)
		is.Empty(res.Response.Headers.Values("set-cookie"))
		is.Equal("true", res.Response.Headers.First("a_flag-decision"))
	})

	t.Run("datafile failure", func(t *testing.T) {
		is := assert.New(t)

		m := &recordingMetrics{}
		h := handler.New(sdkKey, &stubDatafiles{err: &datafile.FetchError{Key: sdkKey, StatusCode: 500}}, enabledFor,
			handler.WithRespond(true),
			handler.WithMetrics(m),
		)

		res, err := h.Handle(context.Background(), viewerRequest(""))
		require.NoError(t, err)

		is.Equal(http.StatusServiceUnavailable, res.Response.Status)
		is.Equal("Service Unavailable", res.Response.StatusDescription)
		// The minted id is still persisted.
		is.Regexp(setCookieRe, res.Response.Headers.First("set-cookie"))
		is.Equal(map[string]int{"viewer-request:fallback": 1}, m.invocations)
	})
}

func TestFallback(t *testing.T) {
	fetchErr := &datafile.FetchError{Key: sdkKey, Err: errors.New("timeout")}
	stale := datafile.Datafile{Key: sdkKey, Revision: "41", Raw: []byte(`{}`)}

	t.Run("none forwards without decisions", func(t *testing.T) {
		is := assert.New(t)

		h := handler.New(sdkKey, &stubDatafiles{err: fetchErr, stale: &stale}, enabledFor, handler.WithFlags("f"))

		o := h.Decide(context.Background(), viewerRequest("OPTIMIZELY_USER_ID=abc-123").Request)
		is.ErrorIs(o.Err, fetchErr)
		is.Empty(o.Decisions)
		is.Empty(o.Request.Headers.Values("f-decision"))
	})

	t.Run("stale uses last known good", func(t *testing.T) {
		assert.Equal(t, "stale", handler.FallbackStale.String())

		is := assert.New(t)

		h := handler.New(sdkKey, &stubDatafiles{err: fetchErr, stale: &stale}, enabledFor,
			handler.WithFlags("f"),
			handler.WithFallback(handler.FallbackStale),
		)

		o := h.Decide(context.Background(), viewerRequest("OPTIMIZELY_USER_ID=abc-123").Request)
		is.Nil(o.Err)
		is.Equal("41", o.Revision)
		is.Equal("41", o.Decisions["f"].VariationKey)
		is.Equal("true", o.Request.Headers.First("f-decision"))
	})

	t.Run("stale without last known good", func(t *testing.T) {
		h := handler.New(sdkKey, &stubDatafiles{err: fetchErr}, enabledFor, handler.WithFallback(handler.FallbackStale))

		o := h.Decide(context.Background(), viewerRequest("").Request)
		assert.ErrorIs(t, o.Err, fetchErr)
	})

	t.Run("engine failure", func(t *testing.T) {
		boom := errors.New("bad datafile")
		engine := decision.EngineFunc(func(context.Context, datafile.Datafile, decision.User, []string) (map[string]decision.Decision, error) {
			return nil, boom
		})

		h := handler.New(sdkKey, &stubDatafiles{df: stale}, engine)

		o := h.Decide(context.Background(), viewerRequest("").Request)
		assert.ErrorIs(t, o.Err, boom)
	})

	t.Run("stale through the cache", func(t *testing.T) {
		is := assert.New(t)

		var calls int
		cache := datafile.NewCache(datafile.FetcherFunc(func(ctx context.Context, key string) (datafile.Datafile, error) {
			calls++
			if calls == 1 {
				return datafile.Parse(key, []byte(`{"revision":"1"}`))
			}
			return datafile.Datafile{}, errors.New("origin down")
		}), datafile.WithRetainLastKnownGood(true))
		defer cache.Close()

		h := handler.New(sdkKey, cache, enabledFor, handler.WithFlags("f"), handler.WithFallback(handler.FallbackStale))

		o := h.Decide(context.Background(), viewerRequest("OPTIMIZELY_USER_ID=abc-123").Request)
		is.Nil(o.Err)
		is.Equal("1", o.Revision)

		cache.Invalidate(sdkKey)

		o = h.Decide(context.Background(), viewerRequest("OPTIMIZELY_USER_ID=abc-123").Request)
		is.Nil(o.Err)
		is.Equal("1", o.Revision)
		is.Equal(2, calls)
	})
}

func TestViewerResponse(t *testing.T) {
	newEvent := func(reqCookie string) *edge.Event {
		req := edge.NewHeaderSet()
		if reqCookie != "" {
			req.Add("Cookie", reqCookie)
		}

		resp := edge.NewHeaderSet()
		resp.Add("Set-Cookie", "session=1")
		resp.Add("Set-Cookie", "OPTIMIZELY_USER_ID=from-origin")

		return &edge.Event{
			Trigger:  edge.TriggerViewerResponse,
			Request:  &edge.Request{Method: "GET", URI: "/", Headers: req},
			Response: &edge.Response{Status: 200, StatusDescription: "OK", Headers: resp},
		}
	}

	t.Run("cookie from request", func(t *testing.T) {
		is := assert.New(t)

		h := handler.New(sdkKey, &stubDatafiles{}, enabledFor)

		ev := newEvent("a=1; OPTIMIZELY_USER_ID=abc-123")
		res, err := h.Handle(context.Background(), ev)
		require.NoError(t, err)

		is.Equal([]string{
			"session=1",
			"OPTIMIZELY_USER_ID=abc-123; Path=/; Secure; HttpOnly",
		}, res.Response.Headers.Values("set-cookie"))
		is.Equal("no-store, private", res.Response.Headers.First("cache-control"))

		// The event's response is not mutated.
		is.Len(ev.Response.Headers.Values("set-cookie"), 2)
		is.Empty(ev.Response.Headers.Values("cache-control"))
	})

	t.Run("no cookie anywhere", func(t *testing.T) {
		is := assert.New(t)

		h := handler.New(sdkKey, &stubDatafiles{}, enabledFor)

		res, err := h.Handle(context.Background(), newEvent(""))
		require.NoError(t, err)

		cookies := res.Response.Headers.Values("set-cookie")
		is.Len(cookies, 2)
		is.Regexp(setCookieRe, cookies[1])
	})

	t.Run("custom cookie name", func(t *testing.T) {
		h := handler.New(sdkKey, &stubDatafiles{}, enabledFor,
			handler.WithResolver(identity.New(identity.WithCookieName("vid"))))

		ev := newEvent("vid=xyz")
		res, err := h.Handle(context.Background(), ev)
		require.NoError(t, err)
		assert.Contains(t, res.Response.Headers.Values("set-cookie"), "vid=xyz; Path=/; Secure; HttpOnly")
	})
}

func TestRoundTripThroughLegs(t *testing.T) {
	is := assert.New(t)

	h := handler.New(sdkKey, &stubDatafiles{df: datafile.Datafile{Raw: []byte(`{}`)}}, enabledFor)

	req, err := h.Handle(context.Background(), viewerRequest(""))
	require.NoError(t, err)

	// The id minted on viewer-request comes back on viewer-response.
	id, ok := h.Resolver().Resolve(req.Request.Headers)
	is.True(ok)

	res, err := h.Handle(context.Background(), &edge.Event{
		Trigger:  edge.TriggerViewerResponse,
		Request:  req.Request,
		Response: edge.NewResponse(http.StatusOK, ""),
	})
	require.NoError(t, err)
	is.Equal(identity.SetCookie("OPTIMIZELY_USER_ID", id), res.Response.Headers.First("set-cookie"))
}

func TestOriginLegsPassThrough(t *testing.T) {
	is := assert.New(t)

	h := handler.New(sdkKey, &stubDatafiles{}, enabledFor)

	req := viewerRequest("OPTIMIZELY_USER_ID=abc-123").Request
	res, err := h.Handle(context.Background(), &edge.Event{Trigger: edge.TriggerOriginRequest, Request: req})
	require.NoError(t, err)
	is.Same(req, res.Request)

	resp := edge.NewResponse(http.StatusNotFound, "")
	res, err = h.Handle(context.Background(), &edge.Event{Trigger: edge.TriggerOriginResponse, Request: req, Response: resp})
	require.NoError(t, err)
	is.Same(resp, res.Response)
}

func TestHandleErrors(t *testing.T) {
	h := handler.New(sdkKey, &stubDatafiles{}, enabledFor)

	_, err := h.Handle(context.Background(), nil)
	assert.ErrorIs(t, err, handler.ErrNilEvent)

	_, err = h.Handle(context.Background(), &edge.Event{Trigger: edge.TriggerUnknown})
	assert.ErrorIs(t, err, handler.ErrUnknownTrigger)

	_, err = h.Handle(context.Background(), &edge.Event{Trigger: edge.TriggerViewerRequest})
	assert.ErrorIs(t, err, edge.ErrInvalidEvent)

	_, err = h.HandleJSON(context.Background(), []byte(`{"Records":[]}`))
	assert.ErrorIs(t, err, edge.ErrInvalidEvent)
}

func TestHandleJSON(t *testing.T) {
	is := assert.New(t)

	raw := `{
	  "Records": [{
	    "cf": {
	      "config": {"eventType": "viewer-request", "requestId": "r-1"},
	      "request": {
	        "clientIp": "203.0.113.178",
	        "headers": {
	          "host": [{"key": "Host", "value": "example.com"}],
	          "cookie": [{"key": "Cookie", "value": "OPTIMIZELY_USER_ID=abc-123"}]
	        },
	        "method": "GET",
	        "querystring": "",
	        "uri": "/index.html"
	      }
	    }
	  }]
	}`

	h := handler.New(sdkKey, &stubDatafiles{df: datafile.Datafile{Raw: []byte(`{}`)}}, enabledFor, handler.WithFlags("sort_algorithm"))

	b, err := h.HandleJSON(context.Background(), []byte(raw))
	require.NoError(t, err)

	var got struct {
		URI     string                   `json:"uri"`
		Headers map[string][]edge.Header `json:"headers"`
	}
	is.Nil(json.Unmarshal(b, &got))
	is.Equal("/index.html", got.URI)
	is.Equal([]edge.Header{{Key: "sort_algorithm-decision", Value: "true"}}, got.Headers["sort_algorithm-decision"])
	is.Equal([]edge.Header{{Key: "Cookie", Value: "OPTIMIZELY_USER_ID=abc-123"}}, got.Headers["cookie"])
}

func TestParseFallback(t *testing.T) {
	tests := []struct {
		in   string
		want handler.Fallback
		err  bool
	}{
		{"", handler.FallbackNone, false},
		{"none", handler.FallbackNone, false},
		{"Stale", handler.FallbackStale, false},
		{"retry", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := handler.ParseFallback(tc.in)
			if tc.err {
				assert.ErrorIs(t, err, handler.ErrUnknownPolicy)
				return
			}

			assert.Nil(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
