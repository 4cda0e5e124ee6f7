package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/regex-gateway/internal/config"
	fwd "github.com/fabian4/regex-gateway/internal/forward"
	"github.com/fabian4/regex-gateway/internal/logging"
	"github.com/fabian4/regex-gateway/internal/metrics"
	"github.com/fabian4/regex-gateway/internal/plugin"
	"github.com/fabian4/regex-gateway/internal/ratelimit"
	"github.com/fabian4/regex-gateway/internal/router"
)

type recorded struct {
	method, uri, host, body string
	header                  http.Header
}

// echoUpstream records what it receives and answers 200 "ok".
func echoUpstream(t *testing.T) (*httptest.Server, *atomic.Pointer[recorded], *atomic.Int32) {
	t.Helper()
	var last atomic.Pointer[recorded]
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		b, _ := io.ReadAll(r.Body)
		last.Store(&recorded{method: r.Method, uri: r.RequestURI, host: r.Host, body: string(b), header: r.Header.Clone()})
		w.Header().Set("X-Up", "ok")
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(up.Close)
	return up, &last, &hits
}

type fixture struct {
	gw      *Gateway
	reg     *plugin.Registry
	metrics *metrics.Metrics
	logs    *bytes.Buffer
	access  *bytes.Buffer
}

func newFixture(t *testing.T, routes []config.Route, loader plugin.Loader) *fixture {
	t.Helper()
	for i := range routes {
		if routes[i].BackendRaw != "" && routes[i].Backend == nil {
			u, err := url.Parse(routes[i].BackendRaw)
			require.NoError(t, err)
			routes[i].Backend = u
		}
	}
	rt, err := router.New(routes)
	require.NoError(t, err)

	var appBuf, accBuf bytes.Buffer
	app := logrus.New()
	app.Out = &appBuf
	app.Level = logrus.DebugLevel
	acc := logrus.New()
	acc.Out = &accBuf
	acc.Formatter = &logrus.JSONFormatter{DisableTimestamp: true}
	logs := &logging.Loggers{App: app, Access: acc}

	m := metrics.New()
	reg := plugin.NewRegistry(loader, app, m)
	gw := NewGateway(rt, plugin.NewPipeline(reg, app), fwd.NewForwarder(nil, 0, app, m), ratelimit.New(routes), logs, m)
	return &fixture{gw: gw, reg: reg, metrics: m, logs: &appBuf, access: &accBuf}
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	f.gw.ServeHTTP(rr, httptest.NewRequest(method, target, rd))
	return rr
}

func TestGateway_ScenarioA_PrefixStrippedAndQueryKept(t *testing.T) {
	up, last, _ := echoUpstream(t)
	f := newFixture(t, []config.Route{
		{Name: "api", Pattern: "^/api/.*", BackendRaw: up.URL, StripPrefix: "/api"},
	}, nil)

	rr := f.do("GET", "/api/users?id=1", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.Equal(t, "ok", rr.Header().Get("X-Up"))
	got := last.Load()
	require.NotNil(t, got)
	assert.Equal(t, "/users?id=1", got.uri)
	assert.Equal(t, strings.TrimPrefix(up.URL, "http://"), got.host)
	assert.NotEmpty(t, got.header.Get("X-Request-Id"))
}

func TestGateway_ScenarioB_NoRoute(t *testing.T) {
	up, _, hits := echoUpstream(t)
	f := newFixture(t, []config.Route{
		{Name: "api", Pattern: "^/api/.*", BackendRaw: up.URL, StripPrefix: "/api"},
	}, nil)

	rr := f.do("GET", "/other", "")

	assert.Equal(t, StatusNoRoute, rr.Code)
	assert.Contains(t, rr.Body.String(), "no route")
	assert.Equal(t, int32(0), hits.Load(), "no outbound call may be issued")
	assert.Contains(t, scrape(t, f.metrics), `gateway_requests_total{method="GET",route="",status="421"} 1`)
}

func TestGateway_ScenarioC_DoubleSlashCollapsed(t *testing.T) {
	up, last, _ := echoUpstream(t)
	f := newFixture(t, []config.Route{
		{Name: "api", Pattern: "^/api", BackendRaw: up.URL, StripPrefix: "/api"},
	}, nil)

	rr := f.do("GET", "/api//users", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "/users", last.Load().uri)
}

func TestGateway_ScenarioD_BackendRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	f := newFixture(t, []config.Route{{Name: "dead", Pattern: "^/", BackendRaw: dead}}, nil)

	rr := f.do("GET", "/anything", "")

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, fwd.NotFoundBody, rr.Body.String())
	assert.Contains(t, f.logs.String(), "failed to send request to backend service")
}

func TestGateway_ScenarioE_PluginLoadFailureIsolated(t *testing.T) {
	up, _, hits := echoUpstream(t)
	loader := plugin.LoaderFunc(func(id string) (plugin.Plugin, error) {
		return nil, errors.New("cannot open shared object")
	})
	f := newFixture(t, []config.Route{
		{Name: "broken", Pattern: "^/broken", BackendRaw: up.URL, Plugins: []config.PluginRef{{Name: "./missing.so"}}},
		{Name: "fine", Pattern: "^/fine", BackendRaw: up.URL},
	}, loader)

	rr := f.do("GET", "/broken/x", "")
	assert.Equal(t, StatusPluginFailure, rr.Code)
	assert.Equal(t, int32(0), hits.Load())
	assert.Contains(t, f.logs.String(), "./missing.so")

	rr = f.do("GET", "/fine/x", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(1), hits.Load())
}

func TestGateway_PluginsTransformInOrder(t *testing.T) {
	up, last, _ := echoUpstream(t)
	f := newFixture(t, []config.Route{
		{Name: "api", Pattern: "^/api", BackendRaw: up.URL, StripPrefix: "/api",
			Plugins: []config.PluginRef{{Name: "first"}, {Name: "second"}}},
	}, nil)
	f.reg.Register("first", plugin.Func{ID: "first", Fn: func(r *http.Request) (*http.Request, error) {
		r.Header.Add("X-Chain", "first")
		return r, nil
	}})
	f.reg.Register("second", plugin.Func{ID: "second", Fn: func(r *http.Request) (*http.Request, error) {
		r.Header.Add("X-Chain", "second")
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		upper := []byte(strings.ToUpper(string(b)))
		r.Body = io.NopCloser(bytes.NewReader(upper))
		r.ContentLength = int64(len(upper))
		return r, nil
	}})

	rr := f.do("POST", "/api/echo", "hello")

	require.Equal(t, http.StatusOK, rr.Code)
	got := last.Load()
	assert.Equal(t, []string{"first", "second"}, got.header.Values("X-Chain"))
	assert.Equal(t, "HELLO", got.body)
	assert.Equal(t, "POST", got.method)
}

func TestGateway_PluginRewritesURI(t *testing.T) {
	up, last, _ := echoUpstream(t)
	f := newFixture(t, []config.Route{
		{Name: "api", Pattern: "^/api", BackendRaw: up.URL, StripPrefix: "/api",
			Plugins: []config.PluginRef{{Name: "v2"}}},
	}, nil)
	f.reg.Register("v2", plugin.Func{ID: "v2", Fn: func(r *http.Request) (*http.Request, error) {
		r.URL.Path = strings.Replace(r.URL.Path, "/v1/", "/v2/", 1)
		return r, nil
	}})

	rr := f.do("GET", "/api/v1/items?x=1", "")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "/v2/items?x=1", last.Load().uri)
}

func TestGateway_PluginPanicContained(t *testing.T) {
	up, _, _ := echoUpstream(t)
	f := newFixture(t, []config.Route{
		{Name: "api", Pattern: "^/", BackendRaw: up.URL, Plugins: []config.PluginRef{{Name: "boom"}}},
	}, nil)
	f.reg.Register("boom", plugin.Func{ID: "boom", Fn: func(r *http.Request) (*http.Request, error) {
		panic("kaboom")
	}})

	rr := f.do("GET", "/x", "")
	assert.Equal(t, StatusPluginFailure, rr.Code)
	assert.Contains(t, f.logs.String(), "kaboom")
}

func TestGateway_PreserveHost(t *testing.T) {
	up, last, _ := echoUpstream(t)
	f := newFixture(t, []config.Route{
		{Name: "api", Pattern: "^/", BackendRaw: up.URL, PreserveHost: true},
	}, nil)

	req := httptest.NewRequest("GET", "/", nil)
	req.Host = "app.example.com"
	rr := httptest.NewRecorder()
	f.gw.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "app.example.com", last.Load().host)
}

func TestGateway_RateLimited(t *testing.T) {
	up, _, hits := echoUpstream(t)
	f := newFixture(t, []config.Route{
		{Name: "api", Pattern: "^/", BackendRaw: up.URL,
			RateLimit: &config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}},
	}, nil)

	assert.Equal(t, http.StatusOK, f.do("GET", "/", "").Code)
	assert.Equal(t, StatusRateLimited, f.do("GET", "/", "").Code)
	assert.Equal(t, int32(1), hits.Load())
}

func TestGateway_InvalidRewrittenTarget(t *testing.T) {
	f := newFixture(t, []config.Route{
		{Name: "api", Pattern: "^/", BackendRaw: "http://backend:9000", Backend: &url.URL{Scheme: "http", Host: "backend:9000"}},
	}, nil)

	req := httptest.NewRequest("GET", "/", nil)
	req.RequestURI = "/%zz"
	rr := httptest.NewRecorder()
	f.gw.ServeHTTP(rr, req)

	assert.Equal(t, StatusBadTarget, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid upstream target")
}

func TestGateway_DumpsInvalidUTF8AsPlaceholder(t *testing.T) {
	up, _, _ := echoUpstream(t)
	f := newFixture(t, []config.Route{{Name: "api", Pattern: "^/", BackendRaw: up.URL}}, nil)
	f.gw.DumpRequest = true
	f.gw.DumpResponse = true

	rr := f.do("POST", "/", "\xff\xfe")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, f.logs.String(), logging.InvalidUTF8)
	assert.Contains(t, f.logs.String(), "X-Up: ok")
}

func TestGateway_AccessLog(t *testing.T) {
	up, _, _ := echoUpstream(t)
	f := newFixture(t, []config.Route{{Name: "r1", Pattern: "^/", BackendRaw: up.URL}}, nil)

	req := httptest.NewRequest("GET", "/foo", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rr := httptest.NewRecorder()
	f.gw.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(f.access.Bytes(), &entry), "raw: %s", f.access.String())
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/foo", entry["path"])
	assert.Equal(t, float64(200), entry["status"])
	assert.Equal(t, "r1", entry["route"])
	assert.Equal(t, up.URL+"/foo", entry["upstream"])
	assert.Equal(t, float64(2), entry["bytes_written"])
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Contains(t, scrape(t, f.metrics), `gateway_requests_total{method="GET",route="r1",status="200"} 1`)
}

func TestGateway_BodyReadFailure(t *testing.T) {
	up, _, hits := echoUpstream(t)
	f := newFixture(t, []config.Route{{Name: "r1", Pattern: "^/", BackendRaw: up.URL}}, nil)

	req := httptest.NewRequest("POST", "/upload", iotest.ErrReader(errors.New("connection reset")))
	rr := httptest.NewRecorder()
	f.gw.ServeHTTP(rr, req)

	assert.Equal(t, StatusBadRequest, rr.Code)
	assert.Equal(t, "bad request\n", rr.Body.String())
	assert.Equal(t, int32(0), hits.Load())
	assert.Contains(t, f.logs.String(), "connection reset")
	assert.Contains(t, scrape(t, f.metrics), `gateway_requests_total{method="POST",route="",status="400"} 1`)
}

func TestGateway_PanicOutsidePluginIsContained(t *testing.T) {
	up, _, hits := echoUpstream(t)
	f := newFixture(t, []config.Route{{Name: "r1", Pattern: "^/", BackendRaw: up.URL}}, nil)
	f.gw.Forwarder = nil // Forward dereferences its receiver

	rr := f.do("GET", "/boom", "")

	assert.Equal(t, StatusPanic, rr.Code)
	assert.Equal(t, "internal error\n", rr.Body.String())
	assert.Equal(t, int32(0), hits.Load())
	assert.Contains(t, f.logs.String(), "request handling panicked")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(f.access.Bytes(), &entry), "raw: %s", f.access.String())
	assert.Equal(t, float64(500), entry["status"])
	assert.Equal(t, "r1", entry["route"])
	assert.Contains(t, scrape(t, f.metrics), `gateway_requests_total{method="GET",route="r1",status="500"} 1`)

	// the gateway keeps serving after a contained panic
	f.gw.Forwarder = fwd.NewForwarder(nil, 0, nil, f.metrics)
	assert.Equal(t, http.StatusOK, f.do("GET", "/ok", "").Code)
}
