package handler

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	fwd "github.com/fabian4/regex-gateway/internal/forward"
	"github.com/fabian4/regex-gateway/internal/logging"
	"github.com/fabian4/regex-gateway/internal/metrics"
	"github.com/fabian4/regex-gateway/internal/plugin"
	"github.com/fabian4/regex-gateway/internal/ratelimit"
	"github.com/fabian4/regex-gateway/internal/rewrite"
	"github.com/fabian4/regex-gateway/internal/router"
)

// Statuses for failures handled inside the gateway. Backend transport
// failures are answered by the forwarder with 404.
const (
	StatusNoRoute       = http.StatusMisdirectedRequest
	StatusRateLimited   = http.StatusTooManyRequests
	StatusBadRequest    = http.StatusBadRequest
	StatusPluginFailure = http.StatusBadGateway
	StatusBadTarget     = http.StatusInternalServerError
	StatusPanic         = http.StatusInternalServerError
)

const requestIDHeader = "X-Request-Id"

// Gateway is the proxy http.Handler. Each request is resolved against
// Routes, run through its route's plugin chain, rewritten and forwarded once.
// A failure affects only the request it happened in.
type Gateway struct {
	Routes    *router.Table
	Pipeline  *plugin.Pipeline
	Forwarder *fwd.Forwarder
	Limiter   *ratelimit.Limiter // nil allows everything
	Log       logrus.FieldLogger
	AccessLog *logrus.Logger // nil disables the access log
	Metrics   *metrics.Metrics

	// DumpRequest and DumpResponse log headers and bodies at debug level.
	DumpRequest  bool
	DumpResponse bool
}

// NewGateway assembles a Gateway. A nil logs discards application logs and
// disables the access log.
func NewGateway(rt *router.Table, pl *plugin.Pipeline, f *fwd.Forwarder, rl *ratelimit.Limiter, logs *logging.Loggers, m *metrics.Metrics) *Gateway {
	g := &Gateway{
		Routes:    rt,
		Pipeline:  pl,
		Forwarder: f,
		Limiter:   rl,
		Metrics:   m,
	}
	if logs != nil {
		g.Log = logs.App
		g.AccessLog = logs.Access
	} else {
		l := logrus.New()
		l.Out = io.Discard
		g.Log = l
	}
	return g
}

var _ http.Handler = (*Gateway)(nil)

// ServeHTTP proxies one request. Failures before the backend call are
// answered with the Status* codes above.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}

	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.New().String()
		r.Header.Set(requestIDHeader, reqID)
	}
	log := g.Log.WithField("request_id", reqID)

	var routeName, upstream string
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			log.WithField("panic", v).Error("request handling panicked")
			if lw.statusCode == 0 {
				http.Error(lw, "internal error", StatusPanic)
			}
		}
		g.finish(r, lw, start, reqID, routeName, upstream)
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.WithError(err).Warn("reading request body")
		http.Error(lw, "bad request", StatusBadRequest)
		return
	}
	setBody(r, body)

	if g.DumpRequest {
		log.Debugf("Request:\nHeaders:\n%s\nBody:\n%s", logging.DumpHeaders(r.Header), logging.DumpBody(body))
	}

	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}

	target, ok := g.Routes.Resolve(uri)
	if !ok {
		log.WithField("uri", uri).Info("no route matched")
		http.Error(lw, "no route", StatusNoRoute)
		return
	}
	routeName = target.Route
	log = log.WithField("route", routeName)

	if !g.Limiter.Allow(routeName) {
		http.Error(lw, "too many requests", StatusRateLimited)
		return
	}

	before := r.URL.RequestURI()
	out, err := g.Pipeline.Apply(r, target.Plugins)
	if err != nil {
		var perr *plugin.Error
		if errors.As(err, &perr) {
			log = log.WithFields(logrus.Fields{"plugin": perr.Plugin, "stage": perr.Stage})
		}
		log.WithError(err).Error("request plugin failed")
		http.Error(lw, "plugin failure", StatusPluginFailure)
		return
	}
	if after := out.URL.RequestURI(); after != before {
		uri = after
	}

	upstream = rewrite.Target(uri, target.StripPrefix, target.Backend)
	u, err := rewrite.Parse(upstream)
	if err != nil {
		log.WithError(err).Error("invalid upstream target")
		http.Error(lw, "invalid upstream target", StatusBadTarget)
		return
	}
	log.WithField("upstream", upstream).Debug("forwarding request")

	preserve := target.Config != nil && target.Config.PreserveHost
	res := g.Forwarder.Forward(out, fwd.Target{Route: routeName, URL: u, PreserveHost: preserve})

	if g.DumpResponse {
		log.Debugf("Response:\nHeaders:\n%s\nBody:\n%s", logging.DumpHeaders(res.Header), logging.DumpBody(res.Body))
	}
	writeResponse(lw, res)
}

func (g *Gateway) finish(r *http.Request, lw *loggingResponseWriter, start time.Time, reqID, routeName, upstream string) {
	status := lw.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	duration := time.Since(start)

	if g.AccessLog != nil {
		g.AccessLog.WithFields(logrus.Fields{
			"time":          start.Format(time.RFC3339Nano),
			"method":        r.Method,
			"path":          r.URL.Path,
			"protocol":      r.Proto,
			"status":        status,
			"duration_ms":   duration.Milliseconds(),
			"remote_ip":     r.RemoteAddr,
			"user_agent":    r.UserAgent(),
			"referer":       r.Referer(),
			"route":         routeName,
			"upstream":      upstream,
			"bytes_written": lw.bytes,
			"request_id":    reqID,
		}).Info("access")
	}
	g.Metrics.IncRequest(routeName, r.Method, strconv.Itoa(status))
}

// setBody replaces the consumed body with a re-readable in-memory copy.
func setBody(r *http.Request, body []byte) {
	r.ContentLength = int64(len(body))
	if len(body) == 0 {
		r.Body = http.NoBody
		r.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

func writeResponse(w http.ResponseWriter, res *fwd.Response) {
	h := w.Header()
	for k, vv := range res.Header {
		h.Del(k)
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}
