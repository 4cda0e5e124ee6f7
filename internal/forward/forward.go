package forward

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabian4/regex-gateway/internal/metrics"
)

// NotFoundBody is sent when the backend could not be reached.
const NotFoundBody = "404 Not Found"

// Response is a fully buffered backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Target is a rewritten upstream destination for one request.
type Target struct {
	Route        string
	URL          *url.URL
	PreserveHost bool
}

// Forwarder issues exactly one upstream request per call and relays the
// result. It never returns an error: transport failures become a substitute
// 404 response.
type Forwarder struct {
	Transports *Transports
	Timeout    time.Duration // 0 = no upstream deadline
	Log        logrus.FieldLogger
	Metrics    *metrics.Metrics
}

// NewForwarder returns a Forwarder. A nil tr uses NewDefaultTransports and a
// zero timeout leaves the upstream call unbounded.
func NewForwarder(tr *Transports, timeout time.Duration, log logrus.FieldLogger, m *metrics.Metrics) *Forwarder {
	if tr == nil {
		tr = NewDefaultTransports()
	}
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Forwarder{Transports: tr, Timeout: timeout, Log: log, Metrics: m}
}

// Forward sends req to t. The outbound request equals req except for its
// URL, its Host (unless t.PreserveHost) and hop-by-hop headers. It is not
// cancelled when the inbound request goes away.
func (f *Forwarder) Forward(req *http.Request, t Target) *Response {
	ctx := context.WithoutCancel(req.Context())
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	out := req.Clone(ctx)
	out.URL = t.URL
	out.RequestURI = ""
	if !t.PreserveHost {
		out.Host = t.URL.Host
	}
	dropHopByHop(out.Header)

	log := f.Log.WithFields(logrus.Fields{"route": t.Route, "upstream": t.URL.String()})

	start := time.Now()
	res, err := f.Transports.For(t.URL.Scheme).RoundTrip(out)
	if err != nil {
		log.WithError(err).Error("failed to send request to backend service")
		return notFound()
	}
	defer func() {
		if cerr := res.Body.Close(); cerr != nil {
			log.WithError(cerr).Warn("error closing upstream body")
		}
	}()

	body, err := io.ReadAll(res.Body)
	f.Metrics.ObserveLatency(t.Route, time.Since(start))
	if err != nil {
		log.WithError(err).Error("failed to read backend response body")
		return notFound()
	}

	h := cloneHeader(res.Header)
	dropHopByHop(h)
	for k, vv := range res.Trailer {
		for _, v := range vv {
			h.Add(http.TrailerPrefix+k, v)
		}
	}
	return &Response{StatusCode: res.StatusCode, Header: h, Body: body}
}

func notFound() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{StatusCode: http.StatusNotFound, Header: h, Body: []byte(NotFoundBody)}
}
