package forward

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"sync"
	"time"
)

// Options tunes the backend transports.
type Options struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // 0 disables

	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// DefaultOptions returns the settings used by NewDefaultTransports.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Transports holds one RoundTripper per backend URL scheme. Plain http
// backends get a strict HTTP/1.1 transport; https backends negotiate h2 via
// ALPN when the backend offers it.
type Transports struct {
	mu       sync.RWMutex
	byScheme map[string]http.RoundTripper
	fallback http.RoundTripper
}

// NewDefaultTransports is NewTransports(DefaultOptions()).
func NewDefaultTransports() *Transports { return NewTransports(DefaultOptions()) }

// NewTransports builds the http and https transports from opts. Unknown
// schemes fall back to the http transport.
func NewTransports(opts Options) *Transports {
	plain := newTransport(opts, false)
	return &Transports{
		byScheme: map[string]http.RoundTripper{
			"http":  plain,
			"https": newTransport(opts, true),
		},
		fallback: plain,
	}
}

// For returns the RoundTripper for scheme, or the plain transport.
func (t *Transports) For(scheme string) http.RoundTripper {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rt, ok := t.byScheme[scheme]; ok && rt != nil {
		return rt
	}
	return t.fallback
}

// Register overrides the RoundTripper for scheme.
func (t *Transports) Register(scheme string, rt http.RoundTripper) {
	if scheme == "" || rt == nil {
		return
	}
	t.mu.Lock()
	t.byScheme[scheme] = rt
	t.mu.Unlock()
}

// CloseIdle closes idle backend connections on every *http.Transport.
func (t *Transports) CloseIdle() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rt := range t.byScheme {
		if tr, ok := rt.(*http.Transport); ok {
			tr.CloseIdleConnections()
		}
	}
}

func newTransport(o Options, alpnH2 bool) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   o.DialTimeout,
		KeepAlive: o.DialKeepAlive,
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, RootCAs: o.RootCAs}
	if !alpnH2 {
		tlsCfg.NextProtos = []string{"http/1.1"}
	}
	return &http.Transport{
		// backends are addressed directly, never through an environment proxy
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     alpnH2,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          o.MaxIdleConns,
		MaxIdleConnsPerHost:   o.MaxIdleConnsPerHost,
		IdleConnTimeout:       o.IdleConnTimeout,
		TLSHandshakeTimeout:   o.TLSHandshakeTimeout,
		ExpectContinueTimeout: o.ExpectContinueTimeout,
		ResponseHeaderTimeout: o.ResponseHeaderTimeout,
	}
}
