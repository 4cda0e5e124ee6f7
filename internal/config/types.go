package config

import (
	"net/url"
	"time"
)

// Config is the validated gateway configuration. Routes keep the order in
// which they were declared.
type Config struct {
	Listen   string // proxy listener, host:port
	Metrics  string // empty => metrics listener disabled
	Routes   []Route
	Timeouts Timeouts
	Logging  Logging
}

// Timeouts bound the inbound server and the upstream call. Zero means no
// limit.
type Timeouts struct {
	Read     time.Duration // inbound request read, headers and body
	Write    time.Duration // inbound response write; defaults to Read
	Upstream time.Duration // one backend round trip including the body
}

// Route binds a URI pattern to a backend and its rewrite/plugin policy.
type Route struct {
	Name         string
	Pattern      string   // RE2, matched against the full request URI
	Backend      *url.URL // scheme + host, optional base path
	BackendRaw   string   // as configured; used verbatim for concatenation
	StripPrefix  string
	PreserveHost bool
	RateLimit    *RateLimitConfig // optional
	Plugins      []PluginRef
}

// RateLimitConfig is a per-route token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 // refill rate, > 0
	Burst             int     // bucket size, at least 1
}

// PluginRef names a request plugin. Parameters are carried through
// configuration but not handed to the plugin.
type PluginRef struct {
	Name       string
	Parameters string
}

// Logging configures the application and access logs.
type Logging struct {
	Path              string // empty => no log file
	Level             string // logrus level name
	StdOut            bool   // also write to stdout
	FileSizeBytes     int64  // rotation threshold for Path
	DumpRequest       bool   // debug-log inbound headers and body
	DumpResponse      bool   // debug-log backend headers and body
	AccessLogDisabled bool
}
