package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen         = ":8080"
	defaultLogLevel       = "info"
	defaultLogFileSize    = 10 << 20
	defaultRateLimitBurst = 1

	envPrefix = "APP_"
)

type rawRoute struct {
	Name         string `yaml:"name"`
	Pattern      string `yaml:"pattern"`
	URLMatch     string `yaml:"url_matching_expression"`
	Backend      string `yaml:"backend_address"`
	Service      string `yaml:"service_address"`
	StripPrefix  string `yaml:"backend_prefix_removal"`
	PreserveHost bool   `yaml:"preserve_host"`
	RateLimit    *struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Plugins []struct {
		Name       string `yaml:"name"`
		Parameters string `yaml:"parameters"`
	} `yaml:"request_plugins"`
}

type rawConfig struct {
	Listen   string     `yaml:"listening_address"`
	Metrics  string     `yaml:"metrics_address"`
	Routes   []rawRoute `yaml:"routes"`
	Services []rawRoute `yaml:"services"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	Logging struct {
		Path         string    `yaml:"log_path"`
		Level        string    `yaml:"log_level"`
		StdOut       *flexBool `yaml:"log_to_std_out"`
		FileSize     flexInt   `yaml:"log_file_size_in_bytes"`
		DumpRequest  flexBool  `yaml:"log_request_header_and_body"`
		DumpResponse flexBool  `yaml:"log_response_header_and_body"`
		AccessLog    *flexBool `yaml:"access_log"`
	} `yaml:"logging"`
}

// flexBool accepts both YAML booleans and quoted strings like "true".
type flexBool bool

func (b *flexBool) UnmarshalYAML(n *yaml.Node) error {
	v, err := strconv.ParseBool(strings.TrimSpace(n.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid boolean %q", n.Line, n.Value)
	}
	*b = flexBool(v)
	return nil
}

// flexInt accepts both YAML integers and quoted strings like "10000".
type flexInt int64

func (i *flexInt) UnmarshalYAML(n *yaml.Node) error {
	v, err := strconv.ParseInt(strings.TrimSpace(n.Value), 10, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid integer %q", n.Line, n.Value)
	}
	*i = flexInt(v)
	return nil
}

// Load reads the YAML file at path, applies APP_* environment overrides and
// validates the result. Any invalid route fails the whole load.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse is Load without the file read.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	applyEnv(&rc)

	listen := strings.TrimSpace(rc.Listen)
	if listen == "" {
		listen = defaultListen
	}

	raws := rc.Routes
	if len(raws) == 0 {
		raws = rc.Services
	} else if len(rc.Services) > 0 {
		return nil, fmt.Errorf("routes and services are aliases; set only one")
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("routes: at least one is required")
	}

	routes := make([]Route, 0, len(raws))
	names := make(map[string]int, len(raws))
	for i, r := range raws {
		rt, err := buildRoute(i, r)
		if err != nil {
			return nil, err
		}
		if j, dup := names[rt.Name]; dup {
			return nil, fmt.Errorf("routes[%d]: duplicate name %q (see routes[%d])", i, rt.Name, j)
		}
		names[rt.Name] = i
		routes = append(routes, rt)
	}

	var (
		timeouts Timeouts
		err      error
	)
	if timeouts.Read, err = parseDuration("timeouts.read", rc.Timeouts.Read); err != nil {
		return nil, err
	}
	if timeouts.Write, err = parseDuration("timeouts.write", rc.Timeouts.Write); err != nil {
		return nil, err
	}
	if timeouts.Upstream, err = parseDuration("timeouts.upstream", rc.Timeouts.Upstream); err != nil {
		return nil, err
	}
	if timeouts.Write == 0 {
		timeouts.Write = timeouts.Read
	}

	lg := Logging{
		Path:          strings.TrimSpace(rc.Logging.Path),
		Level:         strings.ToLower(strings.TrimSpace(rc.Logging.Level)),
		StdOut:        true,
		FileSizeBytes: int64(rc.Logging.FileSize),
		DumpRequest:   bool(rc.Logging.DumpRequest),
		DumpResponse:  bool(rc.Logging.DumpResponse),
	}
	if lg.Level == "" {
		lg.Level = defaultLogLevel
	}
	if rc.Logging.StdOut != nil {
		lg.StdOut = bool(*rc.Logging.StdOut)
	}
	if rc.Logging.AccessLog != nil {
		lg.AccessLogDisabled = !bool(*rc.Logging.AccessLog)
	}
	if lg.FileSizeBytes < 0 {
		return nil, fmt.Errorf("logging.log_file_size_in_bytes: must not be negative")
	}
	if lg.FileSizeBytes == 0 {
		lg.FileSizeBytes = defaultLogFileSize
	}

	return &Config{
		Listen:   listen,
		Metrics:  strings.TrimSpace(rc.Metrics),
		Routes:   routes,
		Timeouts: timeouts,
		Logging:  lg,
	}, nil
}

func buildRoute(i int, r rawRoute) (Route, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		name = fmt.Sprintf("route-%d", i)
	}

	pattern := r.Pattern
	if pattern == "" {
		pattern = r.URLMatch
	}
	if pattern == "" {
		return Route{}, fmt.Errorf("routes[%d]: pattern is required", i)
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return Route{}, fmt.Errorf("routes[%d].pattern: %v", i, err)
	}

	backend := strings.TrimSpace(r.Backend)
	if backend == "" {
		backend = strings.TrimSpace(r.Service)
	}
	if backend == "" {
		return Route{}, fmt.Errorf("routes[%d]: backend_address is required", i)
	}
	u, err := url.Parse(backend)
	if err != nil {
		return Route{}, fmt.Errorf("routes[%d].backend_address: parse: %v", i, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Route{}, fmt.Errorf("routes[%d].backend_address: must be http(s) URL with host", i)
	}

	rt := Route{
		Name:         name,
		Pattern:      pattern,
		Backend:      u,
		BackendRaw:   backend,
		StripPrefix:  r.StripPrefix,
		PreserveHost: r.PreserveHost,
	}

	if r.RateLimit != nil {
		if r.RateLimit.RequestsPerSecond <= 0 {
			return Route{}, fmt.Errorf("routes[%d].rate_limit.requests_per_second: must be positive", i)
		}
		burst := r.RateLimit.Burst
		if burst < 0 {
			return Route{}, fmt.Errorf("routes[%d].rate_limit.burst: must not be negative", i)
		}
		if burst == 0 {
			burst = defaultRateLimitBurst
		}
		rt.RateLimit = &RateLimitConfig{RequestsPerSecond: r.RateLimit.RequestsPerSecond, Burst: burst}
	}

	for j, p := range r.Plugins {
		pn := strings.TrimSpace(p.Name)
		if pn == "" {
			return Route{}, fmt.Errorf("routes[%d].request_plugins[%d]: name is required", i, j)
		}
		rt.Plugins = append(rt.Plugins, PluginRef{Name: pn, Parameters: p.Parameters})
	}
	return rt, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

// applyEnv overlays APP_* variables onto scalar settings.
func applyEnv(rc *rawConfig) {
	if v, ok := os.LookupEnv(envPrefix + "LISTENING_ADDRESS"); ok {
		rc.Listen = v
	}
	if v, ok := os.LookupEnv(envPrefix + "METRICS_ADDRESS"); ok {
		rc.Metrics = v
	}
	if v, ok := os.LookupEnv(envPrefix + "LOGGING_LOG_LEVEL"); ok {
		rc.Logging.Level = v
	}
	if v, ok := os.LookupEnv(envPrefix + "LOGGING_LOG_PATH"); ok {
		rc.Logging.Path = v
	}
	if v, ok := os.LookupEnv(envPrefix + "LOGGING_LOG_TO_STD_OUT"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			fb := flexBool(b)
			rc.Logging.StdOut = &fb
		}
	}
}
