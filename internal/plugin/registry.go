package plugin

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/fabian4/regex-gateway/internal/metrics"
)

// Registry is a threadsafe, memoizing map of identifier -> Plugin. Unknown
// identifiers are loaded on first use; concurrent first uses share a single
// load. Failed loads are not cached.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	loader  Loader
	group   singleflight.Group
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewRegistry builds a registry backed by loader. A nil loader only serves
// registered plugins.
func NewRegistry(loader Loader, log logrus.FieldLogger, m *metrics.Metrics) *Registry {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Registry{
		plugins: make(map[string]Plugin),
		loader:  loader,
		log:     log,
		metrics: m,
	}
}

// Register makes p available under id, replacing any previous entry.
func (r *Registry) Register(id string, p Plugin) {
	if id == "" || p == nil {
		return
	}
	r.mu.Lock()
	r.plugins[id] = p
	r.mu.Unlock()
}

// Get returns the plugin for id, loading it if needed.
func (r *Registry) Get(id string) (Plugin, error) {
	if p, ok := r.lookup(id); ok {
		return p, nil
	}
	v, err, _ := r.group.Do(id, func() (any, error) {
		if p, ok := r.lookup(id); ok {
			return p, nil
		}
		if r.loader == nil {
			return nil, errNotRegistered
		}
		p, err := r.loader.Load(id)
		r.metrics.ObservePluginLoad(err)
		if err != nil {
			r.log.WithField("plugin", id).WithError(err).Error("plugin load failed")
			return nil, err
		}
		r.Register(id, p)
		r.log.WithField("plugin", id).Info("plugin loaded")
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Plugin), nil
}

func (r *Registry) lookup(id string) (Plugin, bool) {
	r.mu.RLock()
	p, ok := r.plugins[id]
	r.mu.RUnlock()
	return p, ok
}
