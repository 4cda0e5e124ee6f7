package plugin

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/fabian4/regex-gateway/internal/config"
)

var errNotRegistered = errors.New("not registered and no loader configured")

// Pipeline applies route plugin chains using a shared Registry.
type Pipeline struct {
	Registry *Registry
	Log      logrus.FieldLogger
}

// NewPipeline returns a Pipeline over reg. A nil log uses the registry's.
func NewPipeline(reg *Registry, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = reg.log
	}
	return &Pipeline{Registry: reg, Log: log}
}

// Apply runs refs in order, each plugin receiving the previous one's output.
// An empty chain returns req unchanged. The first failure stops the chain and
// is returned as *Error.
func (p *Pipeline) Apply(req *http.Request, refs []config.PluginRef) (*http.Request, error) {
	for _, ref := range refs {
		pl, err := p.Registry.Get(ref.Name)
		if err != nil {
			p.Registry.metrics.IncPluginFailure(ref.Name, string(StageLoad))
			return nil, &Error{Plugin: ref.Name, Stage: StageLoad, Err: err}
		}
		p.Log.WithField("plugin", ref.Name).Debug("applying request plugin")
		out, err := invoke(pl, req)
		if err != nil {
			p.Registry.metrics.IncPluginFailure(ref.Name, string(StageTransform))
			return nil, &Error{Plugin: ref.Name, Stage: StageTransform, Err: err}
		}
		req = out
	}
	return req, nil
}

func invoke(pl Plugin, req *http.Request) (out *http.Request, err error) {
	defer func() {
		if v := recover(); v != nil {
			out, err = nil, fmt.Errorf("panic: %v", v)
		}
	}()
	out, err = pl.Transform(req)
	if err == nil && out == nil {
		err = errNilRequest
	}
	return out, err
}
