// Package plugin applies ordered chains of request transformations. Units are
// resolved by identifier through a process-wide Registry which loads each one
// at most once and shares it between concurrent requests.
package plugin

import (
	"errors"
	"fmt"
	"net/http"
)

// Symbol is the name a shared-object plugin must export. Its value must be a
// HandleRequestFunc (a func, or a variable holding one).
const Symbol = "HandleRequest"

// HandleRequestFunc consumes a request and returns its replacement. It must
// be safe for concurrent use.
type HandleRequestFunc func(*http.Request) (*http.Request, error)

// Plugin is a loaded transformation unit.
type Plugin interface {
	Name() string
	Transform(*http.Request) (*http.Request, error)
}

// Func adapts a plain function to Plugin.
type Func struct {
	ID string
	Fn HandleRequestFunc
}

func (f Func) Name() string { return f.ID }

func (f Func) Transform(r *http.Request) (*http.Request, error) { return f.Fn(r) }

// Stage tells where in the pipeline a plugin failed.
type Stage string

const (
	StageLoad      Stage = "load"
	StageTransform Stage = "transform"
)

var errNilRequest = errors.New("plugin returned a nil request")

// Error is returned by Pipeline.Apply when a plugin cannot be loaded or
// fails while transforming a request.
type Error struct {
	Plugin string
	Stage  Stage
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin %q: %s: %v", e.Plugin, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
