package plugin

import (
	"fmt"
	"net/http"
	"path/filepath"
	goplugin "plugin"
)

// Loader turns an identifier into a loaded Plugin.
type Loader interface {
	Load(id string) (Plugin, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(id string) (Plugin, error)

func (f LoaderFunc) Load(id string) (Plugin, error) { return f(id) }

// SharedObjectLoader opens Go plugins (built with -buildmode=plugin). Relative
// identifiers are resolved against Dir when it is set.
type SharedObjectLoader struct {
	Dir string
}

func (l SharedObjectLoader) Load(id string) (Plugin, error) {
	path := id
	if l.Dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(l.Dir, path)
	}
	mod, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open module %s: %w", path, err)
	}
	sym, err := mod.Lookup(Symbol)
	if err != nil {
		return nil, fmt.Errorf("lookup %s in %s: %w", Symbol, path, err)
	}
	fn, err := asHandleRequest(sym)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", path, err)
	}
	return Func{ID: id, Fn: fn}, nil
}

func asHandleRequest(sym any) (HandleRequestFunc, error) {
	switch fn := sym.(type) {
	case func(*http.Request) (*http.Request, error):
		return fn, nil
	case *func(*http.Request) (*http.Request, error):
		if fn == nil || *fn == nil {
			return nil, fmt.Errorf("%s is nil", Symbol)
		}
		return *fn, nil
	case HandleRequestFunc:
		return fn, nil
	case *HandleRequestFunc:
		if fn == nil || *fn == nil {
			return nil, fmt.Errorf("%s is nil", Symbol)
		}
		return *fn, nil
	default:
		return nil, fmt.Errorf("%s has wrong signature %T", Symbol, sym)
	}
}
