package nav

import (
	"fmt"
	"sort"

	"github.com/xkilldash9x/harbormaster/internal/view"
)

// Registry holds every view definition a navigator may route through.
// Transition targets are plain strings, so definitions can reference views
// registered later; resolution happens once, at graph build.
type Registry struct {
	defs map[string]*view.Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*view.Definition)}
}

// Register adds definitions by name. Re-registering a name is an error so
// that two packages cannot silently fight over the same view.
func (r *Registry) Register(defs ...*view.Definition) error {
	for _, def := range defs {
		if def == nil {
			return fmt.Errorf("nav: nil definition")
		}
		if _, dup := r.defs[def.Name()]; dup {
			return fmt.Errorf("nav: view %q registered twice", def.Name())
		}
		r.defs[def.Name()] = def
	}
	return nil
}

func (r *Registry) Get(name string) (*view.Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered view names, sorted for stable iteration.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
