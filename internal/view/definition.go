// Package view implements the declarative page-object model: view
// definitions assembled by an explicit builder, widgets materialized lazily
// per view instance, and transitions the navigator turns into a graph.
package view

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/harbormaster/internal/browser"
)

// Constructor builds a widget bound to its owning view. Widget libraries
// return Constructors from their declaration helpers; the view invokes them
// on first access and caches the result.
type Constructor func(parent *View) Widget

// OnViewFunc recognizes whether the view is currently displayed. It must be
// a pure predicate against browser state and never navigate.
type OnViewFunc func(ctx context.Context, v *View) (bool, error)

// OnLoadFunc runs side effects right after the view is instantiated, e.g.
// opening the browser on the entry view.
type OnLoadFunc func(ctx context.Context, v *View, nctx Context) error

// TransitionMethod performs the UI actions that leave the view.
type TransitionMethod func(ctx context.Context, v *View, nctx Context) error

// TransitionSpec declares a transition at build time.
type TransitionSpec struct {
	// Targets are view names; unresolved names are checked at graph build
	// and fail closed.
	Targets []string
	// Params are the context keys the method consumes. Path-finding only
	// chooses transitions whose params the caller can supply.
	Params []string
	Method TransitionMethod
}

// Transition is a declared transition with its name attached.
type Transition struct {
	Name    string
	Targets []string
	Params  []string
	method  TransitionMethod
}

// Run executes the transition method against a live view.
func (t Transition) Run(ctx context.Context, v *View, nctx Context) error {
	return t.method(ctx, v, nctx)
}

// descriptor is an unbound widget declaration. The index doubles as the slot
// into the per-view widget slab, preserving declaration order.
type descriptor struct {
	index int
	name  string
	build Constructor
	// sub is set for nested view declarations.
	sub *Definition
}

// Definition is the immutable description of a view: its root locator,
// ordered widget declarations, nested sub-views, recognition and load hooks,
// and outgoing transitions. Definitions are assembled once with the builder
// methods and then shared by every instance.
type Definition struct {
	name        string
	root        browser.Locator
	hasRoot     bool
	widgets     []*descriptor
	widgetIdx   map[string]*descriptor
	transitions []Transition
	onView      OnViewFunc
	onLoad      OnLoadFunc
}

// NewDefinition starts a view definition with the given name. The name is
// the identity transitions refer to.
func NewDefinition(name string) *Definition {
	return &Definition{
		name:      name,
		widgetIdx: make(map[string]*descriptor),
	}
}

// Name returns the view's registered name.
func (d *Definition) Name() string { return d.name }

// Root sets the view's root locator; widget lookups resolve inside it.
func (d *Definition) Root(loc browser.Locator) *Definition {
	d.root = loc
	d.hasRoot = true
	return d
}

// Widget declares a named widget. Declaration order is preserved for
// iteration and form filling.
func (d *Definition) Widget(name string, build Constructor) *Definition {
	d.declare(name, build, nil)
	return d
}

// SubView declares a nested view. The nested view participates in widget
// iteration and contributes dotted transition names to the graph.
func (d *Definition) SubView(name string, sub *Definition) *Definition {
	d.declare(name, nil, sub)
	return d
}

func (d *Definition) declare(name string, build Constructor, sub *Definition) {
	if _, dup := d.widgetIdx[name]; dup {
		panic(fmt.Sprintf("view %s: widget %q declared twice", d.name, name))
	}
	desc := &descriptor{index: len(d.widgets), name: name, build: build, sub: sub}
	d.widgets = append(d.widgets, desc)
	d.widgetIdx[name] = desc
}

// Transition declares a transition method leaving this view.
func (d *Definition) Transition(name string, spec TransitionSpec) *Definition {
	if len(spec.Targets) == 0 {
		panic(fmt.Sprintf("view %s: transition %q has no targets", d.name, name))
	}
	if spec.Method == nil {
		panic(fmt.Sprintf("view %s: transition %q has no method", d.name, name))
	}
	d.transitions = append(d.transitions, Transition{
		Name:    name,
		Targets: append([]string(nil), spec.Targets...),
		Params:  append([]string(nil), spec.Params...),
		method:  spec.Method,
	})
	return d
}

// OnView installs the recognition predicate.
func (d *Definition) OnView(fn OnViewFunc) *Definition {
	d.onView = fn
	return d
}

// OnLoad installs the post-instantiation hook.
func (d *Definition) OnLoad(fn OnLoadFunc) *Definition {
	d.onLoad = fn
	return d
}

// HasOnView reports whether the view can recognize itself.
func (d *Definition) HasOnView() bool { return d.onView != nil }

// HasOnLoad reports whether the view declares a load hook.
func (d *Definition) HasOnLoad() bool { return d.onLoad != nil }

// Transitions returns the declared transitions in declaration order.
func (d *Definition) Transitions() []Transition {
	return append([]Transition(nil), d.transitions...)
}

// SubDefinitions returns the nested view definitions in declaration order.
func (d *Definition) SubDefinitions() map[string]*Definition {
	subs := make(map[string]*Definition)
	for _, desc := range d.widgets {
		if desc.sub != nil {
			subs[desc.name] = desc.sub
		}
	}
	return subs
}

// WidgetNames lists all declared widget and sub-view names in order.
func (d *Definition) WidgetNames() []string {
	names := make([]string, len(d.widgets))
	for i, desc := range d.widgets {
		names[i] = desc.name
	}
	return names
}
