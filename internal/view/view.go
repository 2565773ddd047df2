package view

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/harbormaster/internal/browser"
)

// Root is the browser holder at the top of a view's parent chain; the
// navigator implements it.
type Root interface {
	Browser() *browser.Browser
}

// View is a live instance of a Definition, bound to a parent (another view
// or the navigator root) and owning a lazily filled widget slab.
type View struct {
	def     *Definition
	root    Root
	parent  *View // nil for top-level views
	context Context

	// slab holds materialized widgets indexed by descriptor slot. A nil
	// entry means not yet materialized.
	slab []Widget
}

// New instantiates a view definition under the given root.
func New(def *Definition, root Root, nctx Context) *View {
	return &View{
		def:     def,
		root:    root,
		context: nctx,
		slab:    make([]Widget, len(def.widgets)),
	}
}

func newSubView(def *Definition, parent *View) *View {
	return &View{
		def:     def,
		root:    parent.root,
		parent:  parent,
		context: parent.context,
		slab:    make([]Widget, len(def.widgets)),
	}
}

// Definition returns the definition this view was instantiated from.
func (v *View) Definition() *Definition { return v.def }

// Name returns the definition name.
func (v *View) Name() string { return v.def.name }

// Browser walks up to the root's browser.
func (v *View) Browser() *browser.Browser { return v.root.Browser() }

// ParentView returns the enclosing view, or nil for top-level views.
func (v *View) ParentView() *View { return v.parent }

// Context returns the navigation context the view was instantiated with.
func (v *View) Context() Context { return v.context }

// SetContext updates the context in place; the navigator uses this when an
// existing instance is revisited with fresh parameters.
func (v *View) SetContext(nctx Context) { v.context = nctx }

// Locator returns the view's root locator. Views without a declared root
// have no locator of their own.
func (v *View) Locator() (browser.Locator, bool) {
	return v.def.root, v.def.hasRoot
}

// parentChain builds the locator chain scoping this view's lookups:
// innermost first, following the Browser's parent resolution order.
func (v *View) parentChain() []any {
	var chain []any
	for cur := v; cur != nil; cur = cur.parent {
		if cur.def.hasRoot {
			chain = append(chain, cur.def.root)
		}
	}
	return chain
}

// Scope returns a browser view scoped to this view's position in the DOM.
func (v *View) Scope() *browser.Scoped {
	return v.Browser().InParentContext(v.parentChain()...)
}

// Widget materializes (or returns the cached) widget declared under name.
func (v *View) Widget(name string) (Widget, error) {
	desc, ok := v.def.widgetIdx[name]
	if !ok {
		return nil, fmt.Errorf("view %s does not have widget %q", v.def.name, name)
	}
	if v.slab[desc.index] == nil {
		if desc.sub != nil {
			v.slab[desc.index] = newSubView(desc.sub, v)
		} else {
			v.slab[desc.index] = desc.build(v)
		}
	}
	return v.slab[desc.index], nil
}

// MustWidget is Widget for statically known names.
func (v *View) MustWidget(name string) Widget {
	w, err := v.Widget(name)
	if err != nil {
		panic(err)
	}
	return w
}

// SubView returns the named nested view.
func (v *View) SubView(name string) (*View, error) {
	w, err := v.Widget(name)
	if err != nil {
		return nil, err
	}
	sub, ok := w.(*View)
	if !ok {
		return nil, fmt.Errorf("widget %q of view %s is not a sub-view", name, v.def.name)
	}
	return sub, nil
}

// WidgetNames lists the declared widget names in declaration order.
func (v *View) WidgetNames() []string { return v.def.WidgetNames() }

// Widgets materializes every declared widget, in declaration order.
func (v *View) Widgets() []Widget {
	out := make([]Widget, 0, len(v.def.widgets))
	for _, desc := range v.def.widgets {
		w, _ := v.Widget(desc.name)
		out = append(out, w)
	}
	return out
}

// FlushWidgetCache drops all materialized widgets, recursing into nested
// views first. The next access materializes fresh instances.
func (v *View) FlushWidgetCache() {
	for _, w := range v.slab {
		if sub, ok := w.(*View); ok && sub != nil {
			sub.FlushWidgetCache()
		}
	}
	for i := range v.slab {
		v.slab[i] = nil
	}
}

// OnView runs the recognition predicate. Views without one cannot be
// probed; callers check CanRecognize first.
func (v *View) OnView(ctx context.Context) (bool, error) {
	if v.def.onView == nil {
		return false, fmt.Errorf("view %s does not define an on-view predicate", v.def.name)
	}
	return v.def.onView(ctx, v)
}

// CanRecognize reports whether the view defines an on-view predicate.
func (v *View) CanRecognize() bool { return v.def.onView != nil }

// OnLoad runs the post-instantiation hook when declared.
func (v *View) OnLoad(ctx context.Context, nctx Context) error {
	if v.def.onLoad == nil {
		return nil
	}
	return v.def.onLoad(ctx, v, nctx)
}

// IsDisplayed checks the root locator's visibility; views without a root are
// trivially displayed.
func (v *View) IsDisplayed(ctx context.Context) (bool, error) {
	if !v.def.hasRoot {
		return true, nil
	}
	var parents []any
	if v.parent != nil {
		parents = v.parent.parentChain()
	}
	return v.Browser().IsDisplayed(ctx, v.def.root, browser.Query{Parents: parents})
}

// Element resolves the view's root element.
func (v *View) Element(ctx context.Context) (browser.Element, error) {
	if !v.def.hasRoot {
		return browser.Element{}, fmt.Errorf("view %s has no root locator", v.def.name)
	}
	var parents []any
	if v.parent != nil {
		parents = v.parent.parentChain()
	}
	return v.Browser().Element(ctx, v.def.root, browser.Query{Parents: parents})
}

// Fill writes values into the named widgets in declaration order and reports
// whether anything changed. Nil values are skipped; unknown names are
// errors.
func (v *View) Fill(ctx context.Context, values map[string]any) (bool, error) {
	for name := range values {
		if _, ok := v.def.widgetIdx[name]; !ok {
			return false, fmt.Errorf("view %s does not have widget %q", v.def.name, name)
		}
	}
	changed := false
	for _, name := range v.WidgetNames() {
		value, ok := values[name]
		if !ok || value == nil {
			continue
		}
		w, err := v.Widget(name)
		if err != nil {
			return changed, err
		}
		fillable, ok := w.(Fillable)
		if !ok {
			return changed, fmt.Errorf("widget %q of view %s does not implement fill", name, v.def.name)
		}
		did, err := fillable.Fill(ctx, value)
		if err != nil {
			return changed, err
		}
		changed = changed || did
	}
	return changed, nil
}

// Read collects the values of all readable widgets. Widgets that cannot be
// read (not readable, or currently absent from the page) are skipped.
func (v *View) Read(ctx context.Context) (map[string]any, error) {
	result := make(map[string]any)
	for _, name := range v.WidgetNames() {
		w, err := v.Widget(name)
		if err != nil {
			return nil, err
		}
		readable, ok := w.(Readable)
		if !ok {
			continue
		}
		value, err := readable.Read(ctx)
		if err != nil {
			var nse *browser.NoSuchElementError
			if errors.As(err, &nse) {
				continue
			}
			return nil, err
		}
		result[name] = value
	}
	return result, nil
}
