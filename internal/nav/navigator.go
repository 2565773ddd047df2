// Package nav routes a browser through an application's view graph. Views
// are registered declaratively; the navigator resolves the transition graph
// once, finds paths on demand, and keeps track of which view the browser is
// believed to be on.
package nav

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/harbormaster/internal/browser"
	"github.com/xkilldash9x/harbormaster/internal/config"
	"github.com/xkilldash9x/harbormaster/internal/observability"
	"github.com/xkilldash9x/harbormaster/internal/view"
)

// State is a scratch store plugins and transition methods share across a
// navigator's lifetime. Missing keys read as nil.
type State map[string]any

func (s State) Get(key string) any      { return s[key] }
func (s State) Set(key string, val any) { s[key] = val }

// ResetFunc tears the browser session down during a full reload. The default
// restarts the driver's page and keeps the browser alive, so navigation can
// re-enter through the entry view afterwards.
type ResetFunc func(ctx context.Context) error

// Navigator owns the resolved view graph and the notion of a current view.
// It is not safe for concurrent use; one navigator drives one browser.
type Navigator struct {
	registry *Registry
	graph    *graph
	browser  *browser.Browser
	logger   *zap.Logger

	entry          string
	defaultContext view.Context
	safeBudget     time.Duration
	safePoll       time.Duration
	reset          ResetFunc

	// instances caches one live view per definition name. Contexts are
	// updated in place on revisit so widget caches survive.
	instances map[string]*view.View
	current   *view.View

	State State
}

// Option customizes a Navigator.
type Option func(*Navigator)

// WithDefaultContext seeds values merged under every NavigateTo context.
func WithDefaultContext(nctx view.Context) Option {
	return func(n *Navigator) { n.defaultContext = nctx }
}

// WithBrowserReset replaces the session teardown used by ReloadBrowser.
func WithBrowserReset(fn ResetFunc) Option {
	return func(n *Navigator) { n.reset = fn }
}

// New builds a navigator over the registry, rooted at the entry view. The
// whole graph is resolved and validated here; registration mistakes surface
// before any navigation happens.
func New(reg *Registry, entry string, b *browser.Browser, cfg config.NavigatorConfig, opts ...Option) (*Navigator, error) {
	g, err := buildGraph(reg, entry)
	if err != nil {
		return nil, err
	}
	n := &Navigator{
		registry:       reg,
		graph:          g,
		browser:        b,
		logger:         observability.GetLogger().Named("nav"),
		entry:          entry,
		defaultContext: view.Context{},
		safeBudget:     cfg.PageSafeTimeout,
		safePoll:       cfg.PageSafePoll,
		instances:      make(map[string]*view.View),
		State:          State{},
	}
	n.reset = func(ctx context.Context) error {
		return b.Driver().Reset(ctx)
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Browser satisfies view.Root; instantiated views reach the browser through
// the navigator.
func (n *Navigator) Browser() *browser.Browser { return n.browser }

// CurrentView returns the view the browser is believed to be on, nil when
// unknown.
func (n *Navigator) CurrentView() *view.View { return n.current }

// AllPaths enumerates acyclic paths between two registered views, shortest
// first. Edges whose planned destination is in ignored are skipped.
func (n *Navigator) AllPaths(from, to string, ignored map[string]bool) ([]Path, error) {
	if _, ok := n.registry.Get(from); !ok {
		return nil, fmt.Errorf("nav: view %q is not registered", from)
	}
	if _, ok := n.registry.Get(to); !ok {
		return nil, fmt.Errorf("nav: view %q is not registered", to)
	}
	return n.graph.allPaths(from, to, ignored), nil
}

// PathFromTo returns the shortest path whose every edge's declared params the
// given context can supply.
func (n *Navigator) PathFromTo(from, to string, nctx view.Context) (Path, error) {
	paths, err := n.AllPaths(from, to, nil)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if pathSatisfiable(p, nctx) {
			return p, nil
		}
	}
	return nil, &PathMissingError{From: from, To: to}
}

func pathSatisfiable(p Path, nctx view.Context) bool {
	for _, e := range p {
		for _, param := range e.Params {
			if !nctx.Has(param) {
				return false
			}
		}
	}
	return true
}

// NavigateTo drives the browser to the named view and returns its live
// instance. The context is merged over the navigator's defaults; transition
// methods only ever see the params they declared.
func (n *Navigator) NavigateTo(ctx context.Context, target string, nctx view.Context) (*view.View, error) {
	if _, ok := n.registry.Get(target); !ok {
		return nil, fmt.Errorf("nav: view %q is not registered", target)
	}
	merged := n.defaultContext.Merge(nctx)

	cur, err := n.DetectView(ctx)
	if err != nil {
		return nil, err
	}

	for cur.Name() != target {
		path, err := n.PathFromTo(cur.Name(), target, merged)
		if err != nil {
			return nil, err
		}
		cur, err = n.followPath(ctx, cur, path, merged)
		if err != nil {
			return nil, err
		}
	}
	cur.SetContext(merged)
	return cur, nil
}

// followPath executes steps until the path ends or a multi-target edge lands
// somewhere other than planned, in which case it returns the view actually
// reached so the caller can replan.
func (n *Navigator) followPath(ctx context.Context, cur *view.View, path Path, merged view.Context) (*view.View, error) {
	for _, step := range path {
		if err := n.waitPageSafe(ctx); err != nil {
			return nil, err
		}
		n.logger.Debug("running transition",
			zap.String("view", step.Source), zap.String("transition", step.Name))
		if err := step.run(ctx, cur, merged.Subset(step.Params)); err != nil {
			return nil, fmt.Errorf("transition %s.%s: %w", step.Source, step.Name, err)
		}
		if err := n.waitPageSafe(ctx); err != nil {
			return nil, err
		}

		landed, err := n.resolveLanding(ctx, step.Edge, merged)
		if err != nil {
			return nil, err
		}
		cur = landed
		n.current = landed
		if landed.Name() != step.Planned {
			n.logger.Debug("landed off the planned path",
				zap.String("planned", step.Planned), zap.String("actual", landed.Name()))
			return landed, nil
		}
	}
	return cur, nil
}

// resolveLanding figures out which declared target the transition actually
// reached. Single-target edges are trusted; multi-target edges probe each
// candidate's recognition predicate in declaration order.
func (n *Navigator) resolveLanding(ctx context.Context, edge Edge, merged view.Context) (*view.View, error) {
	if len(edge.Targets) == 1 {
		return n.instantiate(ctx, edge.Targets[0], merged)
	}
	for _, candidate := range edge.Targets {
		v, err := n.instantiate(ctx, candidate, merged)
		if err != nil {
			return nil, err
		}
		match, err := v.OnView(ctx)
		if err != nil {
			n.current = nil
			return nil, fmt.Errorf("probing %s after %s.%s: %w", candidate, edge.Source, edge.Name, err)
		}
		if match {
			return v, nil
		}
	}
	n.current = nil
	return nil, &UnknownLandingError{
		Transition: edge.Source + "." + edge.Name,
		Candidates: edge.Targets,
	}
}

// instantiate returns the cached instance for a view name, updating its
// context, or constructs one and runs its load hook.
func (n *Navigator) instantiate(ctx context.Context, name string, nctx view.Context) (*view.View, error) {
	if v, ok := n.instances[name]; ok {
		v.SetContext(nctx)
		return v, nil
	}
	def, ok := n.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("nav: view %q is not registered", name)
	}
	v := view.New(def, n, nctx)
	if err := v.OnLoad(ctx, nctx); err != nil {
		return nil, fmt.Errorf("loading view %s: %w", name, err)
	}
	if err := n.waitPageSafe(ctx); err != nil {
		return nil, err
	}
	n.instances[name] = v
	return v, nil
}

// DetectView returns the current view when it still recognizes the page, and
// otherwise reloads the browser back to the entry view.
func (n *Navigator) DetectView(ctx context.Context) (*view.View, error) {
	if n.current != nil {
		if !n.current.CanRecognize() {
			return n.current, nil
		}
		match, err := n.current.OnView(ctx)
		if err == nil && match {
			return n.current, nil
		}
		if err != nil {
			n.logger.Debug("current view probe failed", zap.String("view", n.current.Name()), zap.Error(err))
		}
	}
	return n.ReloadBrowser(ctx)
}

// ReloadBrowser drops every cached view, tears the session down, and lands
// back on the entry view.
func (n *Navigator) ReloadBrowser(ctx context.Context) (*view.View, error) {
	n.logger.Info("reloading browser session", zap.String("entry", n.entry))
	for _, v := range n.instances {
		v.FlushWidgetCache()
	}
	n.instances = make(map[string]*view.View)
	n.current = nil
	if err := n.reset(ctx); err != nil {
		return nil, fmt.Errorf("resetting browser: %w", err)
	}
	entry, err := n.instantiate(ctx, n.entry, n.defaultContext)
	if err != nil {
		return nil, err
	}
	n.current = entry
	return entry, nil
}

func (n *Navigator) waitPageSafe(ctx context.Context) error {
	deadline := time.Now().Add(n.safeBudget)
	var lastErr error
	for {
		ready, err := n.browser.Plugin().CheckPageReady(ctx)
		if err == nil && ready {
			return nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return &PageNotSafeError{Budget: n.safeBudget, Cause: lastErr}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.safePoll):
		}
	}
}
