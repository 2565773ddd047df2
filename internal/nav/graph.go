package nav

import (
	"context"
	"fmt"
	"sort"

	"github.com/xkilldash9x/harbormaster/internal/view"
)

// Edge is one navigable transition in the view graph. For transitions
// declared on a nested view the name is dotted (menu.logout) and subPath
// records how to descend from the top-level source instance to the view that
// owns the method.
type Edge struct {
	Source  string
	Name    string
	Params  []string
	Targets []string

	subPath    []string
	transition view.Transition
}

func (e Edge) run(ctx context.Context, source *view.View, nctx view.Context) error {
	owner := source
	for _, name := range e.subPath {
		sub, err := owner.SubView(name)
		if err != nil {
			return fmt.Errorf("transition %s.%s: %w", e.Source, e.Name, err)
		}
		owner = sub
	}
	return e.transition.Run(ctx, owner, nctx)
}

// Step is one edge of a planned path together with the target the plan
// expects to land on. Multi-target edges contribute one step per target, and
// the actual landing is resolved at runtime.
type Step struct {
	Edge
	Planned string
}

// Path is an ordered step sequence from one view to another.
type Path []Step

// graph is the resolved transition graph: outgoing edges per view name, in
// declaration order with sub-view transitions after the owning view's own.
type graph struct {
	edges map[string][]Edge
}

// buildGraph walks the definitions reachable from entry, collects every
// transition (including dotted sub-view transitions), and resolves all target
// names against the registry. Unresolved targets and multi-target edges with
// unrecognizable candidates fail the build.
func buildGraph(reg *Registry, entry string) (*graph, error) {
	entryDef, ok := reg.Get(entry)
	if !ok {
		return nil, fmt.Errorf("nav: entry view %q is not registered", entry)
	}

	g := &graph{edges: make(map[string][]Edge)}
	seen := map[string]bool{}
	queue := []*view.Definition{entryDef}

	for len(queue) > 0 {
		def := queue[0]
		queue = queue[1:]
		if seen[def.Name()] {
			continue
		}
		seen[def.Name()] = true

		edges, err := collectEdges(def, def, nil)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			for _, target := range e.Targets {
				targetDef, ok := reg.Get(target)
				if !ok {
					return nil, &UnresolvedTargetError{Source: e.Source, Transition: e.Name, Target: target}
				}
				if len(e.Targets) > 1 && !targetDef.HasOnView() {
					return nil, fmt.Errorf("nav: transition %s.%s has multiple targets but %q cannot recognize itself",
						e.Source, e.Name, target)
				}
				if !seen[target] {
					queue = append(queue, targetDef)
				}
			}
		}
		g.edges[def.Name()] = edges
	}
	return g, nil
}

// collectEdges gathers def's transitions plus those of its sub-views,
// depth-first in declaration order. source stays the top-level definition so
// edges always leave a node of the graph.
func collectEdges(source, def *view.Definition, subPath []string) ([]Edge, error) {
	var edges []Edge
	prefix := ""
	for _, p := range subPath {
		prefix += p + "."
	}
	for _, tr := range def.Transitions() {
		edges = append(edges, Edge{
			Source:     source.Name(),
			Name:       prefix + tr.Name,
			Params:     tr.Params,
			Targets:    tr.Targets,
			subPath:    append([]string(nil), subPath...),
			transition: tr,
		})
	}
	subs := def.SubDefinitions()
	for _, name := range def.WidgetNames() {
		sub, ok := subs[name]
		if !ok {
			continue
		}
		nested, err := collectEdges(source, sub, append(append([]string(nil), subPath...), name))
		if err != nil {
			return nil, err
		}
		edges = append(edges, nested...)
	}
	return edges, nil
}

// allPaths enumerates every acyclic path from one view to another, skipping
// steps into ignored views. Multi-target edges branch once per declared
// target. Paths come back sorted by length, ties keeping discovery order.
func (g *graph) allPaths(from, to string, ignored map[string]bool) []Path {
	var found []Path
	var walk func(node string, visited map[string]bool, trail Path)
	walk = func(node string, visited map[string]bool, trail Path) {
		if node == to {
			found = append(found, append(Path(nil), trail...))
			return
		}
		visited[node] = true
		defer delete(visited, node)
		for _, e := range g.edges[node] {
			for _, dest := range e.Targets {
				if visited[dest] || ignored[dest] {
					continue
				}
				walk(dest, visited, append(trail, Step{Edge: e, Planned: dest}))
			}
		}
	}
	walk(from, map[string]bool{}, nil)
	sort.SliceStable(found, func(i, j int) bool { return len(found[i]) < len(found[j]) })
	return found
}
