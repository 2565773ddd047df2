// Package browsertest provides an in-memory Driver implementation for tests.
// It models just enough of a DOM to exercise element resolution, visibility
// filtering, stale-element retry and script evaluation without a real
// browser.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xkilldash9x/harbormaster/internal/browser"
)

// Node is a fake DOM element.
type Node struct {
	ID        string
	Tag       string
	Text      string
	Attrs     map[string]string
	Displayed bool
	// InView controls whether MoveTo succeeds; ScrollIntoView sets it.
	InView bool
	// ParentID links the node to its parent for Parent() resolution.
	ParentID string
	// StaleFor makes the next N interactions with the node fail with a
	// stale-element error before the node recovers.
	StaleFor int
}

// ScriptHandler intercepts Evaluate calls. Return handled=false to let the
// next handler try.
type ScriptHandler func(script string, args []any) (result any, handled bool)

// FakeDriver implements browser.Driver against the in-memory node set.
type FakeDriver struct {
	mu sync.Mutex

	nodes   map[string]*Node
	queries map[string][]string

	scripts []ScriptHandler

	alert *string

	// ClickFn, when set, observes every click.
	ClickFn func(n *Node)

	// FindFn, when set, runs on every element query; a non-nil return
	// fails the lookup.
	FindFn    func(expr string) error
	FindCalls int

	NavigatedURLs []string
	Refreshes     int
	ResetCalls    int
	QuitCalls     int
}

var _ browser.Driver = (*FakeDriver)(nil)

// New creates an empty fake driver.
func New() *FakeDriver {
	return &FakeDriver{
		nodes:   make(map[string]*Node),
		queries: make(map[string][]string),
	}
}

// AddNode registers a node. The tag defaults to "div"; visibility flags are
// taken as given.
func (d *FakeDriver) AddNode(n *Node) *Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n.Tag == "" {
		n.Tag = "div"
	}
	if n.Attrs == nil {
		n.Attrs = make(map[string]string)
	}
	d.nodes[n.ID] = n
	return n
}

// MapQuery makes expr resolve to the given node ids, in order.
func (d *FakeDriver) MapQuery(expr string, ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries[expr] = ids
}

// UnmapQuery removes a mapping, simulating content leaving the page.
func (d *FakeDriver) UnmapQuery(expr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.queries, expr)
}

// HandleScript appends a script handler.
func (d *FakeDriver) HandleScript(h ScriptHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = append(d.scripts, h)
}

// OpenAlert simulates a dialog opening.
func (d *FakeDriver) OpenAlert(message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alert = &message
}

// Node returns a registered node for inspection.
func (d *FakeDriver) Node(id string) *Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nodes[id]
}

func (d *FakeDriver) lookup(id string) (*Node, error) {
	n, ok := d.nodes[id]
	if !ok {
		return nil, &browser.NoSuchElementError{Locator: "element(" + id + ")"}
	}
	return n, nil
}

// touch applies the stale countdown to an interaction with the node.
func (d *FakeDriver) touch(n *Node) error {
	if n.StaleFor > 0 {
		n.StaleFor--
		return &browser.StaleElementError{Locator: "element(" + n.ID + ")"}
	}
	return nil
}

func (d *FakeDriver) FindElements(_ context.Context, _ browser.Strategy, expr string, root *browser.Element) ([]browser.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FindCalls++
	if d.FindFn != nil {
		if err := d.FindFn(expr); err != nil {
			return nil, err
		}
	}
	key := expr
	if root != nil {
		scoped := root.ID + "|" + expr
		if _, ok := d.queries[scoped]; ok {
			key = scoped
		}
	}
	ids := d.queries[key]
	out := make([]browser.Element, 0, len(ids))
	for _, id := range ids {
		if _, ok := d.nodes[id]; ok {
			out = append(out, browser.Element{ID: id})
		}
	}
	return out, nil
}

func (d *FakeDriver) IsDisplayed(_ context.Context, el browser.Element) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(el.ID)
	if err != nil {
		return false, err
	}
	if err := d.touch(n); err != nil {
		return false, err
	}
	return n.Displayed, nil
}

func (d *FakeDriver) ScrollIntoView(_ context.Context, el browser.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(el.ID)
	if err != nil {
		return err
	}
	n.InView = true
	return nil
}

func (d *FakeDriver) MoveTo(_ context.Context, el browser.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(el.ID)
	if err != nil {
		return err
	}
	if err := d.touch(n); err != nil {
		return err
	}
	if !n.InView {
		return &browser.MoveTargetOutOfBoundsError{Locator: "element(" + n.ID + ")"}
	}
	return nil
}

func (d *FakeDriver) TagName(_ context.Context, el browser.Element) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(el.ID)
	if err != nil {
		return "", err
	}
	return n.Tag, nil
}

func (d *FakeDriver) Text(_ context.Context, el browser.Element) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(el.ID)
	if err != nil {
		return "", err
	}
	if err := d.touch(n); err != nil {
		return "", err
	}
	return n.Text, nil
}

func (d *FakeDriver) Attribute(_ context.Context, el browser.Element, name string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(el.ID)
	if err != nil {
		return "", false, err
	}
	val, ok := n.Attrs[name]
	return val, ok, nil
}

func (d *FakeDriver) SetAttribute(_ context.Context, el browser.Element, name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(el.ID)
	if err != nil {
		return err
	}
	n.Attrs[name] = value
	return nil
}

func (d *FakeDriver) Click(_ context.Context, el browser.Element) error {
	d.mu.Lock()
	n, err := d.lookup(el.ID)
	fn := d.ClickFn
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if fn != nil {
		fn(n)
	}
	return nil
}

func (d *FakeDriver) Clear(_ context.Context, el browser.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(el.ID)
	if err != nil {
		return err
	}
	n.Attrs["value"] = ""
	return nil
}

func (d *FakeDriver) SendKeys(_ context.Context, el browser.Element, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(el.ID)
	if err != nil {
		return err
	}
	n.Attrs["value"] = n.Attrs["value"] + text
	return nil
}

func (d *FakeDriver) Parent(_ context.Context, el browser.Element) (browser.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.lookup(el.ID)
	if err != nil {
		return browser.Element{}, err
	}
	if n.ParentID == "" {
		return browser.Element{}, &browser.NoSuchElementError{Locator: "parent of element(" + n.ID + ")"}
	}
	if _, ok := d.nodes[n.ParentID]; !ok {
		return browser.Element{}, &browser.NoSuchElementError{Locator: "element(" + n.ParentID + ")"}
	}
	return browser.Element{ID: n.ParentID}, nil
}

// Evaluate runs the registered script handlers in order. Unhandled scripts
// yield an error so tests notice missing stubs immediately.
func (d *FakeDriver) Evaluate(_ context.Context, script string, out any, args ...any) error {
	d.mu.Lock()
	handlers := append([]ScriptHandler(nil), d.scripts...)
	d.mu.Unlock()
	for _, h := range handlers {
		result, handled := h(script, args)
		if !handled {
			continue
		}
		if out == nil {
			return nil
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	}
	return fmt.Errorf("no script handler for: %s", script)
}

func (d *FakeDriver) AlertText(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.alert == nil {
		return "", &browser.NoAlertPresentError{}
	}
	return *d.alert, nil
}

func (d *FakeDriver) HandleAlert(_ context.Context, accept bool, prompt string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.alert == nil {
		return &browser.NoAlertPresentError{}
	}
	d.alert = nil
	return nil
}

func (d *FakeDriver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.NavigatedURLs = append(d.NavigatedURLs, url)
	return nil
}

func (d *FakeDriver) Refresh(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Refreshes++
	return nil
}

func (d *FakeDriver) Reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCalls++
	d.alert = nil
	return nil
}

func (d *FakeDriver) Quit(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.QuitCalls++
	return nil
}
