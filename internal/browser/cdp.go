package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harbormaster/internal/config"
)

// CDPDriver implements Driver on top of chromedp. Element handles are CDP
// remote object ids; they stay valid until the document they belong to is
// replaced or mutated away.
type CDPDriver struct {
	allocCtx    context.Context
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger

	alertMu sync.Mutex
	alert   *alertState
}

type alertState struct {
	message string
}

// Ensure CDPDriver satisfies the contract.
var _ Driver = (*CDPDriver)(nil)

// NewCDPDriver launches a browser and attaches a fresh tab to it.
func NewCDPDriver(parent context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*CDPDriver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", cfg.Headless))
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)

	d := &CDPDriver{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("cdp"),
	}
	if err := d.openTab(); err != nil {
		allocCancel()
		return nil, err
	}
	return d, nil
}

// openTab attaches a fresh tab to the running browser, replacing whatever
// tab context the driver held before.
func (d *CDPDriver) openTab() error {
	tabCtx, cancel := chromedp.NewContext(d.allocCtx)

	// Connect the target before anything else touches it.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start browser target: %w", err)
	}

	// Dialogs block script evaluation until handled, so track them as they
	// open and close.
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *page.EventJavascriptDialogOpening:
			d.alertMu.Lock()
			d.alert = &alertState{message: e.Message}
			d.alertMu.Unlock()
		case *page.EventJavascriptDialogClosed:
			d.alertMu.Lock()
			d.alert = nil
			d.alertMu.Unlock()
		}
	})

	d.ctx = tabCtx
	d.cancel = cancel
	return nil
}

// mapCDPError translates protocol-level failures into the recoverable error
// taxonomy the Browser layer understands.
func mapCDPError(err error, locator string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Could not find object with given id"),
		strings.Contains(msg, "Cannot find context with specified id"),
		strings.Contains(msg, "No node with given id found"),
		strings.Contains(msg, "Node with given id does not belong to the document"):
		return &StaleElementError{Locator: locator}
	default:
		return err
	}
}

// callOn invokes a JS function with the element as `this`. When out is
// non-nil the return value is fetched by value and decoded into it.
func (d *CDPDriver) callOn(ctx context.Context, el Element, fnDecl string, out any, args ...*runtime.CallArgument) error {
	byValue := out != nil
	var res *runtime.RemoteObject
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var exc *runtime.ExceptionDetails
		var err error
		res, exc, err = runtime.CallFunctionOn(fnDecl).
			WithObjectID(runtime.RemoteObjectID(el.ID)).
			WithArguments(args).
			WithReturnByValue(byValue).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script exception: %s", exc.Text)
		}
		return nil
	}))
	if err != nil {
		return mapCDPError(err, "element("+el.ID+")")
	}
	if out != nil && res != nil && res.Value != nil {
		return json.Unmarshal(res.Value, out)
	}
	return nil
}

// run executes a chromedp action on the tab while honoring the caller's
// context for cancellation.
func (d *CDPDriver) run(ctx context.Context, action chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(d.ctx, action) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

const findElementsJS = `function(kind, expr) {
	var out;
	if (kind === "xpath") {
		var snap = document.evaluate(expr, this === document ? document : this, null,
			XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
		out = [];
		for (var i = 0; i < snap.snapshotLength; i++) {
			out.push(snap.snapshotItem(i));
		}
	} else {
		out = Array.from(this.querySelectorAll(expr));
	}
	return out;
}`

// FindElements evaluates the normalized expression under root (the document
// when root is nil) and returns one handle per match.
func (d *CDPDriver) FindElements(ctx context.Context, kind Strategy, expr string, root *Element) ([]Element, error) {
	rootEl, err := d.rootObject(ctx, root)
	if err != nil {
		return nil, err
	}

	var arrayID runtime.RemoteObjectID
	err = d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exc, err := runtime.CallFunctionOn(findElementsJS).
			WithObjectID(runtime.RemoteObjectID(rootEl.ID)).
			WithArguments([]*runtime.CallArgument{
				{Value: mustJSON(string(kind))},
				{Value: mustJSON(expr)},
			}).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("invalid locator %s=%q: %s", kind, expr, exc.Text)
		}
		arrayID = res.ObjectID
		return nil
	}))
	if err != nil {
		return nil, mapCDPError(err, fmt.Sprintf("%s=%q", kind, expr))
	}
	if arrayID == "" {
		return nil, nil
	}

	var elements []Element
	err = d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		props, _, _, exc, err := runtime.GetProperties(arrayID).
			WithOwnProperties(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("enumerating result array: %s", exc.Text)
		}
		for _, prop := range props {
			if _, err := strconv.Atoi(prop.Name); err != nil {
				continue
			}
			if prop.Value == nil || prop.Value.ObjectID == "" {
				continue
			}
			elements = append(elements, Element{ID: string(prop.Value.ObjectID)})
		}
		return nil
	}))
	if err != nil {
		return nil, mapCDPError(err, fmt.Sprintf("%s=%q", kind, expr))
	}
	return elements, nil
}

// rootObject returns root itself, or a handle to the document.
func (d *CDPDriver) rootObject(ctx context.Context, root *Element) (Element, error) {
	if root != nil {
		return *root, nil
	}
	var docID runtime.RemoteObjectID
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exc, err := runtime.Evaluate("document").Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("resolving document: %s", exc.Text)
		}
		docID = res.ObjectID
		return nil
	}))
	if err != nil {
		return Element{}, err
	}
	return Element{ID: string(docID)}, nil
}

const isDisplayedJS = `function() {
	if (!this.getClientRects || this.getClientRects().length === 0) {
		return false;
	}
	var style = window.getComputedStyle(this);
	return style.visibility !== "hidden" && style.display !== "none" && style.opacity !== "0";
}`

func (d *CDPDriver) IsDisplayed(ctx context.Context, el Element) (bool, error) {
	var displayed bool
	if err := d.callOn(ctx, el, isDisplayedJS, &displayed); err != nil {
		return false, err
	}
	return displayed, nil
}

func (d *CDPDriver) ScrollIntoView(ctx context.Context, el Element) error {
	return d.callOn(ctx, el, `function() { this.scrollIntoView({block: "center", inline: "center"}); }`, nil)
}

type elementRect struct {
	X, Y, W, H float64
	VW, VH     float64
}

const rectJS = `function() {
	var r = this.getBoundingClientRect();
	return {X: r.x, Y: r.y, W: r.width, H: r.height, VW: window.innerWidth, VH: window.innerHeight};
}`

func (d *CDPDriver) center(ctx context.Context, el Element) (float64, float64, error) {
	var r elementRect
	if err := d.callOn(ctx, el, rectJS, &r); err != nil {
		return 0, 0, err
	}
	x := r.X + r.W/2
	y := r.Y + r.H/2
	if r.W == 0 || r.H == 0 || x < 0 || y < 0 || x > r.VW || y > r.VH {
		return 0, 0, &MoveTargetOutOfBoundsError{Locator: "element(" + el.ID + ")"}
	}
	return x, y, nil
}

func (d *CDPDriver) MoveTo(ctx context.Context, el Element) error {
	x, y, err := d.center(ctx, el)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
}

func (d *CDPDriver) TagName(ctx context.Context, el Element) (string, error) {
	var tag string
	if err := d.callOn(ctx, el, `function() { return this.tagName.toLowerCase(); }`, &tag); err != nil {
		return "", err
	}
	return tag, nil
}

func (d *CDPDriver) Text(ctx context.Context, el Element) (string, error) {
	var text string
	err := d.callOn(ctx, el, `function() { return (this.innerText || this.textContent || "").trim(); }`, &text)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (d *CDPDriver) Attribute(ctx context.Context, el Element, name string) (string, bool, error) {
	var res struct {
		Present bool
		Value   string
	}
	err := d.callOn(ctx, el,
		`function(name) {
			if (!this.hasAttribute(name)) {
				if (name === "value" && "value" in this) {
					return {Present: true, Value: String(this.value)};
				}
				return {Present: false, Value: ""};
			}
			return {Present: true, Value: this.getAttribute(name)};
		}`,
		&res, &runtime.CallArgument{Value: mustJSON(name)})
	if err != nil {
		return "", false, err
	}
	return res.Value, res.Present, nil
}

func (d *CDPDriver) SetAttribute(ctx context.Context, el Element, name, value string) error {
	return d.callOn(ctx, el, `function(name, value) { this.setAttribute(name, value); }`, nil,
		&runtime.CallArgument{Value: mustJSON(name)},
		&runtime.CallArgument{Value: mustJSON(value)})
}

func (d *CDPDriver) Click(ctx context.Context, el Element) error {
	x, y, err := d.center(ctx, el)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(input.Left).WithClickCount(1).Do(ctx); err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(input.Left).WithClickCount(1).Do(ctx)
	}))
}

func (d *CDPDriver) Clear(ctx context.Context, el Element) error {
	return d.callOn(ctx, el,
		`function() {
			this.value = "";
			this.dispatchEvent(new Event("input", {bubbles: true}));
			this.dispatchEvent(new Event("change", {bubbles: true}));
		}`, nil)
}

func (d *CDPDriver) SendKeys(ctx context.Context, el Element, text string) error {
	if err := d.callOn(ctx, el, `function() { this.focus(); }`, nil); err != nil {
		return err
	}
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(text).Do(ctx)
	}))
}

func (d *CDPDriver) Parent(ctx context.Context, el Element) (Element, error) {
	var parentID runtime.RemoteObjectID
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exc, err := runtime.CallFunctionOn(`function() { return this.parentElement; }`).
			WithObjectID(runtime.RemoteObjectID(el.ID)).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("resolving parent: %s", exc.Text)
		}
		if res == nil || res.ObjectID == "" {
			return &NoSuchElementError{Locator: "parent of element(" + el.ID + ")"}
		}
		parentID = res.ObjectID
		return nil
	}))
	if err != nil {
		return Element{}, mapCDPError(err, "element("+el.ID+")")
	}
	return Element{ID: string(parentID)}, nil
}

// Evaluate wraps the script in a function so that selenium-style `arguments`
// references keep working, then runs it against the page.
func (d *CDPDriver) Evaluate(ctx context.Context, script string, out any, args ...any) error {
	doc, err := d.rootObject(ctx, nil)
	if err != nil {
		return err
	}
	callArgs := make([]*runtime.CallArgument, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case Element:
			callArgs = append(callArgs, &runtime.CallArgument{ObjectID: runtime.RemoteObjectID(v.ID)})
		case *Element:
			callArgs = append(callArgs, &runtime.CallArgument{ObjectID: runtime.RemoteObjectID(v.ID)})
		default:
			callArgs = append(callArgs, &runtime.CallArgument{Value: mustJSON(v)})
		}
	}
	fnDecl := "function() {\n" + script + "\n}"
	return d.callOn(ctx, doc, fnDecl, out, callArgs...)
}

func (d *CDPDriver) AlertText(ctx context.Context) (string, error) {
	d.alertMu.Lock()
	defer d.alertMu.Unlock()
	if d.alert == nil {
		return "", &NoAlertPresentError{}
	}
	return d.alert.message, nil
}

func (d *CDPDriver) HandleAlert(ctx context.Context, accept bool, prompt string) error {
	d.alertMu.Lock()
	open := d.alert != nil
	d.alertMu.Unlock()
	if !open {
		return &NoAlertPresentError{}
	}
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.HandleJavaScriptDialog(accept)
		if prompt != "" {
			params = params.WithPromptText(prompt)
		}
		return params.Do(ctx)
	}))
}

func (d *CDPDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *CDPDriver) Refresh(ctx context.Context) error {
	return d.run(ctx, chromedp.Reload())
}

// Reset closes the current tab and opens a fresh one against the running
// browser. Every element handle from the old tab is invalidated.
func (d *CDPDriver) Reset(_ context.Context) error {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.alertMu.Lock()
	d.alert = nil
	d.alertMu.Unlock()
	return d.openTab()
}

// Quit tears down the tab and the browser process. It is safe to call more
// than once.
func (d *CDPDriver) Quit(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.allocCancel != nil {
		d.allocCancel()
		d.allocCancel = nil
	}
	return nil
}

func mustJSON(v any) jsontext.Value {
	raw, err := json.Marshal(v)
	if err != nil {
		// Arguments are plain strings and numbers; a marshal failure here is
		// a programming error.
		panic(fmt.Sprintf("marshaling script argument: %v", err))
	}
	return raw
}
