// Package browser is the single point of contact for all element
// interactions. It layers locator classification, parent-scoped resolution,
// visibility filtering, stale-element retry and signal emission on top of a
// low-level Driver.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	version "github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harbormaster/internal/config"
	"github.com/xkilldash9x/harbormaster/internal/retry"
)

// Plugin supplies the page-safe predicate polled before interactions. The
// plugin answers once; polling is the caller's job.
type Plugin interface {
	CheckPageReady(ctx context.Context) (bool, error)
}

// alwaysReady is the plugin installed until a product plugin is wired in.
type alwaysReady struct{}

func (alwaysReady) CheckPageReady(context.Context) (bool, error) { return true, nil }

// VersionFunc reports the product version of the application under test.
type VersionFunc func(ctx context.Context) (*version.Version, error)

// Browser wraps a Driver with the query semantics widgets and the navigator
// rely on.
type Browser struct {
	driver Driver
	logger *zap.Logger
	cfg    config.BrowserConfig

	plugin      Plugin
	signals     *signalHub
	staleRetry  retry.Policy
	versionFn   VersionFunc
	safeTimeout time.Duration
	safePoll    time.Duration
}

// Option configures a Browser.
type Option func(*Browser)

// WithProductVersion installs the product version probe used by
// version-picking widgets.
func WithProductVersion(fn VersionFunc) Option {
	return func(b *Browser) { b.versionFn = fn }
}

// WithPageSafeBudget overrides the polling budget used by EnsurePageSafe.
func WithPageSafeBudget(timeout, poll time.Duration) Option {
	return func(b *Browser) {
		b.safeTimeout = timeout
		b.safePoll = poll
	}
}

// New creates a Browser on top of the given driver.
func New(driver Driver, cfg config.BrowserConfig, logger *zap.Logger, opts ...Option) *Browser {
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := cfg.StaleRetries
	if retries <= 0 {
		retries = 10
	}
	delay := cfg.StaleRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	b := &Browser{
		driver:      driver,
		logger:      logger.Named("browser"),
		cfg:         cfg,
		plugin:      alwaysReady{},
		signals:     newSignalHub(),
		staleRetry:  retry.Policy{Attempts: retries + 1, Delay: delay},
		safeTimeout: 15 * time.Second,
		safePoll:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetPlugin wires in the page readiness plugin. Construction order forces
// this to happen after New because plugins typically need the browser to run
// their probe script.
func (b *Browser) SetPlugin(p Plugin) {
	if p != nil {
		b.plugin = p
	}
}

// Plugin returns the installed readiness plugin.
func (b *Browser) Plugin() Plugin { return b.plugin }

// Driver exposes the underlying driver for components that need raw access
// (session teardown, navigation to the entry URL).
func (b *Browser) Driver() Driver { return b.driver }

// On subscribes a handler to a browser signal.
func (b *Browser) On(ev Event, fn Handler) { b.signals.subscribe(ev, fn) }

// ProductVersion reports the version of the product under test.
func (b *Browser) ProductVersion(ctx context.Context) (*version.Version, error) {
	if b.versionFn == nil {
		return nil, errors.New("product version probe not configured")
	}
	return b.versionFn(ctx)
}

// Query bundles the optional knobs of an element lookup.
type Query struct {
	// Parents is a chain of scopes; the first entry is resolved recursively
	// in the context of the rest.
	Parents []any
	// CheckVisibility filters out elements that are not displayed.
	CheckVisibility bool
	// SuppressSignals silences signal emission for this lookup.
	SuppressSignals bool
}

func describeLocator(loc any) string {
	switch v := loc.(type) {
	case Locator:
		return v.String()
	case string:
		return ParseLocator(v).String()
	case Element:
		return fmt.Sprintf("element(%s)", v.ID)
	case Locatable:
		return v.Locator().String()
	default:
		return fmt.Sprintf("%v", loc)
	}
}

// resolveLocator reduces the accepted locator forms to either a live Element
// or a Locator.
func resolveLocator(ctx context.Context, loc any) (*Element, Locator, error) {
	switch v := loc.(type) {
	case Element:
		return &v, Locator{}, nil
	case *Element:
		return v, Locator{}, nil
	case Locator:
		return nil, v, nil
	case string:
		return nil, ParseLocator(v), nil
	case Locatable:
		return nil, v.Locator(), nil
	case Elementable:
		el, err := v.Element(ctx)
		if err != nil {
			return nil, Locator{}, err
		}
		return &el, Locator{}, nil
	default:
		return nil, Locator{}, fmt.Errorf("unsupported locator type %T", loc)
	}
}

// Elements resolves a locator in the context of a parent chain. When the
// locator is already an element handle it is returned as a singleton.
func (b *Browser) Elements(ctx context.Context, loc any, q Query) ([]Element, error) {
	if !q.SuppressSignals {
		b.signals.emit(Signal{Event: EventBeforeElementQuery, Locator: describeLocator(loc)})
	}

	el, locator, err := resolveLocator(ctx, loc)
	if err != nil {
		return nil, err
	}

	var result []Element
	if el != nil {
		result = []Element{*el}
	} else {
		var root *Element
		if len(q.Parents) > 0 {
			parent, err := b.Element(ctx, q.Parents[0], Query{
				Parents:         q.Parents[1:],
				SuppressSignals: true,
			})
			if err != nil {
				return nil, err
			}
			root = &parent
		}
		kind, expr := locator.normalize()
		result, err = b.driver.FindElements(ctx, kind, expr, root)
		if err != nil {
			return nil, err
		}
	}

	if q.CheckVisibility {
		visible := result[:0]
		for _, candidate := range result {
			ok, err := b.driver.IsDisplayed(ctx, candidate)
			if err != nil {
				return nil, err
			}
			if ok {
				visible = append(visible, candidate)
			}
		}
		result = visible
	}

	if !q.SuppressSignals {
		for i := range result {
			b.signals.emit(Signal{
				Event:   EventElementFound,
				Locator: describeLocator(loc),
				Element: &result[i],
			})
		}
	}
	return result, nil
}

// Element returns the first element matching the locator, preferring a
// visible one when several match. An empty result raises *NoSuchElementError
// and fires the element_not_found signal.
func (b *Browser) Element(ctx context.Context, loc any, q Query) (Element, error) {
	elements, err := b.Elements(ctx, loc, q)
	if err != nil {
		return Element{}, err
	}
	if len(elements) == 0 {
		if !q.SuppressSignals {
			b.signals.emit(Signal{Event: EventElementNotFound, Locator: describeLocator(loc)})
		}
		return Element{}, &NoSuchElementError{Locator: describeLocator(loc)}
	}
	if len(elements) > 1 {
		for _, el := range elements {
			ok, err := b.driver.IsDisplayed(ctx, el)
			if err == nil && ok {
				return el, nil
			}
		}
	}
	return elements[0], nil
}

// IsDisplayed reports whether the locator resolves to a visible element.
// NoSuchElement and MoveTargetOutOfBounds are negative answers, stale
// elements are retried unless a raw handle was passed in. Any other driver
// error surfaces without retrying.
func (b *Browser) IsDisplayed(ctx context.Context, loc any, q Query) (bool, error) {
	_, rawHandle := loc.(Element)
	if !rawHandle {
		_, rawHandle = loc.(*Element)
	}

	var displayed bool
	err := b.staleRetry.Do(ctx, func() error {
		el, err := b.MoveToElement(ctx, loc, q)
		if err != nil {
			var nse *NoSuchElementError
			var oob *MoveTargetOutOfBoundsError
			if errors.As(err, &nse) || errors.As(err, &oob) {
				displayed = false
				return nil
			}
			var stale *StaleElementError
			if errors.As(err, &stale) {
				if rawHandle {
					// A detached raw handle cannot be re-resolved.
					return retry.Permanent(err)
				}
				return err
			}
			return retry.Permanent(err)
		}
		ok, err := b.driver.IsDisplayed(ctx, el)
		if err != nil {
			var stale *StaleElementError
			if errors.As(err, &stale) {
				return err
			}
			return retry.Permanent(err)
		}
		displayed = ok
		return nil
	})
	if err != nil {
		return false, err
	}
	return displayed, nil
}

// MoveToElement resolves the locator and moves the pointer onto it. Options
// are special cased: the pointer targets the enclosing select while the
// option element is returned. A move that lands out of bounds is retried
// once after scrolling the element into view.
func (b *Browser) MoveToElement(ctx context.Context, loc any, q Query) (Element, error) {
	el, err := b.Element(ctx, loc, q)
	if err != nil {
		return Element{}, err
	}

	tag, err := b.driver.TagName(ctx, el)
	if err != nil {
		return Element{}, err
	}
	if tag == "option" {
		parent, err := b.driver.Parent(ctx, el)
		if err == nil {
			ptag, perr := b.driver.TagName(ctx, parent)
			if perr == nil && ptag == "select" {
				if _, err := b.MoveToElement(ctx, parent, Query{SuppressSignals: true}); err != nil {
					return Element{}, err
				}
				return el, nil
			}
		}
	}

	if err := b.driver.MoveTo(ctx, el); err != nil {
		var oob *MoveTargetOutOfBoundsError
		if !errors.As(err, &oob) {
			return Element{}, err
		}
		if err := b.driver.ScrollIntoView(ctx, el); err != nil {
			return Element{}, err
		}
		if err := b.driver.MoveTo(ctx, el); err != nil {
			if errors.As(err, &oob) {
				return Element{}, fmt.Errorf(
					"despite all the workarounds, scrolling to %s was unsuccessful: %w",
					describeLocator(loc), err)
			}
			return Element{}, err
		}
	}
	return el, nil
}

// Click moves onto the element, clicks it and waits for the page to settle.
// An alert thrown by the click does not fail the wait.
func (b *Browser) Click(ctx context.Context, loc any, q Query) error {
	el, err := b.MoveToElement(ctx, loc, q)
	if err != nil {
		return err
	}
	if err := b.driver.Click(ctx, el); err != nil {
		return err
	}
	if err := b.EnsurePageSafe(ctx); err != nil {
		// An open dialog blocks script evaluation; the caller handles it.
		if _, alertErr := b.driver.AlertText(ctx); alertErr == nil {
			return nil
		}
		return err
	}
	return nil
}

// ExecuteScript runs a script in the page after stripping common leading
// indentation from it.
func (b *Browser) ExecuteScript(ctx context.Context, script string, out any, args ...any) error {
	return b.driver.Evaluate(ctx, dedent(script), out, args...)
}

// Text returns the element's visible text.
func (b *Browser) Text(ctx context.Context, loc any, q Query) (string, error) {
	el, err := b.Element(ctx, loc, q)
	if err != nil {
		return "", err
	}
	return b.driver.Text(ctx, el)
}

// TagName returns the element's tag name.
func (b *Browser) TagName(ctx context.Context, loc any, q Query) (string, error) {
	el, err := b.Element(ctx, loc, q)
	if err != nil {
		return "", err
	}
	return b.driver.TagName(ctx, el)
}

// GetAttribute returns an attribute value; missing attributes yield "".
func (b *Browser) GetAttribute(ctx context.Context, name string, loc any, q Query) (string, error) {
	el, err := b.Element(ctx, loc, q)
	if err != nil {
		return "", err
	}
	val, _, err := b.driver.Attribute(ctx, el, name)
	return val, err
}

// SetAttribute sets an attribute on the element.
func (b *Browser) SetAttribute(ctx context.Context, name, value string, loc any, q Query) error {
	el, err := b.Element(ctx, loc, q)
	if err != nil {
		return err
	}
	return b.driver.SetAttribute(ctx, el, name, value)
}

// Classes returns the set of css classes attached to the element.
func (b *Browser) Classes(ctx context.Context, loc any, q Query) (map[string]struct{}, error) {
	el, err := b.Element(ctx, loc, q)
	if err != nil {
		return nil, err
	}
	var list []string
	if err := b.driver.Evaluate(ctx, "return Array.from(arguments[0].classList);", &list, el); err != nil {
		return nil, err
	}
	classes := make(map[string]struct{}, len(list))
	for _, c := range list {
		classes[c] = struct{}{}
	}
	return classes, nil
}

// Clear empties an input element.
func (b *Browser) Clear(ctx context.Context, loc any, q Query) error {
	el, err := b.Element(ctx, loc, q)
	if err != nil {
		return err
	}
	return b.driver.Clear(ctx, el)
}

// SendKeys types text into the element after moving onto it.
func (b *Browser) SendKeys(ctx context.Context, text string, loc any, q Query) error {
	el, err := b.MoveToElement(ctx, loc, q)
	if err != nil {
		return err
	}
	return b.driver.SendKeys(ctx, el, text)
}

// Refresh reloads the current page.
func (b *Browser) Refresh(ctx context.Context) error {
	return b.driver.Refresh(ctx)
}

// HandleAlert accepts (or cancels) the open dialog, typing prompt into it
// first when given. With no dialog open it returns false; squash suppresses
// all errors.
func (b *Browser) HandleAlert(ctx context.Context, cancel bool, prompt string, squash bool) (bool, error) {
	_, err := b.driver.AlertText(ctx)
	if err != nil {
		var nap *NoAlertPresentError
		if errors.As(err, &nap) {
			return false, nil
		}
		if squash {
			return false, nil
		}
		return false, err
	}
	if err := b.driver.HandleAlert(ctx, !cancel, prompt); err != nil {
		if squash {
			return false, nil
		}
		return false, err
	}
	b.DismissAnyAlerts(ctx)
	return true, nil
}

// DismissAnyAlerts loops until no dialog remains. Useful when an alert pops
// up several times in a row.
func (b *Browser) DismissAnyAlerts(ctx context.Context) {
	for i := 0; i < 10; i++ {
		if _, err := b.driver.AlertText(ctx); err != nil {
			return
		}
		if err := b.driver.HandleAlert(ctx, false, ""); err != nil {
			return
		}
	}
}

// EnsurePageSafe polls the readiness plugin until it reports idle or the
// budget runs out.
func (b *Browser) EnsurePageSafe(ctx context.Context) error {
	deadline := time.Now().Add(b.safeTimeout)
	for {
		ready, err := b.plugin.CheckPageReady(ctx)
		if err == nil && ready {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("page did not become safe within %s: %w", b.safeTimeout, err)
			}
			return fmt.Errorf("page did not become safe within %s", b.safeTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.safePoll):
		}
	}
}

// InParentContext returns a browser view scoped to a parent chain: every
// query issued through it resolves relative to those parents. This lets a
// widget hand its children a browser that already knows where the widget
// lives in the DOM.
func (b *Browser) InParentContext(parents ...any) *Scoped {
	return &Scoped{browser: b, parents: parents}
}

func dedent(s string) string {
	lines := strings.Split(s, "\n")
	margin := -1
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		indent := len(line) - len(trimmed)
		if margin < 0 || indent < margin {
			margin = indent
		}
	}
	if margin <= 0 {
		return s
	}
	for i, line := range lines {
		if len(line) >= margin {
			lines[i] = line[margin:]
		}
	}
	return strings.Join(lines, "\n")
}
