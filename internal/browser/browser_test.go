package browser_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/harbormaster/internal/browser"
	"github.com/xkilldash9x/harbormaster/internal/browser/browsertest"
	"github.com/xkilldash9x/harbormaster/internal/config"
)

func newBrowser(t *testing.T) (*browser.Browser, *browsertest.FakeDriver) {
	t.Helper()
	driver := browsertest.New()
	b := browser.New(driver, config.BrowserConfig{
		StaleRetries:    10,
		StaleRetryDelay: time.Millisecond,
	}, nil)
	return b, driver
}

func TestElementsResolvesLocators(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	d.AddNode(&browsertest.Node{ID: "n1", Displayed: true, InView: true})
	d.AddNode(&browsertest.Node{ID: "n2", Displayed: false, InView: true})
	d.MapQuery("#login", "n1", "n2")

	els, err := b.Elements(ctx, "#login", browser.Query{})
	require.NoError(t, err)
	assert.Len(t, els, 2)

	visible, err := b.Elements(ctx, "#login", browser.Query{CheckVisibility: true})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "n1", visible[0].ID)
}

func TestElementPassthroughForResolvedHandles(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	node := d.AddNode(&browsertest.Node{ID: "raw", Displayed: true, InView: true})
	els, err := b.Elements(ctx, browser.Element{ID: node.ID}, browser.Query{})
	require.NoError(t, err)
	require.Len(t, els, 1)
	assert.Equal(t, "raw", els[0].ID)
}

func TestElementPrefersVisibleMatch(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	d.AddNode(&browsertest.Node{ID: "hidden", Displayed: false, InView: true})
	d.AddNode(&browsertest.Node{ID: "shown", Displayed: true, InView: true})
	d.MapQuery(".menu-item", "hidden", "shown")

	el, err := b.Element(ctx, ".menu-item", browser.Query{})
	require.NoError(t, err)
	assert.Equal(t, "shown", el.ID)
}

func TestElementMissingRaisesNoSuchElement(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()
	d.MapQuery("#ghost")

	_, err := b.Element(ctx, "#ghost", browser.Query{})
	var nse *browser.NoSuchElementError
	require.ErrorAs(t, err, &nse)
}

func TestParentScopedResolution(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	d.AddNode(&browsertest.Node{ID: "form", Displayed: true, InView: true})
	d.AddNode(&browsertest.Node{ID: "field", Displayed: true, InView: true})
	d.MapQuery("#form", "form")
	d.MapQuery("form|input[name=user]", "field")

	el, err := b.Element(ctx, "input[name=user]", browser.Query{Parents: []any{"#form"}})
	require.NoError(t, err)
	assert.Equal(t, "field", el.ID)

	// Same thing via the parent-context proxy.
	scoped := b.InParentContext("#form")
	el, err = scoped.Element(ctx, "input[name=user]", browser.Query{})
	require.NoError(t, err)
	assert.Equal(t, "field", el.ID)
}

func TestSignalsFireOnLookup(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	d.AddNode(&browsertest.Node{ID: "n1", Displayed: true, InView: true})
	d.MapQuery("#thing", "n1")
	d.MapQuery("#missing")

	var events []browser.Event
	for _, ev := range []browser.Event{
		browser.EventBeforeElementQuery,
		browser.EventElementFound,
		browser.EventElementNotFound,
	} {
		ev := ev
		b.On(ev, func(s browser.Signal) { events = append(events, s.Event) })
	}

	_, err := b.Element(ctx, "#thing", browser.Query{})
	require.NoError(t, err)
	assert.Equal(t, []browser.Event{browser.EventBeforeElementQuery, browser.EventElementFound}, events)

	events = nil
	_, err = b.Element(ctx, "#missing", browser.Query{})
	require.Error(t, err)
	assert.Equal(t, []browser.Event{browser.EventBeforeElementQuery, browser.EventElementNotFound}, events)

	events = nil
	_, err = b.Elements(ctx, "#thing", browser.Query{SuppressSignals: true})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestIsDisplayedNegativePredicates(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	// Missing element is a negative answer, not an error.
	d.MapQuery("#gone")
	shown, err := b.IsDisplayed(ctx, "#gone", browser.Query{})
	require.NoError(t, err)
	assert.False(t, shown)

	// Out-of-bounds that scrolling cannot fix: the fake keeps InView false
	// only until ScrollIntoView, so this one ends up visible instead.
	d.AddNode(&browsertest.Node{ID: "below-fold", Displayed: true, InView: false})
	d.MapQuery("#below", "below-fold")
	shown, err = b.IsDisplayed(ctx, "#below", browser.Query{})
	require.NoError(t, err)
	assert.True(t, shown)
}

func TestIsDisplayedRetriesStaleElements(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	// The node detaches for the first three interactions, then recovers.
	d.AddNode(&browsertest.Node{ID: "flaky", Displayed: true, InView: true, StaleFor: 3})
	d.MapQuery("#flaky", "flaky")

	shown, err := b.IsDisplayed(ctx, "#flaky", browser.Query{})
	require.NoError(t, err)
	assert.True(t, shown)
}

func TestIsDisplayedRawHandleStaleIsFatal(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	node := d.AddNode(&browsertest.Node{ID: "detached", Displayed: true, InView: true, StaleFor: 100})
	_, err := b.IsDisplayed(ctx, browser.Element{ID: node.ID}, browser.Query{})
	var stale *browser.StaleElementError
	require.ErrorAs(t, err, &stale)
}

func TestIsDisplayedDriverErrorsAreNotRetried(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	crashed := errors.New("tab crashed")
	d.FindFn = func(string) error { return crashed }

	_, err := b.IsDisplayed(ctx, "#login", browser.Query{})
	require.ErrorIs(t, err, crashed)
	assert.Equal(t, 1, d.FindCalls, "only stale elements get the retry budget")
}

func TestMoveToElementScrollsOnceOnOutOfBounds(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	d.AddNode(&browsertest.Node{ID: "far", Displayed: true, InView: false})
	d.MapQuery("#far", "far")

	el, err := b.MoveToElement(ctx, "#far", browser.Query{})
	require.NoError(t, err)
	assert.Equal(t, "far", el.ID)
	assert.True(t, d.Node("far").InView, "scroll into view should have been applied")
}

func TestMoveToElementOptionTargetsSelect(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	d.AddNode(&browsertest.Node{ID: "sel", Tag: "select", Displayed: true, InView: true})
	d.AddNode(&browsertest.Node{ID: "opt", Tag: "option", Displayed: true, InView: false, ParentID: "sel"})
	d.MapQuery("#opt", "opt")

	// Moving to the option must not fail even though the option itself is
	// not in view; the pointer goes to the enclosing select.
	el, err := b.MoveToElement(ctx, "#opt", browser.Query{})
	require.NoError(t, err)
	assert.Equal(t, "opt", el.ID)
}

func TestClassesAndAttributes(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	d.AddNode(&browsertest.Node{
		ID: "badge", Displayed: true, InView: true,
		Attrs: map[string]string{"title": "3 alerts"},
	})
	d.MapQuery("#badge", "badge")
	d.HandleScript(func(script string, args []any) (any, bool) {
		if strings.Contains(script, "classList") {
			return []string{"label", "label-danger"}, true
		}
		return nil, false
	})

	classes, err := b.Classes(ctx, "#badge", browser.Query{})
	require.NoError(t, err)
	assert.Contains(t, classes, "label-danger")

	title, err := b.GetAttribute(ctx, "title", "#badge", browser.Query{})
	require.NoError(t, err)
	assert.Equal(t, "3 alerts", title)
}

func TestEnsurePageSafeTimesOut(t *testing.T) {
	d := browsertest.New()
	b := browser.New(d, config.BrowserConfig{StaleRetryDelay: time.Millisecond},
		nil, browser.WithPageSafeBudget(30*time.Millisecond, 5*time.Millisecond))

	b.SetPlugin(pluginFunc(func(context.Context) (bool, error) { return false, nil }))
	err := b.EnsurePageSafe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become safe")
}

func TestHandleAlert(t *testing.T) {
	b, d := newBrowser(t)
	ctx := context.Background()

	handled, err := b.HandleAlert(ctx, false, "", false)
	require.NoError(t, err)
	assert.False(t, handled, "no alert present should be reported, not raised")

	d.OpenAlert("are you sure?")
	handled, err = b.HandleAlert(ctx, false, "", false)
	require.NoError(t, err)
	assert.True(t, handled)
}

type pluginFunc func(ctx context.Context) (bool, error)

func (f pluginFunc) CheckPageReady(ctx context.Context) (bool, error) { return f(ctx) }

func TestUnsupportedLocatorType(t *testing.T) {
	b, _ := newBrowser(t)
	_, err := b.Element(context.Background(), 42, browser.Query{})
	require.Error(t, err)
	assert.False(t, errors.As(err, new(*browser.NoSuchElementError)))
}
