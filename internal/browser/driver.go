package browser

import "context"

// Element is an opaque handle to a resolved DOM element. Handles are scoped
// to the driver that produced them and become stale when the document mutates
// underneath them.
type Element struct {
	// ID is the driver-side object identifier (a CDP remote object id for the
	// chromedp driver).
	ID string
}

// Elementable is implemented by anything that can resolve itself to a live
// element handle; already-resolved handles pass through element queries
// untouched.
type Elementable interface {
	Element(ctx context.Context) (Element, error)
}

// Driver is the low-level contract to a remote-controlled browser. The
// production implementation speaks CDP via chromedp; tests substitute a fake.
//
// All errors that map onto the recoverable taxonomy must be returned as
// *NoSuchElementError, *StaleElementError or *MoveTargetOutOfBoundsError so
// that the Browser layer can apply its retry and fallback rules.
type Driver interface {
	// FindElements resolves a normalized (css/xpath) expression under root.
	// A nil root means the document.
	FindElements(ctx context.Context, kind Strategy, expr string, root *Element) ([]Element, error)

	IsDisplayed(ctx context.Context, el Element) (bool, error)
	ScrollIntoView(ctx context.Context, el Element) error
	// MoveTo moves the pointer onto the element's center point. Elements
	// outside the viewport produce *MoveTargetOutOfBoundsError.
	MoveTo(ctx context.Context, el Element) error

	TagName(ctx context.Context, el Element) (string, error)
	Text(ctx context.Context, el Element) (string, error)
	// Attribute returns the attribute value and whether it is present.
	Attribute(ctx context.Context, el Element, name string) (string, bool, error)
	SetAttribute(ctx context.Context, el Element, name, value string) error

	Click(ctx context.Context, el Element) error
	Clear(ctx context.Context, el Element) error
	SendKeys(ctx context.Context, el Element, text string) error

	// Parent resolves the element's parent node.
	Parent(ctx context.Context, el Element) (Element, error)

	// Evaluate runs a script in the page. Element arguments are passed as
	// live handles; the JSON result is decoded into out when non-nil.
	Evaluate(ctx context.Context, script string, out any, args ...any) error

	// AlertText returns the text of the open dialog, or *NoAlertPresentError.
	AlertText(ctx context.Context) (string, error)
	// HandleAlert accepts or dismisses the open dialog, typing prompt first
	// when non-empty.
	HandleAlert(ctx context.Context, accept bool, prompt string) error

	Navigate(ctx context.Context, url string) error
	Refresh(ctx context.Context) error
	// Reset replaces the current page with a fresh one, keeping the
	// underlying browser alive. Existing element handles become invalid.
	Reset(ctx context.Context) error
	Quit(ctx context.Context) error
}
