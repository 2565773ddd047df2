package view

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/harbormaster/internal/browser"
)

// Widget is the minimal contract every UI object inside a view satisfies.
// Nested views are widgets too.
type Widget interface {
	ParentView() *View
	IsDisplayed(ctx context.Context) (bool, error)
}

// Fillable is implemented by interactive widgets (inputs, selects,
// checkboxes). Fill reports whether it changed the value.
type Fillable interface {
	Fill(ctx context.Context, value any) (bool, error)
}

// Readable is implemented by widgets whose value can be extracted.
type Readable interface {
	Read(ctx context.Context) (any, error)
}

// Clickable is implemented by widgets reacting to a click.
type Clickable interface {
	Click(ctx context.Context) error
}

// Base carries the plumbing shared by concrete widgets: the owning view and
// the locator. Concrete widgets embed it and add their behavior.
type Base struct {
	view *View
	loc  browser.Locator
}

// NewBase binds a base widget to its view.
func NewBase(v *View, loc browser.Locator) Base {
	return Base{view: v, loc: loc}
}

// ParentView returns the owning view.
func (b *Base) ParentView() *View { return b.view }

// Browser returns the underlying browser.
func (b *Base) Browser() *browser.Browser { return b.view.Browser() }

// Locator returns the widget's locator.
func (b *Base) Locator() browser.Locator { return b.loc }

// query scopes element lookups to the widget's view chain.
func (b *Base) query() browser.Query {
	return browser.Query{Parents: b.view.parentChain()}
}

// Element resolves the widget's root element in view context.
func (b *Base) Element(ctx context.Context) (browser.Element, error) {
	return b.Browser().Element(ctx, b.loc, b.query())
}

// IsDisplayed reports the widget's visibility.
func (b *Base) IsDisplayed(ctx context.Context) (bool, error) {
	return b.Browser().IsDisplayed(ctx, b.loc, b.query())
}

// MoveTo scrolls/moves the pointer onto the widget.
func (b *Base) MoveTo(ctx context.Context) (browser.Element, error) {
	return b.Browser().MoveToElement(ctx, b.loc, b.query())
}

// Click moves onto the widget and clicks it.
func (b *Base) Click(ctx context.Context) error {
	return b.Browser().Click(ctx, b.loc, b.query())
}

// WaitDisplayed polls visibility until the deadline.
func (b *Base) WaitDisplayed(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		shown, err := b.IsDisplayed(ctx)
		if err == nil && shown {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("widget %s not displayed after %s: %w", b.loc, timeout, err)
			}
			return fmt.Errorf("widget %s not displayed after %s", b.loc, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
