package view

import (
	"context"
	"fmt"
	"strings"

	"github.com/xkilldash9x/harbormaster/internal/browser"
)

// -- Input --

// InputOption tweaks an input declaration.
type InputOption func(*inputSpec)

type inputSpec struct {
	useID bool
}

// ByInputID matches on the id attribute instead of name, for inputs that
// never got a name.
func ByInputID() InputOption {
	return func(s *inputSpec) { s.useID = true }
}

// Input declares an <input> or <textarea> widget matched by one of the given
// name (or id) attribute values.
func Input(names []string, opts ...InputOption) Constructor {
	spec := inputSpec{}
	for _, opt := range opts {
		opt(&spec)
	}
	return func(parent *View) Widget {
		return &InputWidget{
			Base:  NewBase(parent, inputLocator(names, spec.useID)),
			names: names,
		}
	}
}

func inputLocator(names []string, useID bool) browser.Locator {
	attr := "name"
	if useID {
		attr = "id"
	}
	conds := make([]string, len(names))
	for i, n := range names {
		conds[i] = fmt.Sprintf("@%s=%q", attr, n)
	}
	return browser.XPath(fmt.Sprintf(
		"//*[(self::input or self::textarea) and (%s)]", strings.Join(conds, " or ")))
}

// InputWidget handles text inputs and textareas.
type InputWidget struct {
	Base
	names []string
}

// Read returns the input's current value.
func (w *InputWidget) Read(ctx context.Context) (any, error) {
	return w.Browser().GetAttribute(ctx, "value", w.loc, w.query())
}

// Fill types the value, skipping the roundtrip when it already matches.
func (w *InputWidget) Fill(ctx context.Context, value any) (bool, error) {
	text := fmt.Sprintf("%v", value)
	current, err := w.Read(ctx)
	if err != nil {
		return false, err
	}
	if current == text {
		return false, nil
	}
	if err := w.Browser().Clear(ctx, w.loc, w.query()); err != nil {
		return false, err
	}
	if err := w.Browser().SendKeys(ctx, text, w.loc, w.query()); err != nil {
		return false, err
	}
	return true, nil
}

// -- Checkbox --

// Checkbox declares a checkbox widget matched by name (or id) attribute.
func Checkbox(names []string, opts ...InputOption) Constructor {
	spec := inputSpec{}
	for _, opt := range opts {
		opt(&spec)
	}
	attr := "name"
	if spec.useID {
		attr = "id"
	}
	conds := make([]string, len(names))
	for i, n := range names {
		conds[i] = fmt.Sprintf("@%s=%q", attr, n)
	}
	loc := browser.XPath(fmt.Sprintf(`//input[@type="checkbox" and (%s)]`, strings.Join(conds, " or ")))
	return func(parent *View) Widget {
		return &CheckboxWidget{Base: NewBase(parent, loc)}
	}
}

// CheckboxWidget toggles a checkbox.
type CheckboxWidget struct {
	Base
}

// Read reports whether the box is checked.
func (w *CheckboxWidget) Read(ctx context.Context) (any, error) {
	val, err := w.Browser().GetAttribute(ctx, "checked", w.loc, w.query())
	if err != nil {
		return nil, err
	}
	return val == "true" || val == "checked", nil
}

// Fill clicks only when the desired state differs from the current one.
func (w *CheckboxWidget) Fill(ctx context.Context, value any) (bool, error) {
	want, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("checkbox fill expects a bool, got %T", value)
	}
	current, err := w.Read(ctx)
	if err != nil {
		return false, err
	}
	if current == want {
		return false, nil
	}
	if err := w.Click(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// -- Button --

// Button declares a button matched by its visible text.
func Button(text string) Constructor {
	loc := browser.XPath(fmt.Sprintf(
		`(//a | //button)[contains(@class, "btn") and normalize-space(.)=%q]`, text))
	return func(parent *View) Widget {
		return &ButtonWidget{Base: NewBase(parent, loc)}
	}
}

// ButtonByAttr declares a button matched by a title or alt attribute.
func ButtonByAttr(attr, value string) Constructor {
	if attr != "title" && attr != "alt" {
		panic(fmt.Sprintf("attribute %q is not allowed for buttons", attr))
	}
	loc := browser.XPath(fmt.Sprintf(
		`(//a | //button)[contains(@class, "btn") and @%s=%q]`, attr, value))
	return func(parent *View) Widget {
		return &ButtonWidget{Base: NewBase(parent, loc)}
	}
}

// ButtonWidget clicks buttons; filling a truthy value clicks.
type ButtonWidget struct {
	Base
}

func (w *ButtonWidget) Fill(ctx context.Context, value any) (bool, error) {
	clicked, _ := value.(bool)
	if !clicked {
		return false, nil
	}
	if err := w.Click(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// -- Text --

// Text declares a read-only (but clickable) text fragment.
func Text(loc browser.Locator) Constructor {
	return func(parent *View) Widget {
		return &TextWidget{Base: NewBase(parent, loc)}
	}
}

// TextWidget exposes an element's visible text.
type TextWidget struct {
	Base
}

func (w *TextWidget) Read(ctx context.Context) (any, error) {
	return w.Browser().Text(ctx, w.loc, w.query())
}

// -- AttributeValue --

// AttributeValue declares a widget encapsulating a single attribute of an
// element.
func AttributeValue(loc browser.Locator, attribute string) Constructor {
	return func(parent *View) Widget {
		return &AttributeValueWidget{Base: NewBase(parent, loc), attribute: attribute}
	}
}

// AttributeValueWidget reads and writes one attribute.
type AttributeValueWidget struct {
	Base
	attribute string
}

func (w *AttributeValueWidget) Read(ctx context.Context) (any, error) {
	return w.Browser().GetAttribute(ctx, w.attribute, w.loc, w.query())
}

func (w *AttributeValueWidget) Fill(ctx context.Context, value any) (bool, error) {
	text := fmt.Sprintf("%v", value)
	current, err := w.Read(ctx)
	if err != nil {
		return false, err
	}
	if current == text {
		return false, nil
	}
	if err := w.Browser().SetAttribute(ctx, w.attribute, text, w.loc, w.query()); err != nil {
		return false, err
	}
	return true, nil
}
