package browser

import "context"

// Scoped is a browser view bound to a parent chain. Query methods mirror the
// Browser's, with the parent chain injected into every call; options passed
// by the caller are preserved except for Parents, which is replaced by the
// scope.
type Scoped struct {
	browser *Browser
	parents []any
}

// Browser returns the unscoped browser.
func (s *Scoped) Browser() *Browser { return s.browser }

// Parents returns the scope chain.
func (s *Scoped) Parents() []any { return s.parents }

func (s *Scoped) scope(q Query) Query {
	q.Parents = s.parents
	return q
}

func (s *Scoped) Elements(ctx context.Context, loc any, q Query) ([]Element, error) {
	return s.browser.Elements(ctx, loc, s.scope(q))
}

func (s *Scoped) Element(ctx context.Context, loc any, q Query) (Element, error) {
	return s.browser.Element(ctx, loc, s.scope(q))
}

func (s *Scoped) IsDisplayed(ctx context.Context, loc any, q Query) (bool, error) {
	return s.browser.IsDisplayed(ctx, loc, s.scope(q))
}

func (s *Scoped) MoveToElement(ctx context.Context, loc any, q Query) (Element, error) {
	return s.browser.MoveToElement(ctx, loc, s.scope(q))
}

func (s *Scoped) Click(ctx context.Context, loc any, q Query) error {
	return s.browser.Click(ctx, loc, s.scope(q))
}

func (s *Scoped) Text(ctx context.Context, loc any, q Query) (string, error) {
	return s.browser.Text(ctx, loc, s.scope(q))
}

func (s *Scoped) TagName(ctx context.Context, loc any, q Query) (string, error) {
	return s.browser.TagName(ctx, loc, s.scope(q))
}

func (s *Scoped) GetAttribute(ctx context.Context, name string, loc any, q Query) (string, error) {
	return s.browser.GetAttribute(ctx, name, loc, s.scope(q))
}

func (s *Scoped) SetAttribute(ctx context.Context, name, value string, loc any, q Query) error {
	return s.browser.SetAttribute(ctx, name, value, loc, s.scope(q))
}

func (s *Scoped) Clear(ctx context.Context, loc any, q Query) error {
	return s.browser.Clear(ctx, loc, s.scope(q))
}

func (s *Scoped) SendKeys(ctx context.Context, text string, loc any, q Query) error {
	return s.browser.SendKeys(ctx, text, loc, s.scope(q))
}

// ExecuteScript has no parent notion; it passes straight through so widgets
// can treat a Scoped as a drop-in browser.
func (s *Scoped) ExecuteScript(ctx context.Context, script string, out any, args ...any) error {
	return s.browser.ExecuteScript(ctx, script, out, args...)
}
