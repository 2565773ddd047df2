package browser

import (
	"fmt"
	"strings"
)

// Strategy enumerates the supported locator strategies. The driver only
// understands css and xpath; the remaining strategies are normalized before
// they reach it.
type Strategy string

const (
	ByID              Strategy = "id"
	ByCSS             Strategy = "css"
	ByXPath           Strategy = "xpath"
	ByClass           Strategy = "class"
	ByLinkText        Strategy = "link-text"
	ByPartialLinkText Strategy = "partial-link-text"
	ByTag             Strategy = "tag"
	ByName            Strategy = "name"
)

// Locator describes how to find one or more elements.
type Locator struct {
	Strategy   Strategy
	Expression string
}

func (l Locator) String() string {
	return fmt.Sprintf("%s=%q", l.Strategy, l.Expression)
}

// IsZero reports whether the locator carries no expression at all.
func (l Locator) IsZero() bool { return l.Strategy == "" && l.Expression == "" }

// XPath builds an xpath locator.
func XPath(expr string) Locator { return Locator{Strategy: ByXPath, Expression: expr} }

// CSS builds a css locator.
func CSS(expr string) Locator { return Locator{Strategy: ByCSS, Expression: expr} }

// ID builds an id locator.
func ID(id string) Locator { return Locator{Strategy: ByID, Expression: id} }

// Name builds a name-attribute locator.
func Name(name string) Locator { return Locator{Strategy: ByName, Expression: name} }

// LinkText builds an exact link text locator.
func LinkText(text string) Locator { return Locator{Strategy: ByLinkText, Expression: text} }

// ParseLocator classifies a bare string. Strings that look like xpath
// (leading "/", "./" or "(") become xpath locators, everything else is
// treated as a css selector.
func ParseLocator(s string) Locator {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "./") || strings.HasPrefix(trimmed, "(") {
		return XPath(trimmed)
	}
	return CSS(trimmed)
}

// Locatable is implemented by widgets that know where they live in the DOM.
type Locatable interface {
	Locator() Locator
}

// xpathQuote produces an xpath string literal for arbitrary text, taking care
// of embedded quotes via concat().
func xpathQuote(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		quoted = append(quoted, `"`+p+`"`)
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

// cssEscape is a conservative escape for identifiers interpolated into css.
func cssEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteString(fmt.Sprintf("\\%c", r))
		}
	}
	return b.String()
}

// normalize reduces a Locator to a (kind, expression) pair the driver can
// execute directly. kind is always ByCSS or ByXPath.
func (l Locator) normalize() (Strategy, string) {
	switch l.Strategy {
	case ByCSS, "":
		return ByCSS, l.Expression
	case ByXPath:
		return ByXPath, l.Expression
	case ByID:
		return ByCSS, "#" + cssEscape(l.Expression)
	case ByClass:
		return ByCSS, "." + cssEscape(l.Expression)
	case ByTag:
		return ByCSS, l.Expression
	case ByName:
		return ByCSS, fmt.Sprintf(`[name=%q]`, l.Expression)
	case ByLinkText:
		return ByXPath, fmt.Sprintf(`//a[normalize-space(.)=%s]`, xpathQuote(l.Expression))
	case ByPartialLinkText:
		return ByXPath, fmt.Sprintf(`//a[contains(normalize-space(.), %s)]`, xpathQuote(l.Expression))
	default:
		return ByCSS, l.Expression
	}
}
