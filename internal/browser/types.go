// internal/browser/types.go
package browser

import (
	"context"
	"time"
)

// LocatorKind selects the query language of a Locator.
type LocatorKind int

const (
	ByCSS LocatorKind = iota
	ByXPath
)

// Locator is a single element-identifying expression.
type Locator struct {
	Query string
	Kind  LocatorKind
}

// CSS builds a CSS selector locator.
func CSS(query string) Locator { return Locator{Query: query, Kind: ByCSS} }

// XPath builds an XPath locator.
func XPath(query string) Locator { return Locator{Query: query, Kind: ByXPath} }

// LocatorSet is an ordered sequence of equivalent locators for one UI target.
// The ordering is a preference order; the first structural match wins.
type LocatorSet struct {
	Name     string
	Locators []Locator
}

// Element is a located UI target, addressed by the locator that matched it.
type Element struct {
	Locator Locator
}

// Page is the capability surface the automation layers depend on. It is
// implemented once against the CDP backend; everything above it (search engine,
// flow strategies, controller) is backend-agnostic.
type Page interface {
	// Navigate loads a URL and waits for the document and the post-load settle
	// period before returning.
	Navigate(ctx context.Context, url string) error

	// Count reports how many elements structurally match the locator.
	Count(ctx context.Context, loc Locator) (int, error)
	// IsVisible reports whether the first match has a non-zero rendered size,
	// is not hidden by style, and intersects the viewport.
	IsVisible(ctx context.Context, loc Locator) (bool, error)
	// IsClickable reports whether the first match is enabled, not read-only,
	// and accepts pointer events.
	IsClickable(ctx context.Context, loc Locator) (bool, error)

	Click(ctx context.Context, loc Locator) error
	// Type sends text to the element one character at a time, pausing delay
	// between characters when delay > 0.
	Type(ctx context.Context, loc Locator, text string, delay time.Duration) error
	Value(ctx context.Context, loc Locator) (string, error)
	// SetValue mutates the field value directly and fires the input events the
	// page's framework listens for.
	SetValue(ctx context.Context, loc Locator, value string) error
	Text(ctx context.Context, loc Locator) (string, error)
	// Attribute returns the value of the named attribute on the first match;
	// the bool reports whether the attribute exists.
	Attribute(ctx context.Context, loc Locator, name string) (string, bool, error)
	// Label returns the text of the label associated with the first match
	// (label[for], wrapping label, or aria-label), if any.
	Label(ctx context.Context, loc Locator) (string, error)

	Focus(ctx context.Context, loc Locator) error
	MoveCursorToEnd(ctx context.Context, loc Locator) error
	// SelectAllAndDelete clears the element by selecting its content and
	// deleting it through key input.
	SelectAllAndDelete(ctx context.Context, loc Locator) error
	// SendEnter sends an activation key to the focused element.
	SendEnter(ctx context.Context) error

	// Evaluate runs a JavaScript expression in the page and unmarshals the
	// result into out.
	Evaluate(ctx context.Context, expr string, out any) error

	// Alive probes the page's execution context. A dead page returns an error
	// satisfying errors.Is(err, ErrCritical).
	Alive(ctx context.Context) error
	Close(ctx context.Context) error
}

// PageOpener acquires a fresh page for a controller. Acquisition failures are
// fatal for the current initialization attempt.
type PageOpener func(ctx context.Context) (Page, error)
