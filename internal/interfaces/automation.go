// -----------------------------------------------------------------------
// Automation Handle - capability interface consumed by behaviors
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"
)

// Selector is one lookup criterion of a selector-fallback chain.
// CSS is required; Text and AriaLabel narrow the CSS matches by
// case-insensitive substring on the element text or aria-label.
type Selector struct {
	Name      string   `toml:"name"`
	CSS       string   `toml:"css"`
	Text      []string `toml:"text"`
	AriaLabel []string `toml:"aria_label"`
}

// Element is a reference to one visible element returned by FindAll.
// Ref is a CSS selector that re-resolves exactly this element while the
// page is not reloaded.
type Element struct {
	Ref   string `json:"ref"`
	Text  string `json:"text"`
	Label string `json:"label"`
	Href  string `json:"href"`
}

// AutomationHandle drives one live browser profile. Every operation is a
// suspension point and returns an explicit error; a nil error means the
// value is valid.
type AutomationHandle interface {
	// Navigate loads url and waits for the document to be ready
	Navigate(ctx context.Context, url string) error

	// Location returns the current page URL
	Location(ctx context.Context) (string, error)

	// FindAll returns the visible elements matching sel (empty, not nil, when none)
	FindAll(ctx context.Context, sel Selector) ([]Element, error)

	// Click performs a native input click on el
	Click(ctx context.Context, el Element) error

	// Type focuses el and sends text as key events
	Type(ctx context.Context, el Element, text string) error

	// Evaluate runs script, a JavaScript function expression, with args as its
	// single argument and decodes the (awaited) return value into out
	Evaluate(ctx context.Context, script string, args map[string]any, out any) error

	// Screenshot captures the viewport as PNG bytes
	Screenshot(ctx context.Context) ([]byte, error)

	// Wait blocks for d or until ctx is done
	Wait(ctx context.Context, d time.Duration) error

	// Close releases the local browser contexts; it does not stop the profile
	Close() error
}

// Provisioner is the Resource Provisioning API boundary
type Provisioner interface {
	// Acquire opens the browser profile for resourceID and returns a live handle
	Acquire(ctx context.Context, resourceID string) (AutomationHandle, error)

	// Release closes the handle and stops the profile
	Release(ctx context.Context, resourceID string, handle AutomationHandle) error
}
