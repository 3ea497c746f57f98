package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Common table errors.
var (
	ErrInvalidWindow = errors.New("rate limit window must have a positive limit and duration")
	ErrEmptyBucket   = errors.New("rate limit bucket must have at least one window")
)

// Window caps the number of calls admitted within a rolling duration.
type Window struct {
	Limit    int           `yaml:"limit"`
	Duration time.Duration `yaml:"window"`
}

// String renders the window as "limit/duration", e.g. "30/10s".
func (w Window) String() string {
	return fmt.Sprintf("%d/%s", w.Limit, w.Duration)
}

// DefaultBucket is the conservative bucket applied to routes missing from a Table.
func DefaultBucket() []Window {
	return []Window{{Limit: 100, Duration: time.Minute}}
}

// Table maps route names to their quota windows.
type Table struct {
	// Routes holds the configured buckets keyed by route name.
	Routes map[string][]Window

	// Default applies to every route not present in Routes.
	Default []Window
}

// NewTable builds a table from configured routes, falling back to DefaultBucket
// when no default is given.
func NewTable(routes map[string][]Window, def []Window) Table {
	if len(def) == 0 {
		def = DefaultBucket()
	}
	copied := make(map[string][]Window, len(routes))
	for name, windows := range routes {
		copied[name] = append([]Window(nil), windows...)
	}
	return Table{Routes: copied, Default: append([]Window(nil), def...)}
}

// Lookup returns the windows for route. known is false when the route is not
// configured and the Default bucket was returned instead.
func (t Table) Lookup(route string) (windows []Window, known bool) {
	if w, ok := t.Routes[route]; ok && len(w) > 0 {
		return w, true
	}
	if len(t.Default) == 0 {
		return DefaultBucket(), false
	}
	return t.Default, false
}

// RouteNames returns the configured route names in sorted order.
func (t Table) RouteNames() []string {
	names := make([]string, 0, len(t.Routes))
	for name := range t.Routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every bucket has at least one well-formed window.
func (t Table) Validate() error {
	for _, name := range t.RouteNames() {
		if err := validateBucket(t.Routes[name]); err != nil {
			return fmt.Errorf("route %q: %w", name, err)
		}
	}
	if len(t.Default) > 0 {
		if err := validateBucket(t.Default); err != nil {
			return fmt.Errorf("default bucket: %w", err)
		}
	}
	return nil
}

func validateBucket(windows []Window) error {
	if len(windows) == 0 {
		return ErrEmptyBucket
	}
	for _, w := range windows {
		if w.Limit <= 0 || w.Duration <= 0 {
			return fmt.Errorf("%w: got %s", ErrInvalidWindow, w)
		}
	}
	return nil
}

// FormatBucket renders windows as a comma separated list, e.g. "30/10s, 500/10m0s".
func FormatBucket(windows []Window) string {
	parts := make([]string, len(windows))
	for i, w := range windows {
		parts[i] = w.String()
	}
	return strings.Join(parts, ", ")
}
