package dispatch

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter restricts a sink to matching tenants and event types.
// Empty pattern lists match everything.
type GlobFilter struct {
	tenantGlobs    []glob.Glob
	eventTypeGlobs []glob.Glob
}

// NewGlobFilter compiles tenant and event-type glob patterns
func NewGlobFilter(tenantPatterns, eventTypePatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		tenantGlobs:    make([]glob.Glob, 0, len(tenantPatterns)),
		eventTypeGlobs: make([]glob.Glob, 0, len(eventTypePatterns)),
	}

	for _, pattern := range tenantPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid tenant pattern %q: %w", pattern, err)
		}
		filter.tenantGlobs = append(filter.tenantGlobs, g)
	}

	for _, pattern := range eventTypePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid event type pattern %q: %w", pattern, err)
		}
		filter.eventTypeGlobs = append(filter.eventTypeGlobs, g)
	}

	return filter, nil
}

// Match returns true if the tenant and event type match the configured
// patterns. If no patterns are configured, all events match.
func (f *GlobFilter) Match(tenant, eventType string) bool {
	tenantMatch := len(f.tenantGlobs) == 0
	if !tenantMatch {
		for _, g := range f.tenantGlobs {
			if g.Match(tenant) {
				tenantMatch = true
				break
			}
		}
	}
	if !tenantMatch {
		return false
	}

	typeMatch := len(f.eventTypeGlobs) == 0
	if !typeMatch {
		for _, g := range f.eventTypeGlobs {
			if g.Match(eventType) {
				typeMatch = true
				break
			}
		}
	}

	return typeMatch
}
