package relay

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter selects which destinations a sink receives, using glob
// patterns over the event's logical destination
// (server.database.table).
type GlobFilter struct {
	includeGlobs []glob.Glob
	excludeGlobs []glob.Glob
}

// NewGlobFilter creates a destination filter from include and exclude
// patterns. An empty include list matches everything; exclusions are
// applied on top of the includes.
func NewGlobFilter(includePatterns, excludePatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		includeGlobs: make([]glob.Glob, 0, len(includePatterns)),
		excludeGlobs: make([]glob.Glob, 0, len(excludePatterns)),
	}

	for _, pattern := range includePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		filter.includeGlobs = append(filter.includeGlobs, g)
	}

	for _, pattern := range excludePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		filter.excludeGlobs = append(filter.excludeGlobs, g)
	}

	return filter, nil
}

// Match returns true if the destination passes the configured patterns
func (f *GlobFilter) Match(destination string) bool {
	// If no include patterns, match all destinations
	included := len(f.includeGlobs) == 0
	if !included {
		for _, g := range f.includeGlobs {
			if g.Match(destination) {
				included = true
				break
			}
		}
	}

	if !included {
		return false
	}

	for _, g := range f.excludeGlobs {
		if g.Match(destination) {
			return false
		}
	}

	return true
}
