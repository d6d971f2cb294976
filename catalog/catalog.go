// Package catalog describes which tables of the source database are captured
// and how. The catalog is the authority for the engine's table include list:
// incremental streams are handed to the engine as a comma-joined, comma-escaped
// list of qualified names, and engines resolve discovered tables back against
// that list with glob matching.
package catalog

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/sluiceio/sluice/cfg"
)

// Stream is one captured table. Name may be a glob pattern ("orders_*").
type Stream struct {
	Name       string
	Mode       cfg.SyncMode
	PrimaryKey []string
}

// Catalog holds the capture selection for a single source database.
type Catalog struct {
	Database string
	Streams  []Stream
}

// FromConfig builds a catalog from configured stream entries.
func FromConfig(database string, streams []cfg.StreamConfiguration) (*Catalog, error) {
	if database == "" {
		return nil, fmt.Errorf("catalog requires a database name")
	}

	c := &Catalog{Database: database}
	seen := map[string]bool{}

	for _, s := range streams {
		if s.Table == "" {
			return nil, fmt.Errorf("stream with empty table name")
		}
		if seen[s.Table] {
			return nil, fmt.Errorf("duplicate stream: %s", s.Table)
		}
		seen[s.Table] = true

		mode := s.Mode
		if mode == "" {
			mode = cfg.SyncModeIncremental
		}
		if mode != cfg.SyncModeFullRefresh && mode != cfg.SyncModeIncremental {
			return nil, fmt.Errorf("stream %s: invalid sync mode: %s", s.Table, mode)
		}

		// Patterns must compile now so the engine never sees a bad one
		if _, err := glob.Compile(s.Table); err != nil {
			return nil, fmt.Errorf("stream %s: invalid table pattern: %w", s.Table, err)
		}

		c.Streams = append(c.Streams, Stream{
			Name:       s.Table,
			Mode:       mode,
			PrimaryKey: s.PrimaryKey,
		})
	}

	return c, nil
}

// Incremental returns the streams that follow the change stream.
func (c *Catalog) Incremental() []Stream {
	var out []Stream
	for _, s := range c.Streams {
		if s.Mode == cfg.SyncModeIncremental {
			out = append(out, s)
		}
	}
	return out
}

// Stream looks up a stream by exact name.
func (c *Catalog) Stream(name string) (Stream, bool) {
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return Stream{}, false
}

// IncludeList renders the engine's table filter: incremental streams only,
// qualified as db.table, commas escaped so the engine can split correctly.
func (c *Catalog) IncludeList() string {
	var parts []string
	for _, s := range c.Incremental() {
		parts = append(parts, escapeCommas(c.Database+"."+s.Name))
	}
	return strings.Join(parts, ",")
}

// escapeCommas protects literal commas inside a qualified name from the
// comma-joined list format.
func escapeCommas(s string) string {
	return strings.ReplaceAll(s, ",", `\,`)
}

// ParseIncludeList splits an include list back into qualified names,
// honoring escaped commas.
func ParseIncludeList(list string) []string {
	if list == "" {
		return nil
	}

	var out []string
	var cur strings.Builder
	for i := 0; i < len(list); i++ {
		ch := list[i]
		if ch == '\\' && i+1 < len(list) && list[i+1] == ',' {
			cur.WriteByte(',')
			i++
			continue
		}
		if ch == ',' {
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(ch)
	}
	out = append(out, cur.String())
	return out
}

// TableMatcher matches discovered qualified table names (db.table) against
// include list entries, treating each entry as a glob pattern.
type TableMatcher struct {
	globs []glob.Glob
}

// NewTableMatcher compiles include list entries into a matcher.
func NewTableMatcher(patterns []string) (*TableMatcher, error) {
	m := &TableMatcher{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Matches reports whether the qualified name is selected. An empty matcher
// selects nothing: an engine with no included tables has nothing to read.
func (m *TableMatcher) Matches(qualified string) bool {
	for _, g := range m.globs {
		if g.Match(qualified) {
			return true
		}
	}
	return false
}
