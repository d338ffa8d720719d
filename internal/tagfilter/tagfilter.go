// internal/tagfilter/tagfilter.go

package tagfilter

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter drops metric tags matching any of its pre-compiled glob patterns.
// A nil *Filter keeps every tag.
type Filter struct {
	globs []glob.Glob
}

// New compiles the exclude patterns. '/' is the tag separator, so "debug/*"
// matches "debug/grad" but not "debug/layer/grad"; use "debug/**" for that.
// Returns nil when there is nothing to compile.
func New(patterns []string) (*Filter, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	f := &Filter{
		globs: make([]glob.Glob, 0, len(patterns)),
	}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid tag glob pattern '%s': %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Excluded reports whether tag matches one of the patterns.
func (f *Filter) Excluded(tag string) bool {
	if f == nil {
		return false
	}
	for _, g := range f.globs {
		if g.Match(tag) {
			return true
		}
	}
	return false
}

// Apply returns values without the excluded tags. The input map is returned
// as is when nothing was dropped.
func (f *Filter) Apply(values map[string]float64) map[string]float64 {
	if f == nil {
		return values
	}
	var kept map[string]float64
	for tag := range values {
		if f.Excluded(tag) {
			kept = make(map[string]float64, len(values))
			break
		}
	}
	if kept == nil {
		return values
	}
	for tag, v := range values {
		if !f.Excluded(tag) {
			kept[tag] = v
		}
	}
	return kept
}
