// Package project derives project boundaries and composes the per-project
// read model from sessions, locks and shells.
package project

import (
	"os"
	"path/filepath"

	"sessiond/internal/pathmatch"
)

// DefaultMarkers identify a project root.
var DefaultMarkers = []string{".git"}

// Boundary finds the project root enclosing a location.
type Boundary struct {
	Markers []string
	// Exists reports whether a path exists. Nil means os.Lstat.
	Exists func(path string) bool
}

// NewBoundary returns a Boundary for markers, or DefaultMarkers when empty.
func NewBoundary(markers []string) Boundary {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	return Boundary{Markers: markers}
}

// Root returns the nearest ancestor of location (or location itself) that
// contains a marker. Without one, location is its own boundary.
func (b Boundary) Root(location string) string {
	p, err := pathmatch.Parse(location)
	if err != nil {
		return location
	}
	exists := b.Exists
	if exists == nil {
		exists = func(path string) bool {
			_, err := os.Lstat(path)
			return err == nil
		}
	}
	for cur := p; ; cur = cur.Parent() {
		for _, m := range b.Markers {
			if exists(filepath.Join(cur.String(), m)) {
				return cur.String()
			}
		}
		if cur.IsRoot() {
			break
		}
	}
	return p.String()
}
