// Package pathmatch models filesystem locations as segment sequences and
// decides how a piece of location evidence relates to a query path.
//
// Containment is a segment-prefix relation. Paths are never rebuilt by
// string concatenation, so "/project" can never be mistaken for a prefix of
// "/project-other" and the root needs no special string handling.
package pathmatch

import (
	"errors"
	"strings"
)

// ErrNotAbsolute is returned when a path does not start at the root.
var ErrNotAbsolute = errors.New("pathmatch: path is not absolute")

// Path is a normalized absolute path. The zero value is the filesystem root.
type Path struct {
	segs []string
}

// Root is the filesystem root.
var Root = Path{}

// Parse normalizes an absolute slash-separated path. Repeated and trailing
// separators are dropped, "." segments are removed and ".." is resolved
// lexically (never above the root).
func Parse(s string) (Path, error) {
	if !strings.HasPrefix(s, "/") {
		return Path{}, ErrNotAbsolute
	}
	var segs []string
	for _, part := range strings.Split(s, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(segs) > 0 {
				segs = segs[:len(segs)-1]
			}
		default:
			segs = append(segs, part)
		}
	}
	return Path{segs: segs}, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsRoot reports whether p is the filesystem root.
func (p Path) IsRoot() bool {
	return len(p.segs) == 0
}

// Depth is the number of segments below the root.
func (p Path) Depth() int {
	return len(p.segs)
}

// Segments returns a copy of the path segments.
func (p Path) Segments() []string {
	return append([]string(nil), p.segs...)
}

// Join appends relative segments. Each element is itself split on "/".
func (p Path) Join(elems ...string) Path {
	out := Path{segs: append([]string(nil), p.segs...)}
	for _, e := range elems {
		for _, part := range strings.Split(e, "/") {
			switch part {
			case "", ".":
			case "..":
				if len(out.segs) > 0 {
					out.segs = out.segs[:len(out.segs)-1]
				}
			default:
				out.segs = append(out.segs, part)
			}
		}
	}
	return out
}

// Parent returns the containing directory. The parent of the root is the root.
func (p Path) Parent() Path {
	if p.IsRoot() {
		return p
	}
	return Path{segs: p.segs[:len(p.segs)-1]}
}

// Equal reports segment-wise equality.
func (p Path) Equal(o Path) bool {
	if len(p.segs) != len(o.segs) {
		return false
	}
	for i := range p.segs {
		if p.segs[i] != o.segs[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is p itself or one of its ancestors.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix.segs) > len(p.segs) {
		return false
	}
	for i := range prefix.segs {
		if p.segs[i] != prefix.segs[i] {
			return false
		}
	}
	return true
}

// IsDescendantOf reports whether p lies strictly below ancestor.
func (p Path) IsDescendantOf(ancestor Path) bool {
	return len(p.segs) > len(ancestor.segs) && p.HasPrefix(ancestor)
}

// String renders the path with a single leading separator.
func (p Path) String() string {
	if p.IsRoot() {
		return "/"
	}
	return "/" + strings.Join(p.segs, "/")
}
