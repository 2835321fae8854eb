package resource

import (
	"fmt"
	"net/url"
	"strings"
)

// ResourcePath is a relative, slash separated resource name. Segments are
// stored unescaped; String re-escapes them.
type ResourcePath struct {
	segments []string
}

// ParsePath parses an escaped path such as "users/bj%C3%B6rn". Leading and
// trailing slashes are ignored, empty segments are rejected.
func ParsePath(s string) (ResourcePath, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return ResourcePath{}, nil
	}
	raw := strings.Split(s, "/")
	segs := make([]string, 0, len(raw))
	for _, r := range raw {
		if r == "" {
			return ResourcePath{}, NewBadRequest("resource path %q contains an empty segment", s)
		}
		seg, err := url.PathUnescape(r)
		if err != nil {
			return ResourcePath{}, NewBadRequest("resource path %q is not correctly escaped: %v", s, err)
		}
		segs = append(segs, seg)
	}
	return ResourcePath{segments: segs}, nil
}

// MustParsePath is ParsePath for literals.
func MustParsePath(s string) ResourcePath {
	p, err := ParsePath(s)
	if err != nil {
		panic(fmt.Sprintf("resource: invalid path %q: %v", s, err))
	}
	return p
}

// Child returns a new path with the unescaped segment appended.
func (p ResourcePath) Child(segment string) ResourcePath {
	segs := make([]string, len(p.segments), len(p.segments)+1)
	copy(segs, p.segments)
	return ResourcePath{segments: append(segs, segment)}
}

// Parent returns the path without its last segment. The parent of the empty
// path is the empty path.
func (p ResourcePath) Parent() ResourcePath {
	if len(p.segments) == 0 {
		return p
	}
	return ResourcePath{segments: p.segments[:len(p.segments)-1]}
}

// Leaf returns the last unescaped segment, or "".
func (p ResourcePath) Leaf() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

func (p ResourcePath) IsEmpty() bool { return len(p.segments) == 0 }

func (p ResourcePath) Size() int { return len(p.segments) }

func (p ResourcePath) String() string {
	esc := make([]string, len(p.segments))
	for i, s := range p.segments {
		esc[i] = url.PathEscape(s)
	}
	return strings.Join(esc, "/")
}

// Segments returns a copy of the unescaped segments.
func (p ResourcePath) Segments() []string {
	out := make([]string, len(p.segments))
	copy(out, p.segments)
	return out
}
