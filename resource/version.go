package resource

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is a resource API version of the form major[.minor[.micro]].
// The string form is preserved as given, so "2.1" stays "2.1".
type Version struct {
	v *semver.Version
}

// ParseVersion parses between one and three dot separated numbers.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if n := strings.Count(s, ".") + 1; s == "" || n > 3 {
		return Version{}, fmt.Errorf("invalid version string %q", s)
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("invalid version string %q: %w", s, err)
	}
	if v.Prerelease() != "" || v.Metadata() != "" || strings.HasPrefix(s, "v") {
		return Version{}, fmt.Errorf("invalid version string %q", s)
	}
	return Version{v: v}, nil
}

// MustParseVersion is ParseVersion for literals.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) IsZero() bool { return v.v == nil }

func (v Version) Major() int { return v.part(func(s *semver.Version) uint64 { return s.Major() }) }
func (v Version) Minor() int { return v.part(func(s *semver.Version) uint64 { return s.Minor() }) }
func (v Version) Micro() int { return v.part(func(s *semver.Version) uint64 { return s.Patch() }) }

func (v Version) part(f func(*semver.Version) uint64) int {
	if v.v == nil {
		return 0
	}
	return int(f(v.v))
}

// Compare orders versions numerically; the zero Version sorts first.
func (v Version) Compare(o Version) int {
	switch {
	case v.v == nil && o.v == nil:
		return 0
	case v.v == nil:
		return -1
	case o.v == nil:
		return 1
	}
	return v.v.Compare(o.v)
}

func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.Original()
}
