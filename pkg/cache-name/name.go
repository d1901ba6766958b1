// Package cachename implements the cache naming convention:
// a fixed stem followed by a decimal version, e.g. "restaurant-static-v26".
// Caches sharing a prefix with the current name but not equal to it are stale.
package cachename

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNoVersion = errors.New("cache name has no numeric version suffix")

// Name is a parsed cache name.
type Name struct {
	// Stem is everything before the version, e.g. "restaurant-static-v".
	Stem string
	// Version is the trailing number.
	Version int
}

// Parse splits a cache name into stem and version.
func Parse(s string) (Name, error) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return Name{}, fmt.Errorf("%q: %w", s, ErrNoVersion)
	}
	version, err := strconv.Atoi(s[i:])
	if err != nil {
		return Name{}, fmt.Errorf("%q: %w", s, err)
	}
	return Name{Stem: s[:i], Version: version}, nil
}

func (n Name) String() string {
	return n.Stem + strconv.Itoa(n.Version)
}

// Next returns the name with the version bumped by one.
func (n Name) Next() Name {
	return Name{Stem: n.Stem, Version: n.Version + 1}
}

// DefaultPrefix derives the stale-cache prefix from a cache name:
// everything up to and including the first "-", or the stem when there is none.
func DefaultPrefix(s string) string {
	if i := strings.Index(s, "-"); i >= 0 {
		return s[:i+1]
	}
	if n, err := Parse(s); err == nil {
		return n.Stem
	}
	return s
}

// IsStale reports whether candidate is an obsolete version of current.
func IsStale(prefix, current, candidate string) bool {
	return strings.HasPrefix(candidate, prefix) && candidate != current
}

// Stale filters names down to the stale ones, preserving order.
func Stale(prefix, current string, names []string) []string {
	stale := make([]string, 0)
	for _, name := range names {
		if IsStale(prefix, current, name) {
			stale = append(stale, name)
		}
	}
	return stale
}
