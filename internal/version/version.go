// Package version picks which published version of an extension to install.
package version

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrNoVersions is returned when the marketplace lists no versions at all.
var ErrNoVersions = errors.New("no versions available")

// Resolve selects a version from versions. Valid semantic versions are
// sorted descending and the highest stable one wins; if all are
// prereleases the highest prerelease wins. When nothing parses, the first
// raw entry is returned as the server-declared default.
func Resolve(versions []string) (string, error) {
	if len(versions) == 0 {
		return "", ErrNoVersions
	}

	type candidate struct {
		raw string
		v   *semver.Version
	}
	var valid []candidate
	for _, raw := range versions {
		v, err := parse(raw)
		if err != nil {
			continue
		}
		valid = append(valid, candidate{raw: raw, v: v})
	}
	if len(valid) == 0 {
		return versions[0], nil
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].v.GreaterThan(valid[j].v)
	})
	for _, c := range valid {
		if c.v.Prerelease() == "" {
			return c.raw, nil
		}
	}
	return valid[0].raw, nil
}

// Compare returns -1, 0 or 1 as a is older than, equal to or newer than b.
func Compare(a, b string) (int, error) {
	av, err := parse(a)
	if err != nil {
		return 0, fmt.Errorf("parsing version %q: %w", a, err)
	}
	bv, err := parse(b)
	if err != nil {
		return 0, fmt.Errorf("parsing version %q: %w", b, err)
	}
	return av.Compare(bv), nil
}

// Newer reports whether candidate is strictly newer than current. Versions
// that do not parse are compared as plain strings and only count as newer
// when they differ.
func Newer(candidate, current string) bool {
	cmp, err := Compare(candidate, current)
	if err != nil {
		return strings.TrimSpace(candidate) != strings.TrimSpace(current)
	}
	return cmp > 0
}

// Valid reports whether s parses as a semantic version.
func Valid(s string) bool {
	_, err := parse(s)
	return err == nil
}

func parse(s string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(s), "v"))
}
