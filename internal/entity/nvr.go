package entity

import (
	"fmt"
	"sort"
	"strings"
)

// NVR is a parsed name-version-release build label, e.g. pkg-1.0-1.fc40.
type NVR struct {
	Name    string
	Version string
	Release string
}

func (n NVR) String() string {
	return n.Name + "-" + n.Version + "-" + n.Release
}

func ParseNVR(s string) (NVR, error) {
	rel := strings.LastIndex(s, "-")
	if rel <= 0 || rel == len(s)-1 {
		return NVR{}, fmt.Errorf("invalid NVR %q", s)
	}
	ver := strings.LastIndex(s[:rel], "-")
	if ver <= 0 || ver == rel-1 {
		return NVR{}, fmt.Errorf("invalid NVR %q", s)
	}
	return NVR{Name: s[:ver], Version: s[ver+1 : rel], Release: s[rel+1:]}, nil
}

// CompareNVR orders two builds of the same package by version then release.
func CompareNVR(a, b NVR) int {
	if c := CompareVersions(a.Version, b.Version); c != 0 {
		return c
	}
	return CompareVersions(a.Release, b.Release)
}

// SortBuilds orders builds by package name and then ascending version,
// keeping unparsable labels in their original order at the end.
func SortBuilds(builds []Build) {
	sort.SliceStable(builds, func(i, j int) bool {
		a, errA := ParseNVR(builds[i].NVR)
		b, errB := ParseNVR(builds[j].NVR)
		if errA != nil || errB != nil {
			return errA == nil && errB != nil
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return CompareNVR(a, b) < 0
	})
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isAlnum(c byte) bool { return isDigit(c) || isAlpha(c) }

func span(s string, pred func(byte) bool) (string, string) {
	i := 0
	for i < len(s) && pred(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

// CompareVersions implements rpm's rpmvercmp: -1 if a < b, 0 if equal, 1 if a > b.
// A tilde sorts before anything, a caret sorts after the base version but
// before any further segment.
func CompareVersions(a, b string) int {
	if a == b {
		return 0
	}
	for {
		for len(a) > 0 && !isAlnum(a[0]) && a[0] != '~' && a[0] != '^' {
			a = a[1:]
		}
		for len(b) > 0 && !isAlnum(b[0]) && b[0] != '~' && b[0] != '^' {
			b = b[1:]
		}

		if strings.HasPrefix(a, "~") || strings.HasPrefix(b, "~") {
			if !strings.HasPrefix(a, "~") {
				return 1
			}
			if !strings.HasPrefix(b, "~") {
				return -1
			}
			a, b = a[1:], b[1:]
			continue
		}

		if strings.HasPrefix(a, "^") || strings.HasPrefix(b, "^") {
			if a == "" {
				return -1
			}
			if b == "" {
				return 1
			}
			if !strings.HasPrefix(a, "^") {
				return 1
			}
			if !strings.HasPrefix(b, "^") {
				return -1
			}
			a, b = a[1:], b[1:]
			continue
		}

		if a == "" || b == "" {
			break
		}

		numeric := isDigit(a[0])
		pred := isAlpha
		if numeric {
			pred = isDigit
		}
		var segA, segB string
		segA, a = span(a, pred)
		segB, b = span(b, pred)

		// segments of different types: numbers are newer than letters
		if segB == "" {
			if numeric {
				return 1
			}
			return -1
		}

		if numeric {
			segA = strings.TrimLeft(segA, "0")
			segB = strings.TrimLeft(segB, "0")
			if len(segA) != len(segB) {
				if len(segA) > len(segB) {
					return 1
				}
				return -1
			}
		}
		if c := strings.Compare(segA, segB); c != 0 {
			return c
		}
	}

	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	default:
		return 1
	}
}
