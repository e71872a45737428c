// Package registry names the versioned cache buckets of the worker
// and tells current buckets apart from stale ones.
package registry

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

type Purpose string

const (
	Static Purpose = "static"
	API    Purpose = "api"
	Data   Purpose = "data"
)

// Purposes lists every purpose in lookup order.
var Purposes = []Purpose{Static, API, Data}

func (p Purpose) Valid() bool {
	switch p {
	case Static, API, Data:
		return true
	}
	return false
}

const versionSeparator = "-v"

// Registry derives bucket names from a namespace and a single version string.
// Names have the form <namespace><purpose>-v<version>, e.g. "nanocoin-static-v1".
type Registry struct {
	Namespace string
	Version   string
}

func New(namespace, version string) Registry {
	return Registry{Namespace: namespace, Version: version}
}

// Name returns the current bucket name for the purpose.
func (r Registry) Name(p Purpose) string {
	return r.Namespace + string(p) + versionSeparator + r.Version
}

// Current returns the current bucket names, one per purpose.
func (r Registry) Current() []string {
	names := make([]string, len(Purposes))
	for i, p := range Purposes {
		names[i] = r.Name(p)
	}
	return names
}

func (r Registry) IsCurrent(name string) bool {
	for _, p := range Purposes {
		if r.Name(p) == name {
			return true
		}
	}
	return false
}

// Stale returns the names in existing that are not current, keeping their order.
func (r Registry) Stale(existing []string) []string {
	stale := make([]string, 0)
	for _, name := range existing {
		if !r.IsCurrent(name) {
			stale = append(stale, name)
		}
	}
	return stale
}

// ParseName splits a bucket name of this namespace into its purpose and version.
func (r Registry) ParseName(name string) (Purpose, string, error) {
	rest, ok := strings.CutPrefix(name, r.Namespace)
	if !ok {
		return "", "", fmt.Errorf("bucket %q is not in namespace %q", name, r.Namespace)
	}
	i := strings.LastIndex(rest, versionSeparator)
	if i <= 0 || i+len(versionSeparator) == len(rest) {
		return "", "", fmt.Errorf("bucket %q has no version", name)
	}
	p := Purpose(rest[:i])
	if !p.Valid() {
		return "", "", fmt.Errorf("bucket %q has unknown purpose %q", name, p)
	}
	return p, rest[i+len(versionSeparator):], nil
}

// Age classifies a bucket relative to the current version.
type Age string

const (
	AgeCurrent Age = "current"
	AgeOlder   Age = "older"
	AgeNewer   Age = "newer"
	// AgeForeign is any bucket not named by this registry's scheme.
	AgeForeign Age = "foreign"
)

// Classify reports how the named bucket relates to the current version.
func (r Registry) Classify(name string) Age {
	if r.IsCurrent(name) {
		return AgeCurrent
	}
	_, version, err := r.ParseName(name)
	if err != nil {
		return AgeForeign
	}
	switch CompareVersions(version, r.Version) {
	case -1:
		return AgeOlder
	case 1:
		return AgeNewer
	}
	return AgeCurrent
}

// CompareVersions compares two bucket versions like "1", "1.2" or "2.0.1".
// Versions that are not semantic versions are compared as plain strings.
func CompareVersions(a, b string) int {
	va, vb := "v"+a, "v"+b
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb)
	}
	return strings.Compare(a, b)
}
