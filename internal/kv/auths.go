package kv

import (
	"sort"
	"strings"
)

// Authorizations is a sorted set of labels a user may present when scanning.
type Authorizations []string

// NewAuthorizations returns the deduplicated, sorted set of labels.
func NewAuthorizations(labels ...string) Authorizations {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if l != "" {
			set[l] = struct{}{}
		}
	}
	out := make(Authorizations, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether label is in the set.
func (a Authorizations) Contains(label string) bool {
	i := sort.SearchStrings(a, label)
	return i < len(a) && a[i] == label
}

// ContainsAll reports whether every label of other is in a.
func (a Authorizations) ContainsAll(other Authorizations) bool {
	for _, l := range other {
		if !a.Contains(l) {
			return false
		}
	}
	return true
}

func (a Authorizations) String() string {
	return strings.Join(a, ",")
}
