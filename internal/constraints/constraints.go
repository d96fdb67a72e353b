// Package constraints validates mutations before a tablet commits them.
package constraints

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shale-io/shale/internal/kv"
)

// DefaultMaxMutationSize bounds a single mutation.
const DefaultMaxMutationSize = 32 << 20

// Environment is what a constraint may consult about the writer.
type Environment struct {
	User           string
	Authorizations kv.Authorizations
	Extent         kv.Extent
}

// Constraint checks one mutation. Check returns the violation codes it
// found, or nil.
type Constraint interface {
	Name() string
	Check(env Environment, m *kv.Mutation) []int16
	Description(code int16) string
}

// Violation summarizes every mutation that failed one constraint code.
type Violation struct {
	Constraint  string `json:"constraint"`
	Code        int16  `json:"code"`
	Description string `json:"description"`
	Count       int64  `json:"count"`
}

type violationKey struct {
	constraint string
	code       int16
}

// Violations aggregates counts by constraint and code. The zero value is
// ready to use and safe for concurrent use.
type Violations struct {
	mu sync.Mutex
	m  map[violationKey]*Violation
}

// Add merges v into the aggregate.
func (vs *Violations) Add(v Violation) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.m == nil {
		vs.m = make(map[violationKey]*Violation)
	}
	k := violationKey{constraint: v.Constraint, code: v.Code}
	if existing, ok := vs.m[k]; ok {
		existing.Count += v.Count
		return
	}
	cp := v
	vs.m[k] = &cp
}

// AddAll merges every violation of list.
func (vs *Violations) AddAll(list []Violation) {
	for _, v := range list {
		vs.Add(v)
	}
}

// Empty reports whether nothing was recorded.
func (vs *Violations) Empty() bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return len(vs.m) == 0
}

// Summaries returns the aggregate ordered by constraint and code.
func (vs *Violations) Summaries() []Violation {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	out := make([]Violation, 0, len(vs.m))
	for _, v := range vs.m {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Constraint != out[j].Constraint {
			return out[i].Constraint < out[j].Constraint
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// Checker runs a fixed list of constraints.
type Checker struct {
	constraints []Constraint
}

// NewChecker returns a checker for cs.
func NewChecker(cs ...Constraint) *Checker {
	return &Checker{constraints: cs}
}

// DefaultChecker checks visibility labels and mutation size.
func DefaultChecker() *Checker {
	return NewChecker(VisibilityConstraint{}, MaxMutationSizeConstraint{Max: DefaultMaxMutationSize})
}

// Check returns the violations of one mutation, one entry per code with
// Count 1.
func (c *Checker) Check(env Environment, m *kv.Mutation) []Violation {
	var out []Violation
	for _, con := range c.constraints {
		for _, code := range con.Check(env, m) {
			out = append(out, Violation{
				Constraint:  con.Name(),
				Code:        code,
				Description: con.Description(code),
				Count:       1,
			})
		}
	}
	return out
}

// Visibility constraint codes.
const (
	CodeMalformedVisibility  int16 = 1
	CodeMissingAuthorization int16 = 2
)

// VisibilityConstraint rejects updates whose visibility expression does
// not parse or that the writer could not read back.
type VisibilityConstraint struct{}

func (VisibilityConstraint) Name() string { return "VisibilityConstraint" }

func (VisibilityConstraint) Check(env Environment, m *kv.Mutation) []int16 {
	seen := make(map[string]bool)
	var codes []int16
	for _, u := range m.Updates {
		if len(u.Visibility) == 0 || seen[string(u.Visibility)] {
			continue
		}
		seen[string(u.Visibility)] = true

		vis, err := kv.ParseVisibility(u.Visibility)
		if err != nil {
			return []int16{CodeMalformedVisibility}
		}
		if !vis.Evaluate(env.Authorizations) {
			codes = []int16{CodeMissingAuthorization}
		}
	}
	return codes
}

func (VisibilityConstraint) Description(code int16) string {
	switch code {
	case CodeMalformedVisibility:
		return "Malformed column visibility"
	case CodeMissingAuthorization:
		return "User does not have authorization on column visibility"
	}
	return ""
}

// CodeMutationTooLarge is the only MaxMutationSizeConstraint code.
const CodeMutationTooLarge int16 = 0

// MaxMutationSizeConstraint rejects mutations larger than Max bytes.
type MaxMutationSizeConstraint struct {
	Max int64
}

func (MaxMutationSizeConstraint) Name() string { return "MaxMutationSizeConstraint" }

func (c MaxMutationSizeConstraint) Check(_ Environment, m *kv.Mutation) []int16 {
	if c.Max > 0 && m.Size() > c.Max {
		return []int16{CodeMutationTooLarge}
	}
	return nil
}

func (c MaxMutationSizeConstraint) Description(int16) string {
	return fmt.Sprintf("mutation exceeded maximum size of %d", c.Max)
}
