// Package iterators builds the server side iterator stack applied to every
// scan. A stack is a chain of Sources: the tablet's own merged view of the
// data at the bottom, then one filter per IteratorSetting in ascending
// priority order.
package iterators

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shale-io/shale/internal/kv"
)

// Errors returned while building a stack.
var (
	ErrUnknownIterator = errors.New("iterators: unknown iterator class")
	ErrBadOption       = errors.New("iterators: bad iterator option")
)

// Source yields entries in key order. Next returns ok=false once the
// source is exhausted.
type Source interface {
	Next() (entry kv.KeyValue, ok bool, err error)
}

// Env is the context an iterator is built in.
type Env struct {
	Now func() time.Time
}

func (e Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Factory wraps source with an iterator configured by options.
type Factory func(source Source, options map[string]string, env Env) (Source, error)

// Registry maps iterator class names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows the built in "grep" and "ageoff" iterators.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("grep", newGrep)
	r.Register("ageoff", newAgeOff)
	return r
}

// Register adds a factory under class.
func (r *Registry) Register(class string, f Factory) {
	r.factories[class] = f
}

// Validate checks that every setting names a known class with usable
// options, without building anything.
func (r *Registry) Validate(settings []kv.IteratorSetting) error {
	_, err := r.Build(emptySource{}, settings, Env{})
	return err
}

// Build stacks settings over source, lowest priority first.
func (r *Registry) Build(source Source, settings []kv.IteratorSetting, env Env) (Source, error) {
	ordered := append([]kv.IteratorSetting(nil), settings...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	for _, s := range ordered {
		f, ok := r.factories[s.Class]
		if !ok {
			return nil, fmt.Errorf("%w: %q (iterator %s)", ErrUnknownIterator, s.Class, s.Name)
		}
		next, err := f(source, s.Options, env)
		if err != nil {
			return nil, fmt.Errorf("iterator %s: %w", s.Name, err)
		}
		source = next
	}
	return source, nil
}

// SliceSource yields a fixed list of entries.
type SliceSource struct {
	entries []kv.KeyValue
	pos     int
}

// NewSliceSource returns a source over entries, which must be sorted.
func NewSliceSource(entries []kv.KeyValue) *SliceSource {
	return &SliceSource{entries: entries}
}

func (s *SliceSource) Next() (kv.KeyValue, bool, error) {
	if s.pos >= len(s.entries) {
		return kv.KeyValue{}, false, nil
	}
	e := s.entries[s.pos]
	s.pos++
	return e, true, nil
}

type emptySource struct{}

func (emptySource) Next() (kv.KeyValue, bool, error) { return kv.KeyValue{}, false, nil }

// filter keeps entries accepted by keep.
type filter struct {
	source Source
	keep   func(kv.KeyValue) bool
}

func (f *filter) Next() (kv.KeyValue, bool, error) {
	for {
		e, ok, err := f.source.Next()
		if err != nil || !ok {
			return e, ok, err
		}
		if f.keep(e) {
			return e, true, nil
		}
	}
}

// newGrep keeps entries whose row, family, qualifier, or value contains
// the "term" option.
func newGrep(source Source, options map[string]string, _ Env) (Source, error) {
	term, ok := options["term"]
	if !ok || term == "" {
		return nil, fmt.Errorf("%w: grep requires term", ErrBadOption)
	}
	t := []byte(term)
	return &filter{source: source, keep: func(e kv.KeyValue) bool {
		return bytes.Contains(e.Key.Row, t) ||
			bytes.Contains(e.Key.Family, t) ||
			bytes.Contains(e.Key.Qualifier, t) ||
			bytes.Contains(e.Value, t)
	}}, nil
}

// newAgeOff drops entries older than the "ttl" option, in milliseconds.
func newAgeOff(source Source, options map[string]string, env Env) (Source, error) {
	ttl, err := strconv.ParseInt(options["ttl"], 10, 64)
	if err != nil || ttl < 0 {
		return nil, fmt.Errorf("%w: ageoff ttl %q", ErrBadOption, options["ttl"])
	}
	cutoff := env.now().UnixMilli() - ttl
	return &filter{source: source, keep: func(e kv.KeyValue) bool {
		return e.Key.Timestamp >= cutoff
	}}, nil
}
