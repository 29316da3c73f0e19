// ============================================================================
// Market-Sizer Search Filters - Closed Filter Value Set
// ============================================================================
//
// Package: pkg/search
// File: filters.go
// Purpose: Typed representation of provider search filters
//
// Filter Variants:
//   Every filter value is one of a closed set of variants. The segmenter
//   and the credit estimator switch over these exhaustively; there is no
//   free-form map walking at runtime.
//
//   ┌──────────┬──────────────────────────────┬────────────────────────────┐
//   │ Variant  │ Wire shape                   │ Splittable                 │
//   ├──────────┼──────────────────────────────┼────────────────────────────┤
//   │ Range    │ {"min": 1, "max": 500}       │ bisect when bounded        │
//   │ Set      │ {"include": [], "exclude": []}│ halve the include list    │
//   │ List     │ ["1-10", "11-20"]            │ halve the list             │
//   │ Flag     │ true / false                 │ no                         │
//   │ Group    │ {"websites": {...}}          │ no (nested object)         │
//   │ Opaque   │ anything else                │ no (passed through)        │
//   └──────────┴──────────────────────────────┴────────────────────────────┘
//
// ============================================================================

package search

import (
	"encoding/json"
	"sort"
)

// Value is a single filter value. Implementations are limited to the
// variants declared in this package.
type Value interface {
	isValue()
	clone() Value
}

// Range is a numeric range. Nil ends are open.
type Range struct {
	Min *int
	Max *int
}

// Set is a categorical include/exclude filter.
type Set struct {
	Include []string
	Exclude []string
}

// List is a categorical list such as headcount bands.
type List struct {
	Values []string
}

// Flag is a boolean filter.
type Flag struct {
	Value bool
}

// Group is a nested object of filters, e.g. company.websites.
type Group struct {
	Fields Filters
}

// Opaque carries a filter the engine does not interpret.
type Opaque struct {
	Raw json.RawMessage
}

func (Range) isValue()  {}
func (Set) isValue()    {}
func (List) isValue()   {}
func (Flag) isValue()   {}
func (Group) isValue()  {}
func (Opaque) isValue() {}

// Bounded reports whether both ends of the range are set.
func (r Range) Bounded() bool {
	return r.Min != nil && r.Max != nil
}

// Width returns the number of integers covered by a bounded range.
func (r Range) Width() int {
	if !r.Bounded() || *r.Max < *r.Min {
		return 0
	}
	return *r.Max - *r.Min + 1
}

// NewRange builds a bounded range.
func NewRange(min, max int) Range {
	return Range{Min: intPtr(min), Max: intPtr(max)}
}

func intPtr(v int) *int {
	return &v
}

func (r Range) clone() Value {
	out := Range{}
	if r.Min != nil {
		out.Min = intPtr(*r.Min)
	}
	if r.Max != nil {
		out.Max = intPtr(*r.Max)
	}
	return out
}

func (s Set) clone() Value {
	return Set{Include: cloneStrings(s.Include), Exclude: cloneStrings(s.Exclude)}
}

func (l List) clone() Value {
	return List{Values: cloneStrings(l.Values)}
}

func (f Flag) clone() Value {
	return f
}

func (g Group) clone() Value {
	return Group{Fields: g.Fields.Clone()}
}

func (o Opaque) clone() Value {
	if o.Raw == nil {
		return Opaque{}
	}
	raw := make(json.RawMessage, len(o.Raw))
	copy(raw, o.Raw)
	return Opaque{Raw: raw}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Filters maps a provider filter name to its value.
type Filters map[string]Value

// Clone returns a deep copy.
func (f Filters) Clone() Filters {
	if f == nil {
		return nil
	}
	out := make(Filters, len(f))
	for name, v := range f {
		if v == nil {
			continue
		}
		out[name] = v.clone()
	}
	return out
}

// Names returns the filter names in sorted order.
func (f Filters) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// With returns a copy of f with name set to v.
func (f Filters) With(name string, v Value) Filters {
	out := f.Clone()
	if out == nil {
		out = make(Filters, 1)
	}
	out[name] = v
	return out
}
