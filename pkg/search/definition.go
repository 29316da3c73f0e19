package search

import (
	"errors"
	"fmt"
)

// Kind tags a Definition as a company or person search.
type Kind string

const (
	KindCompany Kind = "company"
	KindPerson  Kind = "person"
)

// Definition is one search: the endpoint it targets and its filters.
// A Definition is treated as immutable once a job has started; use
// Clone before deriving variants.
type Definition struct {
	Kind    Kind    `json:"kind"`
	Name    string  `json:"name,omitempty"`
	Filters Filters `json:"filters"`
}

// Clone returns a deep copy of d.
func (d Definition) Clone() Definition {
	return Definition{Kind: d.Kind, Name: d.Name, Filters: d.Filters.Clone()}
}

// WithFilters returns a copy of d carrying f instead of its own filters.
func (d Definition) WithFilters(f Filters) Definition {
	return Definition{Kind: d.Kind, Name: d.Name, Filters: f}
}

const (
	companyField  = "company"
	websitesField = "websites"
)

// ErrNotScoped is returned when a person definition has no single
// root-domain constraint.
var ErrNotScoped = errors.New("person search is not scoped to a single domain")

// ScopeToDomain returns a person definition restricted to companies whose
// website is domain. Any previous website constraint is replaced; other
// fields of the company group are kept.
func ScopeToDomain(d Definition, domain string) Definition {
	out := d.Clone()
	out.Kind = KindPerson
	if out.Filters == nil {
		out.Filters = make(Filters, 1)
	}

	company := Group{Fields: make(Filters, 1)}
	if g, ok := out.Filters[companyField].(Group); ok && g.Fields != nil {
		company = g
	}
	company.Fields[websitesField] = Set{Include: []string{domain}}
	out.Filters[companyField] = company
	return out
}

// ScopedDomain returns the single website a person definition is scoped to.
func ScopedDomain(d Definition) (string, error) {
	g, ok := d.Filters[companyField].(Group)
	if !ok {
		return "", ErrNotScoped
	}
	s, ok := g.Fields[websitesField].(Set)
	if !ok || len(s.Include) != 1 {
		return "", fmt.Errorf("%w: websites constraint has %d values", ErrNotScoped, len(s.Include))
	}
	return s.Include[0], nil
}
