// ============================================================================
// Market-Sizer Query Segmenter - Recursive Disjoint Partitioning
// ============================================================================
//
// Package: internal/segmenter
// File: segmenter.go
// Purpose: Split an oversized company search into sub-searches that each
//          stay under the provider's per-query result cap
//
// Algorithm:
//
//   probe(root) ── total <= Cap ──► leaf
//        │
//        └─ total > Cap ──► pick split dimension ──► children ──► recurse
//                                 │
//                                 ├─ numeric-first:     bounded Range, bisect
//                                 │                     [min,mid] [mid+1,max]
//                                 └─ categorical-first: Set.Include / List,
//                                                       halve the values
//
//   A node that still exceeds Cap at MaxDepth, or that has nothing left to
//   split, becomes a truncated leaf. Truncated leaves are executed up to Cap
//   results and flagged; the job still completes.
//
//   Every split is checked by CheckPartition before recursing.
//
// Probes run one at a time in depth-first order. The caller supplies the
// probe, which is where rate limiting and credit charging happen.
//
// ============================================================================

package segmenter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ChuLiYu/market-sizer/pkg/search"
)

const (
	DefaultCap      = 25000
	DefaultMaxDepth = 8
)

var (
	ErrPartition = errors.New("children do not partition parent")
	ErrNoProbe   = errors.New("segmenter: probe is nil")
)

// Preference selects which kind of dimension is split first.
type Preference string

const (
	NumericFirst     Preference = "numeric-first"
	CategoricalFirst Preference = "categorical-first"
)

// Seed is a dimension injected into a search that has nothing splittable.
// Its value must cover the whole filter space, otherwise injecting it
// narrows the search.
type Seed struct {
	Name  string
	Value search.Value
}

// HeadcountBands is the provider's full list of company headcount bands.
var HeadcountBands = Seed{
	Name: "company_headcount_range",
	Value: search.List{Values: []string{
		"1-10", "11-20", "21-50", "51-100", "101-200", "201-500",
		"501-1000", "1001-2000", "2001-5000", "5001-10000", "10000+",
	}},
}

// Probe returns the total result count of def with a count-only call.
type Probe func(ctx context.Context, def search.Definition) (int64, error)

// Visit is called for every node right after it is probed, parents before
// children. Returning an error stops segmentation.
type Visit func(ctx context.Context, n *Node) error

// Node is one segment of the tree.
type Node struct {
	ID        string
	Parent    *Node
	Children  []*Node
	Filters   search.Filters
	Depth     int
	Total     int64
	Truncated bool
	split     bool
	// Err is set when the probe for this node failed; the node is then a
	// leaf that will not be executed.
	Err error
}

// Leaf reports whether the node is executed directly rather than split.
// It is known by the time the node is visited.
func (n *Node) Leaf() bool {
	return !n.split
}

// ParentID returns the parent's id, or "" for the root.
func (n *Node) ParentID() string {
	if n.Parent == nil {
		return ""
	}
	return n.Parent.ID
}

// Tree is the result of segmenting one definition.
type Tree struct {
	Definition search.Definition
	Root       *Node
	// Nodes holds every node in visit order.
	Nodes []*Node
}

// Leaves returns the leaves in visit order.
func (t *Tree) Leaves() []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if n.Leaf() {
			out = append(out, n)
		}
	}
	return out
}

// Truncated reports whether any leaf was truncated.
func (t *Tree) Truncated() bool {
	for _, n := range t.Nodes {
		if n.Truncated {
			return true
		}
	}
	return false
}

// Segmenter holds the splitting policy. The zero value uses the defaults.
type Segmenter struct {
	Cap        int64
	MaxDepth   int
	Preference Preference
	Seeds      []Seed
}

// New returns a segmenter with default settings.
func New() *Segmenter {
	return &Segmenter{Cap: DefaultCap, MaxDepth: DefaultMaxDepth, Preference: NumericFirst}
}

func (s *Segmenter) cap() int64 {
	if s.Cap <= 0 {
		return DefaultCap
	}
	return s.Cap
}

// ResultCap returns the per-query result cap in effect.
func (s *Segmenter) ResultCap() int64 {
	return s.cap()
}

// Readable returns how many of total results a search with filters can
// reach. A search over the cap that nothing can split is read up to the
// cap only.
func (s *Segmenter) Readable(filters search.Filters, total int64) int64 {
	if total <= s.cap() {
		return total
	}
	if _, children := s.split(filters); children != nil {
		return total
	}
	return s.cap()
}

func (s *Segmenter) maxDepth() int {
	if s.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return s.MaxDepth
}

// Segment builds the segmentation tree for def. A probe failure on the
// root is returned as an error. Failures on deeper nodes are recorded on
// the node and segmentation continues, unless ctx is done, in which case
// the partial tree is returned along with ctx's error.
func (s *Segmenter) Segment(ctx context.Context, def search.Definition, probe Probe, visit Visit) (*Tree, error) {
	if probe == nil {
		return nil, ErrNoProbe
	}
	tree := &Tree{Definition: def}
	root, err := s.build(ctx, tree, def, nil, def.Filters.Clone(), 0, probe, visit)
	tree.Root = root
	if err != nil {
		return tree, err
	}
	if root.Err != nil {
		return tree, fmt.Errorf("probe root: %w", root.Err)
	}
	return tree, nil
}

func (s *Segmenter) build(ctx context.Context, tree *Tree, def search.Definition, parent *Node,
	filters search.Filters, depth int, probe Probe, visit Visit) (*Node, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	node := &Node{
		ID:      uuid.NewString(),
		Parent:  parent,
		Filters: filters,
		Depth:   depth,
	}
	total, err := probe(ctx, def.WithFilters(filters))
	if err != nil {
		node.Err = err
	} else {
		node.Total = total
	}
	tree.Nodes = append(tree.Nodes, node)

	if err != nil {
		if visit != nil {
			if verr := visit(ctx, node); verr != nil {
				return node, verr
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			return node, cerr
		}
		return node, nil
	}

	var children []search.Filters
	if total > s.cap() {
		if depth >= s.maxDepth() {
			node.Truncated = true
		} else {
			var base search.Filters
			base, children = s.split(filters)
			if children == nil {
				node.Truncated = true
			} else if err := CheckPartition(base, children); err != nil {
				return node, fmt.Errorf("split segment at depth %d: %w", depth, err)
			} else {
				node.split = true
			}
		}
	}

	if visit != nil {
		if err := visit(ctx, node); err != nil {
			return node, err
		}
	}

	for _, cf := range children {
		child, err := s.build(ctx, tree, def, node, cf, depth+1, probe, visit)
		if child != nil {
			node.Children = append(node.Children, child)
		}
		if err != nil {
			return node, err
		}
	}
	return node, nil
}

// split returns the children of filters along with the filters they
// partition, which differ from the input when a seed was injected. It
// returns nil children when nothing can be split.
func (s *Segmenter) split(filters search.Filters) (search.Filters, []search.Filters) {
	if name, ok := s.pick(filters); ok {
		return filters, splitOn(filters, name)
	}
	for _, seed := range s.Seeds {
		if _, exists := filters[seed.Name]; exists {
			continue
		}
		seeded := filters.With(seed.Name, seed.Value)
		if splittable(seeded[seed.Name]) {
			return seeded, splitOn(seeded, seed.Name)
		}
	}
	return filters, nil
}

// pick chooses the filter to split. Names are visited in sorted order so
// the choice is deterministic.
func (s *Segmenter) pick(filters search.Filters) (string, bool) {
	var numeric, categorical []string
	for _, name := range filters.Names() {
		v := filters[name]
		if !splittable(v) {
			continue
		}
		if _, ok := v.(search.Range); ok {
			numeric = append(numeric, name)
		} else {
			categorical = append(categorical, name)
		}
	}

	order := [][]string{numeric, categorical}
	if s.Preference == CategoricalFirst {
		order = [][]string{categorical, numeric}
	}
	for _, names := range order {
		if len(names) > 0 {
			return names[0], true
		}
	}
	return "", false
}

func splittable(v search.Value) bool {
	switch v := v.(type) {
	case search.Range:
		return v.Width() >= 2
	case search.Set:
		return len(distinct(v.Include)) >= 2
	case search.List:
		return len(distinct(v.Values)) >= 2
	}
	return false
}

func splitOn(filters search.Filters, name string) []search.Filters {
	var parts []search.Value
	switch v := filters[name].(type) {
	case search.Range:
		lo, hi := *v.Min, *v.Max
		mid := lo + (hi-lo)/2
		parts = []search.Value{search.NewRange(lo, mid), search.NewRange(mid+1, hi)}
	case search.Set:
		values := distinct(v.Include)
		half := len(values) / 2
		parts = []search.Value{
			search.Set{Include: values[:half:half], Exclude: copyOf(v.Exclude)},
			search.Set{Include: values[half:], Exclude: copyOf(v.Exclude)},
		}
	case search.List:
		values := distinct(v.Values)
		half := len(values) / 2
		parts = []search.Value{
			search.List{Values: values[:half:half]},
			search.List{Values: values[half:]},
		}
	default:
		return nil
	}

	out := make([]search.Filters, 0, len(parts))
	for _, p := range parts {
		out = append(out, filters.With(name, p))
	}
	return out
}

// distinct returns a copy of in without repeated values, first occurrence
// order kept.
func distinct(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func copyOf(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
