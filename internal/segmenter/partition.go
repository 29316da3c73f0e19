package segmenter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ChuLiYu/market-sizer/pkg/search"
)

// CheckPartition verifies that children split parent along exactly one
// filter, that their values on that filter are pairwise disjoint and that
// together they cover the parent's value. All other filters must be
// carried unchanged.
func CheckPartition(parent search.Filters, children []search.Filters) error {
	if len(children) < 2 {
		return fmt.Errorf("%w: %d children", ErrPartition, len(children))
	}

	name := ""
	for i, child := range children {
		if len(child) != len(parent) {
			return fmt.Errorf("%w: child %d has %d filters, parent %d", ErrPartition, i, len(child), len(parent))
		}
		for _, n := range parent.Names() {
			cv, ok := child[n]
			if !ok {
				return fmt.Errorf("%w: child %d drops filter %q", ErrPartition, i, n)
			}
			same, err := equalValues(parent[n], cv)
			if err != nil {
				return err
			}
			if same {
				continue
			}
			if name != "" && name != n {
				return fmt.Errorf("%w: children split both %q and %q", ErrPartition, name, n)
			}
			name = n
		}
	}
	if name == "" {
		return fmt.Errorf("%w: children are identical to parent", ErrPartition)
	}

	values := make([]search.Value, len(children))
	for i, child := range children {
		values[i] = child[name]
	}

	switch pv := parent[name].(type) {
	case search.Range:
		return checkRanges(name, pv, values)
	case search.Set:
		parts := make([][]string, len(values))
		for i, v := range values {
			cs, ok := v.(search.Set)
			if !ok {
				return fmt.Errorf("%w: %q child %d is %T", ErrPartition, name, i, v)
			}
			if !sameStrings(cs.Exclude, pv.Exclude) {
				return fmt.Errorf("%w: %q child %d changes exclude", ErrPartition, name, i)
			}
			parts[i] = cs.Include
		}
		return checkValues(name, pv.Include, parts)
	case search.List:
		parts := make([][]string, len(values))
		for i, v := range values {
			cl, ok := v.(search.List)
			if !ok {
				return fmt.Errorf("%w: %q child %d is %T", ErrPartition, name, i, v)
			}
			parts[i] = cl.Values
		}
		return checkValues(name, pv.Values, parts)
	}
	return fmt.Errorf("%w: %q is %T, which cannot be split", ErrPartition, name, parent[name])
}

func checkRanges(name string, parent search.Range, values []search.Value) error {
	if !parent.Bounded() {
		return fmt.Errorf("%w: %q parent range is open", ErrPartition, name)
	}
	ranges := make([]search.Range, len(values))
	for i, v := range values {
		r, ok := v.(search.Range)
		if !ok || !r.Bounded() || *r.Min > *r.Max {
			return fmt.Errorf("%w: %q child %d is not a bounded range", ErrPartition, name, i)
		}
		ranges[i] = r
	}
	sort.Slice(ranges, func(i, j int) bool { return *ranges[i].Min < *ranges[j].Min })

	if *ranges[0].Min != *parent.Min {
		return fmt.Errorf("%w: %q starts at %d, parent at %d", ErrPartition, name, *ranges[0].Min, *parent.Min)
	}
	for i := 1; i < len(ranges); i++ {
		prev, cur := ranges[i-1], ranges[i]
		switch {
		case *cur.Min <= *prev.Max:
			return fmt.Errorf("%w: %q children overlap at %d", ErrPartition, name, *cur.Min)
		case *cur.Min > *prev.Max+1:
			return fmt.Errorf("%w: %q gap between %d and %d", ErrPartition, name, *prev.Max, *cur.Min)
		}
	}
	if last := ranges[len(ranges)-1]; *last.Max != *parent.Max {
		return fmt.Errorf("%w: %q ends at %d, parent at %d", ErrPartition, name, *last.Max, *parent.Max)
	}
	return nil
}

func checkValues(name string, parent []string, parts [][]string) error {
	want := make(map[string]bool, len(parent))
	for _, v := range parent {
		want[v] = true
	}
	seen := make(map[string]int, len(parent))
	for i, part := range parts {
		if len(part) == 0 {
			return fmt.Errorf("%w: %q child %d is empty", ErrPartition, name, i)
		}
		for _, v := range part {
			if !want[v] {
				return fmt.Errorf("%w: %q child %d adds %q", ErrPartition, name, i, v)
			}
			if j, dup := seen[v]; dup && j != i {
				return fmt.Errorf("%w: %q value %q in children %d and %d", ErrPartition, name, v, j, i)
			}
			seen[v] = i
		}
	}
	for v := range want {
		if _, ok := seen[v]; !ok {
			return fmt.Errorf("%w: %q value %q dropped", ErrPartition, name, v)
		}
	}
	return nil
}

func equalValues(a, b search.Value) (bool, error) {
	ab, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("encode filter: %w", err)
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("encode filter: %w", err)
	}
	return bytes.Equal(ab, bb), nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
