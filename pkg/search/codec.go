package search

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes the range in provider shape, omitting open ends.
func (r Range) MarshalJSON() ([]byte, error) {
	out := make(map[string]int, 2)
	if r.Min != nil {
		out["min"] = *r.Min
	}
	if r.Max != nil {
		out["max"] = *r.Max
	}
	return json.Marshal(out)
}

// MarshalJSON encodes the set; include is always present.
func (s Set) MarshalJSON() ([]byte, error) {
	out := struct {
		Include []string `json:"include"`
		Exclude []string `json:"exclude,omitempty"`
	}{Include: s.Include, Exclude: s.Exclude}
	if out.Include == nil {
		out.Include = []string{}
	}
	return json.Marshal(out)
}

func (l List) MarshalJSON() ([]byte, error) {
	if l.Values == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.Values)
}

func (f Flag) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Value)
}

func (g Group) MarshalJSON() ([]byte, error) {
	if g.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(g.Fields)
}

func (o Opaque) MarshalJSON() ([]byte, error) {
	if len(o.Raw) == 0 {
		return []byte("null"), nil
	}
	return o.Raw, nil
}

// MarshalJSON writes filters with sorted keys so encodings are stable.
func (f Filters) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range f.Names() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f[name])
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", name, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON picks a variant for every filter from its JSON shape.
func (f *Filters) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Filters, len(raw))
	for name, msg := range raw {
		v, err := DecodeValue(msg)
		if err != nil {
			return fmt.Errorf("filter %q: %w", name, err)
		}
		out[name] = v
	}
	*f = out
	return nil
}

// DecodeValue maps one JSON value onto the closed variant set.
func DecodeValue(msg json.RawMessage) (Value, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty filter value")
	}

	switch trimmed[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, err
		}
		return Flag{Value: b}, nil

	case '[':
		var values []string
		if err := json.Unmarshal(trimmed, &values); err == nil {
			return List{Values: values}, nil
		}
		return opaque(trimmed), nil

	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, err
		}
		if v, ok := decodeRange(obj); ok {
			return v, nil
		}
		if v, ok := decodeSet(obj); ok {
			return v, nil
		}
		fields := make(Filters, len(obj))
		for name, child := range obj {
			v, err := DecodeValue(child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			fields[name] = v
		}
		return Group{Fields: fields}, nil
	}

	return opaque(trimmed), nil
}

func opaque(b []byte) Opaque {
	raw := make(json.RawMessage, len(b))
	copy(raw, b)
	return Opaque{Raw: raw}
}

func decodeRange(obj map[string]json.RawMessage) (Range, bool) {
	if len(obj) == 0 || !onlyKeys(obj, "min", "max") {
		return Range{}, false
	}
	var r Range
	for key, msg := range obj {
		if string(bytes.TrimSpace(msg)) == "null" {
			continue
		}
		var n int
		if err := json.Unmarshal(msg, &n); err != nil {
			return Range{}, false
		}
		if key == "min" {
			r.Min = intPtr(n)
		} else {
			r.Max = intPtr(n)
		}
	}
	return r, true
}

func decodeSet(obj map[string]json.RawMessage) (Set, bool) {
	if len(obj) == 0 || !onlyKeys(obj, "include", "exclude") {
		return Set{}, false
	}
	var s Set
	for key, msg := range obj {
		var values []string
		if err := json.Unmarshal(msg, &values); err != nil {
			return Set{}, false
		}
		if key == "include" {
			s.Include = values
		} else {
			s.Exclude = values
		}
	}
	return s, true
}

func onlyKeys(obj map[string]json.RawMessage, allowed ...string) bool {
	for key := range obj {
		found := false
		for _, a := range allowed {
			if key == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
