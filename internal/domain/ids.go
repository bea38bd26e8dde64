package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// IDList is an ordered list of integer ids persisted as a JSON array.
//
// Decoding also accepts a JSON string holding a JSON array ("[1,2]" wrapped in
// quotes), which older rows may contain.
type IDList []int64

func (l IDList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]int64(l))
}

func (l *IDList) UnmarshalJSON(b []byte) error {
	out, err := decodeIDList(b, 0)
	if err != nil {
		return err
	}
	*l = out
	return nil
}

func decodeIDList(b []byte, depth int) (IDList, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return IDList{}, nil
	}
	switch b[0] {
	case '[':
		var ids []int64
		if err := json.Unmarshal(b, &ids); err != nil {
			return nil, fmt.Errorf("id list: %w", err)
		}
		return IDList(ids), nil
	case '"':
		if depth >= 2 {
			return nil, fmt.Errorf("id list: nested encoding too deep")
		}
		var inner string
		if err := json.Unmarshal(b, &inner); err != nil {
			return nil, fmt.Errorf("id list: %w", err)
		}
		return decodeIDList([]byte(inner), depth+1)
	}
	return nil, fmt.Errorf("id list: unexpected value %q", string(b))
}

// ParseIDList decodes a stored column value.
func ParseIDList(raw string) (IDList, error) {
	return decodeIDList([]byte(raw), 0)
}

// Encode returns the canonical stored form.
func (l IDList) Encode() string {
	b, _ := l.MarshalJSON()
	return string(b)
}

func (l IDList) set() map[int64]struct{} {
	m := make(map[int64]struct{}, len(l))
	for _, id := range l {
		m[id] = struct{}{}
	}
	return m
}

// Contains reports whether id is in the list.
func (l IDList) Contains(id int64) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every id of l is in other.
func (l IDList) SubsetOf(other IDList) bool {
	m := other.set()
	for _, id := range l {
		if _, ok := m[id]; !ok {
			return false
		}
	}
	return true
}

// Nested reports whether one list contains the other (the lenient match test).
func (l IDList) Nested(other IDList) bool {
	return l.SubsetOf(other) || other.SubsetOf(l)
}

// Overlaps reports whether the lists share at least one id.
func (l IDList) Overlaps(other IDList) bool {
	m := other.set()
	for _, id := range l {
		if _, ok := m[id]; ok {
			return true
		}
	}
	return false
}

// Union returns the sorted, de-duplicated union of both lists.
func (l IDList) Union(other IDList) IDList {
	m := l.set()
	for _, id := range other {
		m[id] = struct{}{}
	}
	out := make(IDList, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Append adds id at the end, keeping insertion order.
func (l IDList) Append(id int64) IDList {
	out := make(IDList, 0, len(l)+1)
	out = append(out, l...)
	return append(out, id)
}
