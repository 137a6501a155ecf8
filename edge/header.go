package edge

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Header is a single header field the way the edge platform carries it: the
// original-case key and its value.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// HeaderSet maps lower-cased header names to the fields carrying that name.
// Names keep their insertion order so that a parsed event renders back the
// way it arrived.
//
// The zero value and a nil *HeaderSet are empty and safe to read.
type HeaderSet struct {
	m *orderedmap.OrderedMap[string, []Header]
}

// NewHeaderSet returns an empty header set.
func NewHeaderSet() *HeaderSet {
	return &HeaderSet{m: orderedmap.New[string, []Header]()}
}

func (h *HeaderSet) init() {
	if h.m == nil {
		h.m = orderedmap.New[string, []Header]()
	}
}

// Get returns the fields stored under name. The lookup is case-insensitive.
func (h *HeaderSet) Get(name string) []Header {
	if h == nil || h.m == nil {
		return nil
	}

	hs, _ := h.m.Get(strings.ToLower(name))
	return hs
}

// Values returns the values of the fields stored under name.
func (h *HeaderSet) Values(name string) []string {
	hs := h.Get(name)
	if len(hs) == 0 {
		return nil
	}

	vs := make([]string, len(hs))
	for i, f := range hs {
		vs[i] = f.Value
	}

	return vs
}

// First returns the first value stored under name, or an empty string.
func (h *HeaderSet) First(name string) string {
	hs := h.Get(name)
	if len(hs) == 0 {
		return ""
	}

	return hs[0].Value
}

// Add appends a field, keeping any fields already stored under the same name.
func (h *HeaderSet) Add(key, value string) {
	h.init()

	name := strings.ToLower(key)
	hs, _ := h.m.Get(name)
	h.m.Set(name, append(hs, Header{Key: key, Value: value}))
}

// Set replaces the fields stored under the key's name with a single field.
func (h *HeaderSet) Set(key, value string) {
	h.init()
	h.m.Set(strings.ToLower(key), []Header{{Key: key, Value: value}})
}

// Del removes all fields stored under name.
func (h *HeaderSet) Del(name string) {
	if h == nil || h.m == nil {
		return
	}

	h.m.Delete(strings.ToLower(name))
}

// Keys returns the lower-cased names in insertion order.
func (h *HeaderSet) Keys() []string {
	if h == nil || h.m == nil {
		return nil
	}

	keys := make([]string, 0, h.m.Len())
	for pair := h.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}

	return keys
}

// Len returns the number of distinct names.
func (h *HeaderSet) Len() int {
	if h == nil || h.m == nil {
		return 0
	}

	return h.m.Len()
}

// Clone returns a deep copy. Cloning a nil set returns an empty set.
func (h *HeaderSet) Clone() *HeaderSet {
	c := NewHeaderSet()
	if h == nil || h.m == nil {
		return c
	}

	for pair := h.m.Oldest(); pair != nil; pair = pair.Next() {
		c.m.Set(pair.Key, slices.Clone(pair.Value))
	}

	return c
}

// HTTPHeader renders the set in the canonical net/http form, e.g. the
// structured set-cookie fields become Set-Cookie values.
func (h *HeaderSet) HTTPHeader() http.Header {
	hh := make(http.Header)
	if h == nil || h.m == nil {
		return hh
	}

	for pair := h.m.Oldest(); pair != nil; pair = pair.Next() {
		for _, f := range pair.Value {
			key := f.Key
			if key == "" {
				key = pair.Key
			}
			hh.Add(key, f.Value)
		}
	}

	return hh
}

// FromHTTPHeader converts a net/http header. Names are added in sorted order
// since http.Header carries none.
func FromHTTPHeader(hh http.Header) *HeaderSet {
	h := NewHeaderSet()
	for _, key := range slices.Sorted(maps.Keys(hh)) {
		for _, v := range hh[key] {
			h.Add(key, v)
		}
	}

	return h
}

// MarshalJSON renders the set as the platform's object of name to fields.
func (h HeaderSet) MarshalJSON() ([]byte, error) {
	if h.m == nil {
		return []byte("{}"), nil
	}

	return h.m.MarshalJSON()
}

// UnmarshalJSON parses the platform's object of name to fields. Names are
// lower-cased; fields whose names collide after lower-casing are merged.
func (h *HeaderSet) UnmarshalJSON(b []byte) error {
	raw := orderedmap.New[string, []Header]()
	if err := json.Unmarshal(b, raw); err != nil {
		return err
	}

	h.m = orderedmap.New[string, []Header]()
	for pair := raw.Oldest(); pair != nil; pair = pair.Next() {
		name := strings.ToLower(pair.Key)
		hs, _ := h.m.Get(name)
		for _, f := range pair.Value {
			if f.Key == "" {
				f.Key = pair.Key
			}
			hs = append(hs, f)
		}
		h.m.Set(name, hs)
	}

	return nil
}
