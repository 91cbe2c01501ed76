// Package querykey provides structural query keys.
//
// A Key is an ordered tuple of JSON-serializable parts, such as
// ["posts", {"page": 1, "pageSize": 10}]. Keys are compared by their canonical
// JSON encoding, not by identity, so two keys built from equal values always
// refer to the same cache entry. A shorter key is a prefix of a longer key
// when all of its parts match the leading parts of the longer key, which
// allows invalidating ["todos"] to reach ["todos", 1].
package querykey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Key is an immutable, structurally comparable query key.
type Key struct {
	parts []string
	vals  []any
	enc   string
}

// New creates a Key from the given parts. Each part must be encodable as
// JSON. Structs are encoded according to their json tags and maps have their
// keys sorted, so part order within objects does not matter.
func New(parts ...any) (Key, error) {
	k := Key{
		parts: make([]string, len(parts)),
		vals:  make([]any, len(parts)),
	}
	for i, p := range parts {
		val, enc, err := normalize(p)
		if err != nil {
			return Key{}, fmt.Errorf("key part %d: %w", i, err)
		}
		k.parts[i] = enc
		k.vals[i] = val
	}
	k.enc = "[" + strings.Join(k.parts, ",") + "]"
	return k, nil
}

// MustNew is like New but panics if a part cannot be encoded.
func MustNew(parts ...any) Key {
	k, err := New(parts...)
	if err != nil {
		panic(err)
	}
	return k
}

// Parse decodes a canonical key string, as returned by String, into a Key.
func Parse(s string) (Key, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var parts []any
	if err := dec.Decode(&parts); err != nil {
		return Key{}, fmt.Errorf("cannot parse key: %w", err)
	}
	return New(parts...)
}

// String returns the canonical JSON encoding of the key.
func (k Key) String() string {
	if k.enc == "" {
		return "[]"
	}
	return k.enc
}

// Len returns the number of parts in the key.
func (k Key) Len() int {
	return len(k.parts)
}

// IsZero returns true if the key has no parts. The zero key is a prefix of
// every key.
func (k Key) IsZero() bool {
	return len(k.parts) == 0
}

// Parts returns the normalized values of the key parts. Numbers are returned
// as json.Number.
func (k Key) Parts() []any {
	out := make([]any, len(k.vals))
	copy(out, k.vals)
	return out
}

// Equal returns true if both keys have the same canonical encoding.
func (k Key) Equal(o Key) bool {
	return k.String() == o.String()
}

// HasPrefix returns true if every part of p is equal to the part at the same
// position in k.
func (k Key) HasPrefix(p Key) bool {
	if len(p.parts) > len(k.parts) {
		return false
	}
	for i := range p.parts {
		if p.parts[i] != k.parts[i] {
			return false
		}
	}
	return true
}

// Append returns a new key with parts added to the end of k.
func (k Key) Append(parts ...any) (Key, error) {
	all := make([]any, 0, len(k.vals)+len(parts))
	all = append(all, k.vals...)
	all = append(all, parts...)
	return New(all...)
}

// MarshalJSON encodes the key as its canonical JSON array.
func (k Key) MarshalJSON() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalJSON decodes a JSON array into a key.
func (k *Key) UnmarshalJSON(data []byte) error {
	nk, err := Parse(string(data))
	if err != nil {
		return err
	}
	*k = nk
	return nil
}

// normalize converts v to a canonical value and its encoding.
func normalize(v any) (any, string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var val any
	if err = dec.Decode(&val); err != nil {
		return nil, "", err
	}
	val = canonNumbers(val)
	enc, err := json.Marshal(val)
	if err != nil {
		return nil, "", err
	}
	return val, string(enc), nil
}

// canonNumbers rewrites every json.Number so that numerically equal values,
// such as 1 and 1.0, have the same encoding. Integral values are kept exact
// at any size. Other values are compared at float64 precision.
func canonNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return json.Number(strconv.FormatInt(i, 10))
		}
		if r, ok := new(big.Rat).SetString(t.String()); ok && r.IsInt() {
			return json.Number(r.Num().String())
		}
		f, err := t.Float64()
		if err != nil {
			return t
		}
		if f == float64(int64(f)) {
			return json.Number(strconv.FormatInt(int64(f), 10))
		}
		return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
	case []any:
		for i := range t {
			t[i] = canonNumbers(t[i])
		}
		return t
	case map[string]any:
		for mk, mv := range t {
			t[mk] = canonNumbers(mv)
		}
		return t
	}
	return v
}
