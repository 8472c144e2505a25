// Package keyhash turns query and mutation keys into stable cache identities.
//
// A key is an ordered list of JSON-serializable segments. Its hash is the RFC 8785
// canonical JSON encoding of the list: object members are sorted, array order is kept,
// and numbers are normalized, so two keys hash equally iff they are semantically equal.
//
// Integers whose magnitude exceeds 2^53 cannot round-trip through an IEEE double, so
// they are encoded exactly as {"$int":"<decimal>"}. Object member names starting with
// "$" are escaped with a second "$" to keep that form unambiguous.
//
// Strings must be valid UTF-8. Struct fields tagged omitempty are omitted when empty,
// mirroring absent members. A nil map member is JSON null and is not the same as an
// absent member: {"a":1,"b":nil} and {"a":1} are different keys.
package keyhash

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"

	errs "github.com/c360/querystate/errors"
)

// Key identifies a query or mutation.
type Key []any

// maxExactInt is 2^53. Every integer up to this magnitude is exact as a double.
var maxExactInt = new(big.Int).Lsh(big.NewInt(1), 53)

// Hash returns the canonical hash of key.
func Hash(key Key) (string, error) {
	if key == nil {
		key = Key{}
	}
	return canonical(key)
}

// MustHash is Hash for statically known keys. It panics on unserializable segments.
func MustHash(key Key) string {
	h, err := Hash(key)
	if err != nil {
		panic(err)
	}
	return h
}

func canonical(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", invalid("encode key", err)
	}
	if hasReplacementEscape(raw) {
		return "", invalid("encode key", fmt.Errorf("string is not valid UTF-8"))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return "", invalid("decode key", err)
	}
	exact, err := json.Marshal(exactNumbers(decoded))
	if err != nil {
		return "", invalid("encode key", err)
	}

	out, err := jsoncanonicalizer.Transform(exact)
	if err != nil {
		return "", invalid("canonicalize key", err)
	}
	return string(out), nil
}

func invalid(action string, err error) error {
	return errs.WrapInvalid(fmt.Errorf("%w: %v", errs.ErrInvalidKey, err), "keyhash", "Hash", action)
}

// hasReplacementEscape reports whether raw holds a \ufffd escape. encoding/json writes
// that escape only for invalid UTF-8; a valid U+FFFD is written as its raw bytes.
func hasReplacementEscape(raw []byte) bool {
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			continue
		}
		if raw[i+1] == 'u' && i+6 <= len(raw) && strings.EqualFold(string(raw[i+2:i+6]), "fffd") {
			return true
		}
		i++
	}
	return false
}

// exactNumbers rewrites a value decoded with UseNumber so that integers beyond the
// exact double range survive canonicalization.
func exactNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		n, ok := new(big.Int).SetString(t.String(), 10)
		if !ok || n.CmpAbs(maxExactInt) <= 0 {
			return t
		}
		return map[string]any{"$int": n.String()}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, member := range t {
			if strings.HasPrefix(k, "$") {
				k = "$" + k
			}
			out[k] = exactNumbers(member)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = exactNumbers(elem)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether a and b hash equally. Unserializable keys are never equal.
func Equal(a, b Key) bool {
	ha, err := Hash(a)
	if err != nil {
		return false
	}
	hb, err := Hash(b)
	if err != nil {
		return false
	}
	return ha == hb
}

// SegmentEqual reports whether two key segments are structurally equal.
func SegmentEqual(a, b any) bool {
	ha, err := canonical(a)
	if err != nil {
		return false
	}
	hb, err := canonical(b)
	if err != nil {
		return false
	}
	return ha == hb
}

// Prefix is a filter key with its segments canonicalized once, for matching against
// many candidates.
type Prefix struct {
	segments []string
	valid    bool
}

// NewPrefix canonicalizes filter. A filter with an unserializable segment matches
// nothing.
func NewPrefix(filter Key) Prefix {
	p := Prefix{segments: make([]string, len(filter)), valid: true}
	for i, seg := range filter {
		h, err := canonical(seg)
		if err != nil {
			return Prefix{}
		}
		p.segments[i] = h
	}
	return p
}

// Match reports whether the prefix is no longer than candidate and every segment is
// structurally equal to the candidate segment at the same index.
func (p Prefix) Match(candidate Key) bool {
	if !p.valid || len(p.segments) > len(candidate) {
		return false
	}
	for i, want := range p.segments {
		got, err := canonical(candidate[i])
		if err != nil || got != want {
			return false
		}
	}
	return true
}

// PartialMatch reports whether filter is a prefix of candidate. An empty filter
// matches every key.
func PartialMatch(candidate, filter Key) bool {
	return NewPrefix(filter).Match(candidate)
}

// Clone returns a shallow copy of key so callers cannot mutate a cached key.
func Clone(key Key) Key {
	if key == nil {
		return nil
	}
	out := make(Key, len(key))
	copy(out, key)
	return out
}
