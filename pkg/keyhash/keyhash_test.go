package keyhash

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/c360/querystate/errors"
)

type filter struct {
	Page   int    `json:"page"`
	Status string `json:"status,omitempty"`
}

func TestHash_ObjectMemberOrderIgnored(t *testing.T) {
	a, err := Hash(Key{"todos", map[string]any{"page": 1, "status": "done"}})
	require.NoError(t, err)
	b, err := Hash(Key{"todos", map[string]any{"status": "done", "page": 1}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, `["todos",{"page":1,"status":"done"}]`, a)
}

func TestHash_ArrayOrderSignificant(t *testing.T) {
	assert.NotEqual(t, MustHash(Key{"a", "b"}), MustHash(Key{"b", "a"}))
	assert.NotEqual(t, MustHash(Key{[]int{1, 2}}), MustHash(Key{[]int{2, 1}}))
}

func TestHash_NumbersNormalized(t *testing.T) {
	assert.Equal(t, MustHash(Key{1}), MustHash(Key{1.0}))
	assert.Equal(t, MustHash(Key{int64(5)}), MustHash(Key{float32(5)}))
}

func TestHash_LargeIntegersExact(t *testing.T) {
	a, err := Hash(Key{"user", int64(9007199254740992)})
	require.NoError(t, err)
	b, err := Hash(Key{"user", int64(9007199254740993)})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, `["user",9007199254740992]`, a)
	assert.Equal(t, `["user",{"$int":"9007199254740993"}]`, b)

	assert.Equal(t, b, MustHash(Key{"user", uint64(9007199254740993)}))
	assert.Equal(t, b, MustHash(Key{"user", json.Number("9007199254740993")}))
	assert.NotEqual(t,
		MustHash(Key{uint64(18446744073709551615)}),
		MustHash(Key{uint64(18446744073709551614)}),
	)
	assert.NotEqual(t, MustHash(Key{int64(-9007199254740993)}), MustHash(Key{int64(-9007199254740992)}))
}

func TestHash_DollarMembersEscaped(t *testing.T) {
	tagged := MustHash(Key{int64(9007199254740993)})
	literal := MustHash(Key{map[string]any{"$int": "9007199254740993"}})

	assert.NotEqual(t, tagged, literal)
	assert.Equal(t, `[{"$$int":"9007199254740993"}]`, literal)
}

func TestHash_InvalidUTF8Rejected(t *testing.T) {
	_, err := Hash(Key{"file", "a\xff"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidKey)
	assert.True(t, errs.IsInvalid(err))

	_, err = Hash(Key{map[string]any{"a\xfe": 1}})
	assert.ErrorIs(t, err, errs.ErrInvalidKey)
	assert.False(t, Equal(Key{"file", "a\xff"}, Key{"file", "a\xfe"}))

	h, err := Hash(Key{"file", "a\uFFFD", `a\ufffd`})
	require.NoError(t, err, "a valid replacement rune and an escaped backslash are accepted")
	assert.Equal(t, "[\"file\",\"a\uFFFD\",\"a\\\\ufffd\"]", h)
}

func TestHash_NilMemberIsNotAbsent(t *testing.T) {
	assert.NotEqual(t,
		MustHash(Key{map[string]any{"a": 1, "b": nil}}),
		MustHash(Key{map[string]any{"a": 1}}),
	)
	assert.Equal(t,
		MustHash(Key{filter{Page: 1}}),
		MustHash(Key{map[string]any{"page": 1}}),
		"empty omitempty fields are absent members",
	)
}

func TestHash_StructsMatchMaps(t *testing.T) {
	assert.Equal(t,
		MustHash(Key{"todos", filter{Page: 2}}),
		MustHash(Key{"todos", map[string]any{"page": 2}}),
	)
}

func TestHash_NilAndEmpty(t *testing.T) {
	assert.Equal(t, "[]", MustHash(nil))
	assert.Equal(t, "[]", MustHash(Key{}))
	assert.Equal(t, "[null]", MustHash(Key{nil}))
}

func TestHash_Unserializable(t *testing.T) {
	_, err := Hash(Key{make(chan int)})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidKey)
	assert.True(t, errs.IsInvalid(err))

	assert.Panics(t, func() { MustHash(Key{func() {}}) })
	assert.False(t, Equal(Key{make(chan int)}, Key{make(chan int)}))
}

func TestPartialMatch(t *testing.T) {
	tests := []struct {
		name      string
		candidate Key
		filter    Key
		expected  bool
	}{
		{"empty filter", Key{"todos", 1}, Key{}, true},
		{"nil filter", Key{"todos"}, nil, true},
		{"exact", Key{"todos", 1}, Key{"todos", 1}, true},
		{"prefix", Key{"todos", 1, "comments"}, Key{"todos"}, true},
		{"prefix with object", Key{"todos", map[string]any{"a": 1, "b": 2}}, Key{"todos", map[string]any{"b": 2, "a": 1}}, true},
		{"object segments compare whole", Key{"todos", map[string]any{"a": 1, "b": 2}}, Key{"todos", map[string]any{"a": 1}}, false},
		{"longer filter", Key{"todos"}, Key{"todos", 1}, false},
		{"different segment", Key{"todos", 1}, Key{"todos", 2}, false},
		{"different head", Key{"posts"}, Key{"todos"}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, PartialMatch(test.candidate, test.filter))
		})
	}
}

func TestPrefix_ReusedAcrossCandidates(t *testing.T) {
	p := NewPrefix(Key{"todos", map[string]any{"page": 1}})
	assert.True(t, p.Match(Key{"todos", map[string]any{"page": 1.0}, "comments"}))
	assert.False(t, p.Match(Key{"todos", map[string]any{"page": 2}}))
	assert.False(t, p.Match(Key{"todos"}))

	assert.True(t, NewPrefix(nil).Match(Key{"anything"}))
	assert.False(t, NewPrefix(Key{make(chan int)}).Match(Key{"todos"}))
	assert.False(t, Prefix{}.Match(Key{}), "zero prefix matches nothing")
}

func TestClone(t *testing.T) {
	k := Key{"a", 1}
	c := Clone(k)
	c[0] = "b"
	assert.Equal(t, "a", k[0])
	assert.Nil(t, Clone(nil))
}
