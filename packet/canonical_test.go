package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := CanonicalJSON(MustDocument(`{"b": 1, "a": 2, "c": {"z": 1, "y": 2}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(out))
}

func TestCanonicalJSONInsertionOrderIndependent(t *testing.T) {
	a := MustDocument(`{"x": 1, "y": {"p": true, "q": "s"}, "z": [1, 2, 3]}`)
	b := MustDocument(`{"z": [1, 2, 3], "y": {"q": "s", "p": true}, "x": 1}`)

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(b)
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb))
}

func TestCanonicalJSONPreservesNumberFormatting(t *testing.T) {
	out, err := CanonicalJSON(MustDocument(`{"n": 1.50, "big": 12345678901234567890}`))
	require.NoError(t, err)
	// json.Number carries the source text through unchanged.
	assert.Equal(t, `{"big":12345678901234567890,"n":1.50}`, string(out))
}

func TestCanonicalJSONScalars(t *testing.T) {
	out, err := CanonicalJSON(Document{
		"s":    "he said \"hi\"",
		"b":    false,
		"null": nil,
		"i":    42,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"b":false,"i":42,"null":null,"s":"he said \"hi\""}`, string(out))
}

func TestCanonicalJSONRejectsUnknownTypes(t *testing.T) {
	_, err := CanonicalJSON(Document{"ch": make(chan int)})
	assert.Error(t, err)
}
