package packet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDocument(t *testing.T) {
	doc, err := DecodeDocument([]byte(`{"a": 1, "b": {"c": "x"}}`))
	require.NoError(t, err)
	assert.Len(t, doc, 2)

	empty, err := DecodeDocument(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	null, err := DecodeDocument([]byte("null"))
	require.NoError(t, err)
	assert.Empty(t, null)

	_, err = DecodeDocument([]byte(`[1, 2]`))
	assert.Error(t, err, "top level must be an object")
}

func TestMergeOverridesKeyByKey(t *testing.T) {
	base := MustDocument(`{"db": {"host": "a", "port": 5432}, "mode": "ro"}`)
	override := MustDocument(`{"db": {"host": "b"}, "extra": true}`)

	merged := base.Merge(override)

	db := merged["db"].(map[string]any)
	assert.Equal(t, "b", db["host"], "override wins per key")
	assert.Equal(t, json.Number("5432"), db["port"], "sibling keys in nested objects survive")
	assert.Equal(t, "ro", merged["mode"])
	assert.Equal(t, true, merged["extra"])
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	base := MustDocument(`{"svc": {"url": "http://a"}}`)
	override := MustDocument(`{"svc": {"url": "http://b"}}`)

	_ = base.Merge(override)

	svc := base["svc"].(map[string]any)
	assert.Equal(t, "http://a", svc["url"])
}

func TestMergeScalarReplacesObject(t *testing.T) {
	base := MustDocument(`{"limits": {"cpu": 2}}`)
	override := MustDocument(`{"limits": "unbounded"}`)

	merged := base.Merge(override)
	assert.Equal(t, "unbounded", merged["limits"])
}

func TestCloneIsDeep(t *testing.T) {
	doc := MustDocument(`{"nested": {"list": [1, {"k": "v"}]}}`)
	clone := doc.Clone()

	nested := clone["nested"].(map[string]any)
	nested["list"].([]any)[1].(map[string]any)["k"] = "changed"

	original := doc["nested"].(map[string]any)["list"].([]any)[1].(map[string]any)
	assert.Equal(t, "v", original["k"])
}
