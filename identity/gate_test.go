package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/packet"
	"github.com/metagate-io/metagate/refstore"
)

func profileWithCaps(caps string) *refstore.Profile {
	return &refstore.Profile{
		ProfileKey:   "base",
		Capabilities: packet.MustDocument(caps),
	}
}

func TestCheckComponentAllowed(t *testing.T) {
	profile := profileWithCaps(`{"allowed_components": ["memorygate_main", "memorygate_aux"]}`)
	assert.NoError(t, CheckComponent(profile, "memorygate_main"))
	assert.NoError(t, CheckComponent(profile, "memorygate_aux"))
}

func TestCheckComponentDenied(t *testing.T) {
	profile := profileWithCaps(`{"allowed_components": ["memorygate_main"]}`)
	err := CheckComponent(profile, "worker_indexer_01")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrComponentNotPermitted))
}

func TestCheckComponentEmptyListDeniesEverything(t *testing.T) {
	profile := profileWithCaps(`{"allowed_components": []}`)
	err := CheckComponent(profile, "anything")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrComponentNotPermitted))
}

func TestCheckComponentAbsentListDeniesEverything(t *testing.T) {
	profile := profileWithCaps(`{"max_memory_mb": 512}`)
	err := CheckComponent(profile, "anything")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrComponentNotPermitted))
}

func TestCheckComponentMalformedListDenies(t *testing.T) {
	profile := profileWithCaps(`{"allowed_components": "memorygate_main"}`)
	err := CheckComponent(profile, "memorygate_main")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrComponentNotPermitted))
}

func TestAllowedComponentsSkipsNonStrings(t *testing.T) {
	profile := profileWithCaps(`{"allowed_components": ["a", 42, "b"]}`)
	assert.Equal(t, []string{"a", "b"}, AllowedComponents(profile))
}
