package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanForbiddenAtRoot(t *testing.T) {
	found := ScanForbidden(MustDocument(`{"tasks": [], "services": {}}`))
	assert.Equal(t, []string{"tasks"}, found)
}

func TestScanForbiddenNested(t *testing.T) {
	found := ScanForbidden(MustDocument(`{"config": {"deploy": true, "name": "test"}}`))
	assert.Equal(t, []string{"config.deploy"}, found)
}

func TestScanForbiddenMultiple(t *testing.T) {
	found := ScanForbidden(MustDocument(`{
		"jobs": [],
		"inner": {"payloads": {}, "valid": true},
		"execute": "something"
	}`))
	assert.Equal(t, []string{"execute", "inner.payloads", "jobs"}, found)
}

func TestScanForbiddenCaseInsensitive(t *testing.T) {
	found := ScanForbidden(MustDocument(`{"TASKS": [], "Deploy": true}`))
	assert.Len(t, found, 2)
}

func TestScanForbiddenInsideSequences(t *testing.T) {
	found := ScanForbidden(MustDocument(`{"items": [{"provision": {}}]}`))
	assert.Equal(t, []string{"items.provision"}, found)
}

func TestScanForbiddenClean(t *testing.T) {
	found := ScanForbidden(MustDocument(`{"services": {}, "config": {"name": "test"}}`))
	assert.Empty(t, found)
}

func TestScanForbiddenEveryReservedKey(t *testing.T) {
	for _, key := range ForbiddenKeys() {
		doc := Document{key: "anything"}
		assert.Equal(t, []string{key}, ScanForbidden(doc), "key %q must be caught", key)
	}
}
