package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagate-io/metagate/errors"
)

func testSource() Source {
	return Source{
		PrincipalKey:    "svc-memorygate",
		ComponentKey:    "memorygate_main",
		ProfileKey:      "base",
		ManifestKey:     "env1",
		ManifestVersion: 3,
		Capabilities:    MustDocument(`{"allowed_components": ["memorygate_main"], "max_memory_mb": 512}`),
		Policy:          MustDocument(`{"network": "internal"}`),
		Environment:     MustDocument(`{"region": "eu-west-1"}`),
		Services:        MustDocument(`{"api": {"url": "http://api:8080", "timeout_ms": 500}}`),
		MemoryMap:       MustDocument(`{"shared": "/dev/shm/mg"}`),
		Polling:         MustDocument(`{"inbox": "http://queue:9000/inbox"}`),
		Schemas:         MustDocument(`{"events": "v2"}`),
		RequiredEnv: []SecretRef{
			{SecretKey: "db-password", RefKind: "env", RefName: "MG_DB_PASSWORD"},
		},
	}
}

func TestComposeFingerprintDeterministic(t *testing.T) {
	p1, err := Compose(testSource())
	require.NoError(t, err)
	p2, err := Compose(testSource())
	require.NoError(t, err)

	assert.Equal(t, p1.Fingerprint, p2.Fingerprint)
	assert.NotEqual(t, p1.PacketID, p2.PacketID, "packet id is volatile")
	assert.Len(t, p1.Fingerprint, 64)
}

func TestComposeFingerprintSensitivity(t *testing.T) {
	base, err := Compose(testSource())
	require.NoError(t, err)

	mutations := []func(*Source){
		func(s *Source) { s.ManifestVersion = 4 },
		func(s *Source) { s.Policy = MustDocument(`{"network": "public"}`) },
		func(s *Source) { s.Overrides = MustDocument(`{"services": {"api": {"url": "http://b"}}}`) },
		func(s *Source) { s.RequiredEnv = nil },
		func(s *Source) { s.ComponentKey = "memorygate_alt" },
	}

	for i, mutate := range mutations {
		src := testSource()
		mutate(&src)
		p, err := Compose(src)
		require.NoError(t, err, "mutation %d", i)
		assert.NotEqual(t, base.Fingerprint, p.Fingerprint, "mutation %d must change fingerprint", i)
	}
}

func TestComposeFingerprintIgnoresKeyOrder(t *testing.T) {
	src1 := testSource()
	src1.Services = MustDocument(`{"api": {"url": "http://api:8080", "timeout_ms": 500}, "aux": 1}`)
	src2 := testSource()
	src2.Services = MustDocument(`{"aux": 1, "api": {"timeout_ms": 500, "url": "http://api:8080"}}`)

	p1, err := Compose(src1)
	require.NoError(t, err)
	p2, err := Compose(src2)
	require.NoError(t, err)

	assert.Equal(t, p1.Fingerprint, p2.Fingerprint)
}

func TestComposeAppliesOverridePrecedence(t *testing.T) {
	src := testSource()
	src.Overrides = MustDocument(`{
		"services": {"api": {"url": "http://override:1"}},
		"capabilities": {"max_memory_mb": 1024}
	}`)

	p, err := Compose(src)
	require.NoError(t, err)

	api := p.Services["api"].(map[string]any)
	assert.Equal(t, "http://override:1", api["url"])
	_, hasTimeout := api["timeout_ms"]
	assert.True(t, hasTimeout, "override merges key by key, not wholesale")

	caps := p.Capabilities
	assert.NotNil(t, caps["allowed_components"])
}

func TestComposeRejectsForbiddenOverrideKey(t *testing.T) {
	src := testSource()
	src.Overrides = MustDocument(`{"deploy": {"target": "prod"}}`)

	_, err := Compose(src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbiddenKey))
	assert.Contains(t, err.Error(), "deploy")
}

func TestComposeRejectsForbiddenManifestKey(t *testing.T) {
	src := testSource()
	src.Polling = MustDocument(`{"work_items": "http://queue/work"}`)

	_, err := Compose(src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbiddenKey))
	assert.Contains(t, err.Error(), "work_items")
}

func TestComposeRejectsForbiddenNestedProfileKey(t *testing.T) {
	src := testSource()
	src.Policy = MustDocument(`{"limits": {"execute": false}}`)

	_, err := Compose(src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbiddenKey))
	assert.Contains(t, err.Error(), "execute")
}

func TestComposeRejectsEveryForbiddenKey(t *testing.T) {
	for _, key := range ForbiddenKeys() {
		src := testSource()
		src.Overrides = Document{key: map[string]any{"x": 1}}

		_, err := Compose(src)
		require.Error(t, err, "key %q must be rejected", key)
		assert.True(t, errors.Is(err, errors.ErrForbiddenKey), "key %q", key)
		assert.Contains(t, err.Error(), key)
	}
}

func TestComposeReportsAllForbiddenPaths(t *testing.T) {
	src := testSource()
	src.Policy = MustDocument(`{"limits": {"scale": 2}}`)
	src.Environment = MustDocument(`{"jobs": [], "provision": {"auto": true}}`)

	_, err := Compose(src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbiddenKey))
	for _, path := range []string{"policy.limits.scale", "environment.jobs", "environment.provision"} {
		assert.Contains(t, err.Error(), path)
	}
}

func TestComposeRejectsMixedCaseForbiddenKey(t *testing.T) {
	src := testSource()
	src.Overrides = MustDocument(`{"Deploy": {"target": "prod"}, "services": {"TASKS": []}}`)

	_, err := Compose(src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbiddenKey))
	assert.Contains(t, err.Error(), "Deploy")
	assert.Contains(t, err.Error(), "TASKS")
}

func TestRedactedDigestStable(t *testing.T) {
	p1, err := Compose(testSource())
	require.NoError(t, err)
	p2, err := Compose(testSource())
	require.NoError(t, err)

	assert.Equal(t, p1.RedactedDigest(), p2.RedactedDigest())
	assert.Len(t, p1.RedactedDigest(), 16)
}

func TestRedactedDigestExcludesAddresses(t *testing.T) {
	src := testSource()
	p1, err := Compose(src)
	require.NoError(t, err)

	src.Services = MustDocument(`{"api": {"url": "http://elsewhere"}}`)
	p2, err := Compose(src)
	require.NoError(t, err)

	assert.Equal(t, p1.RedactedDigest(), p2.RedactedDigest(),
		"digest covers identifying fields only")
	assert.NotEqual(t, p1.Fingerprint, p2.Fingerprint)
}
