package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/internal/dbtest"
	"github.com/metagate-io/metagate/packet"
	"github.com/metagate-io/metagate/refstore"
)

type fixture struct {
	store     *refstore.Store
	resolver  *Resolver
	principal *refstore.Principal
	profile   *refstore.Profile
	manifest  *refstore.Manifest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.CreateTestDB(t)
	store := refstore.New(conn)
	ctx := context.Background()

	principal, err := store.CreatePrincipal(ctx, &refstore.Principal{
		PrincipalKey:  "svc-memorygate",
		AuthSubject:   "sub-memorygate",
		PrincipalType: "service",
	})
	require.NoError(t, err)

	profile, err := store.CreateProfile(ctx, &refstore.Profile{
		ProfileKey:        "base",
		Capabilities:      packet.MustDocument(`{"allowed_components": ["memorygate_main"]}`),
		Policy:            packet.MustDocument(`{}`),
		StartupSLASeconds: 120,
	})
	require.NoError(t, err)

	manifest, err := store.CreateManifest(ctx, &refstore.Manifest{
		ManifestKey: "env1",
		Environment: packet.MustDocument(`{}`),
		Services:    packet.MustDocument(`{"api": {"url": "http://api:8080"}}`),
		MemoryMap:   packet.MustDocument(`{}`),
		Polling:     packet.MustDocument(`{}`),
		Schemas:     packet.MustDocument(`{}`),
		Version:     1,
	})
	require.NoError(t, err)

	return &fixture{
		store:     store,
		resolver:  NewResolver(conn, nil),
		principal: principal,
		profile:   profile,
		manifest:  manifest,
	}
}

func (f *fixture) bind(t *testing.T) *refstore.Binding {
	t.Helper()
	b, err := f.store.CreateBinding(context.Background(), &refstore.Binding{
		PrincipalID: f.principal.ID,
		ProfileID:   f.profile.ID,
		ManifestID:  f.manifest.ID,
		Active:      true,
	})
	require.NoError(t, err)
	return b
}

func TestResolveHappyPath(t *testing.T) {
	f := newFixture(t)
	f.bind(t)

	res, err := f.resolver.Resolve(context.Background(), "sub-memorygate")
	require.NoError(t, err)

	assert.Equal(t, "svc-memorygate", res.Principal.PrincipalKey)
	assert.Equal(t, "base", res.Profile.ProfileKey)
	assert.Equal(t, "env1", res.Manifest.ManifestKey)
	assert.True(t, res.Binding.Active)
}

func TestResolveUnknownSubject(t *testing.T) {
	f := newFixture(t)
	f.bind(t)

	_, err := f.resolver.Resolve(context.Background(), "sub-stranger")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPrincipalNotFound))
}

func TestResolveSuspendedPrincipal(t *testing.T) {
	f := newFixture(t)
	f.bind(t)
	require.NoError(t, f.store.SetPrincipalStatus(context.Background(), "svc-memorygate", "suspended", "admin"))

	_, err := f.resolver.Resolve(context.Background(), "sub-memorygate")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPrincipalNotFound))
}

func TestResolveNoActiveBinding(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Resolve(context.Background(), "sub-memorygate")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoActiveBinding))
}

func TestResolveBindingConflictFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.bind(t)

	// Force a second active row past the partial unique index to simulate
	// a storage-layer integrity violation.
	_, err := f.store.DB().Exec(`DROP INDEX idx_bindings_one_active`)
	require.NoError(t, err)
	f.bind(t)

	_, err = f.resolver.Resolve(context.Background(), "sub-memorygate")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBindingConflict))
}

func TestResolveIncludesTenantSecretRefs(t *testing.T) {
	f := newFixture(t)
	f.bind(t)
	ctx := context.Background()

	_, err := f.store.CreateSecretRef(ctx, &refstore.SecretRef{
		SecretKey: "db-password", RefName: "MG_DB_PASSWORD",
	})
	require.NoError(t, err)
	_, err = f.store.CreateSecretRef(ctx, &refstore.SecretRef{
		SecretKey: "foreign", RefName: "X", TenantKey: "acme",
	})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(ctx, "sub-memorygate")
	require.NoError(t, err)
	require.Len(t, res.SecretRefs, 1)
	assert.Equal(t, "db-password", res.SecretRefs[0].SecretKey)
}
