package mirror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metagate-io/metagate/config"
	"github.com/metagate-io/metagate/internal/dbtest"
	"github.com/metagate-io/metagate/ledger"
	"github.com/metagate-io/metagate/packet"
)

func openAttempt(t *testing.T, store *ledger.Store) *ledger.StartupAttempt {
	t.Helper()
	a, err := store.CreateAttempt(context.Background(), ledger.OpenParams{
		TenantKey:      "default",
		DeploymentKey:  "default",
		PrincipalKey:   "P1",
		ComponentKey:   "memorygate_main",
		ProfileKey:     "base",
		ManifestKey:    "env1",
		Fingerprint:    "fp-1",
		DigestRedacted: "deadbeefdeadbeef",
		SLA:            time.Minute,
	})
	require.NoError(t, err)
	return a
}

func TestBuildReceiptAcceptedPhase(t *testing.T) {
	store := ledger.New(dbtest.CreateTestDB(t))
	a := openAttempt(t, store)

	r := BuildReceipt(a)
	assert.Equal(t, PhaseAccepted, r["phase"])
	assert.Equal(t, "NA", r["status"])
	assert.Equal(t, "NA", r["outcome_text"])
	assert.Nil(t, r["completed_at"])
	assert.Equal(t, "startup-"+a.ID, r["task_id"])
	assert.Equal(t, "startup:"+a.ID+":accepted", r["dedupe_key"])

	inputs := r["inputs"].(map[string]any)
	assert.Equal(t, "fp-1", inputs["packet_etag"])
}

func TestBuildReceiptTerminalPhases(t *testing.T) {
	store := ledger.New(dbtest.CreateTestDB(t))
	ctx := context.Background()

	ready := openAttempt(t, store)
	ready, err := store.MarkReady(ctx, ready.ID, "P1", packet.MustDocument(`{"build_version": "1.0"}`))
	require.NoError(t, err)

	r := BuildReceipt(ready)
	assert.Equal(t, PhaseCompleted, r["phase"])
	assert.Equal(t, "success", r["status"])
	assert.NotNil(t, r["completed_at"])

	failed := openAttempt(t, store)
	failed, err = store.MarkFailed(ctx, failed.ID, "P1", packet.MustDocument(`{"error": "boom"}`))
	require.NoError(t, err)

	r = BuildReceipt(failed)
	assert.Equal(t, PhaseFailed, r["phase"])
	assert.Equal(t, "failure", r["status"])
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "http://collector:9000/mcp", normalizeEndpoint("http://collector:9000"))
	assert.Equal(t, "http://collector:9000/mcp", normalizeEndpoint("http://collector:9000/"))
	assert.Equal(t, "http://collector:9000/mcp", normalizeEndpoint("http://collector:9000/mcp"))
}

func TestNewClientDisabled(t *testing.T) {
	assert.Nil(t, NewClient(config.MirrorConfig{Enabled: false, Endpoint: "http://x"}))
	assert.Nil(t, NewClient(config.MirrorConfig{Enabled: true}))
}

func mirrorCfg(endpoint string) config.MirrorConfig {
	return config.MirrorConfig{
		Enabled:        true,
		Endpoint:       endpoint,
		TimeoutSeconds: 5,
		IntervalSecs:   1,
	}
}

func TestDrainerExportsAndRecords(t *testing.T) {
	var received map[string]any
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc": "2.0", "id": 1, "result": {}}`))
	}))
	defer collector.Close()

	store := ledger.New(dbtest.CreateTestDB(t))
	a := openAttempt(t, store)

	cfg := mirrorCfg(collector.URL)
	drainer := NewDrainer(NewClient(cfg), store, cfg, nil)
	drainer.DrainOnce(context.Background())

	got, err := store.GetAttempt(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MirrorSent, got.MirrorStatus)

	require.NotNil(t, received)
	params := received["params"].(map[string]any)
	args := params["arguments"].(map[string]any)
	receipt := args["receipt"].(map[string]any)
	assert.Equal(t, "metagate", receipt["source_system"])
}

func TestDrainerRecordsFailureAndMovesOn(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer collector.Close()

	store := ledger.New(dbtest.CreateTestDB(t))
	a := openAttempt(t, store)

	cfg := mirrorCfg(collector.URL)
	drainer := NewDrainer(NewClient(cfg), store, cfg, nil)
	drainer.DrainOnce(context.Background())

	got, err := store.GetAttempt(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MirrorFailed, got.MirrorStatus)

	pending, err := store.ListPendingMirror(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainerSkipsWhenDisabled(t *testing.T) {
	store := ledger.New(dbtest.CreateTestDB(t))
	a := openAttempt(t, store)

	drainer := NewDrainer(nil, store, config.MirrorConfig{}, nil)
	drainer.DrainOnce(context.Background())

	got, err := store.GetAttempt(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MirrorSkipped, got.MirrorStatus)
}
