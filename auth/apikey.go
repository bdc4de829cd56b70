package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/refstore"
)

// HashAPIKey returns the SHA-256 hex digest of raw key material. Only
// hashes are ever stored or compared.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// APIKeyVerifier resolves raw API keys to principal auth subjects.
type APIKeyVerifier struct {
	store  *refstore.Store
	logger *zap.SugaredLogger
}

// NewAPIKeyVerifier creates a verifier over the reference store.
func NewAPIKeyVerifier(store *refstore.Store, logger *zap.SugaredLogger) *APIKeyVerifier {
	return &APIKeyVerifier{store: store, logger: logger}
}

// Verify looks up the hash of the presented key and returns the owning
// principal's auth subject. The last_used_at stamp is best effort; a
// failed touch never fails the request.
func (v *APIKeyVerifier) Verify(ctx context.Context, rawKey string) (string, error) {
	now := time.Now().UTC()

	key, err := refstore.GetAPIKeyByHash(ctx, v.store.DB(), HashAPIKey(rawKey), now)
	if errors.IsNotFoundError(err) {
		return "", errors.Wrap(errors.ErrUnauthorized, "unknown api key")
	}
	if err != nil {
		return "", err
	}

	principal, err := refstore.GetPrincipalByID(ctx, v.store.DB(), key.PrincipalID)
	if err != nil {
		return "", errors.Wrap(errors.ErrUnauthorized, "api key principal missing")
	}

	if err := refstore.TouchAPIKey(ctx, v.store.DB(), key.ID, now); err != nil && v.logger != nil {
		v.logger.Warnw("Failed to stamp api key usage", "key_name", key.Name, "error", err)
	}
	return principal.AuthSubject, nil
}
