// Package identity resolves verified subjects to principals and bindings,
// and decides component permissions. Resolution is a pure read with no
// side effects.
package identity

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/refstore"
)

// Resolution is the consistent snapshot a bootstrap runs against: the
// principal, its single active binding, and the profile, manifest and
// secret references that binding points at, all read in one transaction.
type Resolution struct {
	Principal  *refstore.Principal
	Binding    *refstore.Binding
	Profile    *refstore.Profile
	Manifest   *refstore.Manifest
	SecretRefs []*refstore.SecretRef
}

// Resolver maps verified subjects to resolutions.
type Resolver struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewResolver creates a resolver over the given database.
func NewResolver(db *sql.DB, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{db: db, logger: logger}
}

// Principal resolves a verified subject to its active principal without
// touching bindings. Lifecycle reports use this: a principal whose binding
// changed mid-startup can still close out its open attempt.
func (r *Resolver) Principal(ctx context.Context, subject string) (*refstore.Principal, error) {
	principal, err := refstore.GetPrincipalBySubject(ctx, r.db, subject)
	if errors.IsNotFoundError(err) {
		return nil, errors.Wrapf(errors.ErrPrincipalNotFound, "subject %q", subject)
	}
	if err != nil {
		return nil, err
	}
	if !principal.Active() {
		return nil, errors.Wrapf(errors.ErrPrincipalNotFound,
			"principal %q is %s", principal.PrincipalKey, principal.Status)
	}
	return principal, nil
}

// Resolve returns the resolution for a verified subject, or fails closed:
//
//   - ErrPrincipalNotFound when no active principal matches the subject
//   - ErrNoActiveBinding when the principal has no active binding
//   - ErrBindingConflict when more than one active binding exists; the
//     storage constraint should make this impossible, but the resolver
//     defends against its violation rather than picking one arbitrarily
//
// All rows are fetched inside a single transaction so the binding,
// profile and manifest are never a mix of pre- and post-update state.
func (r *Resolver) Resolve(ctx context.Context, subject string) (*Resolution, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin resolution")
	}
	defer tx.Rollback()

	principal, err := refstore.GetPrincipalBySubject(ctx, tx, subject)
	if errors.IsNotFoundError(err) {
		return nil, errors.Wrapf(errors.ErrPrincipalNotFound, "subject %q", subject)
	}
	if err != nil {
		return nil, err
	}
	if !principal.Active() {
		return nil, errors.Wrapf(errors.ErrPrincipalNotFound,
			"principal %q is %s", principal.PrincipalKey, principal.Status)
	}

	bindings, err := refstore.ListActiveBindings(ctx, tx, principal.ID)
	if err != nil {
		return nil, err
	}
	switch len(bindings) {
	case 0:
		return nil, errors.Wrapf(errors.ErrNoActiveBinding,
			"principal %q", principal.PrincipalKey)
	case 1:
		// The invariant holds.
	default:
		if r.logger != nil {
			r.logger.Errorw("One-active-binding invariant violated",
				"principal_key", principal.PrincipalKey,
				"active_bindings", len(bindings),
			)
		}
		return nil, errors.Wrapf(errors.ErrBindingConflict,
			"principal %q has %d active bindings", principal.PrincipalKey, len(bindings))
	}
	binding := bindings[0]

	profile, err := refstore.GetProfileByID(ctx, tx, binding.ProfileID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve profile")
	}
	manifest, err := refstore.GetManifestByID(ctx, tx, binding.ManifestID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve manifest")
	}
	secretRefs, err := refstore.ListActiveSecretRefs(ctx, tx, principal.TenantKey)
	if err != nil {
		return nil, errors.Wrap(err, "resolve secret refs")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit resolution")
	}

	return &Resolution{
		Principal:  principal,
		Binding:    binding,
		Profile:    profile,
		Manifest:   manifest,
		SecretRefs: secretRefs,
	}, nil
}
