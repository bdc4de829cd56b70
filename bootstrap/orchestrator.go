// Package bootstrap sequences a bootstrap call end to end: resolve the
// caller's identity, check the component permission, compose the Welcome
// Packet and open a startup ledger record. Each step either succeeds fully
// or fails the whole call with one of the core sentinel errors; no attempt
// is ever created for a failed call.
package bootstrap

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/metagate-io/metagate/config"
	"github.com/metagate-io/metagate/errors"
	"github.com/metagate-io/metagate/identity"
	"github.com/metagate-io/metagate/ledger"
	"github.com/metagate-io/metagate/packet"
	"github.com/metagate-io/metagate/refstore"
)

// Request is one bootstrap call. Subject is the verified auth subject;
// the core never sees credentials. PrincipalKey is an optional hint: when
// set, it must match the resolved principal. CacheToken is the fingerprint
// of a previously-issued packet, if the caller kept one.
type Request struct {
	Subject      string
	ComponentKey string
	PrincipalKey string
	CacheToken   string
}

// Result is a successful bootstrap outcome. When NotModified is set the
// packet body is omitted: the caller's cached packet is still current. A
// new OPEN attempt exists in both cases — a repeat bootstrap is a new
// lifecycle moment even when the described world is unchanged.
type Result struct {
	Attempt     *ledger.StartupAttempt
	Packet      *packet.Packet
	NotModified bool
}

// Orchestrator wires the resolver, gate, composer and ledger behind a
// single entry point. It is stateless and safe for concurrent use.
type Orchestrator struct {
	resolver *identity.Resolver
	attempts *ledger.Store
	cfg      *config.Config
	logger   *zap.SugaredLogger
}

// New creates an orchestrator. The config is held by value semantics: the
// caller owns it and different orchestrator instances may carry different
// settings.
func New(resolver *identity.Resolver, attempts *ledger.Store, cfg *config.Config, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		resolver: resolver,
		attempts: attempts,
		cfg:      cfg,
		logger:   logger,
	}
}

// Bootstrap runs the full sequence for one request.
func (o *Orchestrator) Bootstrap(ctx context.Context, req Request) (*Result, error) {
	if req.ComponentKey == "" {
		return nil, errors.NewInvalidRequestError("component_key is required")
	}

	res, err := o.resolver.Resolve(ctx, req.Subject)
	if err != nil {
		return nil, err
	}
	if req.PrincipalKey != "" && req.PrincipalKey != res.Principal.PrincipalKey {
		return nil, errors.Wrapf(errors.ErrPrincipalMismatch,
			"hint %q does not match resolved principal %q",
			req.PrincipalKey, res.Principal.PrincipalKey)
	}

	if err := identity.CheckComponent(res.Profile, req.ComponentKey); err != nil {
		return nil, err
	}

	pkt, err := packet.Compose(packet.Source{
		PrincipalKey:    res.Principal.PrincipalKey,
		ComponentKey:    req.ComponentKey,
		ProfileKey:      res.Profile.ProfileKey,
		ManifestKey:     res.Manifest.ManifestKey,
		ManifestVersion: res.Manifest.Version,
		Capabilities:    res.Profile.Capabilities,
		Policy:          res.Profile.Policy,
		Environment:     res.Manifest.Environment,
		Services:        res.Manifest.Services,
		MemoryMap:       res.Manifest.MemoryMap,
		Polling:         res.Manifest.Polling,
		Schemas:         res.Manifest.Schemas,
		Overrides:       res.Binding.Overrides,
		RequiredEnv:     secretRefs(res.SecretRefs),
	})
	if err != nil {
		return nil, err
	}

	attempt, err := o.attempts.CreateAttempt(ctx, ledger.OpenParams{
		TenantKey:      res.Principal.TenantKey,
		DeploymentKey:  o.deploymentKey(res.Manifest.DeploymentKey),
		PrincipalKey:   res.Principal.PrincipalKey,
		ComponentKey:   req.ComponentKey,
		ProfileKey:     res.Profile.ProfileKey,
		ManifestKey:    res.Manifest.ManifestKey,
		Fingerprint:    pkt.Fingerprint,
		DigestRedacted: pkt.RedactedDigest(),
		SLA:            res.Profile.StartupSLA(o.cfg.Bootstrap.DefaultSLA()),
	})
	if err != nil {
		return nil, err
	}

	notModified := req.CacheToken != "" && req.CacheToken == pkt.Fingerprint
	if o.logger != nil {
		o.logger.Infow("Bootstrap completed",
			"principal_key", res.Principal.PrincipalKey,
			"component_key", req.ComponentKey,
			"startup_id", attempt.ID,
			"digest", attempt.DigestRedacted,
			"not_modified", notModified,
		)
	}

	result := &Result{Attempt: attempt, NotModified: notModified}
	if !notModified {
		result.Packet = pkt
	}
	return result, nil
}

// ReportReady records a component's successful startup against its OPEN
// attempt. The reporting subject must resolve to the attempt's principal.
func (o *Orchestrator) ReportReady(ctx context.Context, subject, attemptID string, payload packet.Document) (*ledger.StartupAttempt, error) {
	principalKey, err := o.reporterKey(ctx, subject)
	if err != nil {
		return nil, err
	}
	return o.attempts.MarkReady(ctx, attemptID, principalKey, payload)
}

// ReportFailed records a startup failure, symmetric to ReportReady.
func (o *Orchestrator) ReportFailed(ctx context.Context, subject, attemptID string, payload packet.Document) (*ledger.StartupAttempt, error) {
	principalKey, err := o.reporterKey(ctx, subject)
	if err != nil {
		return nil, err
	}
	return o.attempts.MarkFailed(ctx, attemptID, principalKey, payload)
}

// AttemptStatus returns an attempt with its overdue state computed at
// observation time.
func (o *Orchestrator) AttemptStatus(ctx context.Context, id string, now time.Time) (*ledger.StartupAttempt, bool, error) {
	attempt, err := o.attempts.GetAttempt(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return attempt, attempt.Overdue(now), nil
}

// reporterKey resolves a reporting subject to its principal key. Lifecycle
// reports only need the identity, not a full binding resolution: a
// principal whose binding was swapped mid-startup may still close out its
// attempt.
func (o *Orchestrator) reporterKey(ctx context.Context, subject string) (string, error) {
	principal, err := o.resolver.Principal(ctx, subject)
	if err != nil {
		return "", err
	}
	return principal.PrincipalKey, nil
}

func (o *Orchestrator) deploymentKey(manifestDeployment string) string {
	if manifestDeployment != "" {
		return manifestDeployment
	}
	return o.cfg.Bootstrap.DefaultDeployment
}

func secretRefs(refs []*refstore.SecretRef) []packet.SecretRef {
	out := make([]packet.SecretRef, 0, len(refs))
	for _, ref := range refs {
		out = append(out, packet.SecretRef{
			SecretKey: ref.SecretKey,
			RefKind:   ref.RefKind,
			RefName:   ref.RefName,
			RefMeta:   ref.RefMeta,
		})
	}
	return out
}
