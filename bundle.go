package trustchain

import (
	"context"
	"fmt"
)

// VerificationBundle holds the resolved data for one DID within a verifier session.
//
// Bundles are shared between callers and must not be modified.
type VerificationBundle struct {
	DID      string
	Document *Doc
	Metadata DocumentMetadata
}

// VerificationBundle returns the bundle for did, resolving it on first use.
//
// The lock is not held while resolving, so concurrent first lookups of the same DID may each call the resolver.
// The first bundle inserted is kept and returned to everybody.
func (v *Verifier) VerificationBundle(ctx context.Context, did string) (*VerificationBundle, error) {
	v.lock.RLock()
	bundle, ok := v.bundles[did]
	v.lock.RUnlock()
	if ok {
		BundleCacheHitsCounter.Add(ctx, 1)
		return bundle, nil
	}

	ResolverCallsCounter.Add(ctx, 1)
	doc, meta, err := ResolveAsResult(ctx, v.resolver, did)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResolutionFailure, did, err)
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: %s: missing document metadata", ErrResolutionFailure, did)
	}

	v.lock.Lock()
	defer v.lock.Unlock()

	if existing, ok := v.bundles[did]; ok {
		return existing, nil
	}
	bundle = &VerificationBundle{
		DID:      did,
		Document: doc,
		Metadata: meta,
	}
	v.bundles[did] = bundle
	v.logger.Debug("cached verification bundle", "did", did)
	return bundle, nil
}

// bundleResolver resolves through a verifier's bundle cache
type bundleResolver struct {
	v *Verifier
}

var _ Resolver = (*bundleResolver)(nil)

func (r *bundleResolver) Resolve(ctx context.Context, did string) (*ResolutionMetadata, *Doc, DocumentMetadata) {
	bundle, err := r.v.VerificationBundle(ctx, did)
	if err != nil {
		return &ResolutionMetadata{Error: err.Error()}, nil, nil
	}
	return &ResolutionMetadata{}, bundle.Document, bundle.Metadata
}
