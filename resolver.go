package trustchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// Returned by ResolveAsResult (as a wrapped error) when the resolver reports an error
	ErrResolverFailure = errors.New("resolver failure")
)

// Well-known resolution error codes
const (
	ResolutionErrorNotFound   = "notFound"
	ResolutionErrorInvalidDID = "invalidDid"
	ResolutionErrorInternal   = "internalError"
)

type ResolutionMetadata struct {
	ContentType string `json:"contentType,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ResolutionResult is the JSON envelope returned by resolver HTTP endpoints.
type ResolutionResult struct {
	Context            string              `json:"@context,omitempty"`
	ResolutionMetadata *ResolutionMetadata `json:"didResolutionMetadata"`
	Document           *Doc                `json:"didDocument"`
	DocumentMetadata   DocumentMetadata    `json:"didDocumentMetadata"`
}

// Resolver is implemented by every DID resolution backend.
//
// The document and document metadata may be nil if resolution failed, in which case the resolution metadata should carry an error code.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*ResolutionMetadata, *Doc, DocumentMetadata)
}

// ResolveAsResult calls the resolver and converts an error in the resolution metadata (or a missing document) into a Go error.
//
// The returned metadata may still be nil.
func ResolveAsResult(ctx context.Context, r Resolver, did string) (*Doc, DocumentMetadata, error) {
	resMeta, doc, docMeta := r.Resolve(ctx, did)
	if resMeta != nil && resMeta.Error != "" {
		return nil, nil, fmt.Errorf("%w: %s (%s)", ErrResolverFailure, resMeta.Error, did)
	}
	if doc == nil {
		return nil, nil, fmt.Errorf("%w: no document returned for %s", ErrResolverFailure, did)
	}
	return doc, docMeta, nil
}

type memEntry struct {
	doc  *Doc
	meta DocumentMetadata
}

// MemResolver is an in-memory implementation of the Resolver interface
type MemResolver struct {
	entries map[string]memEntry
	calls   atomic.Int64
	lock    sync.RWMutex
}

var _ Resolver = (*MemResolver)(nil)

func NewMemResolver() *MemResolver {
	return &MemResolver{
		entries: make(map[string]memEntry),
	}
}

// Put registers (or replaces) the document for doc.ID
func (r *MemResolver) Put(doc *Doc, meta DocumentMetadata) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if meta == nil {
		meta = DocumentMetadata{}
	}
	r.entries[doc.ID] = memEntry{doc: doc, meta: meta}
}

func (r *MemResolver) Resolve(ctx context.Context, did string) (*ResolutionMetadata, *Doc, DocumentMetadata) {
	r.calls.Add(1)

	r.lock.RLock()
	defer r.lock.RUnlock()

	entry, ok := r.entries[did]
	if !ok {
		return &ResolutionMetadata{Error: ResolutionErrorNotFound}, nil, nil
	}
	return &ResolutionMetadata{ContentType: "application/did+json"}, entry.doc, entry.meta
}

// Calls returns the number of Resolve calls made so far
func (r *MemResolver) Calls() int64 {
	return r.calls.Load()
}
