package trustchain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildChain_Properties(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newTestFixture(t, 4)

	chain, err := BuildChain(ctx, f.resolver, f.leaf())
	require.NoError(t, err)

	assert.Equal(4, chain.Len())
	assert.Equal(f.dids, chain.DIDs())
	assert.Equal(f.leaf(), chain.Leaf())
	assert.Equal("did:example:root", chain.Root())

	rootLink, ok := chain.Data(chain.Root())
	require.True(t, ok)
	assert.Empty(rootLink.Document.Controller)

	level, ok := chain.Level(chain.Root())
	assert.True(ok)
	assert.Equal(0, level)
	level, ok = chain.Level(chain.Leaf())
	assert.True(ok)
	assert.Equal(chain.Len()-1, level)
	_, ok = chain.Level("did:example:elsewhere")
	assert.False(ok)

	// levels increase by one per downstream step, and upstream walks back to the root
	did := chain.Root()
	for i := 1; i < chain.Len(); i++ {
		next, ok := chain.Downstream(did)
		require.True(t, ok)
		l, _ := chain.Level(next)
		assert.Equal(i, l)
		did = next
	}
	assert.Equal(chain.Leaf(), did)
	_, ok = chain.Downstream(did)
	assert.False(ok)

	for i := 1; i < chain.Len(); i++ {
		prev, ok := chain.Upstream(did)
		require.True(t, ok)
		did = prev
	}
	assert.Equal(chain.Root(), did)
	_, ok = chain.Upstream(did)
	assert.False(ok)

	// one resolution per DID
	assert.Equal(int64(4), f.resolver.Calls())
}

func TestBuildChain_RootOnly(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 1)

	chain, err := BuildChain(context.Background(), f.resolver, "did:example:root")
	require.NoError(t, err)
	assert.Equal(1, chain.Len())
	assert.Equal(chain.Root(), chain.Leaf())
	assert.NoError(chain.VerifyProofs())
}

func TestBuildChain_ResolutionFailure(t *testing.T) {
	assert := assert.New(t)
	resolver := NewMemResolver()
	priv := generateKey(t, true)
	resolver.Put(newTestDoc(t, "did:example:orphan", "did:example:missing", priv), nil)

	_, err := BuildChain(context.Background(), resolver, "did:example:orphan")
	assert.ErrorIs(err, ErrResolutionFailure)
	assert.ErrorIs(err, ErrResolverFailure)
	assert.Contains(err.Error(), "did:example:missing")
}

func TestBuildChain_DocumentIDMismatch(t *testing.T) {
	assert := assert.New(t)
	resolver := NewMemResolver()
	priv := generateKey(t, true)
	doc := newTestDoc(t, "did:example:a", "", priv)
	resolver.Put(doc, nil)
	// serve the same document under another DID
	resolver.entries["did:example:b"] = memEntry{doc: doc, meta: DocumentMetadata{}}

	_, err := BuildChain(context.Background(), resolver, "did:example:b")
	assert.ErrorIs(err, ErrResolutionFailure)
}

func TestBuildChain_MultipleControllers(t *testing.T) {
	assert := assert.New(t)
	resolver := NewMemResolver()
	priv := generateKey(t, false)
	doc := newTestDoc(t, "did:example:multi", "", priv)
	doc.Controller = OneOrMany{"did:example:one", "did:example:two"}
	resolver.Put(doc, nil)

	_, err := BuildChain(context.Background(), resolver, "did:example:multi")
	assert.ErrorIs(err, ErrMultipleControllers)
}

func TestBuildChain_Cycle(t *testing.T) {
	assert := assert.New(t)
	resolver := NewMemResolver()
	priv := generateKey(t, true)
	resolver.Put(newTestDoc(t, "did:example:a", "did:example:b", priv), nil)
	resolver.Put(newTestDoc(t, "did:example:b", "did:example:c", priv), nil)
	resolver.Put(newTestDoc(t, "did:example:c", "did:example:a", priv), nil)

	_, err := BuildChain(context.Background(), resolver, "did:example:a")
	assert.ErrorIs(err, ErrCycleDetected)
	assert.Equal(int64(3), resolver.Calls())

	resolver.Put(newTestDoc(t, "did:example:self", "did:example:self", priv), nil)
	_, err = BuildChain(context.Background(), resolver, "did:example:self")
	assert.ErrorIs(err, ErrCycleDetected)
}

func TestEmptyChainAccessorsPanic(t *testing.T) {
	chain := &Chain{}
	assert.Panics(t, func() { chain.Root() })
	assert.Panics(t, func() { chain.Leaf() })
}

func TestVerifyProofs_Valid(t *testing.T) {
	f := newTestFixture(t, 3)

	chain, err := BuildChain(context.Background(), f.resolver, f.leaf())
	require.NoError(t, err)
	assert.NoError(t, chain.VerifyProofs())
}

func TestVerifyProofs_MutatedDocument(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 3)

	// mutate the middle document after its proof was computed
	f.docs[1].AlsoKnownAs = []string{"https://mutated.example.com"}

	chain, err := BuildChain(context.Background(), f.resolver, f.leaf())
	require.NoError(t, err)
	err = chain.VerifyProofs()
	assert.ErrorIs(err, ErrInvalidPayload)
	assert.Contains(err.Error(), f.dids[1])
}

func TestVerifyProofs_ReplacedDocument(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 3)

	// same DID, controller and key (so the leaf's proof still holds), different content,
	// served with the original signed metadata
	replacement := newTestDoc(t, f.dids[1], f.dids[0], f.keys[1])
	replacement.AlsoKnownAs = []string{"https://unrelated.example.com"}
	f.resolver.Put(replacement, f.metas[1])

	chain, err := BuildChain(context.Background(), f.resolver, f.leaf())
	require.NoError(t, err)
	err = chain.VerifyProofs()
	assert.ErrorIs(err, ErrInvalidPayload)
	assert.Contains(err.Error(), f.dids[1])
}

func TestVerifyProofs_ServiceEndpointTypeSwap(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 2)

	// re-attest the leaf with a structured endpoint
	leaf := f.docs[1]
	leaf.Service[0].ServiceEndpoint = map[string]any{"uri": "https://a.example"}
	f.resolver.Put(leaf, attestMeta(t, leaf, f.dids[0], f.keys[0]))

	chain, err := BuildChain(context.Background(), f.resolver, f.leaf())
	require.NoError(t, err)
	require.NoError(t, chain.VerifyProofs())

	// swapping in the endpoint's JSON text as a plain string is a different document
	signedCID := leaf.CID()
	leaf.Service[0].ServiceEndpoint = `{"uri":"https://a.example"}`
	assert.NotEqual(signedCID, leaf.CID())

	chain, err = BuildChain(context.Background(), f.resolver, f.leaf())
	require.NoError(t, err)
	assert.ErrorIs(chain.VerifyProofs(), ErrInvalidPayload)
}

func TestVerifyProofs_ForeignKey(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 3)

	// the leaf's proof is signed by a key which is not in its controller's document
	f.resolver.Put(f.docs[2], attestMeta(t, f.docs[2], f.dids[1], generateKey(t, false)))

	chain, err := BuildChain(context.Background(), f.resolver, f.leaf())
	require.NoError(t, err)
	assert.ErrorIs(chain.VerifyProofs(), ErrInvalidKeys)
}

func TestVerifyProofs_MissingProof(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 2)
	f.resolver.Put(f.docs[1], DocumentMetadata{})

	chain, err := BuildChain(context.Background(), f.resolver, f.leaf())
	require.NoError(t, err)
	assert.ErrorIs(chain.VerifyProofs(), ErrFailureToGetProof)
}

func TestVerifyProofs_GarbledProof(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 2)
	meta := DocumentMetadata{}
	meta.SetProofValue("not-a-jws")
	f.resolver.Put(f.docs[1], meta)

	chain, err := BuildChain(context.Background(), f.resolver, f.leaf())
	require.NoError(t, err)
	assert.ErrorIs(chain.VerifyProofs(), ErrInvalidPayload)
}

func TestVerifyProofs_ControllerKeysAreReferences(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 2)

	// replace the root's inline key with a reference: there is nothing left to verify against
	f.docs[0].VerificationMethod = []DocVerificationMethod{{Ref: f.dids[0] + "#key-1"}}

	chain, err := BuildChain(context.Background(), f.resolver, f.leaf())
	require.NoError(t, err)
	assert.ErrorIs(chain.VerifyProofs(), ErrInvalidKeys)
}

func TestChainJSON(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 3)

	chain, err := BuildChain(context.Background(), f.resolver, f.leaf())
	require.NoError(t, err)

	b, err := json.Marshal(chain)
	require.NoError(t, err)

	var decoded Chain
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(chain.DIDs(), decoded.DIDs())
	assert.Equal(chain.Root(), decoded.Root())
	// the transported chain is still verifiable
	assert.NoError(decoded.VerifyProofs())

	assert.Error(json.Unmarshal([]byte(`{"chain":[],"data":{}}`), &decoded))
	assert.Error(json.Unmarshal([]byte(`{"chain":["did:example:a"],"data":{}}`), &decoded))
}

func TestVerifyProofs_ControllerMismatch(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 3)

	chain, err := BuildChain(context.Background(), f.resolver, f.leaf())
	require.NoError(t, err)

	// a chain assembled by hand (eg. received over the wire) where the order was tampered with
	chain.dids[0], chain.dids[1] = chain.dids[1], chain.dids[0]
	assert.ErrorIs(chain.VerifyProofs(), ErrControllerMismatch)
}
