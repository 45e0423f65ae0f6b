package trustchain

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/stretchr/testify/require"
)

// the anchoring time used by the root of every test chain
const fixedAnchorTime = Timestamp(1666265405)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// helper: generate a private key, alternating curves so both signing methods get exercised
func generateKey(t *testing.T, k256 bool) atcrypto.PrivateKey {
	t.Helper()
	if k256 {
		priv, err := atcrypto.GeneratePrivateKeyK256()
		require.NoError(t, err)
		return priv
	}
	priv, err := atcrypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	return priv
}

// helper: a document for did with a single Multikey method for priv
func newTestDoc(t *testing.T, did string, controller string, priv atcrypto.PrivateKey) *Doc {
	t.Helper()
	pub, err := priv.PublicKey()
	require.NoError(t, err)
	doc := &Doc{
		Context:            OneOrMany{"https://www.w3.org/ns/did/v1"},
		ID:                 did,
		VerificationMethod: []DocVerificationMethod{NewMultikeyMethod(did, "key-1", pub)},
		Service: []DocService{{
			ID:              did + "#registry",
			Type:            "TrustchainRegistry",
			ServiceEndpoint: "https://registry.example.com",
		}},
	}
	if controller != "" {
		doc.Controller = OneOrMany{controller}
	}
	return doc
}

// helper: metadata for doc carrying a proof made by controllerDID's key
func attestMeta(t *testing.T, doc *Doc, controllerDID string, controllerPriv atcrypto.PrivateKey) DocumentMetadata {
	t.Helper()
	proof, err := Attest(doc, controllerDID, controllerPriv)
	require.NoError(t, err)
	meta := DocumentMetadata{}
	meta.SetProofValue(proof)
	return meta
}

type testFixture struct {
	dids     []string // root first
	keys     []atcrypto.PrivateKey
	docs     []*Doc
	metas    []DocumentMetadata
	resolver *MemResolver
	ledger   *MemLedger
}

func (f *testFixture) leaf() string {
	return f.dids[len(f.dids)-1]
}

func (f *testFixture) leafKey() atcrypto.PrivateKey {
	return f.keys[len(f.keys)-1]
}

// helper: a chain of n DIDs (root, root-plus-1, ...), each attested by its controller, with the root anchored at fixedAnchorTime
func newTestFixture(t *testing.T, n int) *testFixture {
	t.Helper()
	f := &testFixture{
		resolver: NewMemResolver(),
		ledger:   NewMemLedger(),
	}

	// an unrelated block first, so the root is not at height 0
	f.ledger.Append([]string{"bafyreigh2akiscaildcqabsyg3dfr6chu3fgpregiymsck7e7aqa4s52zy"}, fixedAnchorTime-600)

	for i := range n {
		did := "did:example:root"
		if i > 0 {
			did = fmt.Sprintf("did:example:root-plus-%d", i)
		}
		priv := generateKey(t, i%2 == 0)
		controller := ""
		if i > 0 {
			controller = f.dids[i-1]
		}
		doc := newTestDoc(t, did, controller, priv)

		var meta DocumentMetadata
		if i == 0 {
			meta = DocumentMetadata{}
			block := f.ledger.Append([]string{doc.CID().String()}, fixedAnchorTime)
			meta.SetAnchorHeight(block.Header.Height)
		} else {
			meta = attestMeta(t, doc, controller, f.keys[i-1])
		}

		f.dids = append(f.dids, did)
		f.keys = append(f.keys, priv)
		f.docs = append(f.docs, doc)
		f.metas = append(f.metas, meta)
		f.resolver.Put(doc, meta)
	}
	return f
}

func (f *testFixture) verifier() *Verifier {
	return NewVerifier(f.resolver, f.ledger, testLogger())
}
