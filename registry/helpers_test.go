package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/stretchr/testify/require"
	trustchain "github.com/trustchain-go/go-trustchain"
	"gorm.io/driver/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	logger := testLogger()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		store, err := NewGormStore(dbURL, logger)
		require.NoError(t, err)
		// truncate tables for test isolation
		require.NoError(t, store.db.Exec("TRUNCATE documents, entries, host_cursors").Error)
		t.Cleanup(func() {
			store.db.Exec("TRUNCATE documents, entries, host_cursors")
			sqlDB, _ := store.db.DB()
			sqlDB.Close()
		})
		return store
	}

	store, err := NewGormStoreWithDialector(sqlite.Open(":memory:"), logger)
	require.NoError(t, err)
	sqlDB, err := store.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return store
}

func generateKey(t *testing.T) atcrypto.PrivateKey {
	t.Helper()
	priv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	return priv
}

// helper: a document for did with a single Multikey method for priv
func newTestDoc(t *testing.T, did, controller string, priv atcrypto.PrivateKey) *trustchain.Doc {
	t.Helper()
	pub, err := priv.PublicKey()
	require.NoError(t, err)
	doc := &trustchain.Doc{
		Context:            trustchain.OneOrMany{"https://www.w3.org/ns/did/v1"},
		ID:                 did,
		VerificationMethod: []trustchain.DocVerificationMethod{trustchain.NewMultikeyMethod(did, "key-1", pub)},
	}
	if controller != "" {
		doc.Controller = trustchain.OneOrMany{controller}
	}
	return doc
}

func attestMeta(t *testing.T, doc *trustchain.Doc, controllerDID string, controllerPriv atcrypto.PrivateKey) trustchain.DocumentMetadata {
	t.Helper()
	proof, err := trustchain.Attest(doc, controllerDID, controllerPriv)
	require.NoError(t, err)
	meta := trustchain.DocumentMetadata{}
	meta.SetProofValue(proof)
	return meta
}

// helper: validate and commit a single document version
func commitDoc(t *testing.T, ctx context.Context, store EntryStore, doc *trustchain.Doc, meta trustchain.DocumentMetadata, at time.Time) *PreparedEntry {
	t.Helper()
	prep, err := PrepareEntry(ctx, store, doc, meta, at)
	require.NoError(t, err)
	require.NoError(t, store.CommitEntries(ctx, []*PreparedEntry{prep}))
	return prep
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testChain struct {
	dids  []string // root first
	keys  []atcrypto.PrivateKey
	docs  []*trustchain.Doc
	metas []trustchain.DocumentMetadata
}

// helper: a chain of n DIDs, each attested by its controller. Nothing is committed or anchored.
func newTestChain(t *testing.T, n int) *testChain {
	t.Helper()
	c := &testChain{}
	for i := range n {
		did := "did:example:root"
		controller := ""
		if i > 0 {
			did = fmt.Sprintf("did:example:root-plus-%d", i)
			controller = c.dids[i-1]
		}
		priv := generateKey(t)
		doc := newTestDoc(t, did, controller, priv)
		meta := trustchain.DocumentMetadata{}
		if i > 0 {
			meta = attestMeta(t, doc, controller, c.keys[i-1])
		}
		c.dids = append(c.dids, did)
		c.keys = append(c.keys, priv)
		c.docs = append(c.docs, doc)
		c.metas = append(c.metas, meta)
	}
	return c
}

// helper: commit every document of the chain, root first, one second apart
func (c *testChain) commit(t *testing.T, ctx context.Context, store EntryStore) {
	t.Helper()
	for i := range c.docs {
		commitDoc(t, ctx, store, c.docs[i], c.metas[i], t0.Add(time.Duration(i)*time.Second))
	}
}
