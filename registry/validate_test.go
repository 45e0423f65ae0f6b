package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	trustchain "github.com/trustchain-go/go-trustchain"
)

func TestPrepareEntry_Root(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	doc := newTestDoc(t, "did:example:root", "", generateKey(t))
	prep, err := PrepareEntry(ctx, store, doc, nil, t0)
	require.NoError(t, err)
	assert.Equal("did:example:root", prep.DID)
	assert.Equal(doc.CID().String(), prep.CID)
	assert.Empty(prep.PrevHead)
	assert.NotNil(prep.Metadata)
}

func TestPrepareEntry_Invalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := newTestChain(t, 2)
	commitDoc(t, ctx, store, c.docs[0], c.metas[0], t0)

	unregisteredController := newTestDoc(t, "did:example:orphan", "did:example:nobody", generateKey(t))
	twoControllers := newTestDoc(t, "did:example:two", "", generateKey(t))
	twoControllers.Controller = trustchain.OneOrMany{c.dids[0], "did:example:other"}

	tests := map[string]struct {
		doc  *trustchain.Doc
		meta trustchain.DocumentMetadata
		at   time.Time
	}{
		"missing document":      {doc: nil, at: t0},
		"malformed DID":         {doc: newTestDoc(t, "not a did", "", generateKey(t)), at: t0},
		"unchanged document":    {doc: c.docs[0], at: t0.Add(time.Hour)},
		"timestamp not after":   {doc: newTestDoc(t, c.dids[0], "", generateKey(t)), at: t0},
		"missing proof":         {doc: c.docs[1], meta: nil, at: t0.Add(time.Hour)},
		"proof by wrong key":    {doc: c.docs[1], meta: attestMeta(t, c.docs[1], c.dids[0], generateKey(t)), at: t0.Add(time.Hour)},
		"proof for other doc":   {doc: c.docs[1], meta: attestMeta(t, c.docs[0], c.dids[0], c.keys[0]), at: t0.Add(time.Hour)},
		"controller unknown":    {doc: unregisteredController, meta: trustchain.DocumentMetadata{}, at: t0.Add(time.Hour)},
		"multiple controllers":  {doc: twoControllers, at: t0.Add(time.Hour)},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := PrepareEntry(ctx, store, tc.doc, tc.meta, tc.at)
			assert.ErrorIs(t, err, ErrInvalidEntry)
		})
	}
}

func TestPrepareEntry_ControlledDocument(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := newTestChain(t, 3)
	c.commit(t, ctx, store)

	// a re-attested update by the same controller is accepted
	updated := newTestDoc(t, c.dids[2], c.dids[1], generateKey(t))
	prep, err := PrepareEntry(ctx, store, updated, attestMeta(t, updated, c.dids[1], c.keys[1]), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, c.docs[2].CID().String(), prep.PrevHead)
}

func TestWorkers(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestChain(t, 2)
	bogus := newTestDoc(t, "did:example:bogus", c.dids[0], generateKey(t))

	seqEntries := make(chan *SequencedEntry, 10)
	validated := make(chan ValidatedEntry, 10)
	flushCh := make(chan chan struct{})
	tracker := NewCursorTracker(0)
	state := NewRegistryState(true)

	go ValidateWorker(ctx, seqEntries, validated, tracker, store, testLogger())
	go CommitWorker(ctx, validated, tracker, store, state, flushCh, testLogger())

	dispatch := func(seq int64, doc *trustchain.Doc, meta trustchain.DocumentMetadata, at time.Time) {
		require.True(t, tracker.Start(doc.ID, seq))
		seqEntries <- &SequencedEntry{Seq: seq, DID: doc.ID, CID: doc.CID().String(), CreatedAt: at, Document: doc, Metadata: meta}
	}
	flush := func() {
		done := make(chan struct{})
		flushCh <- done
		<-done
	}

	dispatch(1, c.docs[0], c.metas[0], t0)
	require.Eventually(t, func() bool { return tracker.Cursor() == 1 }, 5*time.Second, 10*time.Millisecond)

	dispatch(2, bogus, trustchain.DocumentMetadata{}, t0.Add(time.Second))
	dispatch(3, c.docs[1], c.metas[1], t0.Add(2*time.Second))
	require.Eventually(t, func() bool {
		flush()
		return tracker.Cursor() == 3
	}, 5*time.Second, 10*time.Millisecond)

	entry, err := store.GetLatest(ctx, c.dids[1])
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(int64(3), entry.Seq)

	// the invalid entry was skipped, but still advanced the cursor
	entry, err = store.GetLatest(ctx, "did:example:bogus")
	require.NoError(t, err)
	assert.Nil(entry)

	assert.True(t0.Add(2 * time.Second).Equal(state.LastCommittedTime()))
}

func TestValidateInner_Consistency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := newTestChain(t, 1)
	doc := c.docs[0]

	_, err := validateInner(ctx, &SequencedEntry{Seq: 1, DID: doc.ID, CID: "bafyreiwrong", CreatedAt: t0, Document: doc}, store, testLogger())
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = validateInner(ctx, &SequencedEntry{Seq: 1, DID: "did:example:else", CID: doc.CID().String(), CreatedAt: t0, Document: doc}, store, testLogger())
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = validateInner(ctx, &SequencedEntry{Seq: 1, DID: doc.ID, CID: doc.CID().String(), Prev: "bafyreiprev", CreatedAt: t0, Document: doc}, store, testLogger())
	assert.ErrorIs(t, err, ErrInvalidEntry)

	prep, err := validateInner(ctx, &SequencedEntry{Seq: 9, DID: doc.ID, CID: doc.CID().String(), CreatedAt: t0, Document: doc}, store, testLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(9), prep.Seq)
}
