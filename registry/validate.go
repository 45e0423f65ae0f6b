package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	trustchain "github.com/trustchain-go/go-trustchain"
)

var (
	// Returned (wrapped) by PrepareEntry when an entry is definitely invalid
	ErrInvalidEntry = errors.New("invalid registry entry")
)

// PreparedEntry contains all the information needed to commit a validated entry.
type PreparedEntry struct {
	// zero means "assign the next seq"; mirrored entries keep their upstream seq
	Seq       int64
	DID       string
	CID       string
	PrevHead  string
	CreatedAt time.Time
	Document  *trustchain.Doc
	Metadata  trustchain.DocumentMetadata
}

// PrepareEntry validates a new document version for a DID against the current store state.
//
// Documents with a controller must carry a controller proof which verifies against the controller's
// currently registered document. Documents without a controller are chain roots, and are trusted
// via their ledger anchor instead.
//
// Errors wrapping ErrInvalidEntry indicate the entry is *definitely* invalid.
// Other errors are store-related and *may* be resolved by retrying.
func PrepareEntry(ctx context.Context, store EntryStore, doc *trustchain.Doc, meta trustchain.DocumentMetadata, createdAt time.Time) (*PreparedEntry, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: missing document", ErrInvalidEntry)
	}
	if _, err := syntax.ParseDID(doc.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if meta == nil {
		meta = trustchain.DocumentMetadata{}
	}

	docCID, err := doc.ComputeCID()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}

	head, err := store.GetLatest(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	prep := PreparedEntry{
		DID:       doc.ID,
		CID:       docCID.String(),
		CreatedAt: createdAt,
		Document:  doc,
		Metadata:  meta,
	}

	if head != nil {
		if head.CID == prep.CID {
			return nil, fmt.Errorf("%w: document unchanged", ErrInvalidEntry)
		}
		if createdAt.Sub(head.CreatedAt) <= 0 {
			return nil, fmt.Errorf("%w: invalid entry timestamp order", ErrInvalidEntry)
		}
		prep.PrevHead = head.CID
	}

	if len(doc.Controller) == 0 {
		return &prep, nil
	}

	controllerDID, err := doc.SoleController()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	controller, err := store.GetLatest(ctx, controllerDID)
	if err != nil {
		return nil, err
	}
	if controller == nil {
		return nil, fmt.Errorf("%w: controller %s is not registered", ErrInvalidEntry, controllerDID)
	}
	if err := trustchain.VerifyControllerProof(doc, meta, controller.Document); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}

	return &prep, nil
}

// SequencedEntry is an entry read from an upstream registry's export, in seq order
type SequencedEntry struct {
	Seq       int64
	DID       string
	CID       string
	Prev      string
	CreatedAt time.Time
	Document  *trustchain.Doc
	Metadata  trustchain.DocumentMetadata
}

const batchSize = 1000

type ValidatedEntry struct {
	Seq  int64
	Prep *PreparedEntry
}

// ValidateWorker validates entries from the seqEntries channel and sends validated
// entries to the validated channel. Multiple workers can run in parallel.
// Note: caller is responsible for starting the entry in the tracker, but we are responsible for finishing it on validation failure
func ValidateWorker(ctx context.Context, seqEntries <-chan *SequencedEntry, validated chan<- ValidatedEntry, tracker *CursorTracker, store EntryStore, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case se, ok := <-seqEntries:
			if !ok {
				return
			}

			prep, err := validateInner(ctx, se, store, logger)
			if err != nil {
				logger.Warn("validation failed", "did", se.DID, "seq", se.Seq, "cid", se.CID, "error", err)
				tracker.Finish(se.DID, se.Seq)
				continue
			}

			select {
			case validated <- ValidatedEntry{Seq: se.Seq, Prep: prep}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// CommitWorker receives validated entries and commits them to the store in batches.
// Only a single commit worker should run to avoid database contention.
// Note: responsible for finishing entries in the tracker after commit
func CommitWorker(ctx context.Context, validated <-chan ValidatedEntry, tracker *CursorTracker, store EntryStore, state *RegistryState, flushCh <-chan chan struct{}, logger *slog.Logger) {
	batch := make([]ValidatedEntry, 0, batchSize)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	commitBatch := func() {
		if len(batch) == 0 {
			return
		}

		preps := make([]*PreparedEntry, len(batch))
		for i, ve := range batch {
			preps[i] = ve.Prep
		}

		for {
			err := store.CommitEntries(ctx, preps)
			if err == nil {
				break
			}
			logger.Error("failed to commit batch", "batch_size", len(batch), "error", err)

			// TODO: commit the batch entry-by-entry after a failure, so one bad entry can't stall the rest
			if !sleepCtx(ctx, 1*time.Second) {
				return
			}
		}

		var latest time.Time
		for _, ve := range batch {
			tracker.Finish(ve.Prep.DID, ve.Seq)
			if ve.Prep.CreatedAt.After(latest) {
				latest = ve.Prep.CreatedAt
			}
		}
		state.SetLastCommittedTime(latest)
		EntriesCommittedCounter.Add(ctx, int64(len(batch)))

		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			commitBatch()
			return
		case ve, ok := <-validated:
			if !ok {
				commitBatch()
				return
			}
			batch = append(batch, ve)
			if len(batch) >= batchSize {
				commitBatch()
			}

		case <-ticker.C:
			// periodically flush partial batches
			commitBatch()

		case done := <-flushCh:
			commitBatch()
			close(done)
		}
	}
}

func validateInner(ctx context.Context, se *SequencedEntry, store EntryStore, logger *slog.Logger) (*PreparedEntry, error) {
	var prep *PreparedEntry
	var err error

	for {
		prep, err = PrepareEntry(ctx, store, se.Document, se.Metadata, se.CreatedAt)
		if err == nil {
			break
		}
		if errors.Is(err, ErrInvalidEntry) {
			return nil, fmt.Errorf("failed validating entry %s, %s: %w", se.DID, se.CID, err)
		}

		// transient store error (hopefully)
		logger.Warn("failed validating entry, retrying", "did", se.DID, "cid", se.CID, "error", err)
		if !sleepCtx(ctx, 1*time.Second) {
			return nil, fmt.Errorf("context cancelled while retrying validation: %w", err)
		}
	}

	if prep.DID != se.DID {
		return nil, fmt.Errorf("%w: entry for %s carries document %s", ErrInvalidEntry, se.DID, prep.DID)
	}
	if prep.CID != se.CID {
		return nil, fmt.Errorf("%w: inconsistent CID for %s %s", ErrInvalidEntry, se.DID, se.CID)
	}
	if prep.PrevHead != se.Prev {
		return nil, fmt.Errorf("%w: %s prev is %q, local head is %q", ErrInvalidEntry, se.DID, se.Prev, prep.PrevHead)
	}
	prep.Seq = se.Seq

	return prep, nil
}

// sleepCtx sleeps for the given duration or until the context is cancelled.
// Returns true if the sleep completed, false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
