package registry

import (
	"sync"

	"github.com/emirpasic/gods/sets/hashset"
	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
)

// CursorTracker tracks mirrored entries between dispatch and commit, and derives a safe resume cursor.
//
// At most one entry per DID is in flight. Start must be called in ascending seq order.
// The resume cursor only advances past a seq once every lower seq has finished.
type CursorTracker struct {
	cursor   int64
	dids     *hashset.Set
	pending  *treeset.Set
	finished *treeset.Set // finished, but still ahead of the lowest pending seq
	lock     sync.RWMutex
}

func NewCursorTracker(cursor int64) *CursorTracker {
	return &CursorTracker{
		cursor:   cursor,
		dids:     hashset.New(),
		pending:  treeset.NewWith(utils.Int64Comparator),
		finished: treeset.NewWith(utils.Int64Comparator),
	}
}

// Cursor returns the highest seq such that it and everything below it has been processed
func (t *CursorTracker) Cursor() int64 {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.cursor
}

// Busy reports whether an entry for the DID is in flight
func (t *CursorTracker) Busy(did string) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.dids.Contains(did)
}

// Start marks an entry in flight. Returns false, and does nothing, if the DID already has one.
func (t *CursorTracker) Start(did string, seq int64) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.dids.Contains(did) {
		return false
	}
	t.dids.Add(did)
	t.pending.Add(seq)
	return true
}

// Finish marks an entry processed (committed or rejected), advancing the cursor where possible
func (t *CursorTracker) Finish(did string, seq int64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.dids.Contains(did) {
		return
	}
	t.dids.Remove(did)
	t.pending.Remove(seq)
	t.finished.Add(seq)

	for {
		it := t.finished.Iterator()
		if !it.First() {
			return
		}
		lowest := it.Value().(int64)

		pit := t.pending.Iterator()
		if pit.First() && lowest >= pit.Value().(int64) {
			return
		}
		t.cursor = lowest
		t.finished.Remove(lowest)
	}
}
