package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	trustchain "github.com/trustchain-go/go-trustchain"
	bolt "go.etcd.io/bbolt"
)

var (
	blocksBucket = []byte("blocks")
	hashesBucket = []byte("hashes")
)

// BoltLedger is an append-only ledger stored in a local bbolt file.
//
// Block bodies and block hashes are kept in separate buckets; BlockHash never decodes a stored block.
type BoltLedger struct {
	db     *bolt.DB
	logger *slog.Logger
}

var _ trustchain.Ledger = (*BoltLedger)(nil)

func OpenBoltLedger(path string, logger *slog.Logger) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blocksBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(hashesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger buckets: %w", err)
	}
	return &BoltLedger{
		db:     db,
		logger: logger.With("component", "ledger"),
	}, nil
}

func (l *BoltLedger) Close() error {
	return l.db.Close()
}

func heightKey(height int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(height))
	return k
}

// Append adds a block anchoring the given document CIDs
func (l *BoltLedger) Append(ctx context.Context, anchors []string, t trustchain.Timestamp) (*trustchain.Block, error) {
	var block *trustchain.Block
	err := l.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(blocksBucket)

		var prev *trustchain.BlockHeader
		if k, v := blocks.Cursor().Last(); k != nil {
			var last trustchain.Block
			if err := json.Unmarshal(v, &last); err != nil {
				return fmt.Errorf("corrupt block at tip: %w", err)
			}
			prev = &last.Header
		}

		block = trustchain.NewBlock(prev, anchors, t)
		b, err := json.Marshal(block)
		if err != nil {
			return err
		}
		key := heightKey(block.Header.Height)
		if err := blocks.Put(key, b); err != nil {
			return err
		}
		return tx.Bucket(hashesBucket).Put(key, []byte(block.Header.CID().String()))
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("appended block", "height", block.Header.Height, "anchors", len(anchors), "time", t)
	return block, nil
}

func (l *BoltLedger) BlockAt(ctx context.Context, height int64) (*trustchain.Block, error) {
	var block trustchain.Block
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(heightKey(height))
		if v == nil {
			return fmt.Errorf("%w: height %d", trustchain.ErrBlockNotFound, height)
		}
		return json.Unmarshal(v, &block)
	})
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (l *BoltLedger) BlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(hashesBucket).Get(heightKey(height))
		if v == nil {
			return fmt.Errorf("%w: height %d", trustchain.ErrBlockNotFound, height)
		}
		hash = string(v)
		return nil
	})
	return hash, err
}

// Height returns the height of the tip, or -1 for an empty ledger
func (l *BoltLedger) Height(ctx context.Context) (int64, error) {
	height := int64(-1)
	err := l.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(hashesBucket).Cursor().Last(); k != nil {
			height = int64(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	return height, err
}
