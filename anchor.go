package trustchain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
)

var (
	// Returned (wrapped) whenever anchored data does not match what was expected. Never worth retrying.
	ErrCommitmentFailure = errors.New("commitment verification failed")

	// Returned by Ledger implementations for heights beyond the tip
	ErrBlockNotFound = errors.New("block not found")
)

// Timestamp is a unix time, in seconds
type Timestamp int64

func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

// BlockHeader is the hashed part of a ledger block. The CID of its DAG-CBOR encoding is the block hash.
type BlockHeader struct {
	Height     int64  `json:"height" refmt:"height"`
	Time       int64  `json:"time" refmt:"time"`
	Prev       string `json:"prev" refmt:"prev"`
	AnchorRoot string `json:"anchorRoot" refmt:"anchorRoot"`
}

// Block is a ledger block: a header, plus the list of document CIDs it anchors.
type Block struct {
	Header  BlockHeader `json:"header"`
	Anchors []string    `json:"anchors"`
}

type anchorList struct {
	Anchors []string `refmt:"anchors"`
}

func init() {
	cbor.RegisterCborType(BlockHeader{})
	cbor.RegisterCborType(anchorList{})
}

func (h *BlockHeader) CID() cid.Cid {
	out, err := cbor.DumpObject(h)
	if err != nil {
		return cid.Undef
	}
	return computeCID(out)
}

// AnchorRoot computes the commitment to an ordered list of anchored document CIDs
func AnchorRoot(anchors []string) cid.Cid {
	out, err := cbor.DumpObject(anchorList{Anchors: anchors})
	if err != nil {
		return cid.Undef
	}
	return computeCID(out)
}

// NewBlock builds the block which would follow prev (nil for the first block)
func NewBlock(prev *BlockHeader, anchors []string, t Timestamp) *Block {
	header := BlockHeader{
		Time:       int64(t),
		AnchorRoot: AnchorRoot(anchors).String(),
	}
	if prev != nil {
		header.Height = prev.Height + 1
		header.Prev = prev.CID().String()
	}
	return &Block{
		Header:  header,
		Anchors: slices.Clone(anchors),
	}
}

// Ledger is the source of anchored, immutable data.
type Ledger interface {
	// BlockAt returns the full block at the given height
	BlockAt(ctx context.Context, height int64) (*Block, error)

	// BlockHash returns the canonical hash of the block at the given height, as a CID string.
	// Implementations should derive this independently of BlockAt where they can (eg, from a header chain).
	BlockHash(ctx context.Context, height int64) (string, error)
}

// MemLedger is an in-memory implementation of the Ledger interface
type MemLedger struct {
	blocks []*Block
	lock   sync.RWMutex
}

var _ Ledger = (*MemLedger)(nil)

func NewMemLedger() *MemLedger {
	return &MemLedger{}
}

// Append adds a new block anchoring the given document CIDs, and returns it
func (l *MemLedger) Append(anchors []string, t Timestamp) *Block {
	l.lock.Lock()
	defer l.lock.Unlock()

	var prev *BlockHeader
	if len(l.blocks) > 0 {
		prev = &l.blocks[len(l.blocks)-1].Header
	}
	block := NewBlock(prev, anchors, t)
	l.blocks = append(l.blocks, block)
	return block
}

func (l *MemLedger) BlockAt(ctx context.Context, height int64) (*Block, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	if height < 0 || height >= int64(len(l.blocks)) {
		return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	b := l.blocks[height]
	return &Block{Header: b.Header, Anchors: slices.Clone(b.Anchors)}, nil
}

func (l *MemLedger) BlockHash(ctx context.Context, height int64) (string, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	if height < 0 || height >= int64(len(l.blocks)) {
		return "", fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	return l.blocks[height].Header.CID().String(), nil
}

// Commitment binds observable data (identified by its hash) to some expected content.
type Commitment interface {
	// Hash of the committed data
	Hash() string
	// the content this commitment is expected to contain
	ExpectedData() any
	// checks that Hash() equals target, and that the committed data contains ExpectedData()
	Verify(target string) error
}

// DIDCommitment commits to a block's list of anchors, expected to contain a DID document's CID.
type DIDCommitment struct {
	anchors  []string
	expected string
}

var _ Commitment = (*DIDCommitment)(nil)

func NewDIDCommitment(anchors []string, docCID string) *DIDCommitment {
	return &DIDCommitment{
		anchors:  slices.Clone(anchors),
		expected: docCID,
	}
}

func (c *DIDCommitment) Hash() string {
	return AnchorRoot(c.anchors).String()
}

func (c *DIDCommitment) ExpectedData() any {
	return c.expected
}

func (c *DIDCommitment) Verify(target string) error {
	if c.Hash() != target {
		return fmt.Errorf("%w: anchor root %s does not match %s", ErrCommitmentFailure, c.Hash(), target)
	}
	if !slices.Contains(c.anchors, c.expected) {
		return fmt.Errorf("%w: document %s is not anchored", ErrCommitmentFailure, c.expected)
	}
	return nil
}

// TimestampCommitment commits to a block header, expected to carry a particular time.
type TimestampCommitment struct {
	header   BlockHeader
	expected Timestamp
}

var _ Commitment = (*TimestampCommitment)(nil)

func NewTimestampCommitment(header BlockHeader, expected Timestamp) *TimestampCommitment {
	return &TimestampCommitment{
		header:   header,
		expected: expected,
	}
}

func (c *TimestampCommitment) Hash() string {
	return c.header.CID().String()
}

func (c *TimestampCommitment) ExpectedData() any {
	return c.expected
}

func (c *TimestampCommitment) Header() BlockHeader {
	return c.header
}

func (c *TimestampCommitment) Verify(target string) error {
	if c.Hash() != target {
		return fmt.Errorf("%w: block hash %s does not match %s", ErrCommitmentFailure, c.Hash(), target)
	}
	if Timestamp(c.header.Time) != c.expected {
		return fmt.Errorf("%w: block time %d does not match %d", ErrCommitmentFailure, c.header.Time, c.expected)
	}
	return nil
}

// VerifiableTimestamp is the claim that a DID's document was anchored at a particular time.
type VerifiableTimestamp struct {
	did        string
	height     int64
	didCommit  *DIDCommitment
	timeCommit *TimestampCommitment
}

// NewVerifiableTimestamp builds the claim that docCID (the document CID of did) was anchored in block.
func NewVerifiableTimestamp(did string, block *Block, docCID string) *VerifiableTimestamp {
	return &VerifiableTimestamp{
		did:        did,
		height:     block.Header.Height,
		didCommit:  NewDIDCommitment(block.Anchors, docCID),
		timeCommit: NewTimestampCommitment(block.Header, Timestamp(block.Header.Time)),
	}
}

func (vt *VerifiableTimestamp) DID() string {
	return vt.did
}

func (vt *VerifiableTimestamp) Height() int64 {
	return vt.height
}

// Timestamp is the claimed anchoring time
func (vt *VerifiableTimestamp) Timestamp() Timestamp {
	return vt.timeCommit.expected
}

// Hash is the hash of the anchoring block
func (vt *VerifiableTimestamp) Hash() string {
	return vt.timeCommit.Hash()
}

func (vt *VerifiableTimestamp) DIDCommitment() *DIDCommitment {
	return vt.didCommit
}

func (vt *VerifiableTimestamp) TimestampCommitment() *TimestampCommitment {
	return vt.timeCommit
}
