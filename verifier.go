package trustchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidProofs         = errors.New("invalid proofs in trust chain")
	ErrTimestampVerification = errors.New("root timestamp verification failed")
	ErrInvalidRoot           = errors.New("root DID was not anchored at the expected time")
	ErrNoAnchor              = errors.New("no anchor information in document metadata")
)

// Verifier establishes trust in DIDs by building and checking their trust chains.
//
// A Verifier is one verification session: resolved documents are cached for its lifetime and never invalidated.
// It is safe for concurrent use.
type Verifier struct {
	resolver Resolver
	ledger   Ledger
	session  string
	logger   *slog.Logger

	checker     ProofChecker
	checkerLock sync.RWMutex

	bundles map[string]*VerificationBundle
	lock    sync.RWMutex
}

func NewVerifier(resolver Resolver, ledger Ledger, logger *slog.Logger) *Verifier {
	session := uuid.NewString()
	v := &Verifier{
		resolver: resolver,
		ledger:   ledger,
		session:  session,
		logger:   logger.With("component", "verifier", "session", session),
		bundles:  make(map[string]*VerificationBundle),
	}
	v.checker = NewProofChecker(v.Resolver())
	return v
}

// SetProofChecker replaces the capability used to check credential signatures. Verifications already running keep the checker they started with.
func (v *Verifier) SetProofChecker(checker ProofChecker) {
	v.checkerLock.Lock()
	defer v.checkerLock.Unlock()
	v.checker = checker
}

func (v *Verifier) ProofChecker() ProofChecker {
	v.checkerLock.RLock()
	defer v.checkerLock.RUnlock()
	return v.checker
}

// Resolver returns a resolver backed by this verifier's bundle cache
func (v *Verifier) Resolver() Resolver {
	return &bundleResolver{v: v}
}

func (v *Verifier) Session() string {
	return v.session
}

// Verify builds the trust chain for did, checks every proof in it, and checks that the root was anchored at rootEventTime.
//
// The chain is only returned if every stage succeeds.
func (v *Verifier) Verify(ctx context.Context, did string, rootEventTime Timestamp) (*Chain, error) {
	ctx, span := tracer.Start(ctx, "Verifier.Verify", trace.WithAttributes(
		attribute.String("did", did),
		attribute.Int64("root_event_time", int64(rootEventTime)),
	))
	defer span.End()

	chain, err := v.verify(ctx, did, rootEventTime)
	VerificationsCounter.Add(ctx, 1, metric.WithAttributes(resultAttr(err)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		v.logger.Info("verification failed", "did", did, "error", err)
		return nil, err
	}
	v.logger.Info("verified", "did", did, "root", chain.Root(), "length", chain.Len())
	return chain, nil
}

func (v *Verifier) verify(ctx context.Context, did string, rootEventTime Timestamp) (*Chain, error) {
	chain, err := BuildChain(ctx, v.Resolver(), did)
	if err != nil {
		return nil, err
	}
	v.logger.Debug("chain built", "did", did, "chain", chain.String())

	if err := chain.VerifyProofs(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProofs, err)
	}
	v.logger.Debug("proofs verified", "did", did)

	vt, err := v.VerifiableTimestamp(ctx, chain.Root())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimestampVerification, err)
	}
	if err := v.VerifyTimestamp(ctx, vt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimestampVerification, err)
	}
	v.logger.Debug("timestamp verified", "did", chain.Root(), "timestamp", vt.Timestamp())

	if vt.Timestamp() != rootEventTime {
		return nil, fmt.Errorf("%w: root %s anchored at %d, expected %d", ErrInvalidRoot, chain.Root(), vt.Timestamp(), rootEventTime)
	}
	return chain, nil
}

// VerifiableTimestamp fetches the anchoring block for did, and derives the claim that its document was anchored there.
func (v *Verifier) VerifiableTimestamp(ctx context.Context, did string) (*VerifiableTimestamp, error) {
	if v.ledger == nil {
		return nil, fmt.Errorf("no ledger configured")
	}
	bundle, err := v.VerificationBundle(ctx, did)
	if err != nil {
		return nil, err
	}
	height, ok := bundle.Metadata.AnchorHeight()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAnchor, did)
	}
	block, err := v.ledger.BlockAt(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("fetching block %d: %w", height, err)
	}
	if block.Header.Height != height {
		return nil, fmt.Errorf("%w: ledger returned block %d for height %d", ErrCommitmentFailure, block.Header.Height, height)
	}
	docCID, err := bundle.Document.ComputeCID()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommitmentFailure, err)
	}
	return NewVerifiableTimestamp(did, block, docCID.String()), nil
}

// VerifyTimestamp independently recomputes the expected commitment for vt, and checks it against the ledger.
func (v *Verifier) VerifyTimestamp(ctx context.Context, vt *VerifiableTimestamp) error {
	if v.ledger == nil {
		return fmt.Errorf("no ledger configured")
	}
	bundle, err := v.VerificationBundle(ctx, vt.DID())
	if err != nil {
		return err
	}

	docCID, err := bundle.Document.ComputeCID()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommitmentFailure, err)
	}
	expected := docCID.String()
	if vt.DIDCommitment().ExpectedData() != expected {
		return fmt.Errorf("%w: expected document %s, commitment is for %v", ErrCommitmentFailure, expected, vt.DIDCommitment().ExpectedData())
	}
	if err := vt.DIDCommitment().Verify(vt.TimestampCommitment().Header().AnchorRoot); err != nil {
		return err
	}

	blockHash, err := v.ledger.BlockHash(ctx, vt.Height())
	if err != nil {
		return fmt.Errorf("fetching block hash %d: %w", vt.Height(), err)
	}
	return vt.TimestampCommitment().Verify(blockHash)
}
