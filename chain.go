package trustchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/emirpasic/gods/sets/hashset"
)

var (
	ErrResolutionFailure  = errors.New("failed to resolve DID")
	ErrCycleDetected      = errors.New("controller cycle detected")
	ErrControllerMismatch = errors.New("controller does not match upstream DID")
)

// ChainLink is the resolved data for a single DID in a chain
type ChainLink struct {
	Document *Doc             `json:"document"`
	Metadata DocumentMetadata `json:"documentMetadata"`
}

// Chain is an ordered sequence of DIDs from a root (which has no controller) down to a leaf, where each DID is controlled by the one before it.
type Chain struct {
	dids []string // root first
	data map[string]*ChainLink
}

// BuildChain walks controller links upwards from did, until it reaches a DID with no controller.
//
// Every DID is resolved exactly once. No proofs are checked; see VerifyProofs.
func BuildChain(ctx context.Context, resolver Resolver, did string) (*Chain, error) {
	chain := &Chain{
		data: make(map[string]*ChainLink),
	}
	visited := hashset.New()
	current := did

	for {
		if visited.Contains(current) {
			return nil, fmt.Errorf("%w: %s", ErrCycleDetected, current)
		}
		visited.Add(current)

		doc, meta, err := ResolveAsResult(ctx, resolver, current)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrResolutionFailure, current, err)
		}
		if meta == nil {
			return nil, fmt.Errorf("%w: %s: missing document metadata", ErrResolutionFailure, current)
		}
		if doc.ID != current {
			return nil, fmt.Errorf("%w: %s: resolved document has id %s", ErrResolutionFailure, current, doc.ID)
		}

		// built leaf first, reversed at the end
		chain.dids = append(chain.dids, current)
		chain.data[current] = &ChainLink{Document: doc, Metadata: meta}

		switch len(doc.Controller) {
		case 0:
			slices.Reverse(chain.dids)
			return chain, nil
		case 1:
			current = doc.Controller[0]
		default:
			return nil, fmt.Errorf("%w: %s", ErrMultipleControllers, current)
		}
	}
}

func (c *Chain) Len() int {
	return len(c.dids)
}

// Level returns the position of did in the chain (root is 0).
func (c *Chain) Level(did string) (int, bool) {
	idx := slices.Index(c.dids, did)
	if idx < 0 {
		return 0, false
	}
	return idx, true
}

// Root panics on an empty chain, which BuildChain never returns.
func (c *Chain) Root() string {
	if len(c.dids) == 0 {
		panic("trustchain: empty chain has no root")
	}
	return c.dids[0]
}

// Leaf panics on an empty chain, which BuildChain never returns.
func (c *Chain) Leaf() string {
	if len(c.dids) == 0 {
		panic("trustchain: empty chain has no leaf")
	}
	return c.dids[len(c.dids)-1]
}

// Upstream returns the controller of did within the chain.
func (c *Chain) Upstream(did string) (string, bool) {
	level, ok := c.Level(did)
	if !ok || level == 0 {
		return "", false
	}
	return c.dids[level-1], true
}

// Downstream returns the DID controlled by did within the chain.
func (c *Chain) Downstream(did string) (string, bool) {
	level, ok := c.Level(did)
	if !ok || level == len(c.dids)-1 {
		return "", false
	}
	return c.dids[level+1], true
}

func (c *Chain) Data(did string) (*ChainLink, bool) {
	link, ok := c.data[did]
	return link, ok
}

// DIDs returns a copy of the chain's DIDs, root first.
func (c *Chain) DIDs() []string {
	return slices.Clone(c.dids)
}

func (c *Chain) String() string {
	return strings.Join(c.dids, " -> ")
}

// VerifyProofs checks every link of the chain, from the leaf up to the root.
//
// Returns the first failure encountered: ErrFailureToGetProof, ErrInvalidPayload or ErrInvalidKeys from VerifyControllerProof,
// or ErrFailureToGetController/ErrControllerMismatch if the chain itself is inconsistent.
func (c *Chain) VerifyProofs() error {
	for level := len(c.dids) - 1; level > 0; level-- {
		did := c.dids[level]
		upstream := c.dids[level-1]
		link := c.data[did]
		controllerLink := c.data[upstream]

		controller, err := link.Document.SoleController()
		if err != nil {
			return err
		}
		if controller != upstream {
			return fmt.Errorf("%w: %s claims %s, chain has %s", ErrControllerMismatch, did, controller, upstream)
		}

		if err := VerifyControllerProof(link.Document, link.Metadata, controllerLink.Document); err != nil {
			return err
		}
	}
	return nil
}

type chainJSON struct {
	Chain []string              `json:"chain"`
	Data  map[string]*ChainLink `json:"data"`
}

func (c *Chain) MarshalJSON() ([]byte, error) {
	return json.Marshal(chainJSON{
		Chain: c.dids,
		Data:  c.data,
	})
}

func (c *Chain) UnmarshalJSON(b []byte) error {
	var raw chainJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw.Chain) == 0 {
		return fmt.Errorf("empty chain")
	}
	seen := make(map[string]bool, len(raw.Chain))
	for _, did := range raw.Chain {
		if seen[did] {
			return fmt.Errorf("%w: %s", ErrCycleDetected, did)
		}
		seen[did] = true
		link, ok := raw.Data[did]
		if !ok || link == nil || link.Document == nil {
			return fmt.Errorf("missing chain data for %s", did)
		}
	}
	c.dids = raw.Chain
	c.data = raw.Data
	return nil
}
