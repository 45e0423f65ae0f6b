package trustchain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
)

// OneOrMany is a list of strings which is serialized as a bare string when it has exactly one element.
//
// Used for JSON-LD properties like `controller` and `@context` which may take either form.
type OneOrMany []string

func (o OneOrMany) MarshalJSON() ([]byte, error) {
	if len(o) == 1 {
		return json.Marshal(o[0])
	}
	return json.Marshal([]string(o))
}

func (o *OneOrMany) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*o = OneOrMany{s}
		return nil
	}
	var l []string
	if err := json.Unmarshal(b, &l); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*o = OneOrMany(l)
	return nil
}

// DocVerificationMethod is either an inline verification method, or a reference (by ID) to one defined elsewhere.
type DocVerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`

	// set (and all other fields empty) when the method is a reference
	Ref string `json:"-"`
}

func (vm DocVerificationMethod) MarshalJSON() ([]byte, error) {
	if vm.Ref != "" {
		return json.Marshal(vm.Ref)
	}
	type inline DocVerificationMethod
	return json.Marshal(inline(vm))
}

func (vm *DocVerificationMethod) UnmarshalJSON(b []byte) error {
	var ref string
	if err := json.Unmarshal(b, &ref); err == nil {
		*vm = DocVerificationMethod{Ref: ref}
		return nil
	}
	type inline DocVerificationMethod
	var out inline
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*vm = DocVerificationMethod(out)
	return nil
}

// IsReference reports whether this entry only refers to a method, rather than embedding one.
func (vm *DocVerificationMethod) IsReference() bool {
	return vm.Ref != ""
}

type DocService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint any    `json:"serviceEndpoint"`
}

// Doc is a DID document, with the fields relevant to trust chain verification.
type Doc struct {
	Context            OneOrMany               `json:"@context,omitempty"`
	ID                 string                  `json:"id"`
	Controller         OneOrMany               `json:"controller,omitempty"`
	AlsoKnownAs        []string                `json:"alsoKnownAs,omitempty"`
	VerificationMethod []DocVerificationMethod `json:"verificationMethod,omitempty"`
	Service            []DocService            `json:"service,omitempty"`
}

var (
	// Returned by SoleController when the document has no controller
	ErrFailureToGetController = errors.New("failed to get controller from document")

	// Returned when a document claims more than one controller
	ErrMultipleControllers = errors.New("document has multiple controllers")
	ErrUnencodableDocument = errors.New("document has no canonical encoding")
)

// canonical forms of the document, used only for DAG-CBOR encoding. empty lists are omitted, so that
// `[]` and a missing field hash identically.
type canonicalVerificationMethod struct {
	ID                 string `refmt:"id"`
	Type               string `refmt:"type"`
	Controller         string `refmt:"controller"`
	PublicKeyMultibase string `refmt:"publicKeyMultibase,omitempty"`
	Ref                string `refmt:"ref,omitempty"`
}

type canonicalService struct {
	ID   string `refmt:"id"`
	Type string `refmt:"type"`
	// generic JSON value (string, map or list), keeping its type
	ServiceEndpoint any `refmt:"serviceEndpoint"`
}

type canonicalDoc struct {
	Context            []string                      `refmt:"@context,omitempty"`
	ID                 string                        `refmt:"id"`
	Controller         []string                      `refmt:"controller,omitempty"`
	AlsoKnownAs        []string                      `refmt:"alsoKnownAs,omitempty"`
	VerificationMethod []canonicalVerificationMethod `refmt:"verificationMethod,omitempty"`
	Service            []canonicalService            `refmt:"service,omitempty"`
}

func init() {
	cbor.RegisterCborType(canonicalVerificationMethod{})
	cbor.RegisterCborType(canonicalService{})
	cbor.RegisterCborType(canonicalDoc{})
}

func computeCID(b []byte) cid.Cid {
	cidBuilder := cid.V1Builder{Codec: 0x71, MhType: 0x12, MhLength: 0}
	c, err := cidBuilder.Sum(b)
	if err != nil {
		return cid.Undef
	}
	return c
}

func nonEmpty[T any](l []T) []T {
	if len(l) == 0 {
		return nil
	}
	return l
}

func (d *Doc) canonical() (canonicalDoc, error) {
	out := canonicalDoc{
		Context:     nonEmpty([]string(d.Context)),
		ID:          d.ID,
		Controller:  nonEmpty([]string(d.Controller)),
		AlsoKnownAs: nonEmpty(d.AlsoKnownAs),
	}
	for _, vm := range d.VerificationMethod {
		out.VerificationMethod = append(out.VerificationMethod, canonicalVerificationMethod(vm))
	}
	for _, svc := range d.Service {
		endpoint, err := genericValue(svc.ServiceEndpoint)
		if err != nil {
			return canonicalDoc{}, fmt.Errorf("service %s endpoint: %w", svc.ID, err)
		}
		out.Service = append(out.Service, canonicalService{
			ID:              svc.ID,
			Type:            svc.Type,
			ServiceEndpoint: endpoint,
		})
	}
	return out, nil
}

// genericValue converts a JSON-serializable value into plain maps, lists and scalars, as decoded from JSON
func genericValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// CanonicalCBORBytes serializes a normalized copy of the document as DAG-CBOR.
func (d *Doc) CanonicalCBORBytes() ([]byte, error) {
	c, err := d.canonical()
	if err != nil {
		return nil, err
	}
	return cbor.DumpObject(c)
}

// ComputeCID returns the CID of the canonical form of the document, or an error if it can't be encoded.
func (d *Doc) ComputeCID() (cid.Cid, error) {
	b, err := d.CanonicalCBORBytes()
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %s: %w", ErrUnencodableDocument, d.ID, err)
	}
	return computeCID(b), nil
}

// CID of the canonical form of the document. This is the payload which controller proofs commit to.
//
// Returns cid.Undef for a document which can't be encoded; see ComputeCID.
func (d *Doc) CID() cid.Cid {
	c, err := d.ComputeCID()
	if err != nil {
		return cid.Undef
	}
	return c
}

// SoleController returns the single controller of the document.
//
// Returns ErrFailureToGetController if there is none, or ErrMultipleControllers if there are several.
func (d *Doc) SoleController() (string, error) {
	switch len(d.Controller) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrFailureToGetController, d.ID)
	case 1:
		return d.Controller[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrMultipleControllers, d.ID)
	}
}

// PublicKeys returns every public key embedded in the document's verification methods.
//
// References, and methods without a parseable multibase key, are skipped.
func (d *Doc) PublicKeys() []atcrypto.PublicKey {
	var keys []atcrypto.PublicKey
	for _, vm := range d.VerificationMethod {
		if vm.IsReference() || vm.PublicKeyMultibase == "" {
			continue
		}
		pub, err := atcrypto.ParsePublicMultibase(vm.PublicKeyMultibase)
		if err != nil {
			continue
		}
		keys = append(keys, pub)
	}
	return keys
}

// VerificationMethodByID finds an inline verification method by full ID ("did:x:y#frag") or fragment ("#frag").
func (d *Doc) VerificationMethodByID(id string) *DocVerificationMethod {
	frag := id
	if idx := strings.Index(id, "#"); idx >= 0 {
		frag = id[idx:]
	}
	for i, vm := range d.VerificationMethod {
		if vm.IsReference() {
			continue
		}
		if vm.ID == id || vm.ID == frag || vm.ID == d.ID+frag {
			return &d.VerificationMethod[i]
		}
	}
	return nil
}

// NewMultikeyMethod returns an inline "Multikey" verification method for the given key.
func NewMultikeyMethod(did, fragment string, pub atcrypto.PublicKey) DocVerificationMethod {
	return DocVerificationMethod{
		ID:                 did + "#" + fragment,
		Type:               "Multikey",
		Controller:         did,
		PublicKeyMultibase: pub.Multibase(),
	}
}

// DocumentMetadata is the opaque property mapping returned alongside a DID document.
type DocumentMetadata map[string]any

// ProofValue returns `proof.proofValue`, or "" if absent.
func (m DocumentMetadata) ProofValue() string {
	proof, ok := m["proof"].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := proof["proofValue"].(string)
	return v
}

// SetProofValue sets `proof.proofValue`, keeping any other proof properties.
func (m DocumentMetadata) SetProofValue(proofValue string) {
	proof, ok := m["proof"].(map[string]any)
	if !ok {
		proof = map[string]any{"type": ProofTypeController}
		m["proof"] = proof
	}
	proof["proofValue"] = proofValue
}

// AnchorHeight returns the ledger height at which the DID was anchored (`anchor.height`).
func (m DocumentMetadata) AnchorHeight() (int64, bool) {
	anchor, ok := m["anchor"].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := anchor["height"].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func (m DocumentMetadata) SetAnchorHeight(height int64) {
	m["anchor"] = map[string]any{"height": height}
}
