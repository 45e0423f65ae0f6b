package trustchain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/golang-jwt/jwt/v5"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/multiformats/go-multibase"
)

const (
	ProofTypeDataIntegrity = "DataIntegrityProof"
	// signatures over the DAG-CBOR encoding of the proof options and credential, with multikey verification methods
	CryptosuiteMultikeyCBOR = "ecdsa-multikey-dagcbor"

	ProofPurposeAssertion      = "assertionMethod"
	ProofPurposeAuthentication = "authentication"
)

// DataIntegrityChecker is the default ProofChecker. Verification method DIDs are resolved with the given resolver.
type DataIntegrityChecker struct {
	resolver Resolver
	now      func() time.Time
}

var _ ProofChecker = (*DataIntegrityChecker)(nil)

func NewProofChecker(resolver Resolver) *DataIntegrityChecker {
	return &DataIntegrityChecker{
		resolver: resolver,
		now:      time.Now,
	}
}

// canonicalBytes encodes any JSON-serializable value as DAG-CBOR (which sorts map keys)
func canonicalBytes(v any) ([]byte, error) {
	generic, err := genericValue(v)
	if err != nil {
		return nil, err
	}
	return cbor.DumpObject(generic)
}

// signingInput is the canonical proof configuration (without its value) followed by the canonical unsigned document
func signingInput(unsigned any, proof *Proof) ([]byte, error) {
	config := *proof
	config.ProofValue = ""

	configBytes, err := canonicalBytes(config)
	if err != nil {
		return nil, err
	}
	docBytes, err := canonicalBytes(unsigned)
	if err != nil {
		return nil, err
	}
	return append(configBytes, docBytes...), nil
}

func credentialSigningInput(cred *Credential, proof *Proof) ([]byte, error) {
	unsigned := *cred
	unsigned.Proof = nil
	return signingInput(unsigned, proof)
}

func presentationSigningInput(p *Presentation, proof *Proof) ([]byte, error) {
	unsigned := *p
	unsigned.Proof = nil
	return signingInput(unsigned, proof)
}

// didFromMethod returns the DID part of a verification method ID
func didFromMethod(vmID string) string {
	did, _, _ := strings.Cut(vmID, "#")
	return did
}

func signProof(vmID string, priv atcrypto.PrivateKey, opts *ProofOptions, defaultPurpose string, created time.Time, input func(*Proof) ([]byte, error)) (*Proof, error) {
	if opts == nil {
		opts = &ProofOptions{}
	}
	purpose := opts.ProofPurpose
	if purpose == "" {
		purpose = defaultPurpose
	}
	proof := &Proof{
		Type:               ProofTypeDataIntegrity,
		Cryptosuite:        CryptosuiteMultikeyCBOR,
		Created:            created.UTC().Format(time.RFC3339),
		VerificationMethod: vmID,
		ProofPurpose:       purpose,
		Challenge:          opts.Challenge,
		Domain:             opts.Domain,
	}
	b, err := input(proof)
	if err != nil {
		return nil, err
	}
	sig, err := priv.HashAndSign(b)
	if err != nil {
		return nil, err
	}
	proof.ProofValue, err = multibase.Encode(multibase.Base58BTC, sig)
	if err != nil {
		return nil, err
	}
	return proof, nil
}

// SignCredential adds a proof to cred, made with priv. vmID is the full ID of the matching verification method in the issuer's document.
func SignCredential(cred *Credential, vmID string, priv atcrypto.PrivateKey, opts *ProofOptions, created time.Time) error {
	proof, err := signProof(vmID, priv, opts, ProofPurposeAssertion, created, func(proof *Proof) ([]byte, error) {
		return credentialSigningInput(cred, proof)
	})
	if err != nil {
		return err
	}
	cred.Proof = proof
	return nil
}

// SignPresentation adds a holder proof to p. The proof purpose defaults to authentication.
func SignPresentation(p *Presentation, vmID string, priv atcrypto.PrivateKey, opts *ProofOptions, created time.Time) error {
	proof, err := signProof(vmID, priv, opts, ProofPurposeAuthentication, created, func(proof *Proof) ([]byte, error) {
		return presentationSigningInput(p, proof)
	})
	if err != nil {
		return err
	}
	p.Proof = proof
	return nil
}

func (c *DataIntegrityChecker) resolveKey(ctx context.Context, vmID string) (atcrypto.PublicKey, error) {
	doc, _, err := ResolveAsResult(ctx, c.resolver, didFromMethod(vmID))
	if err != nil {
		return nil, err
	}
	vm := doc.VerificationMethodByID(vmID)
	if vm == nil {
		return nil, fmt.Errorf("verification method not found: %s", vmID)
	}
	return atcrypto.ParsePublicMultibase(vm.PublicKeyMultibase)
}

func (c *DataIntegrityChecker) checkIssuerBinding(result *VerificationResult, issuer, vmID string) {
	if issuer != "" && didFromMethod(vmID) != issuer {
		result.addError("verification method %s does not belong to issuer %s", vmID, issuer)
	}
}

func (c *DataIntegrityChecker) checkDates(result *VerificationResult, cred *Credential) {
	now := c.now()
	if cred.ExpirationDate != "" {
		exp, err := time.Parse(time.RFC3339, cred.ExpirationDate)
		if err != nil {
			result.addError("invalid expirationDate: %v", err)
		} else if now.After(exp) {
			result.addError("credential expired at %s", cred.ExpirationDate)
		}
	}
	if cred.IssuanceDate != "" {
		iss, err := time.Parse(time.RFC3339, cred.IssuanceDate)
		if err != nil {
			result.addError("invalid issuanceDate: %v", err)
		} else if iss.After(now) {
			result.Warnings = append(result.Warnings, "credential issuance date is in the future")
		}
	}
}

// checkProofOptions reports whether proof has a supported suite. Option mismatches are added to result.
func (c *DataIntegrityChecker) checkProofOptions(result *VerificationResult, proof *Proof, opts *ProofOptions, defaultPurpose string) bool {
	if proof == nil {
		result.addError("no proof")
		return false
	}
	if proof.Type != ProofTypeDataIntegrity || proof.Cryptosuite != CryptosuiteMultikeyCBOR {
		result.addError("unsupported proof type: %s/%s", proof.Type, proof.Cryptosuite)
		return false
	}

	purpose := opts.ProofPurpose
	if purpose == "" {
		purpose = defaultPurpose
	}
	if proof.ProofPurpose != purpose {
		result.addError("proof purpose %s does not match expected %s", proof.ProofPurpose, purpose)
	}
	if opts.Challenge != "" && proof.Challenge != opts.Challenge {
		result.addError("proof challenge does not match")
	}
	if opts.Domain != "" && proof.Domain != opts.Domain {
		result.addError("proof domain does not match")
	}
	if proof.Created != "" {
		created, err := time.Parse(time.RFC3339, proof.Created)
		if err != nil {
			result.addError("invalid proof created time: %v", err)
		} else if created.After(c.now()) {
			result.addError("proof created in the future (%s)", proof.Created)
		}
	}
	return true
}

func (c *DataIntegrityChecker) checkSignature(ctx context.Context, result *VerificationResult, proof *Proof, input []byte) {
	pub, err := c.resolveKey(ctx, proof.VerificationMethod)
	if err != nil {
		result.addError("resolving verification method: %v", err)
		return
	}
	_, sig, err := multibase.Decode(proof.ProofValue)
	if err != nil {
		result.addError("invalid proof value encoding: %v", err)
		return
	}
	if err := pub.HashAndVerify(input, sig); err != nil {
		result.addError("invalid signature: %v", err)
		return
	}
	result.Checks = append(result.Checks, "proof")
}

func (c *DataIntegrityChecker) VerifyCredential(ctx context.Context, cred *Credential, opts *ProofOptions) VerificationResult {
	var result VerificationResult
	if opts == nil {
		opts = &ProofOptions{}
	}

	proof := cred.Proof
	if !c.checkProofOptions(&result, proof, opts, ProofPurposeAssertion) {
		return result
	}
	c.checkDates(&result, cred)
	c.checkIssuerBinding(&result, cred.IssuerID(), proof.VerificationMethod)
	if len(result.Errors) > 0 {
		return result
	}

	input, err := credentialSigningInput(cred, proof)
	if err != nil {
		result.addError("canonicalizing credential: %v", err)
		return result
	}
	c.checkSignature(ctx, &result, proof, input)
	return result
}

// VerifyPresentationProof checks the holder's own proof on p. The verification method must belong to the holder, when one is named.
func (c *DataIntegrityChecker) VerifyPresentationProof(ctx context.Context, p *Presentation, opts *ProofOptions) VerificationResult {
	var result VerificationResult
	if opts == nil {
		opts = &ProofOptions{}
	}

	proof := p.Proof
	if !c.checkProofOptions(&result, proof, opts, ProofPurposeAuthentication) {
		return result
	}
	if p.Holder != "" && didFromMethod(proof.VerificationMethod) != p.Holder {
		result.addError("verification method %s does not belong to holder %s", proof.VerificationMethod, p.Holder)
	}
	if len(result.Errors) > 0 {
		return result
	}

	input, err := presentationSigningInput(p, proof)
	if err != nil {
		result.addError("canonicalizing presentation: %v", err)
		return result
	}
	c.checkSignature(ctx, &result, proof, input)
	return result
}

type credentialClaims struct {
	VC Credential `json:"vc"`
	jwt.RegisteredClaims
}

func parseDate(s string) *jwt.NumericDate {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return jwt.NewNumericDate(t)
}

// IssueCredentialToken encodes and signs cred as a JWT. vmID is the full ID of the matching verification method in the issuer's document.
func IssueCredentialToken(cred *Credential, vmID string, priv atcrypto.PrivateKey) (string, error) {
	method, err := signingMethodFor(priv)
	if err != nil {
		return "", err
	}
	vc := *cred
	vc.Proof = nil
	claims := credentialClaims{
		VC: vc,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cred.IssuerID(),
			Subject:   cred.SubjectID(),
			ID:        cred.ID,
			NotBefore: parseDate(cred.IssuanceDate),
			ExpiresAt: parseDate(cred.ExpirationDate),
		},
	}
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = vmID
	return token.SignedString(priv)
}

func (c *DataIntegrityChecker) VerifyToken(ctx context.Context, token string, opts *ProofOptions) (*Credential, VerificationResult) {
	var result VerificationResult

	var claims credentialClaims
	parsed, signingString, sig, err := decodeJWS(token, &claims)
	if err != nil {
		result.addError("malformed token: %v", err)
		return nil, result
	}
	if opts != nil && (opts.Challenge != "" || opts.Domain != "") {
		result.Warnings = append(result.Warnings, "challenge and domain are not checked for JWT credentials")
	}

	cred := claims.VC
	if claims.Issuer != "" {
		if cred.Issuer == nil {
			cred.Issuer = &Issuer{ID: claims.Issuer}
		} else if cred.IssuerID() != claims.Issuer {
			result.addError("token issuer %s does not match credential issuer %s", claims.Issuer, cred.IssuerID())
		}
	}

	now := c.now()
	if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Time) {
		result.addError("token expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		result.addError("token not yet valid")
	}

	kid, _ := parsed.Header["kid"].(string)
	if kid == "" {
		result.addError("token has no key id")
		return &cred, result
	}
	c.checkIssuerBinding(&result, cred.IssuerID(), kid)
	if len(result.Errors) > 0 {
		return &cred, result
	}

	pub, err := c.resolveKey(ctx, kid)
	if err != nil {
		result.addError("resolving verification method: %v", err)
		return &cred, result
	}
	if err := pub.HashAndVerify([]byte(signingString), sig); err != nil {
		result.addError("invalid signature: %v", err)
		return &cred, result
	}
	result.Checks = append(result.Checks, "JWS")
	return &cred, result
}
