package trustchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNoIssuerPresent    = errors.New("credential has no issuer")
	ErrVerificationResult = errors.New("credential proof verification failed")
)

// Issuer of a credential. Serialized as a bare string when only the ID is set.
type Issuer struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (i Issuer) MarshalJSON() ([]byte, error) {
	if i.Name == "" {
		return json.Marshal(i.ID)
	}
	type object Issuer
	return json.Marshal(object(i))
}

func (i *Issuer) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*i = Issuer{ID: id}
		return nil
	}
	type object Issuer
	var out object
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*i = Issuer(out)
	return nil
}

// Proof is an embedded (data integrity style) proof on a credential
type Proof struct {
	Type               string `json:"type"`
	Cryptosuite        string `json:"cryptosuite,omitempty"`
	Created            string `json:"created,omitempty"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	Challenge          string `json:"challenge,omitempty"`
	Domain             string `json:"domain,omitempty"`
	ProofValue         string `json:"proofValue,omitempty"`
}

// Credential is a W3C verifiable credential
type Credential struct {
	Context           OneOrMany      `json:"@context"`
	ID                string         `json:"id,omitempty"`
	Type              OneOrMany      `json:"type"`
	Issuer            *Issuer        `json:"issuer,omitempty"`
	IssuanceDate      string         `json:"issuanceDate,omitempty"`
	ExpirationDate    string         `json:"expirationDate,omitempty"`
	CredentialSubject map[string]any `json:"credentialSubject,omitempty"`
	Proof             *Proof         `json:"proof,omitempty"`
}

// IssuerID returns the issuer's identifier, or "" if there is none
func (c *Credential) IssuerID() string {
	if c.Issuer == nil {
		return ""
	}
	return c.Issuer.ID
}

// SubjectID returns `credentialSubject.id`, or "" if there is none
func (c *Credential) SubjectID() string {
	id, _ := c.CredentialSubject["id"].(string)
	return id
}

// ProofOptions constrain which proofs are acceptable
type ProofOptions struct {
	ProofPurpose string `json:"proofPurpose,omitempty"`
	Challenge    string `json:"challenge,omitempty"`
	Domain       string `json:"domain,omitempty"`
}

type VerificationResult struct {
	Checks   []string `json:"checks"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
}

func (r *VerificationResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// VerificationResultError is returned when a proof checker reports errors. It wraps ErrVerificationResult.
type VerificationResultError struct {
	Result VerificationResult
}

func (e *VerificationResultError) Error() string {
	return fmt.Sprintf("%s: %s", ErrVerificationResult, strings.Join(e.Result.Errors, "; "))
}

func (e *VerificationResultError) Unwrap() error {
	return ErrVerificationResult
}

// ProofChecker checks the signatures on credentials. It knows nothing of trust chains.
type ProofChecker interface {
	// VerifyCredential checks the credential's embedded proof
	VerifyCredential(ctx context.Context, cred *Credential, opts *ProofOptions) VerificationResult

	// VerifyToken checks an encoded credential, returning the decoded credential if it could be decoded at all
	VerifyToken(ctx context.Context, token string, opts *ProofOptions) (*Credential, VerificationResult)
}

// VerifyCredential checks the credential's own proof, then verifies the trust chain of its issuer.
func VerifyCredential(ctx context.Context, cred *Credential, opts *ProofOptions, rootEventTime Timestamp, v *Verifier) (*Chain, error) {
	result := v.ProofChecker().VerifyCredential(ctx, cred, opts)
	return verifyIssuer(ctx, cred, result, rootEventTime, v)
}

// VerifyCredentialToken is like VerifyCredential, for a credential in encoded (JWT) form.
func VerifyCredentialToken(ctx context.Context, token string, opts *ProofOptions, rootEventTime Timestamp, v *Verifier) (*Chain, error) {
	cred, result := v.ProofChecker().VerifyToken(ctx, token, opts)
	if cred == nil && len(result.Errors) == 0 {
		result.addError("token could not be decoded")
	}
	return verifyIssuer(ctx, cred, result, rootEventTime, v)
}

func verifyIssuer(ctx context.Context, cred *Credential, result VerificationResult, rootEventTime Timestamp, v *Verifier) (chain *Chain, err error) {
	defer func() {
		CredentialsCounter.Add(ctx, 1, metric.WithAttributes(resultAttr(err)))
	}()

	if len(result.Errors) > 0 {
		return nil, &VerificationResultError{Result: result}
	}
	issuer := cred.IssuerID()
	if issuer == "" {
		return nil, ErrNoIssuerPresent
	}
	return v.Verify(ctx, issuer, rootEventTime)
}
