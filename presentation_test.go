package trustchain

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stub checker which records how many verifications run at once
type countingChecker struct {
	inflight atomic.Int64
	maxSeen  atomic.Int64
	calls    atomic.Int64
	failOn   string
}

func (c *countingChecker) enter() {
	c.calls.Add(1)
	n := c.inflight.Add(1)
	for {
		m := c.maxSeen.Load()
		if n <= m || c.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	c.inflight.Add(-1)
}

func (c *countingChecker) VerifyCredential(ctx context.Context, cred *Credential, opts *ProofOptions) VerificationResult {
	c.enter()
	if c.failOn != "" && cred.ID == c.failOn {
		return VerificationResult{Errors: []string{"rejected"}}
	}
	return VerificationResult{Checks: []string{"proof"}}
}

func (c *countingChecker) VerifyToken(ctx context.Context, token string, opts *ProofOptions) (*Credential, VerificationResult) {
	c.enter()
	return nil, VerificationResult{Errors: []string{"tokens not supported"}}
}

func TestVerifyPresentation_NoCredentials(t *testing.T) {
	f := newTestFixture(t, 1)

	err := VerifyPresentation(context.Background(), &Presentation{}, nil, fixedAnchorTime, f.verifier())
	assert.ErrorIs(t, err, ErrNoCredentialsPresent)
}

func TestVerifyPresentation_TenCredentials(t *testing.T) {
	f := newTestFixture(t, 3)
	v := f.verifier()

	p := &Presentation{
		Context: OneOrMany{"https://www.w3.org/2018/credentials/v1"},
		Type:    OneOrMany{"VerifiablePresentation"},
		Holder:  "did:example:subject",
	}
	for i := range 10 {
		if i%2 == 0 {
			p.VerifiableCredential = append(p.VerifiableCredential, CredentialOrToken{Credential: signedTestCredential(t, f)})
		} else {
			token, err := IssueCredentialToken(newTestCredential(f.leaf()), f.leaf()+"#key-1", f.leafKey())
			require.NoError(t, err)
			p.VerifiableCredential = append(p.VerifiableCredential, CredentialOrToken{Token: token})
		}
	}

	assert.NoError(t, VerifyPresentation(context.Background(), p, nil, fixedAnchorTime, v))
}

func TestVerifyPresentation_ConcurrencyLimit(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 2)
	v := f.verifier()
	checker := &countingChecker{}
	v.SetProofChecker(checker)

	p := &Presentation{}
	for range 12 {
		p.VerifiableCredential = append(p.VerifiableCredential, CredentialOrToken{Credential: newTestCredential(f.leaf())})
	}

	assert.NoError(VerifyPresentation(context.Background(), p, nil, fixedAnchorTime, v))
	assert.Equal(int64(12), checker.calls.Load())
	assert.LessOrEqual(checker.maxSeen.Load(), int64(PresentationConcurrency))
	assert.Greater(checker.maxSeen.Load(), int64(1))
}

func TestVerifyPresentation_FirstErrorAfterAllComplete(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 2)
	v := f.verifier()
	checker := &countingChecker{failOn: "urn:bad"}
	v.SetProofChecker(checker)

	p := &Presentation{}
	for i := range 10 {
		cred := newTestCredential(f.leaf())
		if i == 0 {
			cred.ID = "urn:bad"
		}
		p.VerifiableCredential = append(p.VerifiableCredential, CredentialOrToken{Credential: cred})
	}

	err := VerifyPresentation(context.Background(), p, nil, fixedAnchorTime, v)
	assert.ErrorIs(err, ErrVerificationResult)
	// the failure does not stop sibling verifications
	assert.Equal(int64(10), checker.calls.Load())
}

func TestVerifyPresentation_BadToken(t *testing.T) {
	f := newTestFixture(t, 2)

	p := &Presentation{
		VerifiableCredential: []CredentialOrToken{
			{Credential: signedTestCredential(t, f)},
			{Token: "not.a.token"},
		},
	}
	err := VerifyPresentation(context.Background(), p, nil, fixedAnchorTime, f.verifier())
	assert.ErrorIs(t, err, ErrVerificationResult)
}

func TestPresentationJSON(t *testing.T) {
	assert := assert.New(t)

	raw := `{
		"@context": "https://www.w3.org/2018/credentials/v1",
		"type": "VerifiablePresentation",
		"holder": "did:example:subject",
		"verifiableCredential": [
			{"@context": ["https://www.w3.org/2018/credentials/v1"], "type": ["VerifiableCredential"], "issuer": {"id": "did:example:issuer", "name": "Issuer"}, "credentialSubject": {"id": "did:example:subject"}},
			"eyJhbGciOiJFUzI1NksifQ.e30.c2ln"
		]
	}`
	var p Presentation
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.Len(t, p.VerifiableCredential, 2)
	require.NotNil(t, p.VerifiableCredential[0].Credential)
	assert.Equal("did:example:issuer", p.VerifiableCredential[0].Credential.IssuerID())
	assert.Equal("Issuer", p.VerifiableCredential[0].Credential.Issuer.Name)
	assert.Equal("eyJhbGciOiJFUzI1NksifQ.e30.c2ln", p.VerifiableCredential[1].Token)

	b, err := json.Marshal(&p)
	require.NoError(t, err)
	assert.Contains(string(b), `"eyJhbGciOiJFUzI1NksifQ.e30.c2ln"`)
	assert.Contains(string(b), `"@context":"https://www.w3.org/2018/credentials/v1"`)

	_, err = json.Marshal(CredentialOrToken{})
	assert.Error(err)
}

func TestSignPresentation(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 2)
	checker := NewProofChecker(f.resolver)
	ctx := context.Background()

	newSigned := func(t *testing.T, opts *ProofOptions) *Presentation {
		p := &Presentation{
			Context:              OneOrMany{"https://www.w3.org/2018/credentials/v1"},
			Type:                 OneOrMany{"VerifiablePresentation"},
			Holder:               f.leaf(),
			VerifiableCredential: []CredentialOrToken{{Credential: signedTestCredential(t, f)}},
		}
		require.NoError(t, SignPresentation(p, f.leaf()+"#key-1", f.leafKey(), opts, time.Now().Add(-time.Minute)))
		return p
	}

	opts := &ProofOptions{Challenge: "c-123", Domain: "verifier.example.com"}
	p := newSigned(t, opts)
	require.NotNil(t, p.Proof)
	assert.Equal(ProofPurposeAuthentication, p.Proof.ProofPurpose)

	// survives the wire
	b, err := json.Marshal(p)
	require.NoError(t, err)
	var decoded Presentation
	require.NoError(t, json.Unmarshal(b, &decoded))

	result := checker.VerifyPresentationProof(ctx, &decoded, opts)
	assert.Empty(result.Errors)
	assert.Contains(result.Checks, "proof")
	assert.NoError(VerifyPresentation(ctx, &decoded, nil, fixedAnchorTime, f.verifier()))

	result = checker.VerifyPresentationProof(ctx, &decoded, &ProofOptions{Challenge: "other"})
	assert.Contains(result.Errors, "proof challenge does not match")

	result = checker.VerifyPresentationProof(ctx, &decoded, &ProofOptions{ProofPurpose: ProofPurposeAssertion})
	assert.NotEmpty(result.Errors)

	tampered := newSigned(t, nil)
	tampered.VerifiableCredential = append(tampered.VerifiableCredential, CredentialOrToken{Token: "eyJhbGciOiJFUzI1NksifQ.e30.c2ln"})
	result = checker.VerifyPresentationProof(ctx, tampered, nil)
	require.NotEmpty(t, result.Errors)
	assert.Contains(result.Errors[0], "invalid signature")

	otherHolder := newSigned(t, nil)
	otherHolder.Holder = f.dids[0]
	result = checker.VerifyPresentationProof(ctx, otherHolder, nil)
	require.NotEmpty(t, result.Errors)
	assert.Contains(result.Errors[0], "does not belong to holder")

	result = checker.VerifyPresentationProof(ctx, &Presentation{Holder: f.leaf()}, nil)
	assert.Equal([]string{"no proof"}, result.Errors)
}
