package trustchain

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper: an unsigned credential issued by issuer
func newTestCredential(issuer string) *Credential {
	cred := &Credential{
		Context:      OneOrMany{"https://www.w3.org/2018/credentials/v1"},
		ID:           "urn:uuid:6a1f5c3e-0b7e-4b8e-9d8a-5d1f0c1a2b3c",
		Type:         OneOrMany{"VerifiableCredential", "MembershipCredential"},
		IssuanceDate: "2024-01-01T00:00:00Z",
		CredentialSubject: map[string]any{
			"id":     "did:example:subject",
			"name":   "Alice",
			"rating": 4.5,
		},
	}
	if issuer != "" {
		cred.Issuer = &Issuer{ID: issuer}
	}
	return cred
}

// helper: a credential issued (and signed) by the fixture's leaf
func signedTestCredential(t *testing.T, f *testFixture) *Credential {
	t.Helper()
	cred := newTestCredential(f.leaf())
	require.NoError(t, SignCredential(cred, f.leaf()+"#key-1", f.leafKey(), nil, time.Now().Add(-time.Minute)))
	return cred
}

// stub checker which accepts everything, without resolving anything
type acceptingChecker struct{}

func (acceptingChecker) VerifyCredential(ctx context.Context, cred *Credential, opts *ProofOptions) VerificationResult {
	return VerificationResult{Checks: []string{"proof"}}
}

func (acceptingChecker) VerifyToken(ctx context.Context, token string, opts *ProofOptions) (*Credential, VerificationResult) {
	return newTestCredential(""), VerificationResult{Checks: []string{"JWS"}}
}

func TestVerifyCredential_Valid(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newTestFixture(t, 3)
	v := f.verifier()

	cred := signedTestCredential(t, f)
	chain, err := VerifyCredential(ctx, cred, nil, fixedAnchorTime, v)
	require.NoError(t, err)
	assert.Equal(f.leaf(), chain.Leaf())
	assert.Equal(f.dids[0], chain.Root())

	// the proof survives transport
	b, err := json.Marshal(cred)
	require.NoError(t, err)
	var decoded Credential
	require.NoError(t, json.Unmarshal(b, &decoded))
	_, err = VerifyCredential(ctx, &decoded, nil, fixedAnchorTime, v)
	assert.NoError(err)
}

func TestVerifyCredential_NoIssuer(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 2)
	v := f.verifier()
	v.SetProofChecker(acceptingChecker{})

	_, err := VerifyCredential(context.Background(), newTestCredential(""), nil, fixedAnchorTime, v)
	assert.ErrorIs(err, ErrNoIssuerPresent)
	// no chain was built
	assert.Equal(int64(0), f.resolver.Calls())
}

func TestVerifyCredential_Tampered(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 2)

	cred := signedTestCredential(t, f)
	cred.CredentialSubject["name"] = "Mallory"

	_, err := VerifyCredential(context.Background(), cred, nil, fixedAnchorTime, f.verifier())
	assert.ErrorIs(err, ErrVerificationResult)
	var resErr *VerificationResultError
	require.ErrorAs(t, err, &resErr)
	assert.NotEmpty(resErr.Result.Errors)
}

func TestVerifyCredential_ProofChecks(t *testing.T) {
	f := newTestFixture(t, 2)
	ctx := context.Background()
	checker := NewProofChecker(f.resolver)

	tests := map[string]struct {
		mutate func(cred *Credential)
		opts   *ProofOptions
	}{
		"no proof": {
			mutate: func(cred *Credential) { cred.Proof = nil },
		},
		"created in the future": {
			mutate: func(cred *Credential) {
				require.NoError(t, SignCredential(cred, f.leaf()+"#key-1", f.leafKey(), nil, time.Now().Add(time.Hour)))
			},
		},
		"expired": {
			mutate: func(cred *Credential) {
				cred.ExpirationDate = "2020-01-01T00:00:00Z"
				require.NoError(t, SignCredential(cred, f.leaf()+"#key-1", f.leafKey(), nil, time.Now()))
			},
		},
		"wrong purpose": {
			opts: &ProofOptions{ProofPurpose: ProofPurposeAuthentication},
		},
		"wrong challenge": {
			opts: &ProofOptions{Challenge: "expected-challenge"},
		},
		"issuer does not own the key": {
			mutate: func(cred *Credential) {
				cred.Issuer = &Issuer{ID: f.dids[0]}
				require.NoError(t, SignCredential(cred, f.leaf()+"#key-1", f.leafKey(), nil, time.Now()))
			},
		},
		"unknown verification method": {
			mutate: func(cred *Credential) {
				require.NoError(t, SignCredential(cred, f.leaf()+"#key-9", f.leafKey(), nil, time.Now()))
			},
		},
		"signed with another key": {
			mutate: func(cred *Credential) {
				require.NoError(t, SignCredential(cred, f.leaf()+"#key-1", generateKey(t, true), nil, time.Now()))
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cred := signedTestCredential(t, f)
			if tc.mutate != nil {
				tc.mutate(cred)
			}
			result := checker.VerifyCredential(ctx, cred, tc.opts)
			assert.NotEmpty(t, result.Errors)
			assert.Empty(t, result.Checks)
		})
	}
}

func TestVerifyCredential_ChallengeAndDomain(t *testing.T) {
	f := newTestFixture(t, 2)
	opts := &ProofOptions{Challenge: "c-123", Domain: "verifier.example.com"}

	cred := newTestCredential(f.leaf())
	require.NoError(t, SignCredential(cred, f.leaf()+"#key-1", f.leafKey(), opts, time.Now()))

	_, err := VerifyCredential(context.Background(), cred, opts, fixedAnchorTime, f.verifier())
	assert.NoError(t, err)
}

func TestVerifyCredential_IssuerChainFails(t *testing.T) {
	assert := assert.New(t)
	f := newTestFixture(t, 2)

	cred := signedTestCredential(t, f)
	_, err := VerifyCredential(context.Background(), cred, nil, fixedAnchorTime+60, f.verifier())
	assert.ErrorIs(err, ErrInvalidRoot)
}

func TestCredentialToken(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newTestFixture(t, 3)
	v := f.verifier()

	cred := newTestCredential(f.leaf())
	cred.ExpirationDate = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	token, err := IssueCredentialToken(cred, f.leaf()+"#key-1", f.leafKey())
	require.NoError(t, err)

	chain, err := VerifyCredentialToken(ctx, token, nil, fixedAnchorTime, v)
	require.NoError(t, err)
	assert.Equal(f.leaf(), chain.Leaf())

	decoded, result := v.ProofChecker().VerifyToken(ctx, token, nil)
	assert.Empty(result.Errors)
	require.NotNil(t, decoded)
	assert.Equal("Alice", decoded.CredentialSubject["name"])
	assert.Equal(f.leaf(), decoded.IssuerID())
}

func TestCredentialToken_Invalid(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t, 2)
	v := f.verifier()

	cred := newTestCredential(f.leaf())
	forged, err := IssueCredentialToken(cred, f.leaf()+"#key-1", generateKey(t, false))
	require.NoError(t, err)

	expiredCred := newTestCredential(f.leaf())
	expiredCred.ExpirationDate = "2020-01-01T00:00:00Z"
	expired, err := IssueCredentialToken(expiredCred, f.leaf()+"#key-1", f.leafKey())
	require.NoError(t, err)

	for name, token := range map[string]string{
		"forged":    forged,
		"expired":   expired,
		"malformed": "eyJhbGciOiJFUzI1NksifQ.e30",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := VerifyCredentialToken(ctx, token, nil, fixedAnchorTime, v)
			assert.ErrorIs(t, err, ErrVerificationResult)
		})
	}
}
