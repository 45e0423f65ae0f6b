package trustchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// PresentationConcurrency is the maximum number of credentials of one presentation verified at once
const PresentationConcurrency = 5

var ErrNoCredentialsPresent = errors.New("presentation has no credentials")

// CredentialOrToken is one entry of a presentation: either an inline credential (a JSON object) or an encoded token (a JSON string).
type CredentialOrToken struct {
	Credential *Credential
	Token      string
}

func (ct CredentialOrToken) MarshalJSON() ([]byte, error) {
	if ct.Credential != nil {
		return json.Marshal(ct.Credential)
	} else if ct.Token != "" {
		return json.Marshal(ct.Token)
	}
	return nil, fmt.Errorf("can't marshal empty CredentialOrToken")
}

func (ct *CredentialOrToken) UnmarshalJSON(b []byte) error {
	var token string
	if err := json.Unmarshal(b, &token); err == nil {
		*ct = CredentialOrToken{Token: token}
		return nil
	}
	var cred Credential
	if err := json.Unmarshal(b, &cred); err != nil {
		return err
	}
	*ct = CredentialOrToken{Credential: &cred}
	return nil
}

// Presentation is a W3C verifiable presentation
type Presentation struct {
	Context              OneOrMany           `json:"@context"`
	ID                   string              `json:"id,omitempty"`
	Type                 OneOrMany           `json:"type"`
	Holder               string              `json:"holder,omitempty"`
	VerifiableCredential []CredentialOrToken `json:"verifiableCredential,omitempty"`
	Proof                *Proof              `json:"proof,omitempty"`
}

// VerifyPresentation verifies every credential in the presentation, including their issuers' trust chains.
//
// Up to PresentationConcurrency credentials are verified at once. All of them run to completion, and the first error is returned.
// The presentation's own proof is not checked here; see DataIntegrityChecker.VerifyPresentationProof.
func VerifyPresentation(ctx context.Context, p *Presentation, opts *ProofOptions, rootEventTime Timestamp, v *Verifier) error {
	if len(p.VerifiableCredential) == 0 {
		return ErrNoCredentialsPresent
	}

	var g errgroup.Group
	g.SetLimit(PresentationConcurrency)
	for idx, entry := range p.VerifiableCredential {
		g.Go(func() error {
			var err error
			switch {
			case entry.Credential != nil:
				_, err = VerifyCredential(ctx, entry.Credential, opts, rootEventTime, v)
			case entry.Token != "":
				_, err = VerifyCredentialToken(ctx, entry.Token, opts, rootEventTime, v)
			default:
				err = fmt.Errorf("empty credential entry")
			}
			if err != nil {
				return fmt.Errorf("credential %d: %w", idx, err)
			}
			return nil
		})
	}
	return g.Wait()
}
