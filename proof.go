package trustchain

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/golang-jwt/jwt/v5"
)

// ProofTypeController is the `type` of the proof object placed in document metadata by controllers.
const ProofTypeController = "ControllerProof"

var (
	ErrFailureToGetProof = errors.New("failed to get proof from document metadata")
	ErrInvalidPayload    = errors.New("proof payload does not match document")
	ErrInvalidKeys       = errors.New("no controller key validates the proof")
)

// signingMethodAtcrypto adapts atcrypto keys to JWS signing. Signatures are the same compact (r||s, low-S) form that atcrypto produces.
type signingMethodAtcrypto struct {
	alg string
}

var (
	SigningMethodES256K = &signingMethodAtcrypto{alg: "ES256K"}
	SigningMethodES256  = &signingMethodAtcrypto{alg: "ES256"}
)

func init() {
	// ES256 is already registered by the jwt library (for crypto/ecdsa keys). tokens are only ever parsed unverified here,
	// and verification goes through signingMethodAtcrypto directly.
	jwt.RegisterSigningMethod(SigningMethodES256K.Alg(), func() jwt.SigningMethod {
		return SigningMethodES256K
	})
}

func (m *signingMethodAtcrypto) Alg() string {
	return m.alg
}

func (m *signingMethodAtcrypto) Sign(signingString string, key any) ([]byte, error) {
	priv, ok := key.(atcrypto.PrivateKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return priv.HashAndSign([]byte(signingString))
}

func (m *signingMethodAtcrypto) Verify(signingString string, sig []byte, key any) error {
	pub, ok := key.(atcrypto.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	return pub.HashAndVerify([]byte(signingString), sig)
}

// signingMethodFor picks the JWS algorithm matching a private key's curve
func signingMethodFor(priv atcrypto.PrivateKey) (*signingMethodAtcrypto, error) {
	switch priv.(type) {
	case *atcrypto.PrivateKeyK256:
		return SigningMethodES256K, nil
	case *atcrypto.PrivateKeyP256:
		return SigningMethodES256, nil
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", priv)
	}
}

// ControllerClaims is the payload of a controller proof.
type ControllerClaims struct {
	// CID of the canonical form of the controlled document
	DocumentCID string `json:"cid"`
	jwt.RegisteredClaims
}

// Attest produces a proof value by which controllerDID endorses doc.
//
// The result is meant to be stored in the controlled document's metadata (see DocumentMetadata.SetProofValue).
func Attest(doc *Doc, controllerDID string, priv atcrypto.PrivateKey) (string, error) {
	method, err := signingMethodFor(priv)
	if err != nil {
		return "", err
	}
	docCID, err := doc.ComputeCID()
	if err != nil {
		return "", err
	}
	claims := ControllerClaims{
		DocumentCID: docCID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   controllerDID,
			Subject:  doc.ID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(method, claims).SignedString(priv)
}

// decodeJWS parses a compact JWS without verifying it, returning the signing input and raw signature alongside the parsed token.
func decodeJWS(token string, claims jwt.Claims) (*jwt.Token, string, []byte, error) {
	// this check is required because the base64 decoder will silently skip CR/LF
	if strings.ContainsAny(token, "\r\n") {
		return nil, "", nil, fmt.Errorf("invalid token encoding (CRLF)")
	}
	parsed, parts, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return nil, "", nil, err
	}
	sig, err := base64.RawURLEncoding.Strict().DecodeString(parts[2])
	if err != nil {
		return nil, "", nil, err
	}
	return parsed, parts[0] + "." + parts[1], sig, nil
}

// verifyAny checks a signature against each key in turn. on success, the index of the first key that was able to validate the signature is returned.
func verifyAny(signingString string, sig []byte, keys []atcrypto.PublicKey) (int, error) {
	if len(keys) == 0 {
		return -1, fmt.Errorf("no keys to verify against")
	}
	for idx, pub := range keys {
		err := pub.HashAndVerify([]byte(signingString), sig)
		if err == nil {
			return idx, nil
		}
		if !errors.Is(err, atcrypto.ErrInvalidSignature) {
			return -1, err
		}
	}
	return -1, atcrypto.ErrInvalidSignature
}

// VerifyControllerProof checks that the proof in meta commits to doc, and was signed by a key embedded in controller.
func VerifyControllerProof(doc *Doc, meta DocumentMetadata, controller *Doc) error {
	proofValue := meta.ProofValue()
	if proofValue == "" {
		return fmt.Errorf("%w: %s", ErrFailureToGetProof, doc.ID)
	}

	expected, err := doc.ComputeCID()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	var claims ControllerClaims
	_, signingString, sig, err := decodeJWS(proofValue, &claims)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, doc.ID, err)
	}
	if claims.DocumentCID != expected.String() {
		return fmt.Errorf("%w: %s: proof commits to %s, document is %s", ErrInvalidPayload, doc.ID, claims.DocumentCID, expected)
	}
	if claims.Subject != "" && claims.Subject != doc.ID {
		return fmt.Errorf("%w: %s: proof subject is %s", ErrInvalidPayload, doc.ID, claims.Subject)
	}

	if _, err := verifyAny(signingString, sig, controller.PublicKeys()); err != nil {
		return fmt.Errorf("%w: %s (controller %s): %v", ErrInvalidKeys, doc.ID, controller.ID, err)
	}
	return nil
}
