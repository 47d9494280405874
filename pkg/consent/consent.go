// Package consent verifies patient consent tokens: Ed25519-signed JSON
// payloads asserting which actions a patient consents to with a provider.
// Verification is stateless: nothing is cached between calls, and trust is
// never carried from one connection to the next.
package consent

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedToken   = errors.New("malformed consent token")
	ErrInvalidSignature = errors.New("invalid consent signature")
	ErrConsentExpired   = errors.New("consent expired")
)

// Claims are the assertions carried by a consent token. ConsentedActions is
// opaque to the broker and preserved verbatim, including order.
type Claims struct {
	PatientAgentID   string   `json:"patient_agent_id"`
	ProviderNPI      string   `json:"provider_npi"`
	ConsentedActions []string `json:"consented_actions"`
	IssuedAt         int64    `json:"iat"`
	ExpiresAt        int64    `json:"exp"`
}

// rawClaims distinguishes absent claims from zero values.
type rawClaims struct {
	PatientAgentID   *string            `json:"patient_agent_id"`
	ProviderNPI      *string            `json:"provider_npi"`
	ConsentedActions *[]json.RawMessage `json:"consented_actions"`
	IssuedAt         *int64             `json:"iat"`
	ExpiresAt        *int64             `json:"exp"`
}

// now is swapped in expiry tests.
var now = time.Now

// Verify checks a consent token and returns its claims. The order is
// load-bearing: the Ed25519 signature is checked over the raw payload bytes
// before the payload is parsed, so unsigned garbage is rejected as a
// signature failure, not a parse failure. Ed25519 pre-hashes internally; no
// external digest is applied.
func Verify(payloadB64, signatureB64, publicKeyB64 string) (*Claims, error) {
	payload, err := decodeB64(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %v", ErrMalformedToken, err)
	}
	signature, err := decodeB64(signatureB64)
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding: %v", ErrMalformedToken, err)
	}
	pub, err := DecodePublicKey(publicKeyB64)
	if err != nil {
		return nil, err
	}

	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(pub, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var raw rawClaims
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON: %v", ErrMalformedToken, err)
	}

	claims, err := shapeClaims(payload, raw)
	if err != nil {
		return nil, err
	}

	if now().Unix() >= claims.ExpiresAt {
		return nil, ErrConsentExpired
	}
	return claims, nil
}

func shapeClaims(payload []byte, raw rawClaims) (*Claims, error) {
	switch {
	case raw.PatientAgentID == nil || *raw.PatientAgentID == "":
		return nil, fmt.Errorf("%w: missing patient_agent_id", ErrMalformedToken)
	case raw.ProviderNPI == nil || *raw.ProviderNPI == "":
		return nil, fmt.Errorf("%w: missing provider_npi", ErrMalformedToken)
	case raw.ConsentedActions == nil:
		return nil, fmt.Errorf("%w: missing consented_actions", ErrMalformedToken)
	case raw.IssuedAt == nil:
		return nil, fmt.Errorf("%w: missing iat", ErrMalformedToken)
	case raw.ExpiresAt == nil:
		return nil, fmt.Errorf("%w: missing exp", ErrMalformedToken)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: malformed claim shape: %v", ErrMalformedToken, err)
	}
	if claims.ConsentedActions == nil {
		claims.ConsentedActions = []string{}
	}
	return &claims, nil
}

// VerifyRaw checks an Ed25519 signature over arbitrary bytes (used for the
// challenge-nonce proof of key possession).
func VerifyRaw(publicKeyB64 string, data []byte, signatureB64 string) error {
	pub, err := DecodePublicKey(publicKeyB64)
	if err != nil {
		return err
	}
	signature, err := decodeB64(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: signature encoding: %v", ErrMalformedToken, err)
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(pub, data, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// DecodePublicKey decodes a base64url 32-byte Ed25519 public key.
func DecodePublicKey(publicKeyB64 string) (ed25519.PublicKey, error) {
	key, err := decodeB64(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: public key encoding: %v", ErrMalformedToken, err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrMalformedToken, ed25519.PublicKeySize, len(key))
	}
	return ed25519.PublicKey(key), nil
}

// Sign produces the wire form of a consent token: base64url payload and
// signature. Used by patient agents and tests; the broker itself only
// verifies.
func Sign(claims Claims, priv ed25519.PrivateKey) (payloadB64, signatureB64 string, err error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", "", fmt.Errorf("consent: marshal claims: %w", err)
	}
	sig := ed25519.Sign(priv, payload)
	return base64.RawURLEncoding.EncodeToString(payload),
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// EncodePublicKey encodes an Ed25519 public key to base64url.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// EncodeSignature encodes a raw signature to base64url.
func EncodeSignature(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}

// decodeB64 accepts both padded and unpadded base64url.
func decodeB64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
