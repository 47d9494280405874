package consent

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func validClaims() Claims {
	nowUnix := time.Now().Unix()
	return Claims{
		PatientAgentID:   "patient-001",
		ProviderNPI:      "1234567893",
		ConsentedActions: []string{"office_visit", "lab_results"},
		IssuedAt:         nowUnix,
		ExpiresAt:        nowUnix + 3600,
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	pub, priv := freshKeys(t)
	claims := validClaims()

	payload, sig, err := Sign(claims, priv)
	require.NoError(t, err)

	got, err := Verify(payload, sig, EncodePublicKey(pub))
	require.NoError(t, err)
	assert.Equal(t, claims.PatientAgentID, got.PatientAgentID)
	assert.Equal(t, claims.ProviderNPI, got.ProviderNPI)
	assert.Equal(t, claims.ConsentedActions, got.ConsentedActions, "action order must be preserved")
	assert.Equal(t, claims.ExpiresAt, got.ExpiresAt)
}

func TestVerify_Stateless(t *testing.T) {
	pub, priv := freshKeys(t)
	payload, sig, err := Sign(validClaims(), priv)
	require.NoError(t, err)

	first, err1 := Verify(payload, sig, EncodePublicKey(pub))
	second, err2 := Verify(payload, sig, EncodePublicKey(pub))
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, first, second)
}

func TestVerify_WrongKeyIsSignatureFailure(t *testing.T) {
	_, signingKey := freshKeys(t)
	presentedPub, _ := freshKeys(t)

	payload, sig, err := Sign(validClaims(), signingKey)
	require.NoError(t, err)

	_, err = Verify(payload, sig, EncodePublicKey(presentedPub))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerify_TamperedPayload(t *testing.T) {
	pub, priv := freshKeys(t)
	payload, sig, err := Sign(validClaims(), priv)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	require.NoError(t, err)
	tampered := []byte(string(raw))
	tampered[len(tampered)/2] ^= 0x01

	_, err = Verify(base64.RawURLEncoding.EncodeToString(tampered), sig, EncodePublicKey(pub))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerify_SignatureCheckedBeforeParse(t *testing.T) {
	pub, priv := freshKeys(t)

	// Correctly signed but not JSON: signature passes, parse fails.
	garbage := []byte("this is not json")
	sig := ed25519.Sign(priv, garbage)
	_, err := Verify(
		base64.RawURLEncoding.EncodeToString(garbage),
		EncodeSignature(sig),
		EncodePublicKey(pub),
	)
	assert.ErrorIs(t, err, ErrMalformedToken)

	// Unsigned garbage fails as a signature error, not a parse error.
	_, err = Verify(
		base64.RawURLEncoding.EncodeToString(garbage),
		EncodeSignature(make([]byte, ed25519.SignatureSize)),
		EncodePublicKey(pub),
	)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerify_MissingClaims(t *testing.T) {
	pub, priv := freshKeys(t)

	cases := map[string]map[string]interface{}{
		"no patient_agent_id": {
			"provider_npi": "1234567893", "consented_actions": []string{}, "iat": 1, "exp": time.Now().Unix() + 100,
		},
		"no provider_npi": {
			"patient_agent_id": "p", "consented_actions": []string{}, "iat": 1, "exp": time.Now().Unix() + 100,
		},
		"no consented_actions": {
			"patient_agent_id": "p", "provider_npi": "1234567893", "iat": 1, "exp": time.Now().Unix() + 100,
		},
		"no iat": {
			"patient_agent_id": "p", "provider_npi": "1234567893", "consented_actions": []string{}, "exp": time.Now().Unix() + 100,
		},
		"no exp": {
			"patient_agent_id": "p", "provider_npi": "1234567893", "consented_actions": []string{}, "iat": 1,
		},
	}

	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			payload, err := json.Marshal(claims)
			require.NoError(t, err)
			sig := ed25519.Sign(priv, payload)

			_, err = Verify(
				base64.RawURLEncoding.EncodeToString(payload),
				EncodeSignature(sig),
				EncodePublicKey(pub),
			)
			assert.ErrorIs(t, err, ErrMalformedToken)
		})
	}
}

func TestVerify_Expired(t *testing.T) {
	pub, priv := freshKeys(t)
	claims := validClaims()
	claims.ExpiresAt = time.Now().Unix() - 10

	payload, sig, err := Sign(claims, priv)
	require.NoError(t, err)

	_, err = Verify(payload, sig, EncodePublicKey(pub))
	assert.ErrorIs(t, err, ErrConsentExpired)
}

func TestVerify_BadEncodings(t *testing.T) {
	pub, priv := freshKeys(t)
	payload, sig, err := Sign(validClaims(), priv)
	require.NoError(t, err)

	_, err = Verify("%%%not-base64%%%", sig, EncodePublicKey(pub))
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = Verify(payload, "%%%not-base64%%%", EncodePublicKey(pub))
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = Verify(payload, sig, "short")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyRaw_NonceProof(t *testing.T) {
	pub, priv := freshKeys(t)
	nonce := []byte("0123456789abcdef0123456789abcdef")

	sig := ed25519.Sign(priv, nonce)
	assert.NoError(t, VerifyRaw(EncodePublicKey(pub), nonce, EncodeSignature(sig)))

	otherPub, _ := freshKeys(t)
	assert.ErrorIs(t, VerifyRaw(EncodePublicKey(otherPub), nonce, EncodeSignature(sig)), ErrInvalidSignature)
}
