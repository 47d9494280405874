package handshake

// Wire envelopes for the four-message handshake. All frames are text JSON;
// the "type" field discriminates.

const (
	TypeAuth              = "handshake.auth"
	TypeChallenge         = "handshake.challenge"
	TypeChallengeResponse = "handshake.challenge_response"
	TypeComplete          = "handshake.complete"
	TypeError             = "handshake.error"
)

// Protocol error codes carried by ErrorMessage.
const (
	CodeAuthTimeout    = "AUTH_TIMEOUT"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeConsentFailed  = "CONSENT_FAILED"
	CodeInternal       = "INTERNAL"
)

// Close codes for terminal states.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	CloseInternalError  = 1011
	CloseAuthTimeout    = 4001
	CloseInvalidMessage = 4002
	CloseConsentFailed  = 4003
)

type envelope struct {
	Type string `json:"type"`
}

// AuthMessage opens the handshake. The consent token travels as two
// base64url fields so the signature can be checked before the payload is
// parsed.
type AuthMessage struct {
	Type                  string `json:"type"`
	ConsentTokenPayload   string `json:"consent_token_payload"`
	ConsentTokenSignature string `json:"consent_token_signature"`
	PatientAgentID        string `json:"patient_agent_id"`
	PatientPublicKey      string `json:"patient_public_key"`
	PatientEndpoint       string `json:"patient_endpoint"`
}

// ChallengeMessage asks the patient agent to prove possession of the
// consent key by signing the nonce string.
type ChallengeMessage struct {
	Type            string `json:"type"`
	Nonce           string `json:"nonce"`
	ProviderNPI     string `json:"provider_npi"`
	OrganizationNPI string `json:"organization_npi"`
}

// ChallengeResponseMessage carries the base64url Ed25519 signature over the
// nonce exactly as it was transmitted.
type ChallengeResponseMessage struct {
	Type        string `json:"type"`
	SignedNonce string `json:"signed_nonce"`
}

// CompleteMessage ends a successful handshake. Status is "new" when a
// relationship was just created and "existing" when an active one was found.
type CompleteMessage struct {
	Type             string `json:"type"`
	RelationshipID   string `json:"relationship_id"`
	ProviderEndpoint string `json:"provider_endpoint"`
	Status           string `json:"status"`
}

// ErrorMessage is sent before closing with a protocol error code.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
