package challenge

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptic-labs/neuron/pkg/consent"
)

func testInit(i int) Init {
	return Init{
		PatientAgentID:   fmt.Sprintf("patient-%03d", i),
		ProviderNPI:      "1234567893",
		PatientPublicKey: "key",
	}
}

func TestIssueConsume_RoundTrip(t *testing.T) {
	s := NewStore()

	nonce, err := s.Issue(testInit(1))
	require.NoError(t, err)
	assert.Len(t, nonce, 64, "nonce is hex of 32 random bytes")

	init, err := s.Consume(nonce)
	require.NoError(t, err)
	assert.Equal(t, "patient-001", init.PatientAgentID)
}

func TestConsume_SingleUse(t *testing.T) {
	s := NewStore()

	nonce, err := s.Issue(testInit(1))
	require.NoError(t, err)

	_, err = s.Consume(nonce)
	require.NoError(t, err)

	_, err = s.Consume(nonce)
	assert.ErrorIs(t, err, consent.ErrMalformedToken)
}

func TestConsume_UnknownNonce(t *testing.T) {
	s := NewStore()
	_, err := s.Consume("0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, consent.ErrMalformedToken)
}

func TestConsume_Expired(t *testing.T) {
	s := NewStore()
	current := time.Now()
	s.now = func() time.Time { return current }

	nonce, err := s.Issue(testInit(1))
	require.NoError(t, err)

	current = current.Add(TTL + time.Second)
	_, err = s.Consume(nonce)
	assert.ErrorIs(t, err, consent.ErrConsentExpired)

	// Expired consume still burns the entry.
	_, err = s.Consume(nonce)
	assert.ErrorIs(t, err, consent.ErrMalformedToken)
}

func TestIssue_FailsClosedAtCap(t *testing.T) {
	s := NewStore()
	for i := 0; i < MaxPending; i++ {
		_, err := s.Issue(testInit(i))
		require.NoError(t, err)
	}

	_, err := s.Issue(testInit(MaxPending))
	assert.ErrorIs(t, err, ErrTooManyPending)
}

func TestIssue_PurgesExpiredBeforeCapCheck(t *testing.T) {
	s := NewStore()
	current := time.Now()
	s.now = func() time.Time { return current }

	for i := 0; i < MaxPending; i++ {
		_, err := s.Issue(testInit(i))
		require.NoError(t, err)
	}

	// Everything ages out; the next issue succeeds after the purge.
	current = current.Add(TTL + time.Second)
	_, err := s.Issue(testInit(0))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestRemove_Discards(t *testing.T) {
	s := NewStore()
	nonce, err := s.Issue(testInit(1))
	require.NoError(t, err)

	s.Remove(nonce)
	_, err = s.Consume(nonce)
	assert.ErrorIs(t, err, consent.ErrMalformedToken)
	assert.Zero(t, s.Len())
}
