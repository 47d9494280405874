package handshake

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptic-labs/neuron/pkg/audit"
	"github.com/synaptic-labs/neuron/pkg/challenge"
	"github.com/synaptic-labs/neuron/pkg/consent"
	"github.com/synaptic-labs/neuron/pkg/relationship"
)

type fakeConn struct {
	in   chan frame
	outs chan []byte

	mu          sync.Mutex
	closeCode   int
	closeReason string
	closeOnce   sync.Once
	closed      chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame, 4),
		outs:   make(chan []byte, 8),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return f.messageType, f.data, f.err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.outs <- data
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.mu.Lock()
		c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		c.closeReason = string(data[2:])
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) sendText(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- frame{messageType: websocket.TextMessage, data: data}
}

func (c *fakeConn) nextOut(t *testing.T, v any) {
	t.Helper()
	select {
	case data := <-c.outs:
		require.NoError(t, json.Unmarshal(data, v))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
	}
}

type fixture struct {
	engine *Engine
	store  *relationship.MemoryStore
	log    *audit.Log
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
}

func newEngineFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	log, err := audit.Open(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	if cfg.OrganizationNPI == "" {
		cfg.OrganizationNPI = "1679576722"
	}
	if cfg.AdvertisedEndpoint == "" {
		cfg.AdvertisedEndpoint = "wss://neuron.example.org"
	}

	store := relationship.NewMemoryStore()
	return &fixture{
		engine: NewEngine(cfg, store, challenge.NewStore(), log, nil),
		store:  store,
		log:    log,
		pub:    pub,
		priv:   priv,
	}
}

func (fx *fixture) authMessage(t *testing.T) AuthMessage {
	t.Helper()
	now := time.Now().Unix()
	payload, signature, err := consent.Sign(consent.Claims{
		PatientAgentID:   "patient-001",
		ProviderNPI:      "1234567893",
		ConsentedActions: []string{"office_visit", "lab_results"},
		IssuedAt:         now,
		ExpiresAt:        now + 3600,
	}, fx.priv)
	require.NoError(t, err)

	return AuthMessage{
		Type:                  TypeAuth,
		ConsentTokenPayload:   payload,
		ConsentTokenSignature: signature,
		PatientAgentID:        "patient-001",
		PatientPublicKey:      consent.EncodePublicKey(fx.pub),
		PatientEndpoint:       "wss://patient.example.org/agent",
	}
}

func (fx *fixture) auditActions(t *testing.T) []string {
	t.Helper()
	f, err := os.Open(fx.log.Path())
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var actions []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry audit.Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		actions = append(actions, entry.Action)
	}
	require.NoError(t, scanner.Err())
	return actions
}

func runEngine(fx *fixture, conn Conn) chan error {
	errs := make(chan error, 1)
	go func() { errs <- fx.engine.Run(context.Background(), conn) }()
	return errs
}

func TestRun_HappyPathCreatesRelationship(t *testing.T) {
	fx := newEngineFixture(t, Config{})
	conn := newFakeConn()
	errs := runEngine(fx, conn)

	conn.sendText(t, fx.authMessage(t))

	var ch ChallengeMessage
	conn.nextOut(t, &ch)
	require.Equal(t, TypeChallenge, ch.Type)
	assert.Len(t, ch.Nonce, 64)
	assert.Equal(t, "1234567893", ch.ProviderNPI)
	assert.Equal(t, "1679576722", ch.OrganizationNPI)

	signed := ed25519.Sign(fx.priv, []byte(ch.Nonce))
	conn.sendText(t, ChallengeResponseMessage{
		Type:        TypeChallengeResponse,
		SignedNonce: consent.EncodeSignature(signed),
	})

	var done CompleteMessage
	conn.nextOut(t, &done)
	require.Equal(t, TypeComplete, done.Type)
	assert.Equal(t, "new", done.Status)
	assert.NotEmpty(t, done.RelationshipID)
	assert.Equal(t, "wss://neuron.example.org/ws/provider/1234567893", done.ProviderEndpoint)

	require.NoError(t, <-errs)
	assert.Equal(t, CloseNormal, conn.sentCloseCode())

	rec, err := fx.store.FindByID(context.Background(), done.RelationshipID)
	require.NoError(t, err)
	assert.Equal(t, relationship.StatusActive, rec.Status)
	assert.Equal(t, []string{"office_visit", "lab_results"}, rec.ConsentedActions)

	assert.Equal(t, []string{"handshake_started", "relationship_established", "handshake_completed"}, fx.auditActions(t))
}

func TestRun_ExistingRelationshipShortCircuits(t *testing.T) {
	fx := newEngineFixture(t, Config{})
	seeded := &relationship.Relationship{
		RelationshipID:   "rel-seeded",
		PatientAgentID:   "patient-001",
		ProviderNPI:      "1234567893",
		Status:           relationship.StatusActive,
		ConsentedActions: []string{"office_visit"},
		PatientPublicKey: consent.EncodePublicKey(fx.pub),
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	require.NoError(t, fx.store.Create(context.Background(), seeded))

	conn := newFakeConn()
	errs := runEngine(fx, conn)
	conn.sendText(t, fx.authMessage(t))

	var done CompleteMessage
	conn.nextOut(t, &done)
	require.Equal(t, TypeComplete, done.Type, "no challenge for an existing pair")
	assert.Equal(t, "existing", done.Status)
	assert.Equal(t, "rel-seeded", done.RelationshipID)

	require.NoError(t, <-errs)
	assert.Equal(t, CloseNormal, conn.sentCloseCode())
}

func TestRun_SuspendedPairShortCircuits(t *testing.T) {
	fx := newEngineFixture(t, Config{})
	seeded := &relationship.Relationship{
		RelationshipID:   "rel-suspended",
		PatientAgentID:   "patient-001",
		ProviderNPI:      "1234567893",
		Status:           relationship.StatusSuspended,
		ConsentedActions: []string{"office_visit"},
		PatientPublicKey: consent.EncodePublicKey(fx.pub),
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	require.NoError(t, fx.store.Create(context.Background(), seeded))

	conn := newFakeConn()
	errs := runEngine(fx, conn)
	conn.sendText(t, fx.authMessage(t))

	// A suspended row still occupies the pair slot, so the outcome is the
	// existing relationship, never a duplicate-pair internal error.
	var done CompleteMessage
	conn.nextOut(t, &done)
	require.Equal(t, TypeComplete, done.Type)
	assert.Equal(t, "existing", done.Status)
	assert.Equal(t, "rel-suspended", done.RelationshipID)

	require.NoError(t, <-errs)
	assert.Equal(t, CloseNormal, conn.sentCloseCode())
}

func TestRun_OversizedAuthFrameRejected(t *testing.T) {
	fx := newEngineFixture(t, Config{MaxPayloadBytes: 256})
	conn := newFakeConn()
	errs := runEngine(fx, conn)

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'a'
	}
	conn.in <- frame{messageType: websocket.TextMessage, data: big}

	var wireErr ErrorMessage
	conn.nextOut(t, &wireErr)
	require.Equal(t, TypeError, wireErr.Type)
	assert.Equal(t, CodeInvalidMessage, wireErr.Code)

	require.NoError(t, <-errs)
	assert.Equal(t, CloseInvalidMessage, conn.sentCloseCode())
	assert.Equal(t, []string{"handshake_failed"}, fx.auditActions(t))
}

func TestRun_TransportReadLimitMapsToInvalidMessage(t *testing.T) {
	fx := newEngineFixture(t, Config{MaxPayloadBytes: 256})
	conn := newFakeConn()
	errs := runEngine(fx, conn)

	conn.in <- frame{err: websocket.ErrReadLimit}

	var wireErr ErrorMessage
	conn.nextOut(t, &wireErr)
	assert.Equal(t, CodeInvalidMessage, wireErr.Code)

	require.NoError(t, <-errs)
	assert.Equal(t, CloseInvalidMessage, conn.sentCloseCode())
}

func TestRun_OversizedChallengeResponseRejected(t *testing.T) {
	fx := newEngineFixture(t, Config{MaxPayloadBytes: 1024})
	conn := newFakeConn()
	errs := runEngine(fx, conn)

	conn.sendText(t, fx.authMessage(t))

	var ch ChallengeMessage
	conn.nextOut(t, &ch)

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'b'
	}
	conn.in <- frame{messageType: websocket.TextMessage, data: big}

	var wireErr ErrorMessage
	conn.nextOut(t, &wireErr)
	assert.Equal(t, CodeInvalidMessage, wireErr.Code)

	require.NoError(t, <-errs)
	assert.Equal(t, CloseInvalidMessage, conn.sentCloseCode())
	assert.Equal(t, []string{"handshake_started", "handshake_failed"}, fx.auditActions(t))
}

func TestRun_TamperedSignatureFailsConsent(t *testing.T) {
	fx := newEngineFixture(t, Config{})

	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := fx.authMessage(t)
	msg.PatientPublicKey = consent.EncodePublicKey(otherPub)

	conn := newFakeConn()
	errs := runEngine(fx, conn)
	conn.sendText(t, msg)

	var wireErr ErrorMessage
	conn.nextOut(t, &wireErr)
	require.Equal(t, TypeError, wireErr.Type)
	assert.Equal(t, CodeConsentFailed, wireErr.Code)

	require.NoError(t, <-errs)
	assert.Equal(t, CloseConsentFailed, conn.sentCloseCode())
	assert.Equal(t, []string{"handshake_started", "handshake_failed"}, fx.auditActions(t))
}

func TestRun_AuthTimeout(t *testing.T) {
	fx := newEngineFixture(t, Config{AuthTimeout: 100 * time.Millisecond})
	conn := newFakeConn()
	errs := runEngine(fx, conn)

	var wireErr ErrorMessage
	conn.nextOut(t, &wireErr)
	assert.Equal(t, CodeAuthTimeout, wireErr.Code)

	require.NoError(t, <-errs)
	assert.Equal(t, CloseAuthTimeout, conn.sentCloseCode())
	assert.Equal(t, []string{"timeout"}, fx.auditActions(t))
}

func TestRun_BinaryFrameRejected(t *testing.T) {
	fx := newEngineFixture(t, Config{})
	conn := newFakeConn()
	errs := runEngine(fx, conn)

	conn.in <- frame{messageType: websocket.BinaryMessage, data: []byte{0x01}}

	var wireErr ErrorMessage
	conn.nextOut(t, &wireErr)
	assert.Equal(t, CodeInvalidMessage, wireErr.Code)

	require.NoError(t, <-errs)
	assert.Equal(t, CloseInvalidMessage, conn.sentCloseCode())
}

func TestRun_WrongMessageTypeRejected(t *testing.T) {
	fx := newEngineFixture(t, Config{})
	conn := newFakeConn()
	errs := runEngine(fx, conn)

	conn.sendText(t, map[string]any{"type": "handshake.challenge_response"})

	var wireErr ErrorMessage
	conn.nextOut(t, &wireErr)
	assert.Equal(t, CodeInvalidMessage, wireErr.Code)
	require.NoError(t, <-errs)
}

func TestRun_BadNonceSignatureFailsConsent(t *testing.T) {
	fx := newEngineFixture(t, Config{})
	conn := newFakeConn()
	errs := runEngine(fx, conn)

	conn.sendText(t, fx.authMessage(t))

	var ch ChallengeMessage
	conn.nextOut(t, &ch)

	_, wrongPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	conn.sendText(t, ChallengeResponseMessage{
		Type:        TypeChallengeResponse,
		SignedNonce: consent.EncodeSignature(ed25519.Sign(wrongPriv, []byte(ch.Nonce))),
	})

	var wireErr ErrorMessage
	conn.nextOut(t, &wireErr)
	assert.Equal(t, CodeConsentFailed, wireErr.Code)

	require.NoError(t, <-errs)
	assert.Equal(t, CloseConsentFailed, conn.sentCloseCode())

	_, err = fx.store.FindLivePair(context.Background(), "patient-001", "1234567893")
	assert.ErrorIs(t, err, relationship.ErrNotFound, "no relationship persisted")
}

func TestRun_ChallengeTimeoutFailsConsent(t *testing.T) {
	fx := newEngineFixture(t, Config{ChallengeTimeout: 100 * time.Millisecond})
	conn := newFakeConn()
	errs := runEngine(fx, conn)

	conn.sendText(t, fx.authMessage(t))

	var ch ChallengeMessage
	conn.nextOut(t, &ch)

	var wireErr ErrorMessage
	conn.nextOut(t, &wireErr)
	assert.Equal(t, CodeConsentFailed, wireErr.Code)

	require.NoError(t, <-errs)
	assert.Equal(t, CloseConsentFailed, conn.sentCloseCode())
}

func TestRun_ContextCancelClosesGoingAway(t *testing.T) {
	fx := newEngineFixture(t, Config{})
	conn := newFakeConn()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- fx.engine.Run(ctx, conn) }()

	cancel()
	require.NoError(t, <-errs)
	assert.Equal(t, CloseGoingAway, conn.sentCloseCode())
}

func TestRun_PatientMismatchFailsConsent(t *testing.T) {
	fx := newEngineFixture(t, Config{})
	msg := fx.authMessage(t)
	msg.PatientAgentID = "patient-impostor"

	conn := newFakeConn()
	errs := runEngine(fx, conn)
	conn.sendText(t, msg)

	var wireErr ErrorMessage
	conn.nextOut(t, &wireErr)
	assert.Equal(t, CodeConsentFailed, wireErr.Code)
	require.NoError(t, <-errs)
}
