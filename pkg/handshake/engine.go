// Package handshake drives the four-message consent handshake over an
// upgraded WebSocket stream. The engine owns one connection at a time: read
// frames, advance the state machine, audit every terminal transition, close
// the socket.
package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/synaptic-labs/neuron/pkg/audit"
	"github.com/synaptic-labs/neuron/pkg/challenge"
	"github.com/synaptic-labs/neuron/pkg/consent"
	"github.com/synaptic-labs/neuron/pkg/relationship"
)

// Conn is the subset of *websocket.Conn the engine needs; tests substitute
// an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

const (
	defaultAuthTimeout     = 30 * time.Second
	defaultMaxPayloadBytes = 64 * 1024
	defaultWriteTimeout    = 5 * time.Second

	// transportReadSlack sits between the protocol payload cap and the
	// transport read limit. A frame over the cap but under cap+slack is
	// read in full so the engine can answer with handshake.error and
	// close 4002; only grossly larger frames trip the transport guard.
	transportReadSlack = 4 * 1024
)

// Config carries the per-deployment handshake parameters.
type Config struct {
	OrganizationNPI string
	// AdvertisedEndpoint is this neuron's externally reachable base URL;
	// provider endpoints are derived from it.
	AdvertisedEndpoint string
	AuthTimeout        time.Duration
	ChallengeTimeout   time.Duration
	MaxPayloadBytes    int64
	WriteTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = challenge.TTL
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// Engine runs handshakes against the shared stores. It holds no
// per-connection state; Run may be invoked concurrently.
type Engine struct {
	cfg        Config
	store      relationship.Store
	challenges *challenge.Store
	log        *audit.Log
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// NewEngine wires the engine to its collaborators.
func NewEngine(cfg Config, store relationship.Store, challenges *challenge.Store, log *audit.Log, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg.withDefaults(),
		store:      store,
		challenges: challenges,
		log:        log,
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
}

type frame struct {
	messageType int
	data        []byte
	err         error
}

// Run executes one handshake to a terminal state. It always closes conn and
// appends exactly one terminal audit event (completed, failed, or timeout).
func (e *Engine) Run(ctx context.Context, conn Conn) error {
	conn.SetReadLimit(e.cfg.MaxPayloadBytes + transportReadSlack)

	done := make(chan struct{})
	defer close(done)

	frames := make(chan frame, 1)
	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			select {
			case frames <- frame{messageType: mt, data: data, err: err}:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	authTimer := time.NewTimer(e.cfg.AuthTimeout)
	defer authTimer.Stop()

	var auth AuthMessage
	select {
	case <-ctx.Done():
		return e.failShutdown(conn, "")
	case <-authTimer.C:
		e.audit(audit.CategoryConnection, "timeout", "", map[string]any{"phase": "auth"})
		return e.failWire(conn, "", CodeAuthTimeout, CloseAuthTimeout, "no auth message before deadline", false)
	case f := <-frames:
		if e.oversized(f) {
			e.audit(audit.CategoryConnection, "handshake_failed", "", map[string]any{"reason": "payload exceeds limit"})
			return e.failWire(conn, "", CodeInvalidMessage, CloseInvalidMessage, "payload exceeds limit", false)
		}
		if f.err != nil {
			e.audit(audit.CategoryConnection, "handshake_failed", "", map[string]any{"reason": "client closed before auth"})
			_ = conn.Close()
			return nil
		}
		if f.messageType != websocket.TextMessage {
			e.audit(audit.CategoryConnection, "handshake_failed", "", map[string]any{"reason": "binary frame"})
			return e.failWire(conn, "", CodeInvalidMessage, CloseInvalidMessage, "binary frames are not accepted", false)
		}
		if err := decodeAs(f.data, TypeAuth, &auth); err != nil {
			e.audit(audit.CategoryConnection, "handshake_failed", "", map[string]any{"reason": err.Error()})
			return e.failWire(conn, "", CodeInvalidMessage, CloseInvalidMessage, err.Error(), false)
		}
	}
	authTimer.Stop()

	e.audit(audit.CategoryConnection, "handshake_started", auth.PatientAgentID, nil)

	claims, err := consent.Verify(auth.ConsentTokenPayload, auth.ConsentTokenSignature, auth.PatientPublicKey)
	if err != nil {
		return e.failConsent(conn, auth.PatientAgentID, err)
	}
	if claims.PatientAgentID != auth.PatientAgentID {
		return e.failConsent(conn, auth.PatientAgentID, fmt.Errorf("%w: token patient does not match connection", consent.ErrMalformedToken))
	}

	existing, err := e.store.FindLivePair(ctx, claims.PatientAgentID, claims.ProviderNPI)
	switch {
	case err == nil:
		return e.complete(conn, claims.PatientAgentID, existing.RelationshipID, claims.ProviderNPI, "existing")
	case !errors.Is(err, relationship.ErrNotFound):
		return e.failInternal(conn, auth.PatientAgentID, err)
	}

	nonce, err := e.challenges.Issue(challenge.Init{
		PatientAgentID:   claims.PatientAgentID,
		ProviderNPI:      claims.ProviderNPI,
		PatientPublicKey: auth.PatientPublicKey,
		PatientEndpoint:  auth.PatientEndpoint,
		TokenPayload:     auth.ConsentTokenPayload,
		TokenSignature:   auth.ConsentTokenSignature,
	})
	if err != nil {
		return e.failInternal(conn, auth.PatientAgentID, err)
	}

	if err := e.send(conn, ChallengeMessage{
		Type:            TypeChallenge,
		Nonce:           nonce,
		ProviderNPI:     claims.ProviderNPI,
		OrganizationNPI: e.cfg.OrganizationNPI,
	}); err != nil {
		e.challenges.Remove(nonce)
		e.audit(audit.CategoryConnection, "handshake_failed", auth.PatientAgentID, map[string]any{"reason": "write failed"})
		_ = conn.Close()
		return err
	}

	challengeTimer := time.NewTimer(e.cfg.ChallengeTimeout)
	defer challengeTimer.Stop()

	var resp ChallengeResponseMessage
	select {
	case <-ctx.Done():
		e.challenges.Remove(nonce)
		return e.failShutdown(conn, auth.PatientAgentID)
	case <-challengeTimer.C:
		e.challenges.Remove(nonce)
		e.audit(audit.CategoryConnection, "handshake_failed", auth.PatientAgentID, map[string]any{"reason": "challenge expired"})
		return e.failWire(conn, auth.PatientAgentID, CodeConsentFailed, CloseConsentFailed, "challenge expired", false)
	case f := <-frames:
		if e.oversized(f) {
			e.challenges.Remove(nonce)
			e.audit(audit.CategoryConnection, "handshake_failed", auth.PatientAgentID, map[string]any{"reason": "payload exceeds limit"})
			return e.failWire(conn, auth.PatientAgentID, CodeInvalidMessage, CloseInvalidMessage, "payload exceeds limit", false)
		}
		if f.err != nil {
			e.challenges.Remove(nonce)
			e.audit(audit.CategoryConnection, "handshake_failed", auth.PatientAgentID, map[string]any{"reason": "client closed during challenge"})
			_ = conn.Close()
			return nil
		}
		if f.messageType != websocket.TextMessage {
			e.challenges.Remove(nonce)
			e.audit(audit.CategoryConnection, "handshake_failed", auth.PatientAgentID, map[string]any{"reason": "binary frame"})
			return e.failWire(conn, auth.PatientAgentID, CodeInvalidMessage, CloseInvalidMessage, "binary frames are not accepted", false)
		}
		if err := decodeAs(f.data, TypeChallengeResponse, &resp); err != nil {
			e.challenges.Remove(nonce)
			e.audit(audit.CategoryConnection, "handshake_failed", auth.PatientAgentID, map[string]any{"reason": err.Error()})
			return e.failWire(conn, auth.PatientAgentID, CodeInvalidMessage, CloseInvalidMessage, err.Error(), false)
		}
	}

	init, err := e.challenges.Consume(nonce)
	if err != nil {
		return e.failConsent(conn, auth.PatientAgentID, err)
	}

	// Possession proof: the nonce is signed exactly as transmitted.
	if err := consent.VerifyRaw(init.PatientPublicKey, []byte(nonce), resp.SignedNonce); err != nil {
		return e.failConsent(conn, init.PatientAgentID, err)
	}

	// Re-verify the consent token from scratch; no trust survives from the
	// auth phase.
	fresh, err := consent.Verify(init.TokenPayload, init.TokenSignature, init.PatientPublicKey)
	if err != nil {
		return e.failConsent(conn, init.PatientAgentID, err)
	}
	if fresh.ProviderNPI != init.ProviderNPI {
		return e.failConsent(conn, init.PatientAgentID, fmt.Errorf("%w: provider mismatch", consent.ErrMalformedToken))
	}

	relationshipID, status, err := e.persist(ctx, init, fresh)
	if err != nil {
		return e.failInternal(conn, init.PatientAgentID, err)
	}
	return e.complete(conn, init.PatientAgentID, relationshipID, fresh.ProviderNPI, status)
}

// persist creates the relationship and its consent audit entry atomically.
// A concurrent handshake for the same pair can win the race; the loser
// reports the winner's relationship as existing.
func (e *Engine) persist(ctx context.Context, init challenge.Init, claims *consent.Claims) (string, string, error) {
	now := e.now().UTC()
	rec := &relationship.Relationship{
		RelationshipID:   e.newID(),
		PatientAgentID:   claims.PatientAgentID,
		ProviderNPI:      claims.ProviderNPI,
		Status:           relationship.StatusActive,
		ConsentedActions: claims.ConsentedActions,
		PatientPublicKey: init.PatientPublicKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := e.store.Transact(ctx, func(tx relationship.Store) error {
		if err := tx.Create(ctx, rec); err != nil {
			return err
		}
		_, err := e.log.Append(audit.CategoryConsent, "relationship_established", claims.PatientAgentID, map[string]any{
			"relationship_id":   rec.RelationshipID,
			"provider_npi":      claims.ProviderNPI,
			"consented_actions": claims.ConsentedActions,
		})
		return err
	})
	if errors.Is(err, relationship.ErrDuplicatePair) {
		existing, findErr := e.store.FindLivePair(ctx, claims.PatientAgentID, claims.ProviderNPI)
		if findErr != nil {
			return "", "", err
		}
		return existing.RelationshipID, "existing", nil
	}
	if err != nil {
		return "", "", err
	}
	return rec.RelationshipID, "new", nil
}

// ProviderEndpoint derives the opaque per-provider URL returned in
// handshake.complete.
func (e *Engine) ProviderEndpoint(providerNPI string) string {
	return e.cfg.AdvertisedEndpoint + "/ws/provider/" + providerNPI
}

func (e *Engine) complete(conn Conn, patientAgentID, relationshipID, providerNPI, status string) error {
	e.audit(audit.CategoryConnection, "handshake_completed", patientAgentID, map[string]any{
		"relationship_id": relationshipID,
		"status":          status,
	})
	msg := CompleteMessage{
		Type:             TypeComplete,
		RelationshipID:   relationshipID,
		ProviderEndpoint: e.ProviderEndpoint(providerNPI),
		Status:           status,
	}
	if err := e.send(conn, msg); err != nil {
		_ = conn.Close()
		return err
	}
	e.close(conn, CloseNormal, "handshake complete")
	return nil
}

func (e *Engine) failConsent(conn Conn, actor string, cause error) error {
	e.audit(audit.CategoryConnection, "handshake_failed", actor, map[string]any{"reason": cause.Error()})
	return e.failWire(conn, actor, CodeConsentFailed, CloseConsentFailed, cause.Error(), false)
}

func (e *Engine) failInternal(conn Conn, actor string, cause error) error {
	e.logger.Error("handshake internal failure", "actor", actor, "error", cause)
	e.audit(audit.CategoryConnection, "handshake_failed", actor, map[string]any{"reason": "internal"})
	return e.failWire(conn, actor, CodeInternal, CloseInternalError, "internal error", true)
}

func (e *Engine) failShutdown(conn Conn, actor string) error {
	e.audit(audit.CategoryConnection, "handshake_failed", actor, map[string]any{"reason": "server shutdown"})
	e.close(conn, CloseGoingAway, "server shutting down")
	return nil
}

// failWire sends handshake.error, closes with the mapped close code, and
// returns the run result.
func (e *Engine) failWire(conn Conn, actor, code string, closeCode int, message string, internal bool) error {
	_ = e.send(conn, ErrorMessage{Type: TypeError, Code: code, Message: message})
	e.close(conn, closeCode, code)
	if internal {
		return fmt.Errorf("handshake: %s: %s", code, message)
	}
	e.logger.Info("handshake rejected", "actor", actor, "code", code, "reason", message)
	return nil
}

// oversized reports whether the frame breaks the payload cap: either the
// frame was read in full and exceeds it, or the transport guard cut the
// read off first.
func (e *Engine) oversized(f frame) bool {
	if errors.Is(f.err, websocket.ErrReadLimit) {
		return true
	}
	return f.err == nil && int64(len(f.data)) > e.cfg.MaxPayloadBytes
}

func (e *Engine) send(conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("handshake: encode %T: %w", v, err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (e *Engine) close(conn Conn, code int, reason string) {
	deadline := e.now().Add(e.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// audit appends a connection-lifecycle entry. Append failures are logged
// but do not change the wire outcome; the audited action already happened.
func (e *Engine) audit(category audit.Category, action, actor string, details map[string]any) {
	if e.log == nil {
		return
	}
	if _, err := e.log.Append(category, action, actor, details); err != nil {
		e.logger.Error("audit append failed", "action", action, "error", err)
	}
}

func decodeAs(data []byte, wantType string, v any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unparseable frame: %w", err)
	}
	if env.Type != wantType {
		return fmt.Errorf("unexpected message type %q", env.Type)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed %s: %w", wantType, err)
	}
	return nil
}
