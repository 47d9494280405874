// Package challenge holds the ephemeral nonce table for in-flight
// handshakes. Entries are single-use, TTL-bounded, and capped: issuing past
// the cap fails closed rather than growing without bound.
package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/synaptic-labs/neuron/pkg/consent"
)

const (
	// TTL is the fixed lifetime of an issued challenge.
	TTL = 30 * time.Second
	// MaxPending caps the table; the 1001st concurrent challenge is refused.
	MaxPending = 1000
)

var ErrTooManyPending = errors.New("too many pending challenges")

// Init carries the handshake auth material bound to a nonce. The consent
// token travels with it so the engine can re-verify the token fresh at
// challenge-response time; no trust is cached across messages.
type Init struct {
	PatientAgentID   string
	ProviderNPI      string
	PatientPublicKey string
	PatientEndpoint  string
	TokenPayload     string
	TokenSignature   string
}

type pending struct {
	init      Init
	expiresAt time.Time
}

// Store is the in-memory nonce table. All access is under one mutex; no
// lock is held across I/O.
type Store struct {
	mu      sync.Mutex
	entries map[string]pending
	ttl     time.Duration
	cap     int
	now     func() time.Time
}

// NewStore creates a challenge store with the protocol-fixed TTL and cap.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]pending),
		ttl:     TTL,
		cap:     MaxPending,
		now:     time.Now,
	}
}

// Issue binds init to a fresh 32-byte random nonce and returns its hex
// encoding. Expired entries are purged opportunistically before the cap
// check.
func (s *Store) Issue(init Init) (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("challenge: nonce generation: %w", err)
	}
	nonce := hex.EncodeToString(raw[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked()
	if len(s.entries) >= s.cap {
		return "", ErrTooManyPending
	}

	s.entries[nonce] = pending{
		init:      init,
		expiresAt: s.now().Add(s.ttl),
	}
	return nonce, nil
}

// Consume redeems a nonce exactly once. Unknown nonces are malformed;
// expired ones report consent expiry. Either way the entry is gone
// afterwards.
func (s *Store) Consume(nonce string) (Init, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.entries[nonce]
	if !ok {
		return Init{}, consent.ErrMalformedToken
	}
	delete(s.entries, nonce)

	if s.now().After(p.expiresAt) {
		return Init{}, consent.ErrConsentExpired
	}
	return p.init, nil
}

// Remove discards a nonce without redeeming it (connection teardown).
func (s *Store) Remove(nonce string) {
	s.mu.Lock()
	delete(s.entries, nonce)
	s.mu.Unlock()
}

// Len reports the number of live entries (expired ones included until
// purged).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) purgeLocked() {
	now := s.now()
	for nonce, p := range s.entries {
		if now.After(p.expiresAt) {
			delete(s.entries, nonce)
		}
	}
}
