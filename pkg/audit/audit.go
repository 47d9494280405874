// Package audit implements the tamper-evident audit log: an append-only
// JSONL file where every entry carries a SHA-256 hash over its canonical
// form and the hash of its predecessor. The writer is a single serial
// appender; the offline verifier never mutates state.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/synaptic-labs/neuron/pkg/canonical"
)

// Category classifies an audit entry.
type Category string

const (
	CategoryRegistration Category = "registration"
	CategoryConnection   Category = "connection"
	CategoryConsent      Category = "consent"
	CategoryAPIAccess    Category = "api_access"
	CategoryAdmin        Category = "admin"
	CategoryTermination  Category = "termination"
	CategorySync         Category = "sync"
)

var ErrClosed = errors.New("audit log is closed")

// Entry is a single committed audit record. Hash covers the canonical JSON
// of every other field; PrevHash is the predecessor's Hash (genesis entries
// use 64 zeros).
type Entry struct {
	Sequence  uint64                 `json:"sequence"`
	Timestamp string                 `json:"timestamp"`
	Category  Category               `json:"category"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	PrevHash  string                 `json:"prev_hash"`
	Hash      string                 `json:"hash,omitempty"`
}

// Log is the serial hash-chain appender.
type Log struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	lastHash string
	lastSeq  uint64
	now      func() time.Time
}

// Open opens (or creates) the audit log at path and recovers the chain
// position by scanning forward to the last valid line. A corrupt trailing
// line from a crashed writer is tolerated; the chain resumes after the last
// intact entry.
func Open(path string) (*Log, error) {
	lastHash := canonical.GenesisHash
	var lastSeq uint64

	if existing, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(existing)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil || e.Hash == "" {
				// Torn write at the tail. Earlier corruption is the
				// verifier's concern; resumption only needs the last
				// recoverable entry.
				continue
			}
			lastHash = e.Hash
			lastSeq = e.Sequence
		}
		_ = existing.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("audit: scan %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s for append: %w", path, err)
	}

	return &Log{
		f:        f,
		path:     path,
		lastHash: lastHash,
		lastSeq:  lastSeq,
		now:      time.Now,
	}, nil
}

// Append commits a new entry and returns it. The write is flushed to disk
// before returning; on failure the caller must abort the action that was
// being audited.
func (l *Log) Append(category Category, action, actor string, details map[string]interface{}) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil, ErrClosed
	}

	entry := Entry{
		Sequence:  l.lastSeq + 1,
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Category:  category,
		Action:    action,
		Actor:     actor,
		Details:   details,
		PrevHash:  l.lastHash,
	}

	// Hash is computed with the hash field absent.
	h, err := canonical.Hash(entry)
	if err != nil {
		return nil, fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.Hash = h

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("audit: write entry: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return nil, fmt.Errorf("audit: sync: %w", err)
	}

	l.lastSeq = entry.Sequence
	l.lastHash = entry.Hash
	return &entry, nil
}

// LastSequence returns the sequence of the most recent committed entry,
// zero when the log is empty.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Path returns the on-disk location of the log.
func (l *Log) Path() string {
	return l.path
}

// Close releases the underlying file. Further appends fail with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
