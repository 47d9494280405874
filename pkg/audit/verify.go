package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/synaptic-labs/neuron/pkg/canonical"
)

// LineError reports a verification failure at a 1-based line number.
type LineError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// Result is the outcome of an offline chain verification.
type Result struct {
	Valid   bool        `json:"valid"`
	Entries int         `json:"entries"`
	Errors  []LineError `json:"errors,omitempty"`
}

// Verify re-derives every hash in the log at path and checks chain linkage
// and sequence monotonicity. Linkage is checked against the recomputed hash
// of the previous entry, so a tampered entry also breaks every entry after
// it. Missing and empty files are trivially valid.
func Verify(path string) (*Result, error) {
	res := &Result{Valid: true}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	prevComputed := canonical.GenesisHash
	prevKnown := true
	broken := false
	var prevSeq uint64
	line := 0

	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		errsBefore := len(res.Errors)

		// Once any entry fails, every later entry is transitively
		// unverifiable: its lineage no longer reaches the genesis hash.
		if broken {
			res.Errors = append(res.Errors, LineError{Line: line, Message: "prev_hash linkage broken by earlier invalid entry"})
		}

		var fields map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			res.Errors = append(res.Errors, LineError{Line: line, Message: fmt.Sprintf("unreadable entry: %v", err)})
			prevKnown = false
			broken = true
			continue
		}
		res.Entries++

		stored, _ := fields["hash"].(string)
		delete(fields, "hash")
		computed, err := canonical.Hash(fields)
		if err != nil {
			res.Errors = append(res.Errors, LineError{Line: line, Message: fmt.Sprintf("cannot canonicalize entry: %v", err)})
			prevKnown = false
			broken = true
			continue
		}
		if stored == "" {
			res.Errors = append(res.Errors, LineError{Line: line, Message: "missing hash field"})
		} else if stored != computed {
			res.Errors = append(res.Errors, LineError{Line: line, Message: fmt.Sprintf("hash mismatch: stored %s, computed %s", stored, computed)})
		}

		prevHash, _ := fields["prev_hash"].(string)
		if prevKnown && prevHash != prevComputed {
			res.Errors = append(res.Errors, LineError{Line: line, Message: fmt.Sprintf("prev_hash %s does not match previous entry hash %s", prevHash, prevComputed)})
		}

		seq := extractSequence(fields)
		if seq == 0 {
			res.Errors = append(res.Errors, LineError{Line: line, Message: "missing or invalid sequence"})
		} else if seq <= prevSeq {
			res.Errors = append(res.Errors, LineError{Line: line, Message: fmt.Sprintf("sequence %d does not increase past %d", seq, prevSeq)})
		}
		if seq > prevSeq {
			prevSeq = seq
		}

		if len(res.Errors) > errsBefore {
			broken = true
		}
		prevComputed = computed
		prevKnown = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", path, err)
	}

	res.Valid = len(res.Errors) == 0
	return res, nil
}

func extractSequence(fields map[string]interface{}) uint64 {
	n, ok := fields["sequence"].(json.Number)
	if !ok {
		return 0
	}
	seq, err := n.Int64()
	if err != nil || seq < 1 {
		return 0
	}
	return uint64(seq)
}
