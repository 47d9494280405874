package canonical

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/gowebpki/jcs"
)

func TestCanonicalize_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_ArrayOrderPreserved(t *testing.T) {
	input := map[string]interface{}{
		"actions": []interface{}{"office_visit", "lab_results", "billing"},
	}

	expected := `{"actions":["office_visit","lab_results","billing"]}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_OmittedFieldsDropped(t *testing.T) {
	type entry struct {
		Action  string `json:"action"`
		Actor   string `json:"actor,omitempty"`
		Details any    `json:"details,omitempty"`
	}

	withActor, err := Canonicalize(entry{Action: "handshake_started", Actor: "patient-001"})
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	withoutActor, err := Canonicalize(entry{Action: "handshake_started"})
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}

	if string(withActor) != `{"action":"handshake_started","actor":"patient-001"}` {
		t.Errorf("unexpected canonical form: %s", withActor)
	}
	if string(withoutActor) != `{"action":"handshake_started"}` {
		t.Errorf("omitted field must not appear: %s", withoutActor)
	}
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"reason": "<patient request> & revocation",
	}

	expected := `{"reason":"<patient request> & revocation"}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_Scalars(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{nil, "null"},
		{true, "true"},
		{false, "false"},
		{json.Number("42"), "42"},
		{"plain", `"plain"`},
	}
	for _, tc := range cases {
		b, err := Canonicalize(tc.in)
		if err != nil {
			t.Fatalf("Canonicalize(%v) failed: %v", tc.in, err)
		}
		if string(b) != tc.want {
			t.Errorf("Canonicalize(%v) = %s, want %s", tc.in, b, tc.want)
		}
	}
}

// Cross-check against the RFC 8785 reference transform: for JSON documents
// with integer numbers both implementations must agree byte for byte.
func TestCanonicalize_AgreesWithJCS(t *testing.T) {
	docs := []string{
		`{"c":3,"a":1,"b":2}`,
		`{"z":{"y":"foo","x":"bar"},"a":[3,1,2]}`,
		`{"unicode":"こんにちは","empty":"","nested":{"deep":{"k":null}}}`,
		`{"sequence":17,"prev_hash":"abc","details":{"code":"CONSENT_FAILED"}}`,
	}
	for _, doc := range docs {
		var v interface{}
		dec := json.NewDecoder(strings.NewReader(doc))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			t.Fatalf("decode %s: %v", doc, err)
		}

		ours, err := Canonicalize(v)
		if err != nil {
			t.Fatalf("Canonicalize(%s): %v", doc, err)
		}
		ref, err := jcs.Transform([]byte(doc))
		if err != nil {
			t.Fatalf("jcs.Transform(%s): %v", doc, err)
		}
		if string(ours) != string(ref) {
			t.Errorf("divergence on %s:\n ours: %s\n  ref: %s", doc, ours, ref)
		}
	}
}

func TestHash_StableAndHexShaped(t *testing.T) {
	v := map[string]interface{}{"b": 2, "a": 1}

	h1, err := Hash(v)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, err := Hash(map[string]interface{}{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	if h1 != h2 {
		t.Errorf("structurally equal values hashed differently: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64-hex digest, got %q", h1)
	}
}

func TestGenesisHash(t *testing.T) {
	if len(GenesisHash) != 64 {
		t.Fatalf("genesis hash must be 64 chars, got %d", len(GenesisHash))
	}
	for _, c := range GenesisHash {
		if c != '0' {
			t.Fatal("genesis hash must be all zeros")
		}
	}
}
