package npi

import "testing"

func TestValid(t *testing.T) {
	cases := []struct {
		npi  string
		want bool
	}{
		{"1234567893", true},  // canonical CMS example
		{"1234567890", false}, // wrong check digit
		{"1234567892", false},
		{"123456789", false},   // too short
		{"12345678931", false}, // too long
		{"123456789x", false},  // non-digit
		{"", false},
		{"0000000006", true}, // sum 24 -> check digit 6
	}
	for _, tc := range cases {
		if got := Valid(tc.npi); got != tc.want {
			t.Errorf("Valid(%q) = %v, want %v", tc.npi, got, tc.want)
		}
	}
}
