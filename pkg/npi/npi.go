// Package npi validates National Provider Identifiers using the CMS Luhn
// check. The additive constant 24 accounts for the implicit "80840" prefix
// of the full ISO 7812 card number.
package npi

// Valid reports whether s is a well-formed 10-digit NPI with a correct
// check digit.
func Valid(s string) bool {
	if len(s) != 10 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}

	sum := 24
	double := true
	// Luhn over the first 9 digits, doubling from the rightmost.
	for i := 8; i >= 0; i-- {
		d := int(s[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}

	check := (10 - sum%10) % 10
	return check == int(s[9]-'0')
}
