package pki

import "fmt"

// ValidName reports whether name is usable as a CSR, certificate or key
// name: one or more of [0-9A-Za-z.-], not starting with '-'.
func ValidName(name string) bool {
	if name == "" || name[0] == '-' {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '.', c == '-':
		default:
			return false
		}
	}
	return true
}

// CheckName returns ErrInvalidName wrapped with name when ValidName fails.
func CheckName(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
