package util

import "golang.org/x/text/unicode/norm"

// Normalize returns the NFKD form of s, so passphrases typed with composed
// or decomposed characters derive the same key.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}
