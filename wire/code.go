package wire

import (
	"crypto/rand"
	"strings"
)

// Room codes are short enough to read over voice chat, so the alphabet
// drops the easily confused characters (0/O, 1/I/L).
const (
	CodeLength   = 4
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// NewCode returns a random room code. The 32-symbol alphabet divides 256
// evenly, so indexing by modulo is unbiased.
func NewCode() string {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}

	out := make([]byte, CodeLength)
	for i := range out {
		out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}

	return string(out)
}

// NormalizeCode maps user input onto the canonical form codes are stored
// under. Joins are case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether a normalized code has the right length and
// alphabet.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}

	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return false
		}
	}

	return true
}
