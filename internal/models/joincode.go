package models

import (
	"strings"

	nanoid "github.com/jaevor/go-nanoid"
)

// JoinCodeAlphabet is uppercase letters and digits without I, O, 0 and 1.
const JoinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const JoinCodeLength = 6

// NewJoinCodeGenerator returns a generator of random join codes.
func NewJoinCodeGenerator() (func() string, error) {
	gen, err := nanoid.CustomASCII(JoinCodeAlphabet, JoinCodeLength)
	if err != nil {
		return nil, err
	}
	return gen, nil
}

// NormalizeCode trims and upper-cases user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func IsJoinCode(code string) bool {
	if len(code) != JoinCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(JoinCodeAlphabet, r) {
			return false
		}
	}
	return true
}
