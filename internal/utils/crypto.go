// internal/utils/crypto.go
package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
)

// codeCharset leaves out characters that are easy to misread.
const codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func randomString(charset string, length int) (string, error) {
	b := make([]byte, length)

	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		b[i] = charset[n.Int64()]
	}

	return string(b), nil
}

// GenerateCertificateCode returns a redeemable code such as "CRT-7KQ2M9XA4PLD".
func GenerateCertificateCode() (string, error) {
	s, err := randomString(codeCharset, 12)
	if err != nil {
		return "", err
	}
	return "CRT-" + s, nil
}

func HashString(input string) string {
	hasher := sha256.New()
	hasher.Write([]byte(input))
	return hex.EncodeToString(hasher.Sum(nil))
}

// IdempotencyKey derives a stable gateway idempotency key from its parts.
func IdempotencyKey(prefix string, parts ...string) string {
	return prefix + "_" + HashString(strings.Join(parts, ":"))[:32]
}
