package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
)

// TokenLength is the length of generated user tokens.
const TokenLength = 8

// tokenAlphabet is the character set of generated user tokens.
const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateUserToken creates a random lowercase alphanumeric token of TokenLength characters.
func GenerateUserToken() (string, error) {
	return generateFromAlphabet(rand.Reader, TokenLength)
}

func generateFromAlphabet(reader io.Reader, length int) (string, error) {
	limit := big.NewInt(int64(len(tokenAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate user token: %w", err)
		}
		out[i] = tokenAlphabet[n.Int64()]
	}
	return string(out), nil
}

// GenerateRandomString returns a hex-encoded random string of the given length.
func GenerateRandomString(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		return "", fmt.Errorf("generate random string: %w", err)
	}
	return hex.EncodeToString(bytes)[:length], nil
}
