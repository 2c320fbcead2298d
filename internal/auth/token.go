package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenBytes     = 32
	saltBytes      = 16
	hashIterations = 210000
	hashKeyLength  = 32
)

var errTokenRequired = errors.New("auth: token required")

// GenerateToken mints a new API token and its encoded PBKDF2 hash. The raw
// token is shown to the operator once; only the hash is configured on the
// server.
func GenerateToken() (token, encodedHash string, err error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	token = hex.EncodeToString(raw)
	encodedHash, err = HashToken(token)
	if err != nil {
		return "", "", err
	}
	return token, encodedHash, nil
}

// HashToken derives an encoded PBKDF2-SHA256 hash for token in the form
// pbkdf2$sha256$<iterations>$<salt-hex>$<hash-hex>.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errTokenRequired
	}
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(token), salt, hashIterations, hashKeyLength, sha256.New)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s",
		hashIterations, hex.EncodeToString(salt), hex.EncodeToString(derived)), nil
}

// VerifyToken checks token against an encoded hash produced by HashToken.
func VerifyToken(token, encodedHash string) bool {
	if token == "" || encodedHash == "" {
		return false
	}
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return false
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(parts[3])
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(parts[4])
	if err != nil || len(expected) == 0 {
		return false
	}
	derived := pbkdf2.Key([]byte(token), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(derived, expected) == 1
}
