package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key format: at-v1-<secret_id>-<nonce>-<mac>
//   secret_id  32 hex chars, selects the HMAC secret
//   nonce      32 hex chars (128 bits), distinguishes keys minted from one secret
//   mac        64 hex chars, HMAC-SHA256(secret, "at-v1-<secret_id>-<nonce>")
// Keys are verified without storage; rotating the secret revokes every key
// minted from it.
const (
	keyPrefix   = "at"
	keyVersion  = "v1"
	secretIDLen = 32
	nonceLen    = 32
	macLen      = 64
)

// ParseAPIKey splits an API key into its secret id, nonce and MAC.
// Returns ErrInvalidKeyFormat if format doesn't match.
func ParseAPIKey(key string) (secretID, nonce, mac string, err error) {
	parts := strings.Split(key, "-")
	if len(parts) != 5 || parts[0] != keyPrefix || parts[1] != keyVersion {
		return "", "", "", ErrInvalidKeyFormat
	}

	secretID, nonce, mac = parts[2], parts[3], parts[4]
	if len(secretID) != secretIDLen || len(nonce) != nonceLen || len(mac) != macLen {
		return "", "", "", ErrInvalidKeyFormat
	}
	if !isLowerHex(secretID + nonce + mac) {
		return "", "", "", ErrInvalidKeyFormat
	}
	return secretID, nonce, mac, nil
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// ComputeHMAC computes HMAC-SHA256 signature of the signed key prefix.
func ComputeHMAC(secret []byte, signed string) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(signed))
	return h.Sum(nil)
}

// VerifyHMAC verifies HMAC signature using constant-time comparison.
func VerifyHMAC(expectedHash, computedHash []byte) bool {
	return hmac.Equal(expectedHash, computedHash)
}

// FormatAPIKey signs secretID and nonce into a complete key.
func FormatAPIKey(secret []byte, secretID, nonce string) string {
	signed := signedPart(secretID, nonce)
	return signed + "-" + hex.EncodeToString(ComputeHMAC(secret, signed))
}

// GenerateAPIKey mints a new key with a random nonce.
func GenerateAPIKey(secret []byte, secretID string) (string, error) {
	var buf [nonceLen / 2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return FormatAPIKey(secret, secretID, hex.EncodeToString(buf[:])), nil
}

func signedPart(secretID, nonce string) string {
	return fmt.Sprintf("%s-%s-%s-%s", keyPrefix, keyVersion, secretID, nonce)
}
