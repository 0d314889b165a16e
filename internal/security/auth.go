package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
)

// HashAccessKey returns the lowercase hex SHA-256 of key. Only the hash is
// ever stored.
func HashAccessKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashMatch compares two hashes in constant time.
func HashMatch(provided, pinned string) bool {
	if provided == "" || pinned == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(pinned)) == 1
}

// ExtractClientIP strips the port from RemoteAddr ("ip:port" → "ip").
func ExtractClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
