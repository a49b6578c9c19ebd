package server

import (
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"
)

const (
	publicKeyField  = "tenant-public-key-hashed"
	terminalIDField = "terminal-id"
)

// PublicKeyField logs a tenant's public key in hashed form: enough to
// correlate log lines, not enough to look up the tenant's namespace.
func PublicKeyField(publicKey string) zap.Field {
	return zap.String(publicKeyField, hashed(publicKey))
}

func TerminalIDField(terminalID string) zap.Field {
	return zap.String(terminalIDField, terminalID)
}

func hashed(s string) string {
	digest := sha256.Sum256([]byte(s))
	return hex.EncodeToString(digest[:])
}
