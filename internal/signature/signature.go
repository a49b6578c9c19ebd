// Package signature implements the connection authentication scheme: an
// ed25519 signature over a fixed challenge, with keys and signatures
// travelling as hex strings in the upgrade request's query parameters.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
)

// Challenge is the fixed message both sides sign and verify. It carries no
// entropy on purpose: possession of the private key is all a connection
// needs to prove.
var Challenge = []byte("termhub-challenge")

// Verify reports whether signatureHex is a valid signature of Challenge
// under publicKeyHex. Malformed input is simply invalid.
func Verify(publicKeyHex string, signatureHex string) bool {
	publicKey, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return false
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(publicKey), Challenge, sig)
}

// Sign produces the hex-encoded signature of Challenge that a terminal
// presents when connecting.
func Sign(privateKey ed25519.PrivateKey) string {
	return hex.EncodeToString(ed25519.Sign(privateKey, Challenge))
}

// NewKeyPair generates a fresh key pair, returning the public key in the
// hex form used on the wire.
func NewKeyPair() (string, ed25519.PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, err
	}

	return hex.EncodeToString(publicKey), privateKey, nil
}
