package terminal

import (
	"crypto/ed25519"

	"go.uber.org/zap"
)

type Option func(*Terminal)

func WithLogger(logger *zap.Logger) Option {
	return func(term *Terminal) {
		term.logger = logger
	}
}

// WithServerAddress points the terminal at the hub, e.g.
// "ws://terminal-hub.example.com:8080".
func WithServerAddress(serverAddress string) Option {
	return func(term *Terminal) {
		term.serverAddress = serverAddress
	}
}

func WithTerminalID(terminalID string) Option {
	return func(term *Terminal) {
		term.terminalID = terminalID
	}
}

// WithKeyPair supplies the tenant key: the hex-encoded public key that
// names the tenant and the private key that signs the challenge.
func WithKeyPair(publicKeyHex string, privateKey ed25519.PrivateKey) Option {
	return func(term *Terminal) {
		term.publicKey = publicKeyHex
		term.privateKey = privateKey
	}
}

func WithConnectCallback(connectCallback ConnectCallback) Option {
	return func(term *Terminal) {
		term.connectCallback = connectCallback
	}
}

func WithPublishCallback(publishCallback PublishCallback) Option {
	return func(term *Terminal) {
		term.publishCallback = publishCallback
	}
}
