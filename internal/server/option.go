package server

import (
	"crypto/tls"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Option func(*HubServer)

type WebsocketOriginFunc func(*http.Request) bool

func WithLogger(logger *zap.Logger) Option {
	return func(hs *HubServer) {
		hs.logger = logger
	}
}

func WithServerAddresses(addresses ...string) Option {
	return func(hs *HubServer) {
		hs.addresses = addresses
	}
}

func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(hs *HubServer) {
		hs.tlsConfig = tlsConfig
	}
}

func WithWebsocketOriginFunc(originFunc WebsocketOriginFunc) Option {
	return func(hs *HubServer) {
		hs.originFunc = originFunc
	}
}

// WithAdminPublicKey designates the single tenant whose host terminal
// answers the cross-tenant ListHost service.
func WithAdminPublicKey(adminPublicKey string) Option {
	return func(hs *HubServer) {
		hs.adminPublicKey = adminPublicKey
	}
}

func WithGCPProjectID(gcpProjectID string) Option {
	return func(hs *HubServer) {
		hs.gcpProjectID = gcpProjectID
	}
}

func WithSweepInterval(sweepInterval time.Duration) Option {
	return func(hs *HubServer) {
		hs.sweepInterval = sweepInterval
	}
}

func WithProbeTimeout(probeTimeout time.Duration) Option {
	return func(hs *HubServer) {
		hs.probeTimeout = probeTimeout
	}
}

func WithProbeBackoff(probeBackoff time.Duration) Option {
	return func(hs *HubServer) {
		hs.probeBackoff = probeBackoff
	}
}

func WithProbeAttempts(probeAttempts uint64) Option {
	return func(hs *HubServer) {
		hs.probeAttempts = probeAttempts
	}
}
