package host

import (
	"time"

	"go.uber.org/zap"
)

type Option func(*Host)

func WithLogger(logger *zap.Logger) Option {
	return func(host *Host) {
		host.logger = logger
	}
}

func WithAdminPublicKey(adminPublicKey string) Option {
	return func(host *Host) {
		host.adminPublicKey = adminPublicKey
	}
}

func WithListHostsFunc(listHosts ListHostsFunc) Option {
	return func(host *Host) {
		host.listHosts = listHosts
	}
}

func WithSweepInterval(sweepInterval time.Duration) Option {
	return func(host *Host) {
		host.sweepInterval = sweepInterval
	}
}

func WithProbeTimeout(probeTimeout time.Duration) Option {
	return func(host *Host) {
		host.probeTimeout = probeTimeout
	}
}

func WithProbeBackoff(probeBackoff time.Duration) Option {
	return func(host *Host) {
		host.probeBackoff = probeBackoff
	}
}

func WithProbeAttempts(probeAttempts uint64) Option {
	return func(host *Host) {
		host.probeAttempts = probeAttempts
	}
}
