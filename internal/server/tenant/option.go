package tenant

import "go.uber.org/zap"

type Option func(*Tenant)

func WithLogger(logger *zap.Logger) Option {
	return func(tenant *Tenant) {
		tenant.logger = logger
	}
}
