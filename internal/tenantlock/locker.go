package tenantlock

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrNotConfigured = errors.New("tenant_lock_not_configured")
)

// Locker serializes work on one tenant. Lock blocks until the tenant is free
// or ctx is done, and the returned unlock must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, tenantID snowflake.ID) (unlock func(), err error)
}
