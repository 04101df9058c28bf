package domain

import "errors"

var (
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrInvalidType     = errors.New("invalid_type")
	ErrInvalidTenant   = errors.New("invalid_tenant")
	ErrInvalidWindow   = errors.New("invalid_window")
	ErrTenantNotFound  = errors.New("tenant_not_found")
	ErrOverdraft       = errors.New("insufficient_credits")
	ErrInvalidMetadata = errors.New("invalid_metadata")
)
