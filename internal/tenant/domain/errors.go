package domain

import "errors"

var (
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidName   = errors.New("invalid_name")
	ErrInvalidPlan   = errors.New("invalid_plan")
	ErrNotFound      = errors.New("tenant_not_found")
	ErrAlreadyExists = errors.New("tenant_already_exists")
)
