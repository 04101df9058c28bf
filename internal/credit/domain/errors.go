package domain

import (
	"errors"

	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

var (
	ErrInvalidAmount  = ledgerdomain.ErrInvalidAmount
	ErrInvalidTenant  = ledgerdomain.ErrInvalidTenant
	ErrInvalidWindow  = ledgerdomain.ErrInvalidWindow
	ErrTenantNotFound = ledgerdomain.ErrTenantNotFound
	ErrInvalidTokens  = errors.New("invalid_estimated_tokens")
)
