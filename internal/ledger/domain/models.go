package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
)

// TransactionType is the direction of a ledger row.
type TransactionType string

const (
	TransactionTypeCredit TransactionType = "credit"
	TransactionTypeDebit  TransactionType = "debit"
)

// Transaction is an immutable credit ledger row.
type Transaction struct {
	ID           snowflake.ID    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TenantID     snowflake.ID    `gorm:"not null;index:ix_credit_transactions_tenant_created,priority:1" json:"tenant_id"`
	Amount       int64           `gorm:"not null;check:chk_credit_transactions_amount,amount > 0" json:"amount"`
	Type         TransactionType `gorm:"type:varchar(16);not null" json:"type"`
	Description  string          `gorm:"type:text;not null;default:''" json:"description"`
	Metadata     Metadata        `gorm:"type:text" json:"metadata"`
	BalanceAfter int64           `gorm:"not null" json:"balance_after"`
	CreatedAt    time.Time       `gorm:"not null;index:ix_credit_transactions_tenant_created,priority:2" json:"created_at"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "credit_transactions" }

// Signed returns the balance delta the row applied.
func (t Transaction) Signed() int64 {
	if t.Type == TransactionTypeDebit {
		return -t.Amount
	}
	return t.Amount
}

type AppendRequest struct {
	TenantID    snowflake.ID
	Amount      int64
	Type        TransactionType
	Description string
	Metadata    Metadata
}

type HistoryFilter struct {
	TenantID  snowflake.ID
	Type      TransactionType
	From      time.Time
	To        time.Time
	PageToken string
	PageSize  int
}

type HistoryPage struct {
	Transactions []*Transaction      `json:"transactions"`
	PageInfo     pagination.PageInfo `json:"page_info"`
}
