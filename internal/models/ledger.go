package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry types. Stored values match the legacy system's wire format.
type EntryType string

const (
	EntryTypeAssociationDues    EntryType = "mensalidade_associacao"
	EntryTypeNucleusDues        EntryType = "mensalidade_nucleo"
	EntryTypeEventRevenue       EntryType = "receita_evento"
	EntryTypeInternalContrib    EntryType = "contribuicao_interna"
	EntryTypeExternalContrib    EntryType = "contribuicao_externa"
	EntryTypeExpense            EntryType = "despesa"
	EntryTypeAdjustment         EntryType = "ajuste"
	EntryTypeRevenueShare       EntryType = "repasse"
)

// EntryTypes lists every known entry type.
var EntryTypes = []EntryType{
	EntryTypeAssociationDues,
	EntryTypeNucleusDues,
	EntryTypeEventRevenue,
	EntryTypeInternalContrib,
	EntryTypeExternalContrib,
	EntryTypeExpense,
	EntryTypeAdjustment,
	EntryTypeRevenueShare,
}

func (t EntryType) Valid() bool {
	for _, known := range EntryTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Entry statuses.
type EntryStatus string

const (
	StatusPending  EntryStatus = "pendente"
	StatusPaid     EntryStatus = "pago"
	StatusCanceled EntryStatus = "cancelado"
)

func (s EntryStatus) Valid() bool {
	return s == StatusPending || s == StatusPaid || s == StatusCanceled
}

// Wallet kinds. At most one operational wallet per owner.
type WalletKind string

const (
	WalletKindOperational WalletKind = "operacional"
	WalletKindReserve     WalletKind = "reserva"
)

// CostCenter is a financial bucket owned by exactly one of
// organization, nucleus or event. The balance column is a legacy
// materialized mirror; wallets are the source of truth.
type CostCenter struct {
	ID             int64           `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	OrganizationID *int64          `json:"organization_id" db:"organization_id"`
	NucleusID      *int64          `json:"nucleus_id" db:"nucleus_id"`
	EventID        *int64          `json:"event_id" db:"event_id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// MemberAccount holds a member's legacy materialized balance. Created
// lazily the first time a member needs financial tracking.
type MemberAccount struct {
	ID        int64           `json:"id" db:"id"`
	UserID    int64           `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Wallet is the authoritative balance record for a cost center or a
// member account. Exactly one owner field is set.
type Wallet struct {
	ID              int64           `json:"id" db:"id"`
	CostCenterID    *int64          `json:"cost_center_id" db:"cost_center_id"`
	MemberAccountID *int64          `json:"member_account_id" db:"member_account_id"`
	Kind            WalletKind      `json:"kind" db:"kind"`
	Balance         decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is one financial movement.
type LedgerEntry struct {
	ID                   int64           `json:"id" db:"id"`
	CostCenterID         int64           `json:"cost_center_id" db:"cost_center_id"`
	MemberAccountID      *int64          `json:"member_account_id" db:"member_account_id"`
	WalletID             *int64          `json:"wallet_id" db:"wallet_id"`
	WalletCounterpartyID *int64          `json:"wallet_counterparty_id" db:"wallet_counterparty_id"`
	Type                 EntryType       `json:"type" db:"type"`
	Amount               decimal.Decimal `json:"amount" db:"amount"`
	IssuedAt             time.Time       `json:"issued_at" db:"issued_at"`
	DueAt                time.Time       `json:"due_at" db:"due_at"`
	Status               EntryStatus     `json:"status" db:"status"`
	Description          string          `json:"description" db:"description"`
	Adjusted             bool            `json:"adjusted" db:"adjusted"`
	OriginalEntryID      *int64          `json:"original_entry_id" db:"original_entry_id"`
	ImportBatchID        *int64          `json:"import_batch_id" db:"import_batch_id"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}
