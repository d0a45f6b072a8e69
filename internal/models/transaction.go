package models

import (
	"time"
)

// Transaction types recorded in the append-only credit log.
const (
	TxAllocation = "allocation"
	TxIssue      = "issue"
	TxUse        = "use"
	TxReclaim    = "reclaim"
)

// SystemPerformer is the sentinel performer id for superadmin-issued credits.
// Sentinel rows carry SystemBalance on both balance columns since the system
// side has no constrained balance.
const (
	SystemPerformer = "system"
	SystemBalance   = int64(-1)
)

// TransactionParty captures one side of a balance-affecting operation at
// commit time. A nil ObjID with nil balances denotes a QR consumption with no
// receiving node.
type TransactionParty struct {
	ObjID           *string `json:"userObjId" db:"obj_id"`
	Role            string  `json:"role" db:"role"`
	PreviousBalance *int64  `json:"previousBalance" db:"previous_balance"`
	UpdatedBalance  *int64  `json:"updatedBalance" db:"updated_balance"`
	// Display identity, resolved on read only.
	Name    string `json:"name,omitempty" db:"-"`
	LoginID string `json:"id,omitempty" db:"-"`
}

// CreditTransaction is immutable once created. For any committed row,
// performer.UpdatedBalance == performer.PreviousBalance +/- ActualAmount
// consistent with Type's direction, and likewise for the target when present.
type CreditTransaction struct {
	ID             int64            `json:"id" db:"id"`
	Performer      TransactionParty `json:"performer"`
	TargetUser     TransactionParty `json:"targetUser"`
	IntendedAmount int64            `json:"intendedAmount" db:"intended_amount"`
	ActualAmount   int64            `json:"actualAmount" db:"actual_amount"`
	Type           string           `json:"type" db:"type"`
	Description    string           `json:"description" db:"description"`
	CreatedAt      time.Time        `json:"createdAt" db:"created_at"`
}
