package services

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/qrcredit/backend/internal/models"
)

// Business-rule failures surfaced as 400 at the handler boundary. Any
// violation rejects the whole operation before either balance is touched.
var (
	ErrNodeNotFound        = errors.New("node not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientReclaim = errors.New("target does not have enough credits to reclaim")
	ErrInvalidAmount       = errors.New("amount must be a positive number")
)

// CreditLedgerService moves credits between hierarchy nodes. Every operation
// runs inside a single database transaction: the performer update, the target
// update and the log append commit together or not at all. Node rows are
// locked FOR UPDATE in consistent id order and balance writes carry an
// optimistic version guard, so concurrent operations on the same node cannot
// lose updates.
type CreditLedgerService struct {
	db *sql.DB
}

func NewCreditLedgerService(db *sql.DB) *CreditLedgerService {
	return &CreditLedgerService{db: db}
}

type lockedNode struct {
	ObjID        string
	Role         string
	Name         string
	Credits      int64
	CreditExpiry sql.NullTime
	Version      int
}

// AllocationResult reports the post-commit balances of an allocation.
type AllocationResult struct {
	SenderCredits    int64      `json:"senderCredits"`
	RecipientCredits int64      `json:"recipientCredits"`
	ExpiryDate       *time.Time `json:"expiryDate"`
	Description      string     `json:"-"`
}

// SyncResult reports the outcome of a target-balance sync. Type is empty when
// the desired balance already matched and nothing was written.
type SyncResult struct {
	TargetUserBalance int64  `json:"targetUserBalance"`
	PerformerBalance  int64  `json:"performerBalance"`
	Type              string `json:"type,omitempty"`
	Amount            int64  `json:"amount"`
}

// IssueResult reports a system-level balance set. Type is empty when the
// requested balance equaled the current one and only the expiry was updated.
type IssueResult struct {
	UserCredits  int64     `json:"userCredits"`
	CreditExpiry time.Time `json:"creditExpiry"`
	Type         string    `json:"type,omitempty"`
	Amount       int64     `json:"amount"`
	Description  string    `json:"-"`
}

// Allocate moves amount credits from performer to target and stamps the
// target's credit expiry with the performer's. Fails with
// ErrInsufficientBalance when the performer cannot cover amount.
func (s *CreditLedgerService) Allocate(performerID, targetID string, amount int64) (*AllocationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	performer, target, err := s.lockPair(tx, performerID, targetID)
	if err != nil {
		return nil, err
	}

	if performer.Credits < amount {
		return nil, ErrInsufficientBalance
	}

	description := fmt.Sprintf("Allocated %d new credits from %s to %s", amount, performer.Name, target.Name)
	if err := s.appendTransaction(tx, txRecord{
		PerformerID:       performer.ObjID,
		PerformerRole:     performer.Role,
		PerformerPrevious: performer.Credits,
		PerformerUpdated:  performer.Credits - amount,
		TargetID:          &target.ObjID,
		TargetRole:        &target.Role,
		TargetPrevious:    &target.Credits,
		TargetUpdated:     int64Ptr(target.Credits + amount),
		IntendedAmount:    amount,
		ActualAmount:      amount,
		Type:              models.TxAllocation,
		Description:       description,
	}); err != nil {
		return nil, err
	}

	// Expiry always inherited from the allocator.
	if err := s.updateNodeBalance(tx, target.ObjID, target.Credits+amount, performer.CreditExpiry, target.Version); err != nil {
		return nil, err
	}
	if err := s.updateNodeBalance(tx, performer.ObjID, performer.Credits-amount, performer.CreditExpiry, performer.Version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &AllocationResult{
		SenderCredits:    performer.Credits - amount,
		RecipientCredits: target.Credits + amount,
		ExpiryDate:       nullTimePtr(performer.CreditExpiry),
		Description:      description,
	}, nil
}

// SyncToTarget drives the target's balance to desired. A positive delta
// behaves as an allocation from the performer, a negative one as a reclaim
// back to the performer, a zero delta writes nothing.
func (s *CreditLedgerService) SyncToTarget(performerID, targetID string, desired int64) (*SyncResult, error) {
	if desired < 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	performer, target, err := s.lockPair(tx, performerID, targetID)
	if err != nil {
		return nil, err
	}

	delta := desired - target.Credits
	if delta == 0 {
		return &SyncResult{
			TargetUserBalance: target.Credits,
			PerformerBalance:  performer.Credits,
		}, nil
	}

	var (
		txType      string
		amount      int64
		description string
	)
	if delta > 0 {
		if performer.Credits < delta {
			return nil, ErrInsufficientBalance
		}
		txType = models.TxAllocation
		amount = delta
		description = fmt.Sprintf("Allocated %d credits from %s to %s", amount, performer.Name, target.Name)
	} else {
		amount = -delta
		if target.Credits < amount {
			return nil, ErrInsufficientReclaim
		}
		txType = models.TxReclaim
		description = fmt.Sprintf("Reclaimed %d credits from %s to %s", amount, target.Name, performer.Name)
	}

	performerAfter := performer.Credits - delta
	targetAfter := desired

	if err := s.appendTransaction(tx, txRecord{
		PerformerID:       performer.ObjID,
		PerformerRole:     performer.Role,
		PerformerPrevious: performer.Credits,
		PerformerUpdated:  performerAfter,
		TargetID:          &target.ObjID,
		TargetRole:        &target.Role,
		TargetPrevious:    &target.Credits,
		TargetUpdated:     &targetAfter,
		IntendedAmount:    desired,
		ActualAmount:      amount,
		Type:              txType,
		Description:       description,
	}); err != nil {
		return nil, err
	}

	// Expiry re-stamped from the performer on any non-zero delta.
	if err := s.updateNodeBalance(tx, target.ObjID, targetAfter, performer.CreditExpiry, target.Version); err != nil {
		return nil, err
	}
	if err := s.updateNodeBalance(tx, performer.ObjID, performerAfter, performer.CreditExpiry, performer.Version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &SyncResult{
		TargetUserBalance: targetAfter,
		PerformerBalance:  performerAfter,
		Type:              txType,
		Amount:            amount,
	}, nil
}

// SetBalance is the system-level issue/reclaim: the target's balance is set to
// desired outright, with the superadmin sentinel as performer. The expiry is
// always updated, even when the balance is unchanged; a transaction is logged
// only when it changed.
func (s *CreditLedgerService) SetBalance(targetID string, desired int64, expiry time.Time) (*IssueResult, error) {
	if desired < 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	target, err := s.lockNode(tx, targetID)
	if err != nil {
		return nil, err
	}

	diff := desired - target.Credits

	result := &IssueResult{
		UserCredits:  desired,
		CreditExpiry: expiry,
	}

	switch {
	case diff > 0:
		result.Type = models.TxIssue
		result.Amount = diff
		result.Description = fmt.Sprintf("Credited new %d credits to %s with expiry %s", diff, target.Name, expiry.Format("Mon Jan 02 2006"))
	case diff < 0:
		result.Type = models.TxReclaim
		result.Amount = -diff
		result.Description = fmt.Sprintf("Debited %d credits from %s's account with expiry %s", -diff, target.Name, expiry.Format("Mon Jan 02 2006"))
	default:
		result.Description = "No credits issued as the current balance and requested amount are the same"
	}

	if diff != 0 {
		system := models.SystemBalance
		if err := s.appendTransaction(tx, txRecord{
			PerformerID:       models.SystemPerformer,
			PerformerRole:     models.RoleSuperAdmin,
			PerformerPrevious: system,
			PerformerUpdated:  system,
			TargetID:          &target.ObjID,
			TargetRole:        &target.Role,
			TargetPrevious:    &target.Credits,
			TargetUpdated:     &desired,
			IntendedAmount:    desired,
			ActualAmount:      result.Amount,
			Type:              result.Type,
			Description:       result.Description,
		}); err != nil {
			return nil, err
		}
	}

	if err := s.updateNodeBalance(tx, target.ObjID, desired, sql.NullTime{Time: expiry, Valid: true}, target.Version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return result, nil
}

// ConsumeOne decrements a node's balance by exactly 1 as the cost of minting a
// QR code, inside the caller's transaction so the QR insert commits with it.
// The returned node carries the pre-operation expiry for QR stamping.
func (s *CreditLedgerService) ConsumeOne(tx *sql.Tx, nodeID, description string) (*lockedNode, error) {
	node, err := s.lockNode(tx, nodeID)
	if err != nil {
		return nil, err
	}

	if node.Credits < 1 {
		return nil, ErrInsufficientBalance
	}

	doctor := "doctor"
	if err := s.appendTransaction(tx, txRecord{
		PerformerID:       node.ObjID,
		PerformerRole:     node.Role,
		PerformerPrevious: node.Credits,
		PerformerUpdated:  node.Credits - 1,
		TargetRole:        &doctor,
		IntendedAmount:    1,
		ActualAmount:      1,
		Type:              models.TxUse,
		Description:       description,
	}); err != nil {
		return nil, err
	}

	if err := s.updateNodeBalance(tx, node.ObjID, node.Credits-1, node.CreditExpiry, node.Version); err != nil {
		return nil, err
	}

	return node, nil
}

// RebuildBalance recomputes a node's balance purely from the transaction log.
// The stored credits column is a cache of this figure; reconciliation jobs and
// tests use the rebuilt value to detect drift.
func (s *CreditLedgerService) RebuildBalance(nodeID string) (int64, error) {
	rows, err := s.db.Query(`
		SELECT type, actual_amount, performer_id, target_id
		FROM credit_transactions
		WHERE performer_id = $1 OR target_id = $1
		ORDER BY id`, nodeID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var balance int64
	for rows.Next() {
		var (
			txType      string
			amount      int64
			performerID string
			targetID    sql.NullString
		)
		if err := rows.Scan(&txType, &amount, &performerID, &targetID); err != nil {
			return 0, err
		}

		if performerID == nodeID {
			switch txType {
			case models.TxAllocation, models.TxUse:
				balance -= amount
			case models.TxReclaim:
				balance += amount
			}
		}
		if targetID.Valid && targetID.String == nodeID {
			switch txType {
			case models.TxIssue, models.TxAllocation:
				balance += amount
			case models.TxReclaim:
				balance -= amount
			}
		}
	}

	return balance, rows.Err()
}

// lockPair locks two nodes in consistent id order to prevent deadlocks and
// returns them as (performer, target).
func (s *CreditLedgerService) lockPair(tx *sql.Tx, performerID, targetID string) (*lockedNode, *lockedNode, error) {
	firstLock, secondLock := performerID, targetID
	if performerID > targetID {
		firstLock, secondLock = targetID, performerID
	}

	first, err := s.lockNode(tx, firstLock)
	if err != nil {
		return nil, nil, err
	}
	second, err := s.lockNode(tx, secondLock)
	if err != nil {
		return nil, nil, err
	}

	if firstLock != performerID {
		first, second = second, first
	}
	return first, second, nil
}

func (s *CreditLedgerService) lockNode(tx *sql.Tx, nodeID string) (*lockedNode, error) {
	var node lockedNode
	err := tx.QueryRow(`
		SELECT obj_id, role, name, credits, credit_expiry, version
		FROM users
		WHERE obj_id = $1
		FOR UPDATE`, nodeID).Scan(&node.ObjID, &node.Role, &node.Name, &node.Credits, &node.CreditExpiry, &node.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *CreditLedgerService) updateNodeBalance(tx *sql.Tx, nodeID string, newBalance int64, expiry sql.NullTime, version int) error {
	result, err := tx.Exec(`
		UPDATE users
		SET credits = $1, credit_expiry = $2, version = version + 1, updated_at = $3
		WHERE obj_id = $4 AND version = $5`,
		newBalance, expiry, time.Now(), nodeID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for node %s", nodeID)
	}

	return nil
}

type txRecord struct {
	PerformerID       string
	PerformerRole     string
	PerformerPrevious int64
	PerformerUpdated  int64
	TargetID          *string
	TargetRole        *string
	TargetPrevious    *int64
	TargetUpdated     *int64
	IntendedAmount    int64
	ActualAmount      int64
	Type              string
	Description       string
}

func (s *CreditLedgerService) appendTransaction(tx *sql.Tx, rec txRecord) error {
	_, err := tx.Exec(`
		INSERT INTO credit_transactions
			(performer_id, performer_role, performer_previous, performer_updated,
			 target_id, target_role, target_previous, target_updated,
			 intended_amount, actual_amount, type, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.PerformerID, rec.PerformerRole, rec.PerformerPrevious, rec.PerformerUpdated,
		rec.TargetID, rec.TargetRole, rec.TargetPrevious, rec.TargetUpdated,
		rec.IntendedAmount, rec.ActualAmount, rec.Type, rec.Description, time.Now())
	return err
}

func int64Ptr(v int64) *int64 { return &v }

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
