package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/lib/pq"
	"github.com/qrcredit/backend/internal/models"
)

// CreditService exposes the allocation engine and the derived reporting views
// over HTTP. All rollup figures are recomputed from the transaction log on
// every read; the stored credits column is only a cache of the same history.
type CreditService struct {
	db        *sql.DB
	ledger    *CreditLedgerService
	hierarchy *HierarchyService
	validator *ValidationHelper
}

func NewCreditService(db *sql.DB, ledger *CreditLedgerService, hierarchy *HierarchyService) *CreditService {
	return &CreditService{
		db:        db,
		ledger:    ledger,
		hierarchy: hierarchy,
		validator: NewValidationHelper(),
	}
}

// creditTotals is the per-node fold over the transaction log. The node
// appears on both sides of the log, so reclaim carries two distinct figures:
// ReclaimedBySelf counts reclaims the node performed against subordinates,
// ReclaimedFromNode counts reclaims taken out of this node's own balance.
type creditTotals struct {
	Allocated         int64
	Used              int64
	ReclaimedBySelf   int64
	IssuedReceived    int64
	AllocReceived     int64
	ReclaimedFromNode int64
}

// TotalIssued is the net credits the node has ever received, minus anything
// clawed back.
func (t creditTotals) TotalIssued() int64 {
	return t.IssuedReceived + t.AllocReceived - t.ReclaimedFromNode
}

func (s *CreditService) summarize(nodeID string) (*creditTotals, error) {
	return summarizeNode(s.db, nodeID)
}

// summarizeNode scans the log twice (node as performer, node as target) and
// folds by type. An empty log yields all zeros; system-sentinel and
// null-target rows fold like any other.
func summarizeNode(db *sql.DB, nodeID string) (*creditTotals, error) {
	var totals creditTotals

	rows, err := db.Query(`
		SELECT type, actual_amount
		FROM credit_transactions
		WHERE performer_id = $1`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			txType string
			amount int64
		)
		if err := rows.Scan(&txType, &amount); err != nil {
			return nil, err
		}
		switch txType {
		case models.TxAllocation:
			totals.Allocated += amount
		case models.TxUse:
			totals.Used += amount
		case models.TxReclaim:
			totals.ReclaimedBySelf += amount
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	targetRows, err := db.Query(`
		SELECT type, actual_amount
		FROM credit_transactions
		WHERE target_id = $1`, nodeID)
	if err != nil {
		return nil, err
	}
	defer targetRows.Close()

	for targetRows.Next() {
		var (
			txType string
			amount int64
		)
		if err := targetRows.Scan(&txType, &amount); err != nil {
			return nil, err
		}
		switch txType {
		case models.TxIssue:
			totals.IssuedReceived += amount
		case models.TxAllocation:
			totals.AllocReceived += amount
		case models.TxReclaim:
			totals.ReclaimedFromNode += amount
		}
	}
	if err := targetRows.Err(); err != nil {
		return nil, err
	}

	return &totals, nil
}

// AllocateCreditsRequest moves credits from a performer down to a target node
// @Description Credit allocation request
type AllocateCreditsRequest struct {
	PerformerObjID  string `json:"performerObjId" validate:"required"`
	TargetUserObjID string `json:"targetUserObjId" validate:"required"`
	Amount          int64  `json:"amount" validate:"required,gt=0"`
}

// SyncCreditsRequest drives a target node's balance to an absolute value
// @Description Credit sync request
type SyncCreditsRequest struct {
	TargetUserID  string `json:"targetUserId" validate:"required"`
	UpdatedCredit *int64 `json:"updatedCredit" validate:"required,gte=0"`
	PerformedBy   struct {
		UserObjID string `json:"userObjId" validate:"required"`
		Role      string `json:"role" validate:"required"`
	} `json:"performedBy"`
}

// AllocateCredits handles a downward credit transfer
// @Summary Allocate credits
// @Description Move credits from a performer node to a direct subordinate
// @Tags credits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body AllocateCreditsRequest true "Allocation request"
// @Success 200 {object} AllocationResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /credits/allocateCredits [post]
func (s *CreditService) AllocateCredits(w http.ResponseWriter, r *http.Request) {
	var req AllocateCreditsRequest
	if !decodeRequest(w, r, s.validator, &req) {
		return
	}

	result, err := s.ledger.Allocate(req.PerformerObjID, req.TargetUserObjID, req.Amount)
	if err != nil {
		log.Printf("[CREDITS] Allocation failed %s -> %s: %v", req.PerformerObjID, req.TargetUserObjID, err)
		sendLedgerError(w, err)
		return
	}

	log.Printf("[CREDITS] %s", result.Description)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":          true,
		"message":          result.Description,
		"senderCredits":    result.SenderCredits,
		"recipientCredits": result.RecipientCredits,
		"expiryDate":       result.ExpiryDate,
	})
}

// SyncCredits handles an absolute target-balance update
// @Summary Sync credits
// @Description Set a target node's balance, allocating or reclaiming the delta
// @Tags credits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body SyncCreditsRequest true "Sync request"
// @Success 200 {object} SyncResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /credits/sync [post]
func (s *CreditService) SyncCredits(w http.ResponseWriter, r *http.Request) {
	var req SyncCreditsRequest
	if !decodeRequest(w, r, s.validator, &req) {
		return
	}
	if req.PerformedBy.UserObjID == "" || req.PerformedBy.Role == "" {
		SendErrorResponse(w, "Missing required fields", http.StatusBadRequest, nil)
		return
	}

	result, err := s.ledger.SyncToTarget(req.PerformedBy.UserObjID, req.TargetUserID, *req.UpdatedCredit)
	if err != nil {
		log.Printf("[CREDITS] Sync failed for target %s: %v", req.TargetUserID, err)
		sendLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Type == "" {
		json.NewEncoder(w).Encode(map[string]any{"message": "No credit update needed."})
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"success":           true,
		"message":           "Credits updated successfully",
		"targetUserBalance": result.TargetUserBalance,
		"performerBalance":  result.PerformerBalance,
	})
}

// GetCreditsInfo returns the derived rollup for one node
// @Summary Get credit balance and totals
// @Description Current balance plus totals recomputed from the transaction log
// @Tags credits
// @Produce json
// @Security BearerAuth
// @Param userObjId query string true "Node object id"
// @Success 200 {object} map[string]any
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /credits/balance [get]
func (s *CreditService) GetCreditsInfo(w http.ResponseWriter, r *http.Request) {
	userObjID := r.URL.Query().Get("userObjId")
	if userObjID == "" {
		SendErrorResponse(w, "userObjId is required", http.StatusBadRequest, nil)
		return
	}

	user, err := s.hierarchy.GetNode(userObjID)
	if err != nil {
		sendLedgerError(w, err)
		return
	}

	totals, err := s.summarize(user.ObjID)
	if err != nil {
		log.Printf("[CREDITS] Summary failed for %s: %v", user.ObjID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":        true,
		"userObjectId":   user.ObjID,
		"currentCredits": user.Credits,
		"totalUsed":      totals.Used,
		"totalAllocated": totals.Allocated,
		"totalIssued":    totals.TotalIssued(),
		"totalReclaimed": totals.ReclaimedBySelf,
		"creditExpiry":   user.CreditExpiry,
	})
}

// GetTransactionsInfo lists all transactions involving a node, newest first
// @Summary List credit transactions
// @Description Every transaction where the node is performer or target,
// @Description enriched with resolved display identity
// @Tags credits
// @Produce json
// @Security BearerAuth
// @Param userObjId query string true "Node object id"
// @Success 200 {object} map[string]any
// @Failure 400 {object} ErrorResponse
// @Router /credits/transactions [get]
func (s *CreditService) GetTransactionsInfo(w http.ResponseWriter, r *http.Request) {
	userObjID := r.URL.Query().Get("userObjId")
	if userObjID == "" {
		SendErrorResponse(w, "userObjId is required", http.StatusBadRequest, nil)
		return
	}

	transactions, err := s.listTransactions(userObjID)
	if err != nil {
		log.Printf("[CREDITS] Transaction listing failed for %s: %v", userObjID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":      true,
		"count":        len(transactions),
		"transactions": transactions,
	})
}

// GetUpdatedTransactionDetails returns a node enriched with its self-view
// rollup, used by the UI right after a balance change
// @Summary Get refreshed node details with totals
// @Tags credits
// @Produce json
// @Security BearerAuth
// @Param userObjId query string true "Node object id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} ErrorResponse
// @Router /credits/getUpdatedTransactionDetails [get]
func (s *CreditService) GetUpdatedTransactionDetails(w http.ResponseWriter, r *http.Request) {
	userObjID := r.URL.Query().Get("userObjId")
	if userObjID == "" {
		SendErrorResponse(w, "userObjId is required", http.StatusBadRequest, nil)
		return
	}

	user, err := s.hierarchy.GetNode(userObjID)
	if err != nil {
		sendLedgerError(w, err)
		return
	}

	totals, err := s.summarize(user.ObjID)
	if err != nil {
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	// Self view: allocated and reclaimed count what happened TO this node,
	// not what it did to subordinates.
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user": map[string]any{
			"userObjId":    user.ObjID,
			"id":           user.LoginID,
			"name":         user.Name,
			"role":         user.Role,
			"credits":      user.Credits,
			"creditExpiry": user.CreditExpiry,
			"allocated":    totals.AllocReceived,
			"used":         totals.Used,
			"reclaimed":    totals.ReclaimedFromNode,
		},
	})
}

// listTransactions loads a node's transactions newest first and resolves the
// display identity of every party with one batched lookup.
func (s *CreditService) listTransactions(nodeID string) ([]models.CreditTransaction, error) {
	rows, err := s.db.Query(`
		SELECT id, performer_id, performer_role, performer_previous, performer_updated,
		       target_id, target_role, target_previous, target_updated,
		       intended_amount, actual_amount, type, description, created_at
		FROM credit_transactions
		WHERE performer_id = $1 OR target_id = $1
		ORDER BY created_at DESC, id DESC`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.CreditTransaction{}
	idSet := map[string]bool{}
	for rows.Next() {
		var (
			tx         models.CreditTransaction
			perfID     string
			perfPrev   int64
			perfUpd    int64
			targetID   sql.NullString
			targetRole sql.NullString
			targetPrev sql.NullInt64
			targetUpd  sql.NullInt64
		)
		if err := rows.Scan(&tx.ID, &perfID, &tx.Performer.Role, &perfPrev, &perfUpd,
			&targetID, &targetRole, &targetPrev, &targetUpd,
			&tx.IntendedAmount, &tx.ActualAmount, &tx.Type, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, err
		}

		tx.Performer.ObjID = &perfID
		tx.Performer.PreviousBalance = &perfPrev
		tx.Performer.UpdatedBalance = &perfUpd
		if perfID != models.SystemPerformer {
			idSet[perfID] = true
		}
		if targetID.Valid {
			tx.TargetUser.ObjID = &targetID.String
			idSet[targetID.String] = true
		}
		if targetRole.Valid {
			tx.TargetUser.Role = targetRole.String
		}
		if targetPrev.Valid {
			tx.TargetUser.PreviousBalance = &targetPrev.Int64
		}
		if targetUpd.Valid {
			tx.TargetUser.UpdatedBalance = &targetUpd.Int64
		}

		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(idSet) == 0 {
		return transactions, nil
	}

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	type identity struct{ name, loginID string }
	identities := map[string]identity{}
	userRows, err := s.db.Query(`SELECT obj_id, name, id FROM users WHERE obj_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer userRows.Close()

	for userRows.Next() {
		var objID, name, loginID string
		if err := userRows.Scan(&objID, &name, &loginID); err != nil {
			return nil, err
		}
		identities[objID] = identity{name: name, loginID: loginID}
	}
	if err := userRows.Err(); err != nil {
		return nil, err
	}

	for i := range transactions {
		if id := transactions[i].Performer.ObjID; id != nil {
			if ident, ok := identities[*id]; ok {
				transactions[i].Performer.Name = ident.name
				transactions[i].Performer.LoginID = ident.loginID
			}
		}
		if id := transactions[i].TargetUser.ObjID; id != nil {
			if ident, ok := identities[*id]; ok {
				transactions[i].TargetUser.Name = ident.name
				transactions[i].TargetUser.LoginID = ident.loginID
			}
		}
	}

	return transactions, nil
}

// sendLedgerError maps ledger failures onto the HTTP taxonomy: unknown node
// 404, business-rule violation 400, anything else 500.
func sendLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNodeNotFound):
		SendErrorResponse(w, "Sender or recipient not found.", http.StatusNotFound, nil)
	case errors.Is(err, ErrInsufficientBalance):
		SendErrorResponse(w, "Sender does not have enough credits.", http.StatusBadRequest, nil)
	case errors.Is(err, ErrInsufficientReclaim):
		SendErrorResponse(w, "Target does not have enough credits to reclaim.", http.StatusBadRequest, nil)
	case errors.Is(err, ErrInvalidAmount):
		SendErrorResponse(w, "Amount must be a positive number", http.StatusBadRequest, nil)
	default:
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}

// decodeRequest applies the shared body-decoding contract: 1 MB cap, unknown
// fields rejected, exactly one JSON object, then struct validation.
func decodeRequest(w http.ResponseWriter, r *http.Request, v *ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := v.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}

	return true
}
