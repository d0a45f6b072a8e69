package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/qrcredit/backend/internal/models"
)

// SuperAdminService covers the system-level operations: admin creation,
// absolute credit issuance against the "system" sentinel, the per-admin
// report, and expiry propagation down a whole admin hierarchy.
type SuperAdminService struct {
	db        *sql.DB
	ledger    *CreditLedgerService
	hierarchy *HierarchyService
	validator *ValidationHelper
}

func NewSuperAdminService(db *sql.DB, ledger *CreditLedgerService, hierarchy *HierarchyService) *SuperAdminService {
	return &SuperAdminService{
		db:        db,
		ledger:    ledger,
		hierarchy: hierarchy,
		validator: NewValidationHelper(),
	}
}

// CreateAdminRequest creates a hierarchy root
// @Description Admin creation request
type CreateAdminRequest struct {
	Name     string   `json:"name" validate:"required,min=2"`
	LoginID  string   `json:"id" validate:"required,min=2"`
	Password string   `json:"password" validate:"required,min=6"`
	Services []string `json:"services,omitempty" validate:"omitempty,dive,oneof=business_card prescription"`
}

// IssueCreditsRequest sets a node's absolute balance with a new expiry
// @Description Credit issuance request
type IssueCreditsRequest struct {
	UserObjID string `json:"userObjId" validate:"required"`
	Amount    *int64 `json:"amount" validate:"required,gte=0"`
	Expiry    string `json:"expiry" validate:"required"`
}

// ExtendExpiryRequest propagates a new expiry through an admin's hierarchy
// @Description Expiry extension request
type ExtendExpiryRequest struct {
	AdminObjectID string `json:"adminObjectId" validate:"required"`
	NewExpiry     string `json:"newExpiry" validate:"required"`
}

// CreateAdmin creates a hierarchy root node
// @Summary Create an admin
// @Tags superAdmin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateAdminRequest true "Admin creation request"
// @Success 201 {object} map[string]any
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /superAdmin/createAdmin [post]
func (s *SuperAdminService) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req CreateAdminRequest
	if !decodeRequest(w, r, s.validator, &req) {
		return
	}

	var exists bool
	if err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, req.LoginID).Scan(&exists); err != nil {
		log.Printf("[SUPERADMIN] Uniqueness check failed for %s: %v", req.LoginID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}
	if exists {
		SendErrorResponse(w, "Admin already exists", http.StatusConflict, nil)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[SUPERADMIN] Password hashing failed for %s: %v", req.LoginID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	objID := uuid.NewString()
	_, err = s.db.Exec(`
		INSERT INTO users (obj_id, id, name, password, role, services, credits, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 1, NOW(), NOW())`,
		objID, req.LoginID, req.Name, hashedPassword, models.RoleAdmin, pq.Array(req.Services))
	if err != nil {
		log.Printf("[SUPERADMIN] Admin creation failed for %s: %v", req.LoginID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[SUPERADMIN] Admin user created: %s", req.LoginID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"message": "Admin created successfully",
		"admin": map[string]any{
			"userObjId": objID,
			"id":        req.LoginID,
			"name":      req.Name,
			"role":      models.RoleAdmin,
			"services":  req.Services,
		},
	})
}

// IssueCredits sets a node's balance outright from the system sentinel
// @Summary Issue or reclaim credits
// @Description Set absolute balance; logs issue/reclaim only when it changed,
// @Description always updates the expiry
// @Tags superAdmin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body IssueCreditsRequest true "Issuance request"
// @Success 201 {object} IssueResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /superAdmin/issueCredits [post]
func (s *SuperAdminService) IssueCredits(w http.ResponseWriter, r *http.Request) {
	var req IssueCreditsRequest
	if !decodeRequest(w, r, s.validator, &req) {
		return
	}

	expiry, err := parseExpiry(req.Expiry)
	if err != nil {
		SendErrorResponse(w, "Invalid expiry date format", http.StatusBadRequest, nil)
		return
	}

	result, err := s.ledger.SetBalance(req.UserObjID, *req.Amount, expiry)
	if err != nil {
		log.Printf("[SUPERADMIN] Issuance failed for %s: %v", req.UserObjID, err)
		sendLedgerError(w, err)
		return
	}

	log.Printf("[SUPERADMIN] %s", result.Description)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success":      true,
		"message":      result.Description,
		"userCredits":  result.UserCredits,
		"creditExpiry": result.CreditExpiry,
	})
}

// GetReport returns the rollup for every admin
// @Summary Per-admin credit report
// @Tags superAdmin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]any
// @Router /superAdmin/getReport [get]
func (s *SuperAdminService) GetReport(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`SELECT obj_id, id, name, credits, credit_expiry FROM users WHERE role = $1`, models.RoleAdmin)
	if err != nil {
		log.Printf("[SUPERADMIN] Report query failed: %v", err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	type adminRow struct {
		objID   string
		loginID string
		name    string
		credits int64
		expiry  sql.NullTime
	}
	admins := []adminRow{}
	for rows.Next() {
		var a adminRow
		if err := rows.Scan(&a.objID, &a.loginID, &a.name, &a.credits, &a.expiry); err != nil {
			log.Printf("[SUPERADMIN] Report scan failed: %v", err)
			SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
			return
		}
		admins = append(admins, a)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[SUPERADMIN] Report rows failed: %v", err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	report := make([]map[string]any, 0, len(admins))
	for _, admin := range admins {
		totals, err := summarizeNode(s.db, admin.objID)
		if err != nil {
			log.Printf("[SUPERADMIN] Report summary failed for %s: %v", admin.objID, err)
			SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
			return
		}

		report = append(report, map[string]any{
			"objectId":       admin.objID,
			"id":             admin.loginID,
			"name":           admin.name,
			"credits":        admin.credits,
			"creditExpiry":   nullTimePtr(admin.expiry),
			"totalAllocated": totals.Allocated,
			"totalUsed":      totals.Used,
			"totalIssued":    totals.TotalIssued(),
			"totalReclaimed": totals.ReclaimedBySelf,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"report":  report,
	})
}

// ExtendCreditExpiry pushes a new expiry to an admin and every descendant
// holding a positive balance
// @Summary Extend credit expiry across a hierarchy
// @Tags superAdmin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ExtendExpiryRequest true "Expiry extension request"
// @Success 200 {object} map[string]any
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /superAdmin/extendExpiry [patch]
func (s *SuperAdminService) ExtendCreditExpiry(w http.ResponseWriter, r *http.Request) {
	var req ExtendExpiryRequest
	if !decodeRequest(w, r, s.validator, &req) {
		return
	}

	expiry, err := parseExpiry(req.NewExpiry)
	if err != nil {
		SendErrorResponse(w, "Invalid date format for newExpiry", http.StatusBadRequest, nil)
		return
	}

	admin, err := s.hierarchy.GetNode(req.AdminObjectID)
	if err != nil {
		sendLedgerError(w, err)
		return
	}
	if admin.Role != models.RoleAdmin {
		SendErrorResponse(w, "Admin not found", http.StatusNotFound, nil)
		return
	}

	descendants, err := s.hierarchy.Descendants(admin)
	if err != nil {
		log.Printf("[SUPERADMIN] Descendant walk failed for %s: %v", admin.ObjID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	// Only nodes that currently hold credits receive the new expiry.
	ids := []string{}
	if admin.Credits > 0 {
		ids = append(ids, admin.ObjID)
	}
	for _, node := range descendants {
		if node.Credits > 0 {
			ids = append(ids, node.ObjID)
		}
	}

	var updated int64
	if len(ids) > 0 {
		result, err := s.db.Exec(`
			UPDATE users SET credit_expiry = $1, updated_at = $2 WHERE obj_id = ANY($3)`,
			expiry, time.Now(), pq.Array(ids))
		if err != nil {
			log.Printf("[SUPERADMIN] Expiry update failed for %s: %v", admin.ObjID, err)
			SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
			return
		}
		updated, _ = result.RowsAffected()
	}

	message := fmt.Sprintf("Credit expiry updated to %s for %d users.", expiry.Format(time.RFC3339), updated)
	log.Printf("[SUPERADMIN] %s (admin %s)", message, admin.LoginID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"message": message,
	})
}

// parseExpiry accepts the date shapes the clients send.
func parseExpiry(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}
