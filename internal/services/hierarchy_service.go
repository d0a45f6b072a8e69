package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/qrcredit/backend/internal/models"
)

// HierarchyService owns the users table: node creation under a parent, lookup,
// and the two traversal directions. Descendant walks issue one batched query
// per level instead of one query per node; ancestor walks follow parent
// pointers until the admin and resolve inherited fields there.
type HierarchyService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewHierarchyService(db *sql.DB) *HierarchyService {
	return &HierarchyService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

const nodeColumns = `obj_id, id, name, role, parent_id, credits, credit_expiry, services, hq, zone, region, email, version, created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (*models.HierarchyNode, error) {
	var (
		node     models.HierarchyNode
		parentID sql.NullString
		expiry   sql.NullTime
		hq       sql.NullString
		zone     sql.NullString
		region   sql.NullString
		email    sql.NullString
	)
	err := row.Scan(&node.ObjID, &node.LoginID, &node.Name, &node.Role, &parentID,
		&node.Credits, &expiry, &node.Services, &hq, &zone, &region, &email,
		&node.Version, &node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		node.ParentID = &parentID.String
	}
	if expiry.Valid {
		node.CreditExpiry = &expiry.Time
	}
	node.HQ = hq.String
	node.Zone = zone.String
	node.Region = region.String
	node.Email = email.String
	return &node, nil
}

// GetNode fetches one node by object id across every hierarchy level.
func (s *HierarchyService) GetNode(objID string) (*models.HierarchyNode, error) {
	node, err := scanNode(s.db.QueryRow(`SELECT `+nodeColumns+` FROM users WHERE obj_id = $1`, objID))
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Descendants enumerates every strict descendant of a node. The walk is a
// worklist over levels: children of the whole frontier are fetched with a
// single parent_id = ANY query, then become the next frontier. MR is the leaf
// level, so the walk does at most four rounds.
func (s *HierarchyService) Descendants(node *models.HierarchyNode) ([]models.HierarchyNode, error) {
	descendants := []models.HierarchyNode{}
	frontier := []string{node.ObjID}
	childRole := models.RoleBelow[node.Role]

	for childRole != "" && len(frontier) > 0 {
		rows, err := s.db.Query(`SELECT `+nodeColumns+` FROM users WHERE parent_id = ANY($1)`, pq.Array(frontier))
		if err != nil {
			return nil, err
		}

		next := []string{}
		for rows.Next() {
			child, err := scanNode(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			descendants = append(descendants, *child)
			next = append(next, child.ObjID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		frontier = next
		childRole = models.RoleBelow[childRole]
	}

	return descendants, nil
}

// Children returns the direct subordinates of a node.
func (s *HierarchyService) Children(node *models.HierarchyNode) ([]models.HierarchyNode, error) {
	rows, err := s.db.Query(`SELECT `+nodeColumns+` FROM users WHERE parent_id = $1`, node.ObjID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	children := []models.HierarchyNode{}
	for rows.Next() {
		child, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, *child)
	}
	return children, rows.Err()
}

// AncestorChain walks parent pointers up to the admin, returning the chain
// from the node itself to the topmost ancestor reached. The walk is bounded by
// the five fixed levels; orphaned nodes just yield a short chain.
func (s *HierarchyService) AncestorChain(node *models.HierarchyNode) ([]models.HierarchyNode, error) {
	chain := []models.HierarchyNode{*node}
	current := node
	for i := 0; i < len(models.RoleBelow) && current.Role != models.RoleAdmin; i++ {
		if current.ParentID == nil {
			break
		}
		parent, err := s.GetNode(*current.ParentID)
		if err == ErrNodeNotFound {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, *parent)
		current = parent
	}
	return chain, nil
}

// ResolveInherited returns the credit expiry and services a node inherits from
// its admin ancestor. Admins carry their own values; for everyone else the
// chain is walked upward, and an orphaned node resolves to nil rather than an
// error.
func (s *HierarchyService) ResolveInherited(node *models.HierarchyNode) (*time.Time, []string, error) {
	if node.Role == models.RoleAdmin {
		return node.CreditExpiry, node.Services, nil
	}

	chain, err := s.AncestorChain(node)
	if err != nil {
		return nil, nil, err
	}

	top := chain[len(chain)-1]
	if top.Role != models.RoleAdmin {
		return nil, nil, nil
	}
	return top.CreditExpiry, top.Services, nil
}

// CreateNode creates a node one level under an existing parent
// @Summary Create a hierarchy node
// @Description Create a tlm/slm/flm/mr node under its parent
// @Tags users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.CreateNodeRequest true "Node creation request"
// @Success 201 {object} map[string]any
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /users/create [post]
func (s *HierarchyService) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req models.CreateNodeRequest
	if !decodeRequest(w, r, s.validator, &req) {
		return
	}

	parent, err := s.GetNode(req.ParentObjID)
	if err != nil {
		sendLedgerError(w, err)
		return
	}

	if models.RoleBelow[parent.Role] != req.Role {
		SendErrorResponse(w, "Role must be one level below the parent", http.StatusBadRequest, nil)
		return
	}

	var exists bool
	if err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, req.LoginID).Scan(&exists); err != nil {
		log.Printf("[USERS] Uniqueness check failed for %s: %v", req.LoginID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}
	if exists {
		SendErrorResponse(w, "User already exists", http.StatusConflict, nil)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[USERS] Password hashing failed for %s: %v", req.LoginID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	objID := uuid.NewString()
	_, err = s.db.Exec(`
		INSERT INTO users (obj_id, id, name, password, role, parent_id, hq, zone, region, email, credits, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, 1, NOW(), NOW())`,
		objID, req.LoginID, req.Name, hashedPassword, req.Role, parent.ObjID,
		nullString(req.HQ), nullString(req.Zone), nullString(req.Region), nullString(req.Email))
	if err != nil {
		log.Printf("[USERS] Node creation failed for %s: %v", req.LoginID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[USERS] %s user created: %s under %s", req.Role, req.LoginID, parent.LoginID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"message": req.Role + " created successfully",
		"user": map[string]any{
			"userObjId": objID,
			"id":        req.LoginID,
			"name":      req.Name,
			"role":      req.Role,
			"credits":   0,
		},
	})
}

// GetUserDetails returns one node enriched with inherited fields
// @Summary Get node details
// @Description Node record plus credit expiry and services resolved from its admin
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param userObjId query string true "Node object id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} ErrorResponse
// @Router /users/details [get]
func (s *HierarchyService) GetUserDetails(w http.ResponseWriter, r *http.Request) {
	userObjID := r.URL.Query().Get("userObjId")
	if userObjID == "" {
		SendErrorResponse(w, "userObjId is required", http.StatusBadRequest, nil)
		return
	}

	node, err := s.GetNode(userObjID)
	if err != nil {
		sendLedgerError(w, err)
		return
	}

	expiry, serviceList, err := s.ResolveInherited(node)
	if err != nil {
		log.Printf("[USERS] Inherited-field resolution failed for %s: %v", userObjID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	node.CreditExpiry = expiry
	node.Services = serviceList

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"user": node})
}

// GetUserHierarchy returns the ancestor chain from a node up to its admin
// @Summary Get ancestor chain
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param userObjId query string true "Node object id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} ErrorResponse
// @Router /users/hierarchy [get]
func (s *HierarchyService) GetUserHierarchy(w http.ResponseWriter, r *http.Request) {
	userObjID := r.URL.Query().Get("userObjId")
	if userObjID == "" {
		SendErrorResponse(w, "userObjId is required", http.StatusBadRequest, nil)
		return
	}

	node, err := s.GetNode(userObjID)
	if err != nil {
		sendLedgerError(w, err)
		return
	}

	chain, err := s.AncestorChain(node)
	if err != nil {
		log.Printf("[USERS] Hierarchy walk failed for %s: %v", userObjID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	hierarchy := map[string]any{}
	for _, ancestor := range chain {
		hierarchy[ancestor.Role] = map[string]string{
			"id":   ancestor.LoginID,
			"name": ancestor.Name,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hierarchy)
}

// GetSubordinates lists a node's direct subordinates with per-node rollups
// @Summary List direct subordinates
// @Description Direct children with their credit stats, plus the requester's own totals
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param userObjId query string true "Node object id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} ErrorResponse
// @Router /users/subordinates [get]
func (s *HierarchyService) GetSubordinates(w http.ResponseWriter, r *http.Request) {
	userObjID := r.URL.Query().Get("userObjId")
	if userObjID == "" {
		SendErrorResponse(w, "userObjId is required", http.StatusBadRequest, nil)
		return
	}

	node, err := s.GetNode(userObjID)
	if err != nil {
		sendLedgerError(w, err)
		return
	}

	totals, err := summarizeNode(s.db, node.ObjID)
	if err != nil {
		log.Printf("[USERS] Summary failed for %s: %v", userObjID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if node.Role == models.RoleMR {
		json.NewEncoder(w).Encode(map[string]any{"success": true, "subordinates": []any{}})
		return
	}

	children, err := s.Children(node)
	if err != nil {
		log.Printf("[USERS] Subordinate listing failed for %s: %v", userObjID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	stats, err := s.subordinateStats(children)
	if err != nil {
		log.Printf("[USERS] Subordinate stats failed for %s: %v", userObjID, err)
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}

	enriched := make([]map[string]any, 0, len(children))
	for _, child := range children {
		st := stats[child.ObjID]
		enriched = append(enriched, map[string]any{
			"userObjId":    child.ObjID,
			"id":           child.LoginID,
			"name":         child.Name,
			"role":         child.Role,
			"credits":      child.Credits,
			"creditExpiry": child.CreditExpiry,
			"used":         st.used,
			"allocated":    st.allocated,
			"reclaimed":    st.reclaimed,
		})
	}

	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"user": map[string]any{
			"userObjId":      node.ObjID,
			"name":           node.Name,
			"role":           node.Role,
			"currentCredits": node.Credits,
			"totalAllocated": totals.Allocated,
			"totalIssued":    totals.TotalIssued(),
			"totalUsed":      totals.Used,
			"totalReclaimed": totals.ReclaimedBySelf,
		},
		"subordinateCount": len(enriched),
		"subordinates":     enriched,
	})
}

type subordinateStat struct {
	used      int64
	allocated int64
	reclaimed int64
}

// subordinateStats folds the whole batch of subordinates in one log scan. A
// use row has no target, so it attributes to the performer; everything else
// attributes to the target.
func (s *HierarchyService) subordinateStats(nodes []models.HierarchyNode) (map[string]subordinateStat, error) {
	stats := map[string]subordinateStat{}
	if len(nodes) == 0 {
		return stats, nil
	}

	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ObjID
	}

	rows, err := s.db.Query(`
		SELECT performer_id, target_id, type, actual_amount
		FROM credit_transactions
		WHERE performer_id = ANY($1) OR target_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			performerID string
			targetID    sql.NullString
			txType      string
			amount      int64
		)
		if err := rows.Scan(&performerID, &targetID, &txType, &amount); err != nil {
			return nil, err
		}

		id := performerID
		if targetID.Valid {
			id = targetID.String
		}

		st := stats[id]
		switch txType {
		case models.TxUse:
			st.used += amount
		case models.TxAllocation:
			st.allocated += amount
		case models.TxReclaim:
			st.reclaimed += amount
		}
		stats[id] = st
	}

	return stats, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
