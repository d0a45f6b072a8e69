package models

import (
	"time"

	"github.com/lib/pq"
)

// Hierarchy roles, top to bottom. Superadmin never owns a node row; it only
// appears as the performer role on system-issued transactions.
const (
	RoleSuperAdmin = "superadmin"
	RoleAdmin      = "admin"
	RoleTLM        = "tlm"
	RoleSLM        = "slm"
	RoleFLM        = "flm"
	RoleMR         = "mr"
)

// RoleBelow maps each role to the role of its direct subordinates.
// MR is the leaf level and maps to the empty string.
var RoleBelow = map[string]string{
	RoleAdmin: RoleTLM,
	RoleTLM:   RoleSLM,
	RoleSLM:   RoleFLM,
	RoleFLM:   RoleMR,
	RoleMR:    "",
}

// ValidRole reports whether role names a hierarchy level that owns node rows.
func ValidRole(role string) bool {
	_, ok := RoleBelow[role]
	return ok
}

// HierarchyNode is one participant in the admin -> tlm -> slm -> flm -> mr
// tree. All five levels share a single users table keyed by role.
type HierarchyNode struct {
	ObjID        string         `json:"userObjId" db:"obj_id"`
	LoginID      string         `json:"id" db:"id"`
	Name         string         `json:"name" db:"name"`
	Role         string         `json:"role" db:"role"`
	ParentID     *string        `json:"parentObjId,omitempty" db:"parent_id"`
	Credits      int64          `json:"credits" db:"credits"`
	CreditExpiry *time.Time     `json:"creditExpiry" db:"credit_expiry"`
	Services     pq.StringArray `json:"services,omitempty" db:"services"`
	HQ           string         `json:"hq,omitempty" db:"hq"`
	Zone         string         `json:"zone,omitempty" db:"zone"`
	Region       string         `json:"region,omitempty" db:"region"`
	Email        string         `json:"email,omitempty" db:"email"`
	Version      int            `json:"-" db:"version"`
	CreatedAt    time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time      `json:"updatedAt" db:"updated_at"`
}

// CreateNodeRequest creates a node one level under an existing parent.
type CreateNodeRequest struct {
	ParentObjID string `json:"parentObjId" validate:"required,uuid4"`
	Role        string `json:"role" validate:"required,oneof=tlm slm flm mr"`
	Name        string `json:"name" validate:"required,min=2"`
	LoginID     string `json:"id" validate:"required,min=2"`
	Password    string `json:"password" validate:"required,min=6"`
	HQ          string `json:"hq,omitempty"`
	Zone        string `json:"zone,omitempty"`
	Region      string `json:"region,omitempty"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
}
