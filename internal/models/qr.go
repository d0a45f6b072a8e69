package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// QR code kinds and lifecycle states.
const (
	QRTypeBusinessCard = "business_card"
	QRTypePrescription = "prescription"

	QRStatusNotAssigned = "notAssigned"
	QRStatusAssigned    = "assigned"
	QRStatusWithdrawn   = "withdrawn"
)

// QRCode is minted by a hierarchy node at the cost of exactly one credit.
// QRExpiry is copied from the creator's credit expiry at creation time and
// never updated afterwards.
type QRCode struct {
	QRID           string     `json:"qrId" db:"qr_id"`
	Type           string     `json:"type" db:"type"`
	CreatorID      string     `json:"creatorObjId" db:"creator_id"`
	CreatorRole    string     `json:"creatorRole" db:"creator_role"`
	CreatedForID   *string    `json:"createdForObjId,omitempty" db:"created_for_id"`
	CreatedForRole *string    `json:"createdForRole,omitempty" db:"created_for_role"`
	ImageURL       string     `json:"imageUrl" db:"image_url"`
	InitialURL     string     `json:"initialUrl" db:"initial_url"`
	FinalURL       *string    `json:"finalUrl,omitempty" db:"final_url"`
	Status         string     `json:"status" db:"status"`
	QRExpiry       *time.Time `json:"qrExpiry" db:"qr_expiry"`
	AssignedData   QRDetails  `json:"assignedDetails" db:"assigned_details"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
}

// QRDetails holds the payload bound to a QR once assigned (business card
// fields, prescription target, template choice). Stored as JSONB.
type QRDetails map[string]any

// Value implements driver.Valuer for QRDetails
func (d QRDetails) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner for QRDetails
func (d *QRDetails) Scan(value any) error {
	if value == nil {
		*d = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, d)
}
