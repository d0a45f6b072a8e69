package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
	"github.com/skip2/go-qrcode"

	"github.com/qrcredit/backend/internal/config"
	"github.com/qrcredit/backend/internal/models"
)

var ErrQRNotFound = errors.New("QR not found")

// QRService mints QR codes against the credit ledger. A successful creation
// consumes exactly one credit from the creator and commits the QR row and the
// use transaction together; rendering and caching happen after the commit and
// never roll the charge back.
type QRService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *CreditLedgerService
	hierarchy *HierarchyService
	cfg       *config.QRConfig
}

func NewQRService(db *sql.DB, redisClient *redis.Client, ledger *CreditLedgerService, hierarchy *HierarchyService, cfg *config.QRConfig) *QRService {
	return &QRService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		hierarchy: hierarchy,
		cfg:       cfg,
	}
}

// QRCreator identifies who pays the credit for a new QR.
type QRCreator struct {
	UserObjID string `json:"userObjId" validate:"required"`
	Role      string `json:"role" validate:"required,oneof=admin tlm slm flm mr"`
}

// CreateQRCode mints a new QR of the given type for the creator. The QR's
// expiry is copied from the creator's credit expiry as it stood before the
// charge. Returns the stored record plus a base64 PNG for immediate display.
func (s *QRService) CreateQRCode(ctx context.Context, creator QRCreator, qrType string, createdFor *QRCreator) (*models.QRCode, string, error) {
	qrID, err := s.generateQRID()
	if err != nil {
		return nil, "", err
	}

	redirectURL := fmt.Sprintf("%s/api/v1/qr/scan/%s", s.cfg.ServerBaseURL, qrID)
	imageURL := fmt.Sprintf("%s/static/qr-codes/%s.png", s.cfg.ServerBaseURL, qrID)

	var initialURL string
	switch qrType {
	case models.QRTypeBusinessCard:
		initialURL = fmt.Sprintf("%s/templates/%s", s.cfg.ClientBaseURL, qrID)
	case models.QRTypePrescription:
		initialURL = fmt.Sprintf("%s/scan/%s", s.cfg.ClientBaseURL, qrID)
	default:
		return nil, "", fmt.Errorf("unsupported QR type %q", qrType)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback()

	node, err := s.ledger.ConsumeOne(tx, creator.UserObjID, fmt.Sprintf("QR code generated: %s", qrID))
	if err != nil {
		return nil, "", err
	}

	record := &models.QRCode{
		QRID:        qrID,
		Type:        qrType,
		CreatorID:   node.ObjID,
		CreatorRole: node.Role,
		ImageURL:    imageURL,
		InitialURL:  initialURL,
		Status:      models.QRStatusNotAssigned,
		QRExpiry:    nullTimePtr(node.CreditExpiry),
		CreatedAt:   time.Now(),
	}
	if createdFor != nil {
		record.CreatedForID = &createdFor.UserObjID
		record.CreatedForRole = &createdFor.Role
	}

	_, err = tx.Exec(`
		INSERT INTO qr_codes (qr_id, type, creator_id, creator_role, created_for_id, created_for_role,
			image_url, initial_url, status, qr_expiry, assigned_details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		record.QRID, record.Type, record.CreatorID, record.CreatorRole,
		record.CreatedForID, record.CreatedForRole, record.ImageURL, record.InitialURL,
		record.Status, record.QRExpiry, models.QRDetails{}, record.CreatedAt)
	if err != nil {
		return nil, "", err
	}

	if err := tx.Commit(); err != nil {
		return nil, "", err
	}

	image, err := s.renderImage(qrID, redirectURL)
	if err != nil {
		// Charge already committed; the image can be re-rendered on demand.
		log.Printf("[QR] Image rendering failed for %s: %v", qrID, err)
	}

	s.cacheScanTarget(ctx, qrID, initialURL)

	return record, image, nil
}

// ResolveScan returns the URL a scanned QR should redirect to: the final URL
// once assigned, the initial URL before that. Resolution hits the redis cache
// first and falls back to the database.
func (s *QRService) ResolveScan(ctx context.Context, qrID string) (string, error) {
	if s.redis != nil {
		if target, err := s.redis.Get(ctx, scanCacheKey(qrID)).Result(); err == nil && target != "" {
			return target, nil
		}
	}

	var (
		status     string
		initialURL string
		finalURL   sql.NullString
	)
	err := s.db.QueryRow(`SELECT status, initial_url, final_url FROM qr_codes WHERE qr_id = $1`, qrID).
		Scan(&status, &initialURL, &finalURL)
	if err == sql.ErrNoRows {
		return "", ErrQRNotFound
	}
	if err != nil {
		return "", err
	}

	target := initialURL
	if status == models.QRStatusAssigned && finalURL.Valid {
		target = finalURL.String
	}

	s.cacheScanTarget(ctx, qrID, target)
	return target, nil
}

// ListByUser returns all QRs a single node created, newest first.
func (s *QRService) ListByUser(creatorID string) ([]models.QRCode, error) {
	return s.queryQRs(`WHERE creator_id = $1`, creatorID)
}

// ListForHierarchy returns all QRs created anywhere in a node's sub-tree,
// including the node itself.
func (s *QRService) ListForHierarchy(node *models.HierarchyNode) ([]models.QRCode, error) {
	descendants, err := s.hierarchy.Descendants(node)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(descendants)+1)
	ids = append(ids, node.ObjID)
	for _, d := range descendants {
		ids = append(ids, d.ObjID)
	}

	return s.queryQRs(`WHERE creator_id = ANY($1)`, pq.Array(ids))
}

// AssignDetails binds a payload to a QR and flips it to assigned. The final
// URL depends on the QR type; business cards link to their chosen template.
func (s *QRService) AssignDetails(ctx context.Context, qrID string, details models.QRDetails) (*models.QRCode, error) {
	qr, err := s.GetDetails(qrID)
	if err != nil {
		return nil, err
	}

	var finalURL string
	if qr.Type == models.QRTypeBusinessCard {
		templateID, _ := details["templateId"].(string)
		finalURL = fmt.Sprintf("%s/card/%s/%s", s.cfg.ClientBaseURL, qrID, templateID)
	} else {
		finalURL = fmt.Sprintf("%s/result/%s", s.cfg.ClientBaseURL, qrID)
	}

	_, err = s.db.Exec(`
		UPDATE qr_codes SET assigned_details = $1, status = $2, final_url = $3 WHERE qr_id = $4`,
		details, models.QRStatusAssigned, finalURL, qrID)
	if err != nil {
		return nil, err
	}

	qr.AssignedData = details
	qr.Status = models.QRStatusAssigned
	qr.FinalURL = &finalURL

	// Scans must pick up the new target immediately.
	if s.redis != nil {
		s.redis.Del(ctx, scanCacheKey(qrID))
	}

	return qr, nil
}

// GetDetails loads one QR record.
func (s *QRService) GetDetails(qrID string) (*models.QRCode, error) {
	qrs, err := s.queryQRs(`WHERE qr_id = $1`, qrID)
	if err != nil {
		return nil, err
	}
	if len(qrs) == 0 {
		return nil, ErrQRNotFound
	}
	return &qrs[0], nil
}

// VCard renders the business-card contact of an assigned QR as a vCard 3.0
// download.
func (s *QRService) VCard(qrID string) (filename string, body []byte, err error) {
	qr, err := s.GetDetails(qrID)
	if err != nil {
		return "", nil, err
	}

	name, _ := qr.AssignedData["name"].(string)
	phone, _ := qr.AssignedData["phone"].(string)
	email, _ := qr.AssignedData["email"].(string)

	first, last := splitName(name)
	vCard := []byte("BEGIN:VCARD\r\n" +
		"VERSION:3.0\r\n" +
		fmt.Sprintf("N:%s;%s;;;\r\n", last, first) +
		fmt.Sprintf("FN:%s\r\n", name) +
		fmt.Sprintf("TEL;TYPE=CELL:%s\r\n", phone) +
		fmt.Sprintf("EMAIL:%s\r\n", email) +
		"END:VCARD")

	return safeFileName(name) + ".vcf", vCard, nil
}

func (s *QRService) queryQRs(where string, arg any) ([]models.QRCode, error) {
	rows, err := s.db.Query(`
		SELECT qr_id, type, creator_id, creator_role, created_for_id, created_for_role,
		       image_url, initial_url, final_url, status, qr_expiry, assigned_details, created_at
		FROM qr_codes `+where+` ORDER BY created_at DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	qrs := []models.QRCode{}
	for rows.Next() {
		var (
			qr             models.QRCode
			createdForID   sql.NullString
			createdForRole sql.NullString
			finalURL       sql.NullString
			expiry         sql.NullTime
		)
		if err := rows.Scan(&qr.QRID, &qr.Type, &qr.CreatorID, &qr.CreatorRole,
			&createdForID, &createdForRole, &qr.ImageURL, &qr.InitialURL,
			&finalURL, &qr.Status, &expiry, &qr.AssignedData, &qr.CreatedAt); err != nil {
			return nil, err
		}
		if createdForID.Valid {
			qr.CreatedForID = &createdForID.String
		}
		if createdForRole.Valid {
			qr.CreatedForRole = &createdForRole.String
		}
		if finalURL.Valid {
			qr.FinalURL = &finalURL.String
		}
		if expiry.Valid {
			qr.QRExpiry = &expiry.Time
		}
		qrs = append(qrs, qr)
	}
	return qrs, rows.Err()
}

// renderImage writes the PNG under the static dir and returns it base64
// encoded for the creation response.
func (s *QRService) renderImage(qrID, redirectURL string) (string, error) {
	qr, err := qrcode.New(redirectURL, qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(s.cfg.ImageSize)); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.cfg.ImageDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(s.cfg.ImageDir, qrID+".png"), buf.Bytes(), 0o644); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *QRService) cacheScanTarget(ctx context.Context, qrID, target string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, scanCacheKey(qrID), target, s.cfg.ScanCacheTTL).Err(); err != nil {
		log.Printf("[QR] Scan cache write failed for %s: %v", qrID, err)
	}
}

func scanCacheKey(qrID string) string {
	return "qr:scan:" + qrID
}

const qrIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func (s *QRService) generateQRID() (string, error) {
	b := make([]byte, s.cfg.CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = qrIDAlphabet[int(b[i])%len(qrIDAlphabet)]
	}
	return string(b), nil
}

func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "", ""
	}
	return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
}

func safeFileName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == ' ':
			out = append(out, '-')
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "contact"
	}
	return string(out)
}
