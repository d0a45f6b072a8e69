package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/qrcredit/backend/internal/models"
	"github.com/qrcredit/backend/internal/services"
)

type QRHandler struct {
	service   *services.QRService
	hierarchy *services.HierarchyService
	validator *services.ValidationHelper
}

func NewQRHandler(service *services.QRService, hierarchy *services.HierarchyService) *QRHandler {
	return &QRHandler{
		service:   service,
		hierarchy: hierarchy,
		validator: services.NewValidationHelper(),
	}
}

// CreateQR mints a QR code at the cost of one credit
// @Summary Create QR Code
// @Description Create a business-card or prescription QR, consuming 1 credit
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{creator=services.QRCreator,type=string} true "QR creation request"
// @Success 200 {object} map[string]any
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /qr/create [post]
func (h *QRHandler) CreateQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Creator    services.QRCreator  `json:"creator" validate:"required"`
		Type       string              `json:"type" validate:"required,oneof=business_card prescription"`
		CreatedFor *services.QRCreator `json:"createdFor,omitempty"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// createdFor only applies to prescriptions.
	createdFor := req.CreatedFor
	if req.Type != models.QRTypePrescription {
		createdFor = nil
	}

	qr, image, err := h.service.CreateQRCode(r.Context(), req.Creator, req.Type, createdFor)
	if err != nil {
		h.sendQRError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"qrId":      qr.QRID,
		"imageUrl":  qr.ImageURL,
		"qrImage":   image,
		"status":    qr.Status,
		"createdAt": qr.CreatedAt,
		"qrExpiry":  qr.QRExpiry,
	})
}

// Scan redirects a scanned QR to its current target URL
// @Summary Resolve a QR scan
// @Tags QR
// @Param qrId path string true "QR id"
// @Success 302
// @Failure 404 {object} services.ErrorResponse
// @Router /qr/scan/{qrId} [get]
func (h *QRHandler) Scan(w http.ResponseWriter, r *http.Request) {
	qrID := chi.URLParam(r, "qrId")

	target, err := h.service.ResolveScan(r.Context(), qrID)
	if err != nil {
		h.sendQRError(w, err)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// ListByUser lists the QRs one node created
// @Summary List a node's QR codes
// @Tags QR
// @Produce json
// @Security BearerAuth
// @Param userObjId query string true "Node object id"
// @Success 200 {array} models.QRCode
// @Failure 404 {object} services.ErrorResponse
// @Router /qr/list [get]
func (h *QRHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	userObjID := r.URL.Query().Get("userObjId")
	if userObjID == "" {
		services.SendErrorResponse(w, "Missing userObjId", http.StatusBadRequest, nil)
		return
	}

	if _, err := h.hierarchy.GetNode(userObjID); err != nil {
		h.sendQRError(w, err)
		return
	}

	qrs, err := h.service.ListByUser(userObjID)
	if err != nil {
		h.sendQRError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(qrs)
}

// ListAll lists every QR created in a node's sub-hierarchy
// @Summary List hierarchy QR codes
// @Tags QR
// @Produce json
// @Security BearerAuth
// @Param userObjId query string true "Node object id"
// @Success 200 {object} map[string]any
// @Failure 404 {object} services.ErrorResponse
// @Router /qr/allList [get]
func (h *QRHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	userObjID := r.URL.Query().Get("userObjId")
	if userObjID == "" {
		services.SendErrorResponse(w, "Missing userObjId", http.StatusBadRequest, nil)
		return
	}

	node, err := h.hierarchy.GetNode(userObjID)
	if err != nil {
		h.sendQRError(w, err)
		return
	}

	qrs, err := h.service.ListForHierarchy(node)
	if err != nil {
		h.sendQRError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"count":   len(qrs),
		"qrList":  qrs,
	})
}

// Assign binds payload details to a QR
// @Summary Assign QR details
// @Tags QR
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param qrId path string true "QR id"
// @Param request body models.QRDetails true "Assigned payload"
// @Success 200 {object} map[string]any
// @Failure 404 {object} services.ErrorResponse
// @Router /qr/assign/{qrId} [patch]
func (h *QRHandler) Assign(w http.ResponseWriter, r *http.Request) {
	qrID := chi.URLParam(r, "qrId")

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	var details models.QRDetails
	if err := json.NewDecoder(r.Body).Decode(&details); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	qr, err := h.service.AssignDetails(r.Context(), qrID, details)
	if err != nil {
		h.sendQRError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"message": "QR assigned",
		"qr":      qr,
	})
}

// Details returns one QR record
// @Summary Get QR details
// @Tags QR
// @Produce json
// @Param qrId path string true "QR id"
// @Success 200 {object} models.QRCode
// @Failure 404 {object} services.ErrorResponse
// @Router /qr/details/{qrId} [get]
func (h *QRHandler) Details(w http.ResponseWriter, r *http.Request) {
	qr, err := h.service.GetDetails(chi.URLParam(r, "qrId"))
	if err != nil {
		h.sendQRError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(qr)
}

// VCard downloads the contact bound to a business-card QR
// @Summary Download vCard
// @Tags QR
// @Produce text/x-vcard
// @Param qrId path string true "QR id"
// @Success 200 {string} string
// @Failure 404 {object} services.ErrorResponse
// @Router /qr/generateVCard/{qrId} [get]
func (h *QRHandler) VCard(w http.ResponseWriter, r *http.Request) {
	filename, body, err := h.service.VCard(chi.URLParam(r, "qrId"))
	if err != nil {
		h.sendQRError(w, err)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.Header().Set("Content-Type", "text/x-vcard; charset=utf-8")
	w.Write(body)
}

func (h *QRHandler) sendQRError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrQRNotFound):
		services.SendErrorResponse(w, "QR not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrNodeNotFound):
		services.SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrInsufficientBalance):
		services.SendErrorResponse(w, "Insufficient credits", http.StatusBadRequest, nil)
	default:
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}
