package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/erx"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/lifecycle"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type PrescriptionHandler struct {
	svc *service.PrescriptionService
}

func NewPrescriptionHandler(svc *service.PrescriptionService) *PrescriptionHandler {
	return &PrescriptionHandler{svc: svc}
}

type createPrescriptionRequest struct {
	PatientID      uuid.UUID                    `json:"patient_id"`
	PrescriberID   uuid.UUID                    `json:"prescriber_id"`
	MedicationName string                       `json:"medication_name"`
	Dosage         string                       `json:"dosage"`
	Frequency      string                       `json:"frequency"`
	Duration       string                       `json:"duration"`
	Quantity       *int                         `json:"quantity"`
	Refills        *int                         `json:"refills"`
	Pharmacy       *prescription.PharmacyTarget `json:"pharmacy"`
	Instructions   string                       `json:"instructions"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type checkInteractionsRequest struct {
	Medications []string `json:"medications"`
}

// prescriptionResponse is the public view. The raw network payload stays server side.
type prescriptionResponse struct {
	ID                 uuid.UUID                    `json:"id"`
	PatientID          uuid.UUID                    `json:"patient_id"`
	PrescriberID       uuid.UUID                    `json:"prescriber_id"`
	MedicationName     string                       `json:"medication_name"`
	Dosage             string                       `json:"dosage"`
	Frequency          string                       `json:"frequency"`
	Duration           string                       `json:"duration"`
	Quantity           int                          `json:"quantity"`
	Refills            int                          `json:"refills"`
	RefillsRemaining   int                          `json:"refills_remaining"`
	Pharmacy           *prescription.PharmacyTarget `json:"pharmacy,omitempty"`
	Instructions       string                       `json:"instructions,omitempty"`
	Status             prescription.Status          `json:"status"`
	HoldReason         prescription.HoldReason      `json:"hold_reason,omitempty"`
	SentToPharmacy     bool                         `json:"sent_to_pharmacy"`
	NetworkReference   string                       `json:"network_reference,omitempty"`
	NetworkStatus      prescription.NetworkStatus   `json:"network_status,omitempty"`
	LastStatusCheck    *time.Time                   `json:"last_status_check,omitempty"`
	IssuedAt           time.Time                    `json:"issued_at"`
	ExpiresAt          time.Time                    `json:"expires_at"`
	CancelledAt        *time.Time                   `json:"cancelled_at,omitempty"`
	CancellationReason string                       `json:"cancellation_reason,omitempty"`
	Version            int                          `json:"version"`
	CreatedAt          time.Time                    `json:"created_at"`
	UpdatedAt          time.Time                    `json:"updated_at"`
}

type outcomeResponse struct {
	prescriptionResponse
	Interactions []prescription.Interaction `json:"interactions,omitempty"`
}

type pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalCount int64 `json:"total_count"`
	TotalPages int   `json:"total_pages"`
}

type listResponse struct {
	Prescriptions []prescriptionResponse `json:"prescriptions"`
	Pagination    pagination             `json:"pagination"`
}

func toResponse(p *prescription.Prescription) prescriptionResponse {
	return prescriptionResponse{
		ID:                 p.ID,
		PatientID:          p.PatientID,
		PrescriberID:       p.PrescriberID,
		MedicationName:     p.MedicationName,
		Dosage:             p.Dosage,
		Frequency:          p.Frequency,
		Duration:           p.Duration,
		Quantity:           p.Quantity,
		Refills:            p.Refills,
		RefillsRemaining:   p.RefillsRemaining,
		Pharmacy:           p.Pharmacy,
		Instructions:       p.Instructions,
		Status:             p.Status,
		HoldReason:         p.HoldReason,
		SentToPharmacy:     p.SentToPharmacy,
		NetworkReference:   p.NetworkReference,
		NetworkStatus:      p.NetworkStatus,
		LastStatusCheck:    p.LastStatusCheck,
		IssuedAt:           p.IssuedAt,
		ExpiresAt:          p.ExpiresAt,
		CancelledAt:        p.CancelledAt,
		CancellationReason: p.CancellationReason,
		Version:            p.Version,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func toOutcomeResponse(out *lifecycle.Outcome) outcomeResponse {
	return outcomeResponse{
		prescriptionResponse: toResponse(out.Prescription),
		Interactions:         out.Interactions,
	}
}

// Create handles POST /prescriptions. A held prescription is still a 201; the warning says why.
func (h *PrescriptionHandler) Create(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}

	var req createPrescriptionRequest
	if !bindJSON(c, &req) {
		return
	}

	cmd := &prescription.CreatePrescriptionCommand{
		PatientID:      req.PatientID,
		PrescriberID:   req.PrescriberID,
		MedicationName: req.MedicationName,
		Dosage:         req.Dosage,
		Frequency:      req.Frequency,
		Duration:       req.Duration,
		Quantity:       req.Quantity,
		Refills:        req.Refills,
		Pharmacy:       req.Pharmacy,
		Instructions:   req.Instructions,
	}

	out, err := h.svc.CreatePrescription(c.Request.Context(), cmd, caller)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondCreated(c, toOutcomeResponse(out), out.Warning)
}

func (h *PrescriptionHandler) Get(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	id, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	p, err := h.svc.GetPrescription(c.Request.Context(), id, caller)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, toResponse(p))
}

func (h *PrescriptionHandler) List(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}

	qp := &queryParser{c: c}
	q := &prescription.ListPrescriptionsQuery{
		PatientID:    qp.uuid("patient_id"),
		PrescriberID: qp.uuid("prescriber_id"),
		CreatedFrom:  qp.timestamp("created_from"),
		CreatedTo:    qp.timestamp("created_to"),
		Medication:   c.Query("medication"),
		Page:         parseQueryInt(c, "page", 1),
		PageSize:     parseQueryInt(c, "page_size", 20),
		SortBy:       c.Query("sort_by"),
		SortOrder:    c.Query("sort_order"),
	}
	if raw := c.Query("status"); raw != "" {
		s := prescription.Status(raw)
		q.Status = &s
	}
	if err := qp.err(); err != nil {
		respondServiceError(c, err)
		return
	}

	page, err := h.svc.ListPrescriptions(c.Request.Context(), q, caller)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	items := make([]prescriptionResponse, 0, len(page.Prescriptions))
	for _, p := range page.Prescriptions {
		items = append(items, toResponse(p))
	}
	respondOK(c, listResponse{
		Prescriptions: items,
		Pagination: pagination{
			Page:       page.Page,
			PageSize:   page.PageSize,
			TotalCount: page.TotalCount,
			TotalPages: page.TotalPages,
		},
	})
}

// Cancel reports a network refusal as 409 rather than 422.
func (h *PrescriptionHandler) Cancel(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	id, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	var req cancelRequest
	if !bindJSON(c, &req) {
		return
	}

	p, err := h.svc.CancelPrescription(c.Request.Context(), id, req.Reason, caller)
	if err != nil {
		var rejected *erx.RejectedError
		if errors.As(err, &rejected) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "pharmacy network refused the cancellation",
				Code:    CodeCancelRejected,
				Details: rejectionDetails(rejected),
			})
			return
		}
		respondServiceError(c, err)
		return
	}
	respondOK(c, toResponse(p))
}

func (h *PrescriptionHandler) Resubmit(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	id, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	out, err := h.svc.ResubmitPrescription(c.Request.Context(), id, caller)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse[outcomeResponse]{Data: toOutcomeResponse(out), Warning: out.Warning})
}

func (h *PrescriptionHandler) RecordRefill(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	id, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	p, err := h.svc.RefillPrescription(c.Request.Context(), id, caller)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, toResponse(p))
}

func (h *PrescriptionHandler) CheckInteractions(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}

	var req checkInteractionsRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.svc.CheckInteractions(c.Request.Context(), req.Medications, caller)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, result)
}

// SearchPharmacies: GET /prescriptions/pharmacies/search?latitude=&longitude=&radius=
func (h *PrescriptionHandler) SearchPharmacies(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}

	qp := &queryParser{c: c}
	lat := qp.float("latitude", true)
	lng := qp.float("longitude", true)
	radius := qp.float("radius", false)
	if err := qp.err(); err != nil {
		respondServiceError(c, err)
		return
	}

	pharmacies, err := h.svc.SearchPharmacies(c.Request.Context(), erx.Location{Latitude: *lat, Longitude: *lng}, radius, caller)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if pharmacies == nil {
		pharmacies = []prescription.PharmacyTarget{}
	}
	respondOK(c, pharmacies)
}

func (h *PrescriptionHandler) MedicationHistory(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		return
	}
	patientID, ok := parseUUID(c, "id")
	if !ok {
		return
	}

	entries, err := h.svc.MedicationHistory(c.Request.Context(), patientID, caller)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if entries == nil {
		entries = []erx.MedicationHistoryEntry{}
	}
	respondOK(c, entries)
}
