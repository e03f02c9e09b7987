package erx

import (
	"encoding/json"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
)

const DefaultSearchRadiusKm = 5.0

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SubmissionAck is the network's answer to a submission. RawPayload is kept for audit only.
type SubmissionAck struct {
	Accepted         bool
	NetworkReference string
	RawPayload       json.RawMessage
}

type CancellationAck struct {
	NetworkReference string
	AlreadyCancelled bool
	RawPayload       json.RawMessage
}

type MedicationHistoryEntry struct {
	MedicationName string     `json:"medication_name"`
	Quantity       int        `json:"quantity,omitempty"`
	LastFilledAt   *time.Time `json:"last_filled_at,omitempty"`
	PharmacyName   string     `json:"pharmacy_name,omitempty"`
	PrescriberName string     `json:"prescriber_name,omitempty"`
}

// Wire shapes of the network API.

type interactionCheckRequest struct {
	Medications []string `json:"medications"`
}

type interactionCheckResponse struct {
	HasInteractions bool `json:"has_interactions"`
	Interactions    []struct {
		Severity    string   `json:"severity"`
		Medications []string `json:"medications"`
		Description string   `json:"description"`
	} `json:"interactions"`
}

type pharmacySearchResponse struct {
	Pharmacies []prescription.PharmacyTarget `json:"pharmacies"`
}

type submitRequest struct {
	PrescriptionID string                       `json:"prescription_id"`
	PatientID      string                       `json:"patient_id"`
	PrescriberID   string                       `json:"prescriber_id"`
	Medication     string                       `json:"medication"`
	Dosage         string                       `json:"dosage"`
	Frequency      string                       `json:"frequency"`
	Duration       string                       `json:"duration"`
	Quantity       int                          `json:"quantity"`
	Refills        int                          `json:"refills"`
	Instructions   string                       `json:"instructions,omitempty"`
	Pharmacy       *prescription.PharmacyTarget `json:"pharmacy,omitempty"`
}

type submitResponse struct {
	Accepted  bool   `json:"accepted"`
	Reference string `json:"reference"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type medicationHistoryResponse struct {
	Entries []MedicationHistoryEntry `json:"entries"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
