package service

import (
	"errors"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/google/uuid"
)

var ErrForbidden = errors.New("forbidden: insufficient permissions")

// Caller is the authenticated identity behind a request plus what the audit trail needs.
type Caller struct {
	Claims    domain.Claims
	IPAddress string
	RequestID string
}

func (c Caller) Role() domain.Role { return c.Claims.Role }

// OwnsPatient is true when the caller is the patient themselves.
func (c Caller) OwnsPatient(patientID uuid.UUID) bool {
	return c.Claims.Role == domain.RolePatient && c.Claims.PatientID != nil && *c.Claims.PatientID == patientID
}
