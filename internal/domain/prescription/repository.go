package prescription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create persists a new prescription. The caller assigns the ID.
	Create(ctx context.Context, p *Prescription) error

	// GetByID returns ErrPrescriptionNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)

	// Update writes the mutable lifecycle fields if the stored version still equals p.Version,
	// then increments p.Version. Returns ErrVersionConflict when it does not.
	Update(ctx context.Context, p *Prescription) error

	List(ctx context.Context, q *ListPrescriptionsQuery) (*PagedPrescriptions, error)

	// GetActiveByPatient returns the patient's prescriptions currently in StatusActive.
	GetActiveByPatient(ctx context.Context, patientID uuid.UUID) ([]*Prescription, error)

	// ListExpirable returns active prescriptions with no refills left whose course ended before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Prescription, error)
}
