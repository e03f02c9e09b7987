package memory

import (
	"context"
	"testing"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *PrescriptionStore, patientID uuid.UUID, med string, status prescription.Status, created time.Time) *prescription.Prescription {
	t.Helper()
	p := &prescription.Prescription{
		ID:             uuid.New(),
		PatientID:      patientID,
		MedicationName: med,
		Status:         status,
		CreatedAt:      created,
		ExpiresAt:      created.Add(7 * 24 * time.Hour),
		Pharmacy:       &prescription.PharmacyTarget{ID: "PH-1"},
	}
	require.NoError(t, s.Create(context.Background(), p))
	return p
}

func TestPrescriptionStore_UpdateChecksVersion(t *testing.T) {
	ctx := context.Background()
	s := NewPrescriptionStore()
	p := seed(t, s, uuid.New(), "Metformin", prescription.StatusActive, time.Now())

	a, err := s.GetByID(ctx, p.ID)
	require.NoError(t, err)
	b, err := s.GetByID(ctx, p.ID)
	require.NoError(t, err)

	a.RefillsRemaining = 3
	require.NoError(t, s.Update(ctx, a))
	assert.Equal(t, 2, a.Version)

	b.RefillsRemaining = 9
	assert.ErrorIs(t, s.Update(ctx, b), prescription.ErrVersionConflict)

	got, err := s.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RefillsRemaining)

	_, err = s.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, prescription.ErrPrescriptionNotFound)
}

func TestPrescriptionStore_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewPrescriptionStore()
	p := seed(t, s, uuid.New(), "Metformin", prescription.StatusActive, time.Now())

	got, err := s.GetByID(ctx, p.ID)
	require.NoError(t, err)
	got.Pharmacy.ID = "changed"
	got.Status = prescription.StatusCancelled

	again, err := s.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "PH-1", again.Pharmacy.ID)
	assert.Equal(t, prescription.StatusActive, again.Status)
}

func TestPrescriptionStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewPrescriptionStore()
	patientID := uuid.New()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	seed(t, s, patientID, "Atorvastatin", prescription.StatusActive, base)
	seed(t, s, patientID, "Metformin", prescription.StatusOnHold, base.Add(time.Hour))
	seed(t, s, patientID, "Metoprolol", prescription.StatusActive, base.Add(2*time.Hour))
	seed(t, s, uuid.New(), "Metformin", prescription.StatusActive, base.Add(3*time.Hour))

	page, err := s.List(ctx, &prescription.ListPrescriptionsQuery{PatientID: &patientID, Medication: "MET", SortBy: "medication_name", SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, page.Prescriptions, 2)
	assert.Equal(t, "Metformin", page.Prescriptions[0].MedicationName)
	assert.Equal(t, "Metoprolol", page.Prescriptions[1].MedicationName)

	active := prescription.StatusActive
	page, err = s.List(ctx, &prescription.ListPrescriptionsQuery{Status: &active, Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.TotalCount)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Prescriptions, 1)
	// Newest first by default, so the oldest active lands on page two.
	assert.Equal(t, "Atorvastatin", page.Prescriptions[0].MedicationName)

	from := base.Add(90 * time.Minute)
	page, err = s.List(ctx, &prescription.ListPrescriptionsQuery{CreatedFrom: &from})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.TotalCount)
}

func TestPrescriptionStore_ListExpirable(t *testing.T) {
	ctx := context.Background()
	s := NewPrescriptionStore()
	now := time.Now()

	due := seed(t, s, uuid.New(), "Amoxicillin", prescription.StatusActive, now.Add(-30*24*time.Hour))
	seed(t, s, uuid.New(), "Ibuprofen", prescription.StatusActive, now)
	withRefills := seed(t, s, uuid.New(), "Lisinopril", prescription.StatusActive, now.Add(-30*24*time.Hour))
	withRefills.RefillsRemaining = 1
	require.NoError(t, s.Update(ctx, withRefills))

	out, err := s.ListExpirable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, due.ID, out[0].ID)
}
