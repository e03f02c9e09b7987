package prescription

import (
	"errors"
	"testing"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func validCommand() *CreatePrescriptionCommand {
	return &CreatePrescriptionCommand{
		PatientID:      uuid.New(),
		PrescriberID:   uuid.New(),
		MedicationName: "Amoxicillin",
		Dosage:         "500mg",
		Frequency:      "three times daily",
		Duration:       "10 days",
		Quantity:       intPtr(30),
		Refills:        intPtr(2),
		Pharmacy:       &PharmacyTarget{ID: "NCPDP-1234567", Name: "Corner Pharmacy"},
		CreatedBy:      uuid.New(),
	}
}

func TestValidate_ListsEveryInvalidField(t *testing.T) {
	cmd := &CreatePrescriptionCommand{
		Duration: "forever",
		Quantity: intPtr(0),
		Pharmacy: &PharmacyTarget{Latitude: 91},
	}

	err := cmd.Validate()

	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.ElementsMatch(t, []string{
		"patient_id is required",
		"prescriber_id is required",
		"medication is required",
		"dosage is required",
		"frequency is required",
		"duration is invalid",
		"quantity must be positive",
		"refills is required",
		"pharmacy.id is required",
		"pharmacy.latitude must be between -90 and 90",
	}, vErr.Fields)
}

func TestValidate_AcceptsCompleteCommand(t *testing.T) {
	assert.NoError(t, validCommand().Validate())
}

func TestParseCourseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"7 days", 7 * day, false},
		{"1 day", day, false},
		{"10d", 10 * day, false},
		{"2 weeks", 14 * day, false},
		{"3 Months", 90 * day, false},
		{" 5 days ", 5 * day, false},
		{"", 0, true},
		{"days", 0, true},
		{"0 days", 0, true},
		{"7 fortnights", 0, true},
		{"3650 days", maxCourse, false},
		{"3651 days", 0, true},
		{"200000 days", 0, true},
		{"99999999999 weeks", 0, true},
		{"99999999999999999999 days", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCourseDuration(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDuration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_StartsAsDraftWithAllRefills(t *testing.T) {
	issued := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	p, err := New(validCommand(), issued)
	require.NoError(t, err)

	assert.Equal(t, StatusDraft, p.Status)
	assert.Equal(t, 2, p.Refills)
	assert.Equal(t, p.Refills, p.RefillsRemaining)
	assert.Equal(t, issued.Add(10*day), p.ExpiresAt)
	assert.NotEqual(t, uuid.Nil, p.ID)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusDraft, StatusPendingSubmission, true},
		{StatusDraft, StatusActive, false},
		{StatusDraft, StatusCancelled, false},
		{StatusPendingSubmission, StatusActive, true},
		{StatusPendingSubmission, StatusOnHold, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusOnHold, false},
		{StatusOnHold, StatusPendingSubmission, true},
		{StatusOnHold, StatusActive, false},
		{StatusCancelled, StatusActive, false},
		{StatusExpired, StatusActive, false},
		{StatusCancelled, StatusPendingSubmission, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			p := &Prescription{Status: tt.from}
			assert.Equal(t, tt.ok, p.CanTransitionTo(tt.to))
		})
	}
}

func TestActivate_RequiresPendingSubmission(t *testing.T) {
	p, err := New(validCommand(), time.Now())
	require.NoError(t, err)

	assert.ErrorIs(t, p.Activate("ref-1", nil), ErrInvalidStatusTransition)

	require.NoError(t, p.MarkPendingSubmission())
	require.NoError(t, p.Activate("ref-1", []byte(`{"accepted":true}`)))

	assert.Equal(t, StatusActive, p.Status)
	assert.True(t, p.SentToPharmacy)
	assert.Equal(t, "ref-1", p.NetworkReference)
	assert.Equal(t, NetworkPending, p.NetworkStatus)
}

func TestHold_KeepsRecordUnsent(t *testing.T) {
	p, err := New(validCommand(), time.Now())
	require.NoError(t, err)
	require.NoError(t, p.MarkPendingSubmission())

	require.NoError(t, p.Hold(HoldSubmissionFailed, []byte(`{"error":"timeout"}`)))

	assert.Equal(t, StatusOnHold, p.Status)
	assert.False(t, p.SentToPharmacy)
	assert.Equal(t, HoldSubmissionFailed, p.HoldReason)
	assert.JSONEq(t, `{"error":"timeout"}`, string(p.PharmacyResponse))

	require.NoError(t, p.MarkPendingSubmission())
	assert.Empty(t, p.HoldReason)
}

func TestConsumeRefill_NeverGoesNegative(t *testing.T) {
	p := &Prescription{Status: StatusActive, Refills: 1, RefillsRemaining: 1}

	require.NoError(t, p.ConsumeRefill())
	assert.Equal(t, 0, p.RefillsRemaining)

	assert.ErrorIs(t, p.ConsumeRefill(), ErrNoRefillsRemaining)
	assert.Equal(t, 0, p.RefillsRemaining)
	assert.LessOrEqual(t, p.RefillsRemaining, p.Refills)
}

func TestConsumeRefill_OnlyWhenActive(t *testing.T) {
	p := &Prescription{Status: StatusOnHold, Refills: 3, RefillsRemaining: 3}
	assert.ErrorIs(t, p.ConsumeRefill(), ErrInvalidStatusTransition)
	assert.Equal(t, 3, p.RefillsRemaining)
}

func TestExpire(t *testing.T) {
	now := time.Now()

	t.Run("refills remain", func(t *testing.T) {
		p := &Prescription{Status: StatusActive, RefillsRemaining: 1, ExpiresAt: now.Add(-time.Hour)}
		assert.False(t, p.IsExpirable(now))
		assert.ErrorIs(t, p.Expire(now), ErrInvalidStatusTransition)
		assert.Equal(t, StatusActive, p.Status)
	})

	t.Run("course not finished", func(t *testing.T) {
		p := &Prescription{Status: StatusActive, ExpiresAt: now.Add(time.Hour)}
		assert.ErrorIs(t, p.Expire(now), ErrInvalidStatusTransition)
	})

	t.Run("due", func(t *testing.T) {
		p := &Prescription{Status: StatusActive, ExpiresAt: now.Add(-time.Hour)}
		require.True(t, p.IsExpirable(now))
		require.NoError(t, p.Expire(now))
		assert.Equal(t, StatusExpired, p.Status)
		assert.False(t, p.CanTransitionTo(StatusActive))
	})

	t.Run("cancelled never expires", func(t *testing.T) {
		p := &Prescription{Status: StatusCancelled, ExpiresAt: now.Add(-time.Hour)}
		assert.ErrorIs(t, p.Expire(now), ErrInvalidStatusTransition)
	})
}

func TestCancel_RecordsWhoAndWhy(t *testing.T) {
	by := uuid.New()
	at := time.Now()
	p := &Prescription{Status: StatusActive}

	require.NoError(t, p.Cancel("patient allergic", by, at))

	assert.Equal(t, StatusCancelled, p.Status)
	assert.Equal(t, "patient allergic", p.CancellationReason)
	assert.Equal(t, by, *p.CancelledBy)
	assert.Equal(t, at, *p.CancelledAt)
	assert.ErrorIs(t, p.Cancel("again", by, at), ErrInvalidStatusTransition)
}
