package prescription

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/google/uuid"
)

const day = 24 * time.Hour

// maxCourse bounds a single course so ExpiresAt always follows IssuedAt.
const maxCourse = 10 * 365 * day

// Validate reports every missing or malformed field at once.
func (cmd *CreatePrescriptionCommand) Validate() error {
	var errs []string

	if cmd.PatientID == uuid.Nil {
		errs = append(errs, "patient_id is required")
	}
	if cmd.PrescriberID == uuid.Nil {
		errs = append(errs, "prescriber_id is required")
	}
	if strings.TrimSpace(cmd.MedicationName) == "" {
		errs = append(errs, "medication is required")
	}
	if strings.TrimSpace(cmd.Dosage) == "" {
		errs = append(errs, "dosage is required")
	}
	if strings.TrimSpace(cmd.Frequency) == "" {
		errs = append(errs, "frequency is required")
	}
	if strings.TrimSpace(cmd.Duration) == "" {
		errs = append(errs, "duration is required")
	} else if _, err := ParseCourseDuration(cmd.Duration); err != nil {
		errs = append(errs, "duration is invalid")
	}
	switch {
	case cmd.Quantity == nil:
		errs = append(errs, "quantity is required")
	case *cmd.Quantity <= 0:
		errs = append(errs, "quantity must be positive")
	}
	switch {
	case cmd.Refills == nil:
		errs = append(errs, "refills is required")
	case *cmd.Refills < 0:
		errs = append(errs, "refills cannot be negative")
	}
	if ph := cmd.Pharmacy; ph != nil {
		if strings.TrimSpace(ph.ID) == "" {
			errs = append(errs, "pharmacy.id is required")
		}
		if ph.Latitude < -90 || ph.Latitude > 90 {
			errs = append(errs, "pharmacy.latitude must be between -90 and 90")
		}
		if ph.Longitude < -180 || ph.Longitude > 180 {
			errs = append(errs, "pharmacy.longitude must be between -180 and 180")
		}
	}

	return domain.NewValidationError(errs)
}

// ParseCourseDuration turns "7 days", "2 weeks", "1 month" or "10d" into a duration.
// Months count as 30 days. Courses longer than ten years are rejected.
func ParseCourseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	idx := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
	if idx <= 0 {
		return 0, ErrInvalidDuration
	}

	n, err := strconv.Atoi(s[:idx])
	if err != nil || n <= 0 {
		return 0, ErrInvalidDuration
	}

	var unit time.Duration
	switch strings.TrimSpace(s[idx:]) {
	case "d", "day", "days":
		unit = day
	case "w", "wk", "week", "weeks":
		unit = 7 * day
	case "m", "mo", "month", "months":
		unit = 30 * day
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}

	if int64(n) > int64(maxCourse/unit) {
		return 0, fmt.Errorf("%w: %q exceeds 10 years", ErrInvalidDuration, s)
	}
	return time.Duration(n) * unit, nil
}
