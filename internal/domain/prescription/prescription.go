package prescription

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of a prescription.
//
//	draft → pending_submission → active → cancelled
//	                           ↘ on_hold ↗        ↘ expired
//	on_hold → pending_submission (manual resubmission)
type Status string

const (
	StatusDraft             Status = "draft"
	StatusPendingSubmission Status = "pending_submission"
	StatusActive            Status = "active"
	StatusOnHold            Status = "on_hold"
	StatusCancelled         Status = "cancelled"
	StatusExpired           Status = "expired"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusPendingSubmission, StatusActive, StatusOnHold, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

var allowedTransitions = map[Status][]Status{
	StatusDraft:             {StatusPendingSubmission},
	StatusPendingSubmission: {StatusActive, StatusOnHold, StatusCancelled},
	StatusActive:            {StatusCancelled, StatusExpired},
	StatusOnHold:            {StatusPendingSubmission, StatusCancelled},
	StatusCancelled:         {},
	StatusExpired:           {},
}

// NetworkStatus is what the pharmacy network reports for a submitted prescription.
type NetworkStatus string

const (
	NetworkPending  NetworkStatus = "pending"
	NetworkFilled   NetworkStatus = "filled"
	NetworkRejected NetworkStatus = "rejected"
	// NetworkUnknown means the network has no record. It is not a failure.
	NetworkUnknown NetworkStatus = "unknown"
)

// HoldReason explains the last transition into StatusOnHold.
type HoldReason string

const (
	HoldInteractionsFound     HoldReason = "interactions_found"
	HoldInteractionCheckFault HoldReason = "interaction_check_failed"
	HoldSubmissionFailed      HoldReason = "submission_failed"
	HoldSubmissionRejected    HoldReason = "submission_rejected"
)

// PharmacyTarget identifies the dispensing pharmacy.
type PharmacyTarget struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	AddressLine string  `json:"address_line,omitempty"`
	City        string  `json:"city,omitempty"`
	State       string  `json:"state,omitempty"`
	PostalCode  string  `json:"postal_code,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Fax         string  `json:"fax,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	DistanceKm  float64 `json:"distance_km,omitempty"`
}

type Prescription struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
	Version   int       `gorm:"column:version;not null;default:1"`

	PatientID    uuid.UUID `gorm:"column:patient_id;type:uuid;not null;index"`
	PrescriberID uuid.UUID `gorm:"column:prescriber_id;type:uuid;not null;index"`

	MedicationName string          `gorm:"column:medication_name;type:varchar(255);not null;index"`
	Dosage         string          `gorm:"column:dosage;type:varchar(50);not null"`     // e.g. "500mg"
	Frequency      string          `gorm:"column:frequency;type:varchar(100);not null"` // e.g. "twice daily"
	Duration       string          `gorm:"column:duration;type:varchar(100);not null"`  // e.g. "7 days"
	Quantity       int             `gorm:"column:quantity;not null"`
	Refills        int             `gorm:"column:refills;not null;default:0"`
	Pharmacy       *PharmacyTarget `gorm:"column:pharmacy;serializer:json"`
	Instructions   string          `gorm:"column:instructions;type:text"`

	RefillsRemaining int    `gorm:"column:refills_remaining;not null;default:0"`
	Status           Status `gorm:"column:status;type:varchar(30);not null;index"`

	SentToPharmacy   bool           `gorm:"column:sent_to_pharmacy;not null;default:false"`
	NetworkReference string         `gorm:"column:network_reference;type:varchar(100);index"`
	NetworkStatus    NetworkStatus  `gorm:"column:network_status;type:varchar(20)"`
	PharmacyResponse datatypes.JSON `gorm:"column:pharmacy_response"` // last raw ack, audit only
	LastStatusCheck  *time.Time     `gorm:"column:last_status_check"`
	HoldReason       HoldReason     `gorm:"column:hold_reason;type:varchar(40)"`

	IssuedAt  time.Time `gorm:"column:issued_at;not null;index"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`

	CancelledAt        *time.Time `gorm:"column:cancelled_at"`
	CancellationReason string     `gorm:"column:cancellation_reason;type:text"`
	CancelledBy        *uuid.UUID `gorm:"column:cancelled_by;type:uuid"`

	CreatedBy uuid.UUID `gorm:"column:created_by;type:uuid;not null"`
}

func (Prescription) TableName() string {
	return "clinical.prescriptions"
}

// New builds a draft from a validated command.
func New(cmd *CreatePrescriptionCommand, issuedAt time.Time) (*Prescription, error) {
	course, err := ParseCourseDuration(cmd.Duration)
	if err != nil {
		return nil, err
	}
	return &Prescription{
		ID:               uuid.New(),
		Version:          1,
		PatientID:        cmd.PatientID,
		PrescriberID:     cmd.PrescriberID,
		MedicationName:   cmd.MedicationName,
		Dosage:           cmd.Dosage,
		Frequency:        cmd.Frequency,
		Duration:         cmd.Duration,
		Quantity:         *cmd.Quantity,
		Refills:          *cmd.Refills,
		RefillsRemaining: *cmd.Refills,
		Pharmacy:         cmd.Pharmacy,
		Instructions:     cmd.Instructions,
		Status:           StatusDraft,
		IssuedAt:         issuedAt,
		ExpiresAt:        issuedAt.Add(course),
		CreatedBy:        cmd.CreatedBy,
	}, nil
}

func (p *Prescription) CanTransitionTo(next Status) bool {
	for _, s := range allowedTransitions[p.Status] {
		if s == next {
			return true
		}
	}
	return false
}

func (p *Prescription) transition(next Status) error {
	if !p.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, p.Status, next)
	}
	p.Status = next
	return nil
}

// MarkPendingSubmission moves a draft (or a held prescription being resubmitted) to the wire.
func (p *Prescription) MarkPendingSubmission() error {
	if err := p.transition(StatusPendingSubmission); err != nil {
		return err
	}
	p.HoldReason = ""
	return nil
}

// Activate records the network's acceptance.
func (p *Prescription) Activate(reference string, raw []byte) error {
	if err := p.transition(StatusActive); err != nil {
		return err
	}
	p.SentToPharmacy = true
	p.NetworkReference = reference
	p.NetworkStatus = NetworkPending
	p.PharmacyResponse = datatypes.JSON(raw)
	p.HoldReason = ""
	return nil
}

// Hold parks the prescription for prescriber review. The record is kept.
func (p *Prescription) Hold(reason HoldReason, raw []byte) error {
	if err := p.transition(StatusOnHold); err != nil {
		return err
	}
	p.SentToPharmacy = false
	p.HoldReason = reason
	if len(raw) > 0 {
		p.PharmacyResponse = datatypes.JSON(raw)
	}
	return nil
}

func (p *Prescription) Cancel(reason string, by uuid.UUID, at time.Time) error {
	if err := p.transition(StatusCancelled); err != nil {
		return err
	}
	p.CancelledAt = &at
	p.CancellationReason = reason
	p.CancelledBy = &by
	return nil
}

func (p *Prescription) Expire(now time.Time) error {
	if p.Status == StatusActive && !p.IsExpirable(now) {
		return fmt.Errorf("%w: refills remain or course not finished", ErrInvalidStatusTransition)
	}
	return p.transition(StatusExpired)
}

// IsExpirable is true once every refill has been used and the course has ended.
func (p *Prescription) IsExpirable(now time.Time) bool {
	return p.Status == StatusActive && p.RefillsRemaining == 0 && !now.Before(p.ExpiresAt)
}

// ConsumeRefill records one fulfilled refill.
func (p *Prescription) ConsumeRefill() error {
	if p.Status != StatusActive {
		return fmt.Errorf("%w: refill on %s prescription", ErrInvalidStatusTransition, p.Status)
	}
	if p.RefillsRemaining <= 0 {
		return ErrNoRefillsRemaining
	}
	p.RefillsRemaining--
	return nil
}

// NeedsNetworkCancel is true when the network holds a copy that must be voided first.
func (p *Prescription) NeedsNetworkCancel() bool {
	return p.SentToPharmacy && p.NetworkReference != ""
}

func (p *Prescription) RecordNetworkStatus(s NetworkStatus, at time.Time) {
	p.NetworkStatus = s
	p.LastStatusCheck = &at
}

type CreatePrescriptionCommand struct {
	PatientID      uuid.UUID
	PrescriberID   uuid.UUID
	MedicationName string
	Dosage         string
	Frequency      string
	Duration       string
	// Pointers distinguish "absent" from zero.
	Quantity     *int
	Refills      *int
	Pharmacy     *PharmacyTarget
	Instructions string
	CreatedBy    uuid.UUID
}

type ListPrescriptionsQuery struct {
	PatientID    *uuid.UUID
	PrescriberID *uuid.UUID
	Status       *Status
	CreatedFrom  *time.Time
	CreatedTo    *time.Time
	Medication   string // case-insensitive substring
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string // "asc" | "desc"
}

type PagedPrescriptions struct {
	Prescriptions []*Prescription
	TotalCount    int64
	Page          int
	PageSize      int
	TotalPages    int
}

// Interaction is one adverse pairing reported by the network.
type Interaction struct {
	Severity    string    `json:"severity"`
	Medications [2]string `json:"medications"`
	Description string    `json:"description"`
}

// InteractionCheckResult is produced fresh on every call and never cached.
type InteractionCheckResult struct {
	Medications     []string      `json:"medications"`
	HasInteractions bool          `json:"has_interactions"`
	Interactions    []Interaction `json:"interactions"`
}
