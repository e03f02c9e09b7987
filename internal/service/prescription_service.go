package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/erx"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/lifecycle"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const resourcePrescription = "prescription"

// Lifecycle is the state machine the service drives.
type Lifecycle interface {
	Create(ctx context.Context, cmd *prescription.CreatePrescriptionCommand) (*lifecycle.Outcome, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string, actor uuid.UUID) (*prescription.Prescription, error)
	Resubmit(ctx context.Context, id uuid.UUID) (*lifecycle.Outcome, error)
	RefreshStatus(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error)
	RecordRefill(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error)
	Expire(ctx context.Context, id uuid.UUID) (*prescription.Prescription, bool, error)
}

// Lookups are the read-only network calls that bypass the state machine.
type Lookups interface {
	CheckInteractions(ctx context.Context, medications []string) (*prescription.InteractionCheckResult, error)
	FindPharmacies(ctx context.Context, loc erx.Location, radiusKm float64) ([]prescription.PharmacyTarget, error)
	MedicationHistory(ctx context.Context, patientID uuid.UUID) ([]erx.MedicationHistoryEntry, error)
}

type PrescriptionService struct {
	engine      Lifecycle
	repo        prescription.Repository
	patientRepo patient.Repository
	network     Lookups
	auditSvc    *AuditService
	log         *zap.Logger
	now         func() time.Time
}

func NewPrescriptionService(engine Lifecycle, repo prescription.Repository, patientRepo patient.Repository, network Lookups, auditSvc *AuditService, log *zap.Logger) *PrescriptionService {
	return &PrescriptionService{
		engine:      engine,
		repo:        repo,
		patientRepo: patientRepo,
		network:     network,
		auditSvc:    auditSvc,
		log:         log.Named("prescriptions"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreatePrescription is restricted to prescribers. Doctors always prescribe as themselves;
// an admin may name the prescriber.
func (s *PrescriptionService) CreatePrescription(ctx context.Context, cmd *prescription.CreatePrescriptionCommand, caller Caller) (*lifecycle.Outcome, error) {
	if !caller.Role().CanPrescribe() {
		return nil, ErrForbidden
	}

	if caller.Role() == domain.RoleDoctor || cmd.PrescriberID == uuid.Nil {
		cmd.PrescriberID = caller.Claims.ActorID()
	}
	cmd.CreatedBy = caller.Claims.UserID

	out, err := s.engine.Create(ctx, cmd)
	if err != nil {
		return nil, err
	}

	p := out.Prescription
	s.audit(ctx, caller, domain.ActionCreate, p.ID, map[string]any{
		"status":      p.Status,
		"hold_reason": p.HoldReason,
	})

	logger.FromContext(ctx, s.log).Info("prescription created",
		zap.String("prescription_id", p.ID.String()),
		zap.String("status", string(p.Status)),
		zap.Bool("held", out.Held()),
	)

	return out, nil
}

// GetPrescription also expires a prescription that has run its course and refreshes its
// network status. A failed refresh returns the stored record.
func (s *PrescriptionService) GetPrescription(ctx context.Context, id uuid.UUID, caller Caller) (*prescription.Prescription, error) {
	if !caller.Role().IsStaff() && caller.Role() != domain.RolePatient {
		return nil, ErrForbidden
	}

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// RBAC: patients can only read their own prescriptions
	if caller.Role() == domain.RolePatient && !caller.OwnsPatient(p.PatientID) {
		return nil, ErrForbidden
	}

	log := logger.FromContext(ctx, s.log).With(zap.String("prescription_id", id.String()))

	if p.IsExpirable(s.now()) {
		if expired, _, err := s.engine.Expire(ctx, id); err != nil {
			log.Warn("expiring on read", zap.Error(err))
		} else {
			p = expired
		}
	}

	if p.NetworkReference != "" && !p.Status.IsTerminal() {
		if refreshed, err := s.engine.RefreshStatus(ctx, id); err != nil {
			log.Warn("refreshing network status", zap.Error(err))
		} else {
			p = refreshed
		}
	}

	s.audit(ctx, caller, domain.ActionRead, id, nil)
	return p, nil
}

func (s *PrescriptionService) ListPrescriptions(ctx context.Context, q *prescription.ListPrescriptionsQuery, caller Caller) (*prescription.PagedPrescriptions, error) {
	switch {
	case caller.Role() == domain.RolePatient:
		if caller.Claims.PatientID == nil {
			return nil, ErrForbidden
		}
		q.PatientID = caller.Claims.PatientID
	case !caller.Role().IsStaff():
		return nil, ErrForbidden
	}

	var errs []string
	if q.Status != nil && !q.Status.IsValid() {
		errs = append(errs, "status is invalid")
	}
	if q.CreatedFrom != nil && q.CreatedTo != nil && q.CreatedFrom.After(*q.CreatedTo) {
		errs = append(errs, "created_from must not be after created_to")
	}
	switch q.SortBy {
	case "", "created_at", "medication_name", "status", "expires_at":
	default:
		errs = append(errs, "sort_by must be one of created_at, medication_name, status, expires_at")
	}
	switch q.SortOrder {
	case "", "asc", "desc":
	default:
		errs = append(errs, "sort_order must be asc or desc")
	}
	if err := domain.NewValidationError(errs); err != nil {
		return nil, err
	}

	if q.PageSize <= 0 || q.PageSize > 100 {
		q.PageSize = 20
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	page, err := s.repo.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing prescriptions: %w", err)
	}

	s.audit(ctx, caller, domain.ActionRead, uuid.Nil, map[string]any{
		"query":    "list",
		"returned": len(page.Prescriptions),
	})
	return page, nil
}

func (s *PrescriptionService) CancelPrescription(ctx context.Context, id uuid.UUID, reason string, caller Caller) (*prescription.Prescription, error) {
	if !caller.Role().CanPrescribe() {
		return nil, ErrForbidden
	}

	p, err := s.engine.Cancel(ctx, id, reason, caller.Claims.ActorID())
	if err != nil {
		return nil, err
	}

	s.audit(ctx, caller, domain.ActionUpdate, id, map[string]any{"action": "cancel", "reason": reason})
	return p, nil
}

func (s *PrescriptionService) ResubmitPrescription(ctx context.Context, id uuid.UUID, caller Caller) (*lifecycle.Outcome, error) {
	if !caller.Role().CanPrescribe() {
		return nil, ErrForbidden
	}

	out, err := s.engine.Resubmit(ctx, id)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, caller, domain.ActionUpdate, id, map[string]any{
		"action": "resubmit",
		"status": out.Prescription.Status,
	})
	return out, nil
}

// RefillPrescription records a dispensed refill. Nurses may record refills but not prescribe.
func (s *PrescriptionService) RefillPrescription(ctx context.Context, id uuid.UUID, caller Caller) (*prescription.Prescription, error) {
	switch caller.Role() {
	case domain.RoleDoctor, domain.RoleNurse, domain.RoleAdmin:
	default:
		return nil, ErrForbidden
	}

	p, err := s.engine.RecordRefill(ctx, id)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, caller, domain.ActionUpdate, id, map[string]any{
		"action":            "refill",
		"refills_remaining": p.RefillsRemaining,
	})
	return p, nil
}

// CheckInteractions is an ad hoc check with no state change; nothing is cached.
func (s *PrescriptionService) CheckInteractions(ctx context.Context, medications []string, caller Caller) (*prescription.InteractionCheckResult, error) {
	if !caller.Role().IsStaff() {
		return nil, ErrForbidden
	}
	return s.network.CheckInteractions(ctx, medications)
}

// SearchPharmacies defaults the radius to erx.DefaultSearchRadiusKm.
func (s *PrescriptionService) SearchPharmacies(ctx context.Context, loc erx.Location, radiusKm *float64, caller Caller) ([]prescription.PharmacyTarget, error) {
	if !caller.Role().IsStaff() {
		return nil, ErrForbidden
	}
	radius := erx.DefaultSearchRadiusKm
	if radiusKm != nil {
		radius = *radiusKm
	}
	return s.network.FindPharmacies(ctx, loc, radius)
}

func (s *PrescriptionService) MedicationHistory(ctx context.Context, patientID uuid.UUID, caller Caller) ([]erx.MedicationHistoryEntry, error) {
	if !caller.Role().IsStaff() && !caller.OwnsPatient(patientID) {
		return nil, ErrForbidden
	}

	if _, err := s.patientRepo.GetByID(ctx, patientID); err != nil {
		if errors.Is(err, patient.ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("verifying patient: %w", err)
	}

	entries, err := s.network.MedicationHistory(ctx, patientID)
	if err != nil {
		return nil, err
	}

	s.auditSvc.LogAsync(ctx, AuditEntry{
		UserID:       caller.Claims.UserID,
		UserRole:     caller.Role(),
		Action:       domain.ActionRead,
		ResourceType: "medication_history",
		ResourceID:   patientID.String(),
		IPAddress:    caller.IPAddress,
		RequestID:    caller.RequestID,
	})
	return entries, nil
}

func (s *PrescriptionService) audit(ctx context.Context, caller Caller, action domain.AuditAction, id uuid.UUID, changes map[string]any) {
	entry := AuditEntry{
		UserID:       caller.Claims.UserID,
		UserRole:     caller.Role(),
		Action:       action,
		ResourceType: resourcePrescription,
		IPAddress:    caller.IPAddress,
		RequestID:    caller.RequestID,
		Changes:      changes,
	}
	if id != uuid.Nil {
		entry.ResourceID = id.String()
	}
	s.auditSvc.LogAsync(ctx, entry)
}
