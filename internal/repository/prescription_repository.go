package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Whitelisted ORDER BY columns; anything else falls back to created_at.
var prescriptionSortColumns = map[string]string{
	"created_at":      "created_at",
	"medication_name": "medication_name",
	"status":          "status",
	"expires_at":      "expires_at",
}

type PrescriptionRepository struct {
	db *gorm.DB
}

func NewPrescriptionRepository(db *gorm.DB) *PrescriptionRepository {
	return &PrescriptionRepository{db: db}
}

func (r *PrescriptionRepository) Create(ctx context.Context, p *prescription.Prescription) error {
	if p.Version == 0 {
		p.Version = 1
	}
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("inserting prescription: %w", err)
	}
	return nil
}

func (r *PrescriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	var p prescription.Prescription
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, prescription.ErrPrescriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading prescription: %w", err)
	}
	return &p, nil
}

// Update writes only lifecycle fields. Prescribed content never changes after creation.
func (r *PrescriptionRepository) Update(ctx context.Context, p *prescription.Prescription) error {
	res := r.db.WithContext(ctx).
		Model(&prescription.Prescription{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Updates(map[string]any{
			"version":             p.Version + 1,
			"status":              p.Status,
			"refills_remaining":   p.RefillsRemaining,
			"sent_to_pharmacy":    p.SentToPharmacy,
			"network_reference":   p.NetworkReference,
			"network_status":      p.NetworkStatus,
			"pharmacy_response":   p.PharmacyResponse,
			"last_status_check":   p.LastStatusCheck,
			"hold_reason":         p.HoldReason,
			"cancelled_at":        p.CancelledAt,
			"cancellation_reason": p.CancellationReason,
			"cancelled_by":        p.CancelledBy,
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("updating prescription: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&prescription.Prescription{}).Where("id = ?", p.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("checking prescription existence: %w", err)
		}
		if count == 0 {
			return prescription.ErrPrescriptionNotFound
		}
		return prescription.ErrVersionConflict
	}

	p.Version++
	return nil
}

func (r *PrescriptionRepository) List(ctx context.Context, q *prescription.ListPrescriptionsQuery) (*prescription.PagedPrescriptions, error) {
	db := r.db.WithContext(ctx).Model(&prescription.Prescription{})

	if q.PatientID != nil {
		db = db.Where("patient_id = ?", *q.PatientID)
	}
	if q.PrescriberID != nil {
		db = db.Where("prescriber_id = ?", *q.PrescriberID)
	}
	if q.Status != nil {
		db = db.Where("status = ?", *q.Status)
	}
	if q.CreatedFrom != nil {
		db = db.Where("created_at >= ?", *q.CreatedFrom)
	}
	if q.CreatedTo != nil {
		db = db.Where("created_at <= ?", *q.CreatedTo)
	}
	if q.Medication != "" {
		db = db.Where("medication_name ILIKE ?", "%"+escapeLike(q.Medication)+"%")
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("counting prescriptions: %w", err)
	}

	col, ok := prescriptionSortColumns[q.SortBy]
	if !ok {
		col = "created_at"
	}
	order := "DESC"
	if q.SortOrder == "asc" {
		order = "ASC"
	}

	page, size := q.Page, q.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}

	var items []*prescription.Prescription
	err := db.Order(col + " " + order).
		Order("id").
		Offset((page - 1) * size).
		Limit(size).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("listing prescriptions: %w", err)
	}

	return &prescription.PagedPrescriptions{
		Prescriptions: items,
		TotalCount:    total,
		Page:          page,
		PageSize:      size,
		TotalPages:    int(math.Ceil(float64(total) / float64(size))),
	}, nil
}

func (r *PrescriptionRepository) GetActiveByPatient(ctx context.Context, patientID uuid.UUID) ([]*prescription.Prescription, error) {
	var items []*prescription.Prescription
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND status = ?", patientID, prescription.StatusActive).
		Order("created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("listing active prescriptions: %w", err)
	}
	return items, nil
}

func (r *PrescriptionRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*prescription.Prescription, error) {
	db := r.db.WithContext(ctx).
		Where("status = ? AND refills_remaining = 0 AND expires_at <= ?", prescription.StatusActive, now).
		Order("expires_at ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}

	var items []*prescription.Prescription
	if err := db.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing expirable prescriptions: %w", err)
	}
	return items, nil
}
