// Package memory holds map-backed stores with the same contracts as the postgres repositories.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
	"github.com/google/uuid"
)

type PrescriptionStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]prescription.Prescription
	now     func() time.Time
}

func NewPrescriptionStore() *PrescriptionStore {
	return &PrescriptionStore{records: map[uuid.UUID]prescription.Prescription{}, now: time.Now}
}

func clone(p prescription.Prescription) *prescription.Prescription {
	if p.Pharmacy != nil {
		ph := *p.Pharmacy
		p.Pharmacy = &ph
	}
	return &p
}

func (s *PrescriptionStore) Create(ctx context.Context, p *prescription.Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Version == 0 {
		p.Version = 1
	}
	s.records[p.ID] = *clone(*p)
	return nil
}

func (s *PrescriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.records[id]
	if !ok {
		return nil, prescription.ErrPrescriptionNotFound
	}
	return clone(p), nil
}

func (s *PrescriptionStore) Update(ctx context.Context, p *prescription.Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[p.ID]
	if !ok {
		return prescription.ErrPrescriptionNotFound
	}
	if stored.Version != p.Version {
		return prescription.ErrVersionConflict
	}

	p.Version++
	p.UpdatedAt = s.now()
	s.records[p.ID] = *clone(*p)
	return nil
}

func (s *PrescriptionStore) List(ctx context.Context, q *prescription.ListPrescriptionsQuery) (*prescription.PagedPrescriptions, error) {
	s.mu.RLock()
	matched := make([]*prescription.Prescription, 0, len(s.records))
	for _, p := range s.records {
		if matches(&p, q) {
			matched = append(matched, clone(p))
		}
	}
	s.mu.RUnlock()

	sortPrescriptions(matched, q.SortBy, q.SortOrder)

	page, size := q.Page, q.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	total := len(matched)
	start := min((page-1)*size, total)
	end := min(start+size, total)

	return &prescription.PagedPrescriptions{
		Prescriptions: matched[start:end],
		TotalCount:    int64(total),
		Page:          page,
		PageSize:      size,
		TotalPages:    int(math.Ceil(float64(total) / float64(size))),
	}, nil
}

func (s *PrescriptionStore) GetActiveByPatient(ctx context.Context, patientID uuid.UUID) ([]*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*prescription.Prescription
	for _, p := range s.records {
		if p.PatientID == patientID && p.Status == prescription.StatusActive {
			out = append(out, clone(p))
		}
	}
	sortPrescriptions(out, "created_at", "asc")
	return out, nil
}

func (s *PrescriptionStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*prescription.Prescription
	for _, p := range s.records {
		if p.IsExpirable(now) {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(p *prescription.Prescription, q *prescription.ListPrescriptionsQuery) bool {
	if q.PatientID != nil && p.PatientID != *q.PatientID {
		return false
	}
	if q.PrescriberID != nil && p.PrescriberID != *q.PrescriberID {
		return false
	}
	if q.Status != nil && p.Status != *q.Status {
		return false
	}
	if q.CreatedFrom != nil && p.CreatedAt.Before(*q.CreatedFrom) {
		return false
	}
	if q.CreatedTo != nil && p.CreatedAt.After(*q.CreatedTo) {
		return false
	}
	if q.Medication != "" && !strings.Contains(strings.ToLower(p.MedicationName), strings.ToLower(q.Medication)) {
		return false
	}
	return true
}

func sortPrescriptions(ps []*prescription.Prescription, by, order string) {
	less := func(a, b *prescription.Prescription) bool { return a.CreatedAt.Before(b.CreatedAt) }
	switch by {
	case "medication_name":
		less = func(a, b *prescription.Prescription) bool { return a.MedicationName < b.MedicationName }
	case "status":
		less = func(a, b *prescription.Prescription) bool { return a.Status < b.Status }
	case "expires_at":
		less = func(a, b *prescription.Prescription) bool { return a.ExpiresAt.Before(b.ExpiresAt) }
	}
	desc := order != "asc"
	sort.SliceStable(ps, func(i, j int) bool {
		if desc {
			return less(ps[j], ps[i])
		}
		return less(ps[i], ps[j])
	})
}

type PatientStore struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]patient.Patient
}

func NewPatientStore(seed ...*patient.Patient) *PatientStore {
	s := &PatientStore{patients: map[uuid.UUID]patient.Patient{}}
	for _, p := range seed {
		s.Put(p)
	}
	return s
}

func (s *PatientStore) Put(p *patient.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.patients[p.ID] = *p
}

func (s *PatientStore) GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok || p.DeletedAt != nil {
		return nil, patient.ErrPatientNotFound
	}
	return &p, nil
}

type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditLog
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Create(ctx context.Context, entry *domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	s.entries = append(s.entries, *entry)
	return nil
}

// Entries returns a snapshot of everything written so far.
func (s *AuditStore) Entries() []domain.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditLog(nil), s.entries...)
}
