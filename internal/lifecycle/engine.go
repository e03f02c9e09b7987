// Package lifecycle owns the prescription state machine. Nothing else changes a status.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/erx"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/events"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/logger"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Network is the slice of the pharmacy network the state machine drives.
type Network interface {
	CheckInteractions(ctx context.Context, medications []string) (*prescription.InteractionCheckResult, error)
	Submit(ctx context.Context, p *prescription.Prescription) (*erx.SubmissionAck, error)
	GetStatus(ctx context.Context, reference string) (prescription.NetworkStatus, error)
	Cancel(ctx context.Context, reference, reason string) (*erx.CancellationAck, error)
}

type Publisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

const defaultPublishTimeout = time.Second

type InteractionScope string

const (
	// ScopeSelf checks the new medication on its own.
	ScopeSelf InteractionScope = "self"
	// ScopePatient adds every medication the patient is actively prescribed.
	ScopePatient InteractionScope = "patient"
)

// Outcome is the result of a submission attempt. A held prescription is a success with a warning.
type Outcome struct {
	Prescription *prescription.Prescription
	Warning      string
	Interactions []prescription.Interaction
}

func (o *Outcome) Held() bool {
	return o.Prescription != nil && o.Prescription.Status == prescription.StatusOnHold
}

type Engine struct {
	repo      prescription.Repository
	patients  patient.Repository
	network   Network
	publisher Publisher
	metrics   *metrics.Collector
	log       *zap.Logger
	scope     InteractionScope
	now       func() time.Time

	publishTimeout time.Duration

	locks   *keyedMutex
	refresh singleflight.Group
}

type Option func(*Engine)

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithMetrics(m *metrics.Collector) Option { return func(e *Engine) { e.metrics = m } }

func WithInteractionScope(s InteractionScope) Option { return func(e *Engine) { e.scope = s } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithPublishTimeout bounds each event publish. Non-positive values keep the default.
func WithPublishTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.publishTimeout = d
		}
	}
}

func NewEngine(repo prescription.Repository, patients patient.Repository, network Network, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		repo:      repo,
		patients:  patients,
		network:   network,
		publisher: events.Nop{},
		log:       log.Named("lifecycle"),
		scope:     ScopeSelf,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     newKeyedMutex(),

		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create validates, persists in PendingSubmission and then submits. Local failures return an
// error and store nothing; network failures still return the stored record, held, with a warning.
func (e *Engine) Create(ctx context.Context, cmd *prescription.CreatePrescriptionCommand) (*Outcome, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	pt, err := e.patients.GetByID(ctx, cmd.PatientID)
	if err != nil {
		return nil, fmt.Errorf("verifying patient: %w", err)
	}
	if !pt.IsActive() {
		return nil, patient.ErrPatientInactive
	}

	p, err := prescription.New(cmd, e.now())
	if err != nil {
		return nil, err
	}

	unlock, err := e.locks.lock(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := p.MarkPendingSubmission(); err != nil {
		return nil, err
	}
	if err := e.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("persisting prescription: %w", err)
	}
	e.metrics.ObserveTransition(string(prescription.StatusDraft), string(p.Status))
	e.publish(ctx, events.NewEvent(events.TypeCreated, prescription.StatusDraft, p, e.now()))

	out, err := e.submit(ctx, p)
	if err != nil {
		return nil, err
	}
	e.metrics.ObserveCreated(string(out.Prescription.Status))
	return out, nil
}

// Resubmit moves a held prescription back onto the wire: OnHold -> PendingSubmission, then the
// same interaction check and submission as Create.
func (e *Engine) Resubmit(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	unlock, err := e.locks.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != prescription.StatusOnHold {
		return nil, fmt.Errorf("%w (status %s)", ErrNotOnHold, p.Status)
	}

	from := p.Status
	if err := p.MarkPendingSubmission(); err != nil {
		return nil, err
	}
	if err := e.save(ctx, p, from); err != nil {
		return nil, err
	}

	return e.submit(ctx, p)
}

// submit runs the interaction check then the network submission. p must be PendingSubmission
// and the caller must hold p's lock.
func (e *Engine) submit(ctx context.Context, p *prescription.Prescription) (*Outcome, error) {
	log := logger.FromContext(ctx, e.log).With(zap.String("prescription_id", p.ID.String()))

	// The record must reach a settled state even if the caller goes away mid-call.
	persistCtx := context.WithoutCancel(ctx)

	meds, err := e.interactionSet(ctx, p)
	if err != nil {
		log.Warn("loading active medications for interaction check", zap.Error(err))
		return e.hold(persistCtx, p, prescription.HoldInteractionCheckFault, failurePayload("interaction_check", err), WarningInteractionCheck, nil)
	}

	check, err := e.network.CheckInteractions(ctx, meds)
	if err != nil {
		log.Warn("interaction check failed", zap.Error(err))
		return e.hold(persistCtx, p, prescription.HoldInteractionCheckFault, failurePayload("interaction_check", err), WarningInteractionCheck, nil)
	}
	if check.HasInteractions {
		raw, _ := json.Marshal(check)
		log.Info("interactions found, holding prescription", zap.Int("interactions", len(check.Interactions)))
		return e.hold(persistCtx, p, prescription.HoldInteractionsFound, raw, WarningInteractions, check.Interactions)
	}

	ack, err := e.network.Submit(ctx, p)
	if err != nil {
		var rej *erx.RejectedError
		if errors.As(err, &rej) {
			log.Warn("submission rejected", zap.String("code", rej.Code), zap.String("reason", rej.Reason))
			log.Debug("rejection payload", zap.ByteString("payload", rej.RawPayload))
			warning := WarningSubmissionRefused
			if rej.Reason != "" {
				warning += ": " + rej.Reason
			}
			return e.hold(persistCtx, p, prescription.HoldSubmissionRejected, failurePayload("submit", err), warning, nil)
		}
		log.Warn("submission failed", zap.Error(err))
		return e.hold(persistCtx, p, prescription.HoldSubmissionFailed, failurePayload("submit", err), WarningSubmissionFailed, nil)
	}

	if ack == nil || strings.TrimSpace(ack.NetworkReference) == "" {
		// An unreferenced network copy could never be cancelled; treat it as a failed submission.
		err := errors.New("submission acknowledged without a network reference")
		log.Warn("submission failed", zap.Error(err))
		return e.hold(persistCtx, p, prescription.HoldSubmissionFailed, failurePayload("submit", err), WarningSubmissionFailed, nil)
	}

	from := p.Status
	if err := p.Activate(ack.NetworkReference, ack.RawPayload); err != nil {
		return nil, err
	}
	if err := e.save(persistCtx, p, from); err != nil {
		return nil, err
	}
	log.Info("prescription active", zap.String("network_reference", ack.NetworkReference))

	return &Outcome{Prescription: p}, nil
}

func (e *Engine) hold(ctx context.Context, p *prescription.Prescription, reason prescription.HoldReason, raw []byte, warning string, interactions []prescription.Interaction) (*Outcome, error) {
	from := p.Status
	if err := p.Hold(reason, raw); err != nil {
		return nil, err
	}
	if err := e.save(ctx, p, from); err != nil {
		return nil, err
	}
	return &Outcome{Prescription: p, Warning: warning, Interactions: interactions}, nil
}

func (e *Engine) interactionSet(ctx context.Context, p *prescription.Prescription) ([]string, error) {
	meds := []string{p.MedicationName}
	if e.scope != ScopePatient {
		return meds, nil
	}

	active, err := e.repo.GetActiveByPatient(ctx, p.PatientID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{strings.ToLower(p.MedicationName): true}
	for _, other := range active {
		key := strings.ToLower(other.MedicationName)
		if other.ID == p.ID || seen[key] {
			continue
		}
		seen[key] = true
		meds = append(meds, other.MedicationName)
	}
	return meds, nil
}

// Cancel voids a prescription, at the network first when a network copy exists. Any network
// failure leaves the local record untouched. Cancelling a cancelled prescription is a no-op.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, reason string, actor uuid.UUID) (*prescription.Prescription, error) {
	unlock, err := e.locks.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, validationError("reason is required")
	}

	switch p.Status {
	case prescription.StatusCancelled:
		return p, nil
	case prescription.StatusDraft:
		return nil, ErrDraftNotCancellable
	case prescription.StatusExpired:
		return nil, fmt.Errorf("%w: expired prescriptions cannot be cancelled", prescription.ErrInvalidStatusTransition)
	}

	if p.NeedsNetworkCancel() {
		ack, err := e.network.Cancel(ctx, p.NetworkReference, reason)
		if err != nil {
			logger.FromContext(ctx, e.log).Warn("network cancellation failed",
				zap.String("prescription_id", id.String()),
				zap.Error(err),
			)
			return nil, fmt.Errorf("cancelling at pharmacy network: %w", err)
		}
		if ack.AlreadyCancelled {
			e.log.Info("network already had the prescription cancelled", zap.String("prescription_id", id.String()))
		}
	}

	from := p.Status
	if err := p.Cancel(reason, actor, e.now()); err != nil {
		return nil, err
	}
	if err := e.save(context.WithoutCancel(ctx), p, from); err != nil {
		return nil, err
	}
	return p, nil
}

// RefreshStatus asks the network for the fill status. Concurrent refreshes of one id share a
// single network call. An unknown status records the check time only.
func (e *Engine) RefreshStatus(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	v, err, _ := e.refresh.Do(id.String(), func() (any, error) {
		return e.refreshStatus(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	// Shared result; hand every caller its own copy.
	p := *v.(*prescription.Prescription)
	return &p, nil
}

func (e *Engine) refreshStatus(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	p, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.NetworkReference == "" || p.Status.IsTerminal() {
		return p, nil
	}

	status, err := e.network.GetStatus(ctx, p.NetworkReference)
	if err != nil {
		return nil, fmt.Errorf("refreshing network status: %w", err)
	}

	unlock, err := e.locks.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Reload: a transition may have landed while the network call was in flight.
	if p, err = e.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	now := e.now()
	if status == prescription.NetworkUnknown {
		p.LastStatusCheck = &now
	} else {
		p.RecordNetworkStatus(status, now)
	}
	if err := e.repo.Update(context.WithoutCancel(ctx), p); err != nil {
		return nil, fmt.Errorf("recording network status: %w", err)
	}
	return p, nil
}

// RecordRefill consumes one refill. When that was the last refill and the course has ended,
// the prescription expires in the same write.
func (e *Engine) RecordRefill(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	unlock, err := e.locks.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	from := p.Status
	if err := p.ConsumeRefill(); err != nil {
		return nil, err
	}
	now := e.now()
	if p.IsExpirable(now) {
		if err := p.Expire(now); err != nil {
			return nil, err
		}
	}

	if from == p.Status {
		if err := e.repo.Update(ctx, p); err != nil {
			return nil, fmt.Errorf("persisting refill: %w", err)
		}
		e.publish(ctx, events.NewEvent(events.TypeRefillRecorded, from, p, now))
		return p, nil
	}
	if err := e.save(ctx, p, from); err != nil {
		return nil, err
	}
	return p, nil
}

// Expire moves an active prescription to Expired once it qualifies. The bool reports whether
// a transition happened.
func (e *Engine) Expire(ctx context.Context, id uuid.UUID) (*prescription.Prescription, bool, error) {
	unlock, err := e.locks.lock(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	p, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	now := e.now()
	if !p.IsExpirable(now) {
		return p, false, nil
	}

	from := p.Status
	if err := p.Expire(now); err != nil {
		return nil, false, err
	}
	if err := e.save(ctx, p, from); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// ExpireDue sweeps up to limit expirable prescriptions and returns how many expired.
func (e *Engine) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := e.repo.ListExpirable(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("listing expirable prescriptions: %w", err)
	}

	expired := 0
	for _, p := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		_, ok, err := e.Expire(ctx, p.ID)
		if err != nil {
			if errors.Is(err, prescription.ErrVersionConflict) {
				continue
			}
			return expired, fmt.Errorf("expiring prescription %s: %w", p.ID, err)
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// save persists a transition and announces it.
func (e *Engine) save(ctx context.Context, p *prescription.Prescription, from prescription.Status) error {
	if err := e.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("persisting %s -> %s: %w", from, p.Status, err)
	}
	e.metrics.ObserveTransition(string(from), string(p.Status))
	e.publish(ctx, events.NewEvent(events.TypeTransitioned, from, p, e.now()))
	return nil
}

// publish runs under the prescription lock, so a slow broker costs at most publishTimeout.
// Events are best effort and survive the caller's cancellation.
func (e *Engine) publish(ctx context.Context, evt events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
	defer cancel()

	if err := e.publisher.Publish(ctx, evt); err != nil {
		e.metrics.IncEventPublishFailed()
		e.log.Error("publishing lifecycle event",
			zap.String("type", evt.Type),
			zap.String("prescription_id", evt.PrescriptionID.String()),
			zap.Error(err),
		)
	}
}

func validationError(fields ...string) error {
	return domain.NewValidationError(fields)
}

func failurePayload(stage string, err error) []byte {
	body := map[string]any{"status": "failed", "stage": stage}

	var rej *erx.RejectedError
	var nErr *erx.NetworkError
	switch {
	case errors.As(err, &rej):
		body["kind"] = "rejected"
		body["code"] = rej.Code
		body["reason"] = rej.Reason
	case errors.As(err, &nErr):
		body["kind"] = "network_error"
		body["status_code"] = nErr.StatusCode
		body["reason"] = nErr.Error()
	default:
		body["kind"] = "error"
		body["reason"] = err.Error()
	}

	raw, _ := json.Marshal(body)
	return raw
}
