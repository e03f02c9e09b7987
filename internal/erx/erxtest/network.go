// Package erxtest provides a scripted in-process pharmacy network for tests.
package erxtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/erx"
	"github.com/google/uuid"
)

// Network answers like a healthy network unless a hook overrides an operation.
// Hooks run outside the internal lock, so they may block.
type Network struct {
	CheckFn   func(ctx context.Context, meds []string) (*prescription.InteractionCheckResult, error)
	SubmitFn  func(ctx context.Context, p *prescription.Prescription) (*erx.SubmissionAck, error)
	StatusFn  func(ctx context.Context, ref string) (prescription.NetworkStatus, error)
	CancelFn  func(ctx context.Context, ref, reason string) (*erx.CancellationAck, error)
	FindFn    func(ctx context.Context, loc erx.Location, radiusKm float64) ([]prescription.PharmacyTarget, error)
	HistoryFn func(ctx context.Context, patientID uuid.UUID) ([]erx.MedicationHistoryEntry, error)

	// Pairs reported as interacting by the default check, lower-cased.
	interacting map[[2]string]string

	mu        sync.Mutex
	calls     map[string]int
	checked   [][]string
	submitted int
}

func New() *Network {
	return &Network{
		interacting: map[[2]string]string{},
		calls:       map[string]int{},
	}
}

// Interacts makes the default interaction check flag a and b together.
func (n *Network) Interacts(a, b, severity string) *Network {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interacting[pairKey(a, b)] = severity
	return n
}

// Calls reports how often op was invoked.
func (n *Network) Calls(op string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[op]
}

// Checked returns the medication lists passed to CheckInteractions, in call order.
func (n *Network) Checked() [][]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][]string, len(n.checked))
	copy(out, n.checked)
	return out
}

func (n *Network) record(op string) {
	n.mu.Lock()
	n.calls[op]++
	n.mu.Unlock()
}

func (n *Network) CheckInteractions(ctx context.Context, meds []string) (*prescription.InteractionCheckResult, error) {
	n.mu.Lock()
	n.calls["check_interactions"]++
	n.checked = append(n.checked, append([]string(nil), meds...))
	n.mu.Unlock()

	if n.CheckFn != nil {
		return n.CheckFn(ctx, meds)
	}

	res := &prescription.InteractionCheckResult{Medications: meds, Interactions: []prescription.Interaction{}}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < len(meds); i++ {
		for j := i + 1; j < len(meds); j++ {
			severity, ok := n.interacting[pairKey(meds[i], meds[j])]
			if !ok {
				continue
			}
			res.HasInteractions = true
			res.Interactions = append(res.Interactions, prescription.Interaction{
				Severity:    severity,
				Medications: [2]string{meds[i], meds[j]},
				Description: fmt.Sprintf("%s interacts with %s", meds[i], meds[j]),
			})
		}
	}
	return res, nil
}

func (n *Network) Submit(ctx context.Context, p *prescription.Prescription) (*erx.SubmissionAck, error) {
	n.record("submit")
	if n.SubmitFn != nil {
		return n.SubmitFn(ctx, p)
	}

	n.mu.Lock()
	n.submitted++
	ref := fmt.Sprintf("NET-%04d", n.submitted)
	n.mu.Unlock()

	raw, _ := json.Marshal(map[string]any{"accepted": true, "reference": ref})
	return &erx.SubmissionAck{Accepted: true, NetworkReference: ref, RawPayload: raw}, nil
}

func (n *Network) GetStatus(ctx context.Context, ref string) (prescription.NetworkStatus, error) {
	n.record("get_status")
	if n.StatusFn != nil {
		return n.StatusFn(ctx, ref)
	}
	return prescription.NetworkPending, nil
}

func (n *Network) Cancel(ctx context.Context, ref, reason string) (*erx.CancellationAck, error) {
	n.record("cancel")
	if n.CancelFn != nil {
		return n.CancelFn(ctx, ref, reason)
	}
	return &erx.CancellationAck{NetworkReference: ref}, nil
}

func (n *Network) FindPharmacies(ctx context.Context, loc erx.Location, radiusKm float64) ([]prescription.PharmacyTarget, error) {
	n.record("find_pharmacies")
	if n.FindFn != nil {
		return n.FindFn(ctx, loc, radiusKm)
	}
	return []prescription.PharmacyTarget{}, nil
}

func (n *Network) MedicationHistory(ctx context.Context, patientID uuid.UUID) ([]erx.MedicationHistoryEntry, error) {
	n.record("medication_history")
	if n.HistoryFn != nil {
		return n.HistoryFn(ctx, patientID)
	}
	return []erx.MedicationHistoryEntry{}, nil
}

// Transient is the error a network returns after its retry budget is spent.
func Transient(op string) error {
	return &erx.NetworkError{Op: op, Retryable: true, Err: fmt.Errorf("connection reset")}
}

func Rejected(op, code, reason string) error {
	return &erx.RejectedError{Op: op, StatusCode: 422, Code: code, Reason: reason}
}

func pairKey(a, b string) [2]string {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}
