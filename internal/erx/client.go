package erx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/metrics"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

type response struct {
	status int
	body   []byte
}

// Client talks to the external e-prescribing network. It holds no prescription state and is
// safe for concurrent use.
type Client struct {
	cfg     config.PharmacyNetworkConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*response]
	tracer  trace.Tracer
	metrics *metrics.Collector
	log     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(cfg config.PharmacyNetworkConfig, m *metrics.Collector, log *zap.Logger, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
		tracer:  otel.Tracer("medflow-erx/erx"),
		metrics: m,
		log:     log.Named("erx"),
	}

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	c.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "pharmacy-network",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Explicit rejections are healthy answers; only transport faults trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckInteractions asks the network whether the medications interact.
func (c *Client) CheckInteractions(ctx context.Context, medications []string) (*prescription.InteractionCheckResult, error) {
	meds := normalizeMedications(medications)
	if len(meds) == 0 {
		return nil, domain.NewValidationError([]string{"medications must contain at least one entry"})
	}

	resp, err := c.call(ctx, "check_interactions", http.MethodPost, "/v1/interactions/check", nil,
		interactionCheckRequest{Medications: meds})
	if err != nil {
		return nil, err
	}

	var wire interactionCheckResponse
	if err := json.Unmarshal(resp.body, &wire); err != nil {
		return nil, c.decodeError("check_interactions", err)
	}

	result := &prescription.InteractionCheckResult{
		Medications:     meds,
		HasInteractions: wire.HasInteractions,
		Interactions:    make([]prescription.Interaction, 0, len(wire.Interactions)),
	}
	for _, in := range wire.Interactions {
		item := prescription.Interaction{Severity: in.Severity, Description: in.Description}
		copy(item.Medications[:], in.Medications)
		result.Interactions = append(result.Interactions, item)
	}
	// Trust the list over the flag if they disagree.
	if len(result.Interactions) > 0 {
		result.HasInteractions = true
	}
	return result, nil
}

// FindPharmacies searches around loc within radiusKm.
func (c *Client) FindPharmacies(ctx context.Context, loc Location, radiusKm float64) ([]prescription.PharmacyTarget, error) {
	var errs []string
	if loc.Latitude < -90 || loc.Latitude > 90 {
		errs = append(errs, "latitude must be between -90 and 90")
	}
	if loc.Longitude < -180 || loc.Longitude > 180 {
		errs = append(errs, "longitude must be between -180 and 180")
	}
	if radiusKm <= 0 {
		errs = append(errs, "radius must be greater than 0")
	}
	if err := domain.NewValidationError(errs); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%f", loc.Latitude))
	q.Set("lng", fmt.Sprintf("%f", loc.Longitude))
	q.Set("radius_km", fmt.Sprintf("%g", radiusKm))

	resp, err := c.call(ctx, "find_pharmacies", http.MethodGet, "/v1/pharmacies", q, nil)
	if err != nil {
		return nil, err
	}

	var wire pharmacySearchResponse
	if err := json.Unmarshal(resp.body, &wire); err != nil {
		return nil, c.decodeError("find_pharmacies", err)
	}
	if wire.Pharmacies == nil {
		wire.Pharmacies = []prescription.PharmacyTarget{}
	}
	return wire.Pharmacies, nil
}

// Submit transmits a prescription. Interaction checking is the caller's job.
func (c *Client) Submit(ctx context.Context, p *prescription.Prescription) (*SubmissionAck, error) {
	body := submitRequest{
		PrescriptionID: p.ID.String(),
		PatientID:      p.PatientID.String(),
		PrescriberID:   p.PrescriberID.String(),
		Medication:     p.MedicationName,
		Dosage:         p.Dosage,
		Frequency:      p.Frequency,
		Duration:       p.Duration,
		Quantity:       p.Quantity,
		Refills:        p.Refills,
		Instructions:   p.Instructions,
		Pharmacy:       p.Pharmacy,
	}

	// Retries of one submission share a key; a later resubmission gets a new one.
	headers := http.Header{}
	headers.Set("Idempotency-Key", fmt.Sprintf("rx-%s-v%d", p.ID, p.Version))

	resp, err := c.callWithHeaders(ctx, "submit", http.MethodPost, "/v1/prescriptions", nil, body, headers)
	if err != nil {
		return nil, err
	}

	var wire submitResponse
	if err := json.Unmarshal(resp.body, &wire); err != nil {
		return nil, c.decodeError("submit", err)
	}
	if !wire.Accepted {
		return nil, &RejectedError{
			Op:         "submit",
			StatusCode: resp.status,
			Code:       wire.Code,
			Reason:     wire.Reason,
			RawPayload: resp.body,
		}
	}

	// Without a reference the network copy can never be cancelled or polled.
	if strings.TrimSpace(wire.Reference) == "" {
		return nil, c.decodeError("submit", errors.New("accepted submission carries no reference"))
	}

	return &SubmissionAck{
		Accepted:         true,
		NetworkReference: wire.Reference,
		RawPayload:       json.RawMessage(resp.body),
	}, nil
}

// GetStatus returns NetworkUnknown, not an error, when the network has no record.
func (c *Client) GetStatus(ctx context.Context, reference string) (prescription.NetworkStatus, error) {
	if strings.TrimSpace(reference) == "" {
		return "", domain.NewValidationError([]string{"network reference is required"})
	}

	resp, err := c.call(ctx, "get_status", http.MethodGet,
		"/v1/prescriptions/"+url.PathEscape(reference)+"/status", nil, nil, http.StatusNotFound)
	if err != nil {
		return "", err
	}
	if resp.status == http.StatusNotFound {
		return prescription.NetworkUnknown, nil
	}

	var wire statusResponse
	if err := json.Unmarshal(resp.body, &wire); err != nil {
		return "", c.decodeError("get_status", err)
	}

	switch s := prescription.NetworkStatus(strings.ToLower(wire.Status)); s {
	case prescription.NetworkPending, prescription.NetworkFilled, prescription.NetworkRejected:
		return s, nil
	default:
		return prescription.NetworkUnknown, nil
	}
}

// Cancel voids a prescription at the network. Cancelling twice succeeds.
func (c *Client) Cancel(ctx context.Context, reference, reason string) (*CancellationAck, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, domain.NewValidationError([]string{"network reference is required"})
	}

	resp, err := c.call(ctx, "cancel", http.MethodPost,
		"/v1/prescriptions/"+url.PathEscape(reference)+"/cancel", nil,
		cancelRequest{Reason: reason}, http.StatusConflict)
	if err != nil {
		return nil, err
	}

	ack := &CancellationAck{NetworkReference: reference, RawPayload: json.RawMessage(resp.body)}
	if resp.status == http.StatusConflict {
		var wire errorResponse
		_ = json.Unmarshal(resp.body, &wire)
		if wire.Code != "already_cancelled" {
			return nil, &RejectedError{
				Op:         "cancel",
				StatusCode: resp.status,
				Code:       wire.Code,
				Reason:     wire.Message,
				RawPayload: resp.body,
			}
		}
		ack.AlreadyCancelled = true
	}
	return ack, nil
}

// MedicationHistory returns what the network knows was dispensed to the patient.
func (c *Client) MedicationHistory(ctx context.Context, patientID uuid.UUID) ([]MedicationHistoryEntry, error) {
	if patientID == uuid.Nil {
		return nil, domain.NewValidationError([]string{"patient_id is required"})
	}

	resp, err := c.call(ctx, "medication_history", http.MethodGet,
		"/v1/patients/"+patientID.String()+"/medication-history", nil, nil)
	if err != nil {
		return nil, err
	}

	var wire medicationHistoryResponse
	if err := json.Unmarshal(resp.body, &wire); err != nil {
		return nil, c.decodeError("medication_history", err)
	}
	if wire.Entries == nil {
		wire.Entries = []MedicationHistoryEntry{}
	}
	return wire.Entries, nil
}

func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, body any, passthrough ...int) (*response, error) {
	return c.callWithHeaders(ctx, op, method, path, query, body, nil, passthrough...)
}

// callWithHeaders runs one operation with the retry policy: up to MaxRetries extra attempts,
// exponential backoff from BaseBackoff, transient faults only.
func (c *Client) callWithHeaders(ctx context.Context, op, method, path string, query url.Values, body any, headers http.Header, passthrough ...int) (*response, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "erx."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("erx.path", path),
		),
	)
	defer span.End()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("erx %s: encoding request: %w", op, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.IncNetworkRetry(op)
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				lastErr = &NetworkError{Op: op, Retryable: true, Err: err}
				break
			}
		}

		resp, err := c.attempt(ctx, op, method, path, query, payload, headers, passthrough)
		if err == nil {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.status), attribute.Int("erx.attempts", attempt+1))
			c.metrics.ObserveNetworkCall(op, "ok", time.Since(start))
			return resp, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			break
		}
		c.log.Warn("transient pharmacy network fault",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	outcome := "rejected"
	if IsRetryable(lastErr) {
		outcome = "network_error"
	}
	c.metrics.ObserveNetworkCall(op, outcome, time.Since(start))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, outcome)

	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, op, method, path string, query url.Values, payload []byte, headers http.Header, passthrough []int) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{Op: op, Retryable: true, Err: err}
	}

	resp, err := c.breaker.Execute(func() (*response, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		u := strings.TrimRight(c.cfg.BaseURL, "/") + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(attemptCtx, method, u, reader)
		if err != nil {
			return nil, fmt.Errorf("erx %s: building request: %w", op, err)
		}
		for k, vals := range headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		otel.GetTextMapPropagator().Inject(attemptCtx, propagation.HeaderCarrier(req.Header))

		res, err := c.http.Do(req)
		if err != nil {
			// Timeouts land here too: transient, never a rejection.
			return nil, &NetworkError{Op: op, Retryable: true, Err: err}
		}
		defer res.Body.Close()

		body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
		if err != nil {
			return nil, &NetworkError{Op: op, StatusCode: res.StatusCode, Retryable: true, Err: err}
		}

		return classify(op, res.StatusCode, body, passthrough)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &NetworkError{Op: op, Retryable: true, Err: err}
	}
	return resp, err
}

func classify(op string, status int, body []byte, passthrough []int) (*response, error) {
	if status >= 200 && status < 300 {
		return &response{status: status, body: body}, nil
	}
	for _, s := range passthrough {
		if s == status {
			return &response{status: status, body: body}, nil
		}
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return nil, &NetworkError{
			Op:         op,
			StatusCode: status,
			Retryable:  true,
			Err:        fmt.Errorf("%s", http.StatusText(status)),
		}
	}

	var wire errorResponse
	_ = json.Unmarshal(body, &wire)
	reason := wire.Message
	if reason == "" {
		reason = http.StatusText(status)
	}
	return nil, &RejectedError{Op: op, StatusCode: status, Code: wire.Code, Reason: reason, RawPayload: body}
}

func (c *Client) decodeError(op string, err error) error {
	// A 2xx the client cannot read is not a rejection; treat it like a garbled transport.
	return &NetworkError{Op: op, Retryable: false, Err: fmt.Errorf("decoding response: %w", err)}
}

func (c *Client) backoff(attempt int) time.Duration {
	return c.cfg.BaseBackoff << (attempt - 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func normalizeMedications(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, m := range in {
		m = strings.TrimSpace(m)
		key := strings.ToLower(m)
		if m == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}
