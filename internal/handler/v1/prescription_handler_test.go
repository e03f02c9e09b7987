package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/erx"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/erx/erxtest"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/lifecycle"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/repository/memory"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/service"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/auth"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	router    *gin.Engine
	tokens    *auth.JWTManager
	network   *erxtest.Network
	store     *memory.PrescriptionStore
	patientID uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := &config.Config{
		App:  config.AppConfig{Name: "medflow-erx", Version: "test"},
		JWT:  config.JWTConfig{Secret: "test-secret-that-is-long-enough-1234", AccessTokenTTL: time.Hour, Issuer: "medflow-erx"},
		CORS: config.CORSConfig{AllowedOrigins: []string{"https://app.example.org"}, AllowedMethods: []string{"GET", "POST"}, AllowedHeaders: []string{"Authorization", "Content-Type"}},
	}

	f := &apiFixture{
		tokens:    auth.NewJWTManager(cfg.JWT),
		network:   erxtest.New(),
		store:     memory.NewPrescriptionStore(),
		patientID: uuid.New(),
	}

	log := zap.NewNop()
	patients := memory.NewPatientStore(&patient.Patient{ID: f.patientID, FirstName: "Ada", LastName: "Lovelace", Status: patient.StatusActive})
	auditSvc := service.NewAuditService(memory.NewAuditStore(), nil, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		auditSvc.Shutdown(ctx)
	})

	engine := lifecycle.NewEngine(f.store, patients, f.network, log)
	svc := service.NewPrescriptionService(engine, f.store, patients, f.network, auditSvc, log)

	f.router = NewRouter(RouterDeps{
		Config:        cfg,
		Log:           log,
		Metrics:       metrics.NewCollector("medflow_erx_test", prometheus.NewRegistry()),
		Tokens:        f.tokens,
		Prescriptions: NewPrescriptionHandler(svc),
	})
	return f
}

func (f *apiFixture) token(t *testing.T, role domain.Role) string {
	t.Helper()
	staff := uuid.New()
	claims := &domain.Claims{UserID: uuid.New(), Role: role, StaffID: &staff}
	if role == domain.RolePatient {
		claims.StaffID = nil
		claims.PatientID = &f.patientID
	}
	token, _, err := f.tokens.Issue(claims)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createBody() map[string]any {
	return map[string]any{
		"patient_id":      f.patientID,
		"medication_name": "Amoxicillin",
		"dosage":          "500mg",
		"frequency":       "three times daily",
		"duration":        "10 days",
		"quantity":        30,
		"refills":         1,
	}
}

func (f *apiFixture) create(t *testing.T) map[string]any {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/prescriptions", f.token(t, domain.RoleDoctor), f.createBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)["data"].(map[string]any)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRoutes_RequireBearerToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/prescriptions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeUnauthorized, decode(t, rec)["code"])

	rec = f.do(t, http.MethodGet, "/api/v1/prescriptions", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth_IsPublicAndCarriesHeaders(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-me")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-me", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestCreate_ActiveHidesRawNetworkPayload(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/prescriptions", f.token(t, domain.RoleDoctor), f.createBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.NotContains(t, body, "warning")
	data := body["data"].(map[string]any)
	assert.Equal(t, string(prescription.StatusActive), data["status"])
	assert.Equal(t, "NET-0001", data["network_reference"])
	assert.NotContains(t, data, "pharmacy_response")
	assert.NotContains(t, rec.Body.String(), "accepted")
}

func TestCreate_InteractionsHoldWithWarning(t *testing.T) {
	f := newAPIFixture(t)
	f.network.CheckFn = func(_ context.Context, meds []string) (*prescription.InteractionCheckResult, error) {
		return &prescription.InteractionCheckResult{
			Medications:     meds,
			HasInteractions: true,
			Interactions: []prescription.Interaction{
				{Severity: "major", Medications: [2]string{"Amoxicillin", "Warfarin"}, Description: "bleeding risk"},
			},
		}, nil
	}

	rec := f.do(t, http.MethodPost, "/api/v1/prescriptions", f.token(t, domain.RoleDoctor), f.createBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, lifecycle.WarningInteractions, body["warning"])
	data := body["data"].(map[string]any)
	assert.Equal(t, string(prescription.StatusOnHold), data["status"])
	assert.Equal(t, string(prescription.HoldInteractionsFound), data["hold_reason"])
	assert.Len(t, data["interactions"], 1)
	assert.Zero(t, f.network.Calls("submit"))
}

func TestCreate_ValidationListsEveryField(t *testing.T) {
	f := newAPIFixture(t)

	body := f.createBody()
	delete(body, "medication_name")
	body["quantity"] = 0
	body["duration"] = "forever"

	rec := f.do(t, http.MethodPost, "/api/v1/prescriptions", f.token(t, domain.RoleDoctor), body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decode(t, rec)
	assert.Equal(t, CodeValidation, resp["code"])
	assert.GreaterOrEqual(t, len(resp["fields"].([]any)), 2)
	assert.Zero(t, f.network.Calls("submit"))
}

func TestCreate_Forbidden(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/prescriptions", f.token(t, domain.RoleNurse), f.createBody())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeForbidden, decode(t, rec)["code"])
}

func TestCreate_UnknownPatient(t *testing.T) {
	f := newAPIFixture(t)

	body := f.createBody()
	body["patient_id"] = uuid.New()
	rec := f.do(t, http.MethodPost, "/api/v1/prescriptions", f.token(t, domain.RoleDoctor), body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode(t, rec)["code"])
}

func TestGet(t *testing.T) {
	f := newAPIFixture(t)
	created := f.create(t)

	rec := f.do(t, http.MethodGet, "/api/v1/prescriptions/"+created["id"].(string), f.token(t, domain.RolePatient), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, created["id"], decode(t, rec)["data"].(map[string]any)["id"])

	rec = f.do(t, http.MethodGet, "/api/v1/prescriptions/"+uuid.NewString(), f.token(t, domain.RoleDoctor), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/prescriptions/not-a-uuid", f.token(t, domain.RoleDoctor), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestList_Paginates(t *testing.T) {
	f := newAPIFixture(t)
	for range 3 {
		f.create(t)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/prescriptions?page=1&page_size=2&status=active", f.token(t, domain.RoleDoctor), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := decode(t, rec)["data"].(map[string]any)
	assert.Len(t, data["prescriptions"], 2)
	page := data["pagination"].(map[string]any)
	assert.EqualValues(t, 3, page["total_count"])
	assert.EqualValues(t, 2, page["total_pages"])
}

func TestList_BadQuery(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/prescriptions?patient_id=nope&created_from=yesterday", f.token(t, domain.RoleDoctor), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, decode(t, rec)["fields"], 2)
}

func TestCancel(t *testing.T) {
	f := newAPIFixture(t)
	id := f.create(t)["id"].(string)

	rec := f.do(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/cancel", f.token(t, domain.RoleDoctor), map[string]string{"reason": "patient allergy"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, string(prescription.StatusCancelled), data["status"])
	assert.Equal(t, "patient allergy", data["cancellation_reason"])
	assert.Equal(t, 1, f.network.Calls("cancel"))
}

func TestCancel_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		cancel error
		status int
		code   string
	}{
		{"network refusal", erxtest.Rejected("cancel", "already_dispensed", "medication was picked up"), http.StatusConflict, CodeCancelRejected},
		{"network unreachable", erxtest.Transient("cancel"), http.StatusServiceUnavailable, CodeNetworkUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			id := f.create(t)["id"].(string)
			f.network.CancelFn = func(context.Context, string, string) (*erx.CancellationAck, error) {
				return nil, tt.cancel
			}

			rec := f.do(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/cancel", f.token(t, domain.RoleDoctor), map[string]string{"reason": "duplicate"})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode(t, rec)["code"])

			p, err := f.store.GetByID(context.Background(), uuid.MustParse(id))
			require.NoError(t, err)
			assert.Equal(t, prescription.StatusActive, p.Status)
		})
	}
}

func TestCancel_UnknownIDIsNotFoundEvenWithoutReason(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/prescriptions/"+uuid.NewString()+"/cancel", f.token(t, domain.RoleDoctor), map[string]string{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode(t, rec)["code"])
}

func TestCancel_MissingReason(t *testing.T) {
	f := newAPIFixture(t)
	id := f.create(t)["id"].(string)

	rec := f.do(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/cancel", f.token(t, domain.RoleDoctor), map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.network.Calls("cancel"))
}

func TestResubmit_NotHeld(t *testing.T) {
	f := newAPIFixture(t)
	id := f.create(t)["id"].(string)

	rec := f.do(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/resubmit", f.token(t, domain.RoleDoctor), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeInvalidState, decode(t, rec)["code"])
}

func TestResubmit_AfterOutage(t *testing.T) {
	f := newAPIFixture(t)
	f.network.SubmitFn = func(context.Context, *prescription.Prescription) (*erx.SubmissionAck, error) {
		return nil, erxtest.Transient("submit")
	}
	rec := f.do(t, http.MethodPost, "/api/v1/prescriptions", f.token(t, domain.RoleDoctor), f.createBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, lifecycle.WarningSubmissionFailed, body["warning"])
	id := body["data"].(map[string]any)["id"].(string)

	f.network.SubmitFn = nil
	rec = f.do(t, http.MethodPost, "/api/v1/prescriptions/"+id+"/resubmit", f.token(t, domain.RoleDoctor), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(prescription.StatusActive), decode(t, rec)["data"].(map[string]any)["status"])
}

func TestRefills(t *testing.T) {
	f := newAPIFixture(t)
	id := f.create(t)["id"].(string)
	path := "/api/v1/prescriptions/" + id + "/refills"

	rec := f.do(t, http.MethodPost, path, f.token(t, domain.RoleNurse), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 0, decode(t, rec)["data"].(map[string]any)["refills_remaining"])

	rec = f.do(t, http.MethodPost, path, f.token(t, domain.RoleNurse), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeInvalidState, decode(t, rec)["code"])
}

func TestCheckInteractions(t *testing.T) {
	f := newAPIFixture(t)
	f.network.Interacts("warfarin", "aspirin", "major")

	rec := f.do(t, http.MethodPost, "/api/v1/prescriptions/check-interactions", f.token(t, domain.RoleNurse),
		map[string]any{"medications": []string{"Warfarin", "Aspirin"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, true, data["has_interactions"])

	rec = f.do(t, http.MethodPost, "/api/v1/prescriptions/check-interactions", f.token(t, domain.RolePatient),
		map[string]any{"medications": []string{"Warfarin"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSearchPharmacies(t *testing.T) {
	f := newAPIFixture(t)
	var gotRadius float64
	f.network.FindFn = func(_ context.Context, loc erx.Location, radiusKm float64) ([]prescription.PharmacyTarget, error) {
		gotRadius = radiusKm
		return []prescription.PharmacyTarget{{ID: "PH-1", Name: "Corner Pharmacy", DistanceKm: 1.2}}, nil
	}

	rec := f.do(t, http.MethodGet, "/api/v1/prescriptions/pharmacies/search?latitude=40.71&longitude=-74.0", f.token(t, domain.RoleReceptionist), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode(t, rec)["data"], 1)
	assert.Equal(t, erx.DefaultSearchRadiusKm, gotRadius)

	rec = f.do(t, http.MethodGet, "/api/v1/prescriptions/pharmacies/search?longitude=abc", f.token(t, domain.RoleReceptionist), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, decode(t, rec)["fields"], 2)
}

func TestMedicationHistory(t *testing.T) {
	f := newAPIFixture(t)
	f.network.HistoryFn = func(context.Context, uuid.UUID) ([]erx.MedicationHistoryEntry, error) {
		return nil, erxtest.Transient("medication_history")
	}

	rec := f.do(t, http.MethodGet, "/api/v1/patients/"+f.patientID.String()+"/medication-history", f.token(t, domain.RolePatient), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.network.HistoryFn = nil
	rec = f.do(t, http.MethodGet, "/api/v1/patients/"+f.patientID.String()+"/medication-history", f.token(t, domain.RolePatient), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["data"])
}
