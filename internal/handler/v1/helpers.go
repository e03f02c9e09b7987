package v1

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/patient"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain/prescription"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/erx"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/lifecycle"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/middleware"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/service"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNetworkUnavailable = "NETWORK_UNAVAILABLE"
	CodeRejected           = "REJECTED"
	CodeCancelRejected     = "CANCEL_REJECTED"
	CodeInvalidState       = "INVALID_STATE"
	CodeInternal           = "INTERNAL"
)

type APIResponse[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
	Warning string `json:"warning,omitempty"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type ValidationErrorResponse struct {
	Error  string   `json:"error"`
	Code   string   `json:"code"`
	Fields []string `json:"fields"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse[any]{Data: data})
}

func respondCreated(c *gin.Context, data any, warning string) {
	c.JSON(http.StatusCreated, APIResponse[any]{Data: data, Warning: warning})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: message, Code: code})
}

func respondServiceError(c *gin.Context, err error) {
	var validErr *domain.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, ValidationErrorResponse{
			Error:  "validation failed",
			Code:   CodeValidation,
			Fields: validErr.Fields,
		})
		return
	}

	var rejected *erx.RejectedError
	switch {
	case errors.Is(err, prescription.ErrPrescriptionNotFound),
		errors.Is(err, patient.ErrPatientNotFound):
		respondError(c, http.StatusNotFound, CodeNotFound, err.Error())

	case errors.Is(err, service.ErrForbidden):
		respondError(c, http.StatusForbidden, CodeForbidden, "access denied")

	case errors.Is(err, prescription.ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, ValidationErrorResponse{
			Error:  "validation failed",
			Code:   CodeValidation,
			Fields: []string{err.Error()},
		})

	case errors.Is(err, lifecycle.ErrDraftNotCancellable):
		respondError(c, http.StatusBadRequest, CodeInvalidState, err.Error())

	case errors.Is(err, prescription.ErrInvalidStatusTransition),
		errors.Is(err, prescription.ErrNoRefillsRemaining),
		errors.Is(err, prescription.ErrVersionConflict),
		errors.Is(err, patient.ErrPatientInactive):
		respondError(c, http.StatusConflict, CodeInvalidState, err.Error())

	case errors.As(err, &rejected):
		// The network's own reason is safe to show; its raw payload is not.
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "pharmacy network rejected the request",
			Code:    CodeRejected,
			Details: rejectionDetails(rejected),
		})

	case errors.Is(err, erx.ErrNetwork):
		respondError(c, http.StatusServiceUnavailable, CodeNetworkUnavailable, "pharmacy network unavailable, try again later")

	default:
		logger.FromContext(c.Request.Context(), zap.NewNop()).Error("unhandled service error", zap.Error(err))
		respondError(c, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}

func rejectionDetails(r *erx.RejectedError) map[string]string {
	d := map[string]string{}
	if r.Code != "" {
		d["code"] = r.Code
	}
	if r.Reason != "" {
		d["reason"] = r.Reason
	}
	return d
}

// callerFrom builds the service identity from the authenticated request.
func callerFrom(c *gin.Context) (service.Caller, bool) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return service.Caller{}, false
	}
	return service.Caller{
		Claims:    *claims,
		IPAddress: c.ClientIP(),
		RequestID: middleware.GetRequestID(c),
	}, true
}

func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		c.JSON(http.StatusBadRequest, ValidationErrorResponse{
			Error:  "invalid request body",
			Code:   CodeValidation,
			Fields: []string{err.Error()},
		})
		return false
	}

	return true
}

func parseUUID(c *gin.Context, param string) (uuid.UUID, bool) {
	raw := c.Param(param)
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeValidation, "invalid "+param+": must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseQueryInt(c *gin.Context, key string, defaultVal int) int {
	if raw := c.Query(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return defaultVal
}

// queryParser collects every malformed query parameter before responding.
type queryParser struct {
	c    *gin.Context
	errs []string
}

func (q *queryParser) uuid(key string) *uuid.UUID {
	raw := q.c.Query(key)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		q.errs = append(q.errs, key+" must be a valid UUID")
		return nil
	}
	return &id
}

// timestamp accepts RFC 3339 or a plain date.
func (q *queryParser) timestamp(key string) *time.Time {
	raw := q.c.Query(key)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	q.errs = append(q.errs, key+" must be an RFC 3339 timestamp or YYYY-MM-DD date")
	return nil
}

func (q *queryParser) float(key string, required bool) *float64 {
	raw := q.c.Query(key)
	if raw == "" {
		if required {
			q.errs = append(q.errs, key+" is required")
		}
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		q.errs = append(q.errs, key+" must be a number")
		return nil
	}
	return &v
}

func (q *queryParser) err() error {
	return domain.NewValidationError(q.errs)
}
