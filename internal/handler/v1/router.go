package v1

import (
	"net/http"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/middleware"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RouterDeps struct {
	Config        *config.Config
	Log           *zap.Logger
	Metrics       *metrics.Collector
	Tokens        middleware.TokenValidator
	Prescriptions *PrescriptionHandler
}

// NewRouter wires the middleware chain and every /api/v1 route.
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(
		middleware.RequestID(),
		middleware.Recovery(d.Log),
		middleware.Logger(d.Log),
		middleware.Tracing(d.Config.App.Name),
		middleware.Metrics(d.Metrics),
		middleware.SecurityHeaders(),
		middleware.CORS(d.Config.CORS),
	)

	r.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, CodeNotFound, "route not found")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": d.Config.App.Name,
			"version": d.Config.App.Version,
		})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	api := r.Group("/api/v1",
		middleware.RateLimit(d.Config.RateLimit),
		middleware.Authenticate(d.Tokens),
	)

	h := d.Prescriptions
	rx := api.Group("/prescriptions")
	{
		rx.POST("", h.Create)
		rx.GET("", h.List)
		rx.POST("/check-interactions", h.CheckInteractions)
		rx.GET("/pharmacies/search", h.SearchPharmacies)
		rx.GET("/:id", h.Get)
		rx.POST("/:id/cancel", h.Cancel)
		rx.POST("/:id/resubmit", h.Resubmit)
		rx.POST("/:id/refills", h.RecordRefill)
	}

	api.GET("/patients/:id/medication-history", h.MedicationHistory)

	return r
}
