package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/internal/repository/memory"
	"github.com/dmehra2102/prod-golang-projects/medflow-erx/pkg/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func auditEntry() AuditEntry {
	return AuditEntry{
		UserID:       uuid.New(),
		UserRole:     domain.RoleDoctor,
		Action:       domain.ActionUpdate,
		ResourceType: "prescription",
		ResourceID:   uuid.NewString(),
	}
}

func TestAuditService_LogAfterShutdownIsDropped(t *testing.T) {
	store := memory.NewAuditStore()
	m := metrics.NewCollector("audit_test", prometheus.NewRegistry())
	svc := NewAuditService(store, m, zap.NewNop())

	svc.LogAsync(context.Background(), auditEntry())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Shutdown(ctx)
	require.Len(t, store.Entries(), 1)

	assert.NotPanics(t, func() { svc.LogAsync(context.Background(), auditEntry()) })
	assert.NotPanics(t, func() { svc.Shutdown(ctx) })
	assert.Len(t, store.Entries(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditBufferDropped))
}

func TestAuditService_ShutdownRacesWithLoggers(t *testing.T) {
	svc := NewAuditService(memory.NewAuditStore(), nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				svc.LogAsync(context.Background(), auditEntry())
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Shutdown(ctx)
	wg.Wait()
}
