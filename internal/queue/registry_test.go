package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/models"
)

func TestDefinitionsFromConfigOverrides(t *testing.T) {
	retain := true
	cfg := common.NewDefaultConfig().Queue
	cfg.VisibilityTimeout = "90s"
	cfg.Queues = map[string]common.QueueOverride{
		QueueEmail: {Workers: 6, MaxAttempts: 8, Retain: &retain},
	}

	defs := DefinitionsFromConfig(&cfg)
	byName := map[string]Definition{}
	for _, d := range defs {
		byName[d.Name] = d
	}

	assert.Len(t, byName, 7)
	assert.Equal(t, 6, byName[QueueEmail].Workers)
	assert.Equal(t, 8, byName[QueueEmail].MaxAttempts)
	assert.True(t, byName[QueueEmail].Retain)
	assert.True(t, byName[QueueTestmoImport].Retain)
	assert.Equal(t, 3, byName[QueueTestmoImport].MaxAttempts)
	assert.Equal(t, 10, byName[QueueAuditLog].MaxAttempts)
	assert.Equal(t, "1m30s", byName[QueueForecast].VisibilityTimeout.String())
}

func TestRegistryEnqueueAppliesPolicy(t *testing.T) {
	ctx := context.Background()
	mgr, clock := newTestBadgerManager(t)
	reg, err := NewRegistry(mgr, DefaultDefinitions(), false, arbor.NewLogger())
	require.NoError(t, err)
	reg.now = clock.Now

	msg, err := reg.Enqueue(ctx, QueueTestmoImport, "", models.ImportMessage{JobID: "job-1", Mode: models.ImportModeAnalyze})
	require.NoError(t, err)
	assert.Equal(t, 3, msg.MaxAttempts)
	assert.True(t, msg.Retain)

	var payload models.ImportMessage
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, "job-1", payload.JobID)

	_, err = reg.Enqueue(ctx, "nope", "", struct{}{})
	assert.True(t, errors.Is(err, models.ErrUnknownQueue))
}

func TestRegistryRejectsDuplicateQueues(t *testing.T) {
	mgr, _ := newTestBadgerManager(t)
	defs := append(DefaultDefinitions(), Definition{Name: QueueEmail})
	_, err := NewRegistry(mgr, defs, false, arbor.NewLogger())
	assert.Error(t, err)
}

func TestRegistryMultiTenantFiltering(t *testing.T) {
	ctx := context.Background()
	mgr, clock := newTestBadgerManager(t)
	defs := []Definition{{Name: QueueEmail, MaxAttempts: 1}}
	reg, err := NewRegistry(mgr, defs, true, arbor.NewLogger())
	require.NoError(t, err)
	reg.now = clock.Now

	_, err = reg.Enqueue(ctx, QueueEmail, "", models.EmailMessage{})
	assert.True(t, errors.Is(err, models.ErrTenantRequired))

	for _, tenant := range []string{"t1", "t2", "t1"} {
		msg, err := reg.Enqueue(ctx, QueueEmail, tenant, models.EmailMessage{Subject: "hi"})
		require.NoError(t, err)
		leased, err := mgr.Receive(ctx, QueueEmail, 0)
		require.NoError(t, err)
		require.Equal(t, msg.ID, leased.ID)
		require.NoError(t, mgr.Nack(ctx, leased, errors.New("smtp down"), 0))
	}

	_, err = reg.DeadLetters(ctx, QueueEmail, "")
	assert.True(t, errors.Is(err, models.ErrTenantRequired), "empty tenant never means everything")

	t1, err := reg.DeadLetters(ctx, QueueEmail, "t1")
	require.NoError(t, err)
	assert.Len(t, t1, 2)

	t2, err := reg.DeadLetters(ctx, QueueEmail, "t2")
	require.NoError(t, err)
	assert.Len(t, t2, 1)
}

func TestRegistryTrimsTenant(t *testing.T) {
	ctx := context.Background()
	mgr, clock := newTestBadgerManager(t)
	defs := []Definition{{Name: QueueEmail, MaxAttempts: 1}}
	reg, err := NewRegistry(mgr, defs, true, arbor.NewLogger())
	require.NoError(t, err)
	reg.now = clock.Now

	assert.ErrorIs(t, reg.CheckTenant("   "), models.ErrTenantRequired)
	assert.ErrorIs(t, reg.CheckTenant("\t\n"), models.ErrTenantRequired)
	assert.NoError(t, reg.CheckTenant(" t1 "))

	_, err = reg.Enqueue(ctx, QueueEmail, "  ", models.EmailMessage{})
	assert.ErrorIs(t, err, models.ErrTenantRequired)
	_, err = reg.DeadLetters(ctx, QueueEmail, " ")
	assert.ErrorIs(t, err, models.ErrTenantRequired)

	msg, err := reg.Enqueue(ctx, QueueEmail, " t1 ", models.EmailMessage{Subject: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "t1", msg.TenantID)

	leased, err := mgr.Receive(ctx, QueueEmail, time.Minute)
	require.NoError(t, err)
	require.NoError(t, mgr.Nack(ctx, leased, errors.New("smtp down"), 0))

	dead, err := reg.DeadLetters(ctx, QueueEmail, "t1 ")
	require.NoError(t, err)
	assert.Len(t, dead, 1)

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].DeadLetters)
}
