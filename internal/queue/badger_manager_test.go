package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trellis/internal/models"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBadgerManager(t *testing.T) (*BadgerManager, *fakeClock) {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mgr, err := NewBadgerManager(db, arbor.NewLogger())
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	mgr.now = clock.Now
	return mgr, clock
}

func testMessage(id, queue string, maxAttempts int, retain bool) *models.QueueMessage {
	return &models.QueueMessage{
		ID:          id,
		Queue:       queue,
		Payload:     []byte(`{"job_id":"job-1","mode":"analyze"}`),
		MaxAttempts: maxAttempts,
		Retain:      retain,
	}
}

func TestBadgerManagerReceiveAck(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestBadgerManager(t)

	require.NoError(t, mgr.Enqueue(ctx, testMessage("m1", QueueEmail, 3, false)))
	require.NoError(t, mgr.Enqueue(ctx, testMessage("m2", QueueNotification, 3, false)))

	msg, err := mgr.Receive(ctx, QueueEmail, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, 1, msg.Attempts)

	// Leased message is hidden
	_, err = mgr.Receive(ctx, QueueEmail, time.Minute)
	assert.True(t, errors.Is(err, models.ErrNoMessage))

	require.NoError(t, mgr.Ack(ctx, msg))
	require.NoError(t, mgr.Ack(ctx, msg), "double ack is a no-op")

	stats, err := mgr.Stats(ctx, QueueEmail)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending+stats.InFlight)

	// Other queue untouched
	other, err := mgr.Receive(ctx, QueueNotification, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "m2", other.ID)
}

func TestBadgerManagerLeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	mgr, clock := newTestBadgerManager(t)

	require.NoError(t, mgr.Enqueue(ctx, testMessage("m1", QueueForecast, 3, false)))

	first, err := mgr.Receive(ctx, QueueForecast, time.Minute)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	require.NoError(t, mgr.Extend(ctx, first, time.Minute))

	clock.Advance(45 * time.Second)
	_, err = mgr.Receive(ctx, QueueForecast, time.Minute)
	assert.True(t, errors.Is(err, models.ErrNoMessage), "extended lease still hides the message")

	clock.Advance(time.Minute)
	second, err := mgr.Receive(ctx, QueueForecast, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "m1", second.ID)
	assert.Equal(t, 2, second.Attempts)
}

func TestBadgerManagerSupersededDeliveryCannotSettle(t *testing.T) {
	ctx := context.Background()
	mgr, clock := newTestBadgerManager(t)

	require.NoError(t, mgr.Enqueue(ctx, testMessage("m1", QueueTestmoImport, 3, false)))

	first, err := mgr.Receive(ctx, QueueTestmoImport, time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	second, err := mgr.Receive(ctx, QueueTestmoImport, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, second.Attempts)

	err = mgr.Extend(ctx, first, time.Minute)
	assert.ErrorIs(t, err, models.ErrLeaseLost)
	require.NoError(t, mgr.Ack(ctx, first))
	require.NoError(t, mgr.Nack(ctx, first, errors.New("late"), 0))

	// The newer delivery still holds its lease.
	_, err = mgr.Receive(ctx, QueueTestmoImport, time.Minute)
	assert.True(t, errors.Is(err, models.ErrNoMessage))
	require.NoError(t, mgr.Extend(ctx, second, time.Minute))

	require.NoError(t, mgr.Ack(ctx, second))
	err = mgr.Extend(ctx, second, time.Minute)
	assert.ErrorIs(t, err, models.ErrLeaseLost)

	stats, err := mgr.Stats(ctx, QueueTestmoImport)
	require.NoError(t, err)
	assert.Zero(t, stats.DeadLetters)
	assert.Zero(t, stats.Pending+stats.InFlight)
}

func TestBadgerManagerNackDeadLetters(t *testing.T) {
	ctx := context.Background()
	mgr, clock := newTestBadgerManager(t)

	require.NoError(t, mgr.Enqueue(ctx, testMessage("m1", QueueTestmoImport, 2, true)))

	msg, err := mgr.Receive(ctx, QueueTestmoImport, time.Minute)
	require.NoError(t, err)
	require.NoError(t, mgr.Nack(ctx, msg, errors.New("broker timeout"), 10*time.Second))

	_, err = mgr.Receive(ctx, QueueTestmoImport, time.Minute)
	assert.True(t, errors.Is(err, models.ErrNoMessage), "backoff delays redelivery")

	clock.Advance(11 * time.Second)
	msg, err = mgr.Receive(ctx, QueueTestmoImport, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, msg.Attempts)
	assert.Equal(t, "broker timeout", msg.LastError)

	require.NoError(t, mgr.Nack(ctx, msg, errors.New("still down"), time.Second))

	dead, err := mgr.DeadLetters(ctx, QueueTestmoImport)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "m1", dead[0].ID)
	assert.Equal(t, "still down", dead[0].LastError)
	assert.NotNil(t, dead[0].DeadLetteredAt)

	clock.Advance(time.Hour)
	_, err = mgr.Receive(ctx, QueueTestmoImport, time.Minute)
	assert.True(t, errors.Is(err, models.ErrNoMessage))
}

func TestBadgerManagerExpiredFinalLeaseDeadLetters(t *testing.T) {
	ctx := context.Background()
	mgr, clock := newTestBadgerManager(t)

	require.NoError(t, mgr.Enqueue(ctx, testMessage("m1", QueueAuditLog, 1, false)))
	_, err := mgr.Receive(ctx, QueueAuditLog, time.Minute)
	require.NoError(t, err)

	// Worker crashed; lease expires with no attempts left
	clock.Advance(2 * time.Minute)
	_, err = mgr.Receive(ctx, QueueAuditLog, time.Minute)
	assert.True(t, errors.Is(err, models.ErrNoMessage))

	stats, err := mgr.Stats(ctx, QueueAuditLog)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetters)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.InFlight)
}

func TestBadgerManagerRetainOnAck(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestBadgerManager(t)

	require.NoError(t, mgr.Enqueue(ctx, testMessage("keep", QueueTestmoImport, 3, true)))
	require.NoError(t, mgr.Enqueue(ctx, testMessage("drop", QueueEmail, 3, false)))

	for _, q := range []string{QueueTestmoImport, QueueEmail} {
		msg, err := mgr.Receive(ctx, q, time.Minute)
		require.NoError(t, err)
		require.NoError(t, mgr.Ack(ctx, msg))
	}

	kept, err := mgr.Retained(ctx, QueueTestmoImport)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.NotNil(t, kept[0].CompletedAt)

	none, err := mgr.Retained(ctx, QueueEmail)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBadgerManagerFIFOByVisibility(t *testing.T) {
	ctx := context.Background()
	mgr, clock := newTestBadgerManager(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, mgr.Enqueue(ctx, testMessage(id, QueueIssueSync, 3, false)))
		clock.Advance(time.Millisecond)
	}

	var got []string
	for i := 0; i < 3; i++ {
		msg, err := mgr.Receive(ctx, QueueIssueSync, time.Minute)
		require.NoError(t, err)
		got = append(got, msg.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
