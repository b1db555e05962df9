package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/interfaces"
)

func TestPublishSyncCollectsHandlerErrors(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	require.NoError(t, svc.Subscribe(interfaces.EventJobProgress, func(ctx context.Context, e interfaces.Event) error {
		return errors.New("subscriber down")
	}))
	require.NoError(t, svc.Subscribe(interfaces.EventJobProgress, func(ctx context.Context, e interfaces.Event) error {
		panic("bad subscriber")
	}))

	err := svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobProgress})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors")
}

func TestPublishDeliversAsynchronously(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	received := make(chan interfaces.Event, 1)
	require.NoError(t, svc.Subscribe(interfaces.EventJobCreated, func(ctx context.Context, e interfaces.Event) error {
		received <- e
		return nil
	}))

	require.NoError(t, svc.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobCreated,
		Payload: map[string]interface{}{"job_id": "job-1"},
	}))

	select {
	case e := <-received:
		assert.Equal(t, "job-1", e.Payload.(map[string]interface{})["job_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestUnsubscribe(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	var calls int32
	handler := func(ctx context.Context, e interfaces.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	require.NoError(t, svc.Subscribe(interfaces.EventJobCreated, handler))
	require.NoError(t, svc.Unsubscribe(interfaces.EventJobCreated, handler))
	assert.Error(t, svc.Unsubscribe(interfaces.EventJobCreated, handler))

	require.NoError(t, svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobCreated}))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestSubscribeRejectsNilHandler(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	assert.Error(t, svc.Subscribe(interfaces.EventJobCreated, nil))
}
