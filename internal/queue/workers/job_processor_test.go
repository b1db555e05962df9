package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
	"github.com/ternarybob/trellis/internal/queue"
)

// mockQueueManager implements interfaces.QueueManager for testing
type mockQueueManager struct {
	mu       sync.Mutex
	pending  map[string][]*models.QueueMessage
	acked    []string
	nacked   []string
	delays   []time.Duration
	dead     []string
	extended atomic.Int32

	// Concurrency tracking per queue
	active        map[string]int
	concurrentMax map[string]int
	pollDelay     time.Duration
}

func newMockQueueManager() *mockQueueManager {
	return &mockQueueManager{
		pending:       map[string][]*models.QueueMessage{},
		active:        map[string]int{},
		concurrentMax: map[string]int{},
		pollDelay:     50 * time.Millisecond,
	}
}

func (m *mockQueueManager) push(msg *models.QueueMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[msg.Queue] = append(m.pending[msg.Queue], msg)
}

func (m *mockQueueManager) Enqueue(ctx context.Context, msg *models.QueueMessage) error {
	m.push(msg)
	return nil
}

func (m *mockQueueManager) Receive(ctx context.Context, queueName string, visibility time.Duration) (*models.QueueMessage, error) {
	m.mu.Lock()
	if msgs := m.pending[queueName]; len(msgs) > 0 {
		msg := msgs[0]
		m.pending[queueName] = msgs[1:]
		msg.Attempts++
		m.mu.Unlock()
		return msg, nil
	}
	m.active[queueName]++
	if m.active[queueName] > m.concurrentMax[queueName] {
		m.concurrentMax[queueName] = m.active[queueName]
	}
	m.mu.Unlock()

	// Simulate a blocking poll so concurrent workers overlap
	defer func() {
		m.mu.Lock()
		m.active[queueName]--
		m.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.pollDelay):
		return nil, models.ErrNoMessage
	}
}

func (m *mockQueueManager) Ack(ctx context.Context, msg *models.QueueMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, msg.ID)
	return nil
}

func (m *mockQueueManager) Nack(ctx context.Context, msg *models.QueueMessage, cause error, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.Attempts >= msg.MaxAttempts {
		m.dead = append(m.dead, msg.ID)
		return nil
	}
	m.nacked = append(m.nacked, msg.ID)
	m.delays = append(m.delays, delay)
	return nil
}

func (m *mockQueueManager) Extend(ctx context.Context, msg *models.QueueMessage, duration time.Duration) error {
	m.extended.Add(1)
	return nil
}

func (m *mockQueueManager) DeadLetters(ctx context.Context, queueName string) ([]*models.QueueMessage, error) {
	return nil, nil
}

func (m *mockQueueManager) Retained(ctx context.Context, queueName string) ([]*models.QueueMessage, error) {
	return nil, nil
}

func (m *mockQueueManager) Stats(ctx context.Context, queueName string) (*models.QueueStats, error) {
	return &models.QueueStats{Queue: queueName}, nil
}

func (m *mockQueueManager) Close() error {
	return nil
}

func (m *mockQueueManager) maxConcurrent(queueName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.concurrentMax[queueName]
}

// Ensure mockQueueManager implements interfaces.QueueManager
var _ interfaces.QueueManager = (*mockQueueManager)(nil)

// funcWorker adapts a function to interfaces.JobWorker
type funcWorker struct {
	queueName string
	fn        func(ctx context.Context, msg *models.QueueMessage) error
	deadCalls atomic.Int32
}

func (w *funcWorker) GetQueueName() string { return w.queueName }

func (w *funcWorker) Execute(ctx context.Context, msg *models.QueueMessage) error {
	return w.fn(ctx, msg)
}

func (w *funcWorker) OnDeadLetter(ctx context.Context, msg *models.QueueMessage, cause error) {
	w.deadCalls.Add(1)
}

func newTestProcessor(t *testing.T, broker *mockQueueManager, defs ...queue.Definition) *JobProcessor {
	t.Helper()
	registry, err := queue.NewRegistry(broker, defs, false, arbor.NewLogger())
	require.NoError(t, err)
	return NewJobProcessor(registry, &common.QueueConfig{PollInterval: "200ms", RetryBackoff: "1s"}, nil, arbor.NewLogger())
}

// TestJobProcessorStartsPoolPerQueue verifies each queue gets its own pool sized by its definition
func TestJobProcessorStartsPoolPerQueue(t *testing.T) {
	broker := newMockQueueManager()
	jp := newTestProcessor(t, broker,
		queue.Definition{Name: "alpha", Workers: 3},
		queue.Definition{Name: "beta", Workers: 1},
	)
	noop := func(ctx context.Context, msg *models.QueueMessage) error { return nil }
	require.NoError(t, jp.RegisterWorker(&funcWorker{queueName: "alpha", fn: noop}))
	require.NoError(t, jp.RegisterWorker(&funcWorker{queueName: "beta", fn: noop}))

	jp.Start()
	// Initial backoff is 100ms, so every worker has polled at least once by now.
	time.Sleep(500 * time.Millisecond)
	jp.Stop()

	assert.Equal(t, 3, broker.maxConcurrent("alpha"))
	assert.Equal(t, 1, broker.maxConcurrent("beta"))
}

// TestJobProcessorStartStop tests the start/stop lifecycle
func TestJobProcessorStartStop(t *testing.T) {
	jp := newTestProcessor(t, newMockQueueManager(), queue.Definition{Name: "alpha"})

	assert.False(t, jp.running)
	jp.Start()
	assert.True(t, jp.running)
	// Double start should be a no-op
	jp.Start()
	assert.True(t, jp.running)

	jp.Stop()
	assert.False(t, jp.running)
	jp.Stop()
}

func TestRegisterWorkerRequiresKnownQueue(t *testing.T) {
	jp := newTestProcessor(t, newMockQueueManager(), queue.Definition{Name: "alpha"})
	noop := func(ctx context.Context, msg *models.QueueMessage) error { return nil }

	assert.ErrorIs(t, jp.RegisterWorker(&funcWorker{queueName: "gamma", fn: noop}), models.ErrUnknownQueue)
	require.NoError(t, jp.RegisterWorker(&funcWorker{queueName: "alpha", fn: noop}))
	assert.Error(t, jp.RegisterWorker(&funcWorker{queueName: "alpha", fn: noop}))
}

func TestProcessNextSettlesByErrorClass(t *testing.T) {
	def := queue.Definition{Name: "alpha", MaxAttempts: 3, VisibilityTimeout: time.Minute}

	tests := []struct {
		name       string
		err        error
		wantAcked  bool
		wantNacked bool
	}{
		{"success acks", nil, true, false},
		{"transient nacks", models.Transient(errors.New("db busy")), false, true},
		{"business error acks", models.NewBusinessError("bad file", nil), true, false},
		{"plain error acks", errors.New("unexpected"), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := newMockQueueManager()
			jp := newTestProcessor(t, broker, def)
			worker := &funcWorker{queueName: "alpha", fn: func(ctx context.Context, msg *models.QueueMessage) error { return tt.err }}

			broker.push(&models.QueueMessage{ID: "m1", Queue: "alpha", MaxAttempts: 3})
			require.True(t, jp.processNext(def, worker, 0))

			assert.Equal(t, tt.wantAcked, len(broker.acked) == 1)
			assert.Equal(t, tt.wantNacked, len(broker.nacked) == 1)
		})
	}
}

func TestProcessNextEmptyQueue(t *testing.T) {
	broker := newMockQueueManager()
	broker.pollDelay = time.Millisecond
	def := queue.Definition{Name: "alpha"}
	jp := newTestProcessor(t, broker, def)

	worker := &funcWorker{queueName: "alpha", fn: func(ctx context.Context, msg *models.QueueMessage) error { return nil }}
	assert.False(t, jp.processNext(def, worker, 0))
}

func TestProcessNextRecoversPanics(t *testing.T) {
	broker := newMockQueueManager()
	def := queue.Definition{Name: "alpha", MaxAttempts: 3, VisibilityTimeout: time.Minute}
	jp := newTestProcessor(t, broker, def)
	worker := &funcWorker{queueName: "alpha", fn: func(ctx context.Context, msg *models.QueueMessage) error {
		panic("nil map")
	}}

	broker.push(&models.QueueMessage{ID: "m1", Queue: "alpha", MaxAttempts: 3})
	require.True(t, jp.processNext(def, worker, 0))
	assert.Equal(t, []string{"m1"}, broker.nacked)
}

func TestProcessNextDeadLettersExhaustedMessage(t *testing.T) {
	broker := newMockQueueManager()
	def := queue.Definition{Name: "alpha", MaxAttempts: 2, VisibilityTimeout: time.Minute}
	jp := newTestProcessor(t, broker, def)
	worker := &funcWorker{queueName: "alpha", fn: func(ctx context.Context, msg *models.QueueMessage) error {
		return models.Transient(errors.New("still down"))
	}}

	msg := &models.QueueMessage{ID: "m1", Queue: "alpha", MaxAttempts: 2}
	broker.push(msg)
	require.True(t, jp.processNext(def, worker, 0))
	assert.Equal(t, int32(0), worker.deadCalls.Load())

	broker.push(msg)
	require.True(t, jp.processNext(def, worker, 0))
	assert.Equal(t, []string{"m1"}, broker.dead)
	assert.Equal(t, int32(1), worker.deadCalls.Load())
}

func TestKeepLeaseExtendsLongRunningMessages(t *testing.T) {
	broker := newMockQueueManager()
	def := queue.Definition{Name: "alpha", MaxAttempts: 1, VisibilityTimeout: 40 * time.Millisecond}
	jp := newTestProcessor(t, broker, def)
	worker := &funcWorker{queueName: "alpha", fn: func(ctx context.Context, msg *models.QueueMessage) error {
		time.Sleep(150 * time.Millisecond)
		return nil
	}}

	broker.push(&models.QueueMessage{ID: "m1", Queue: "alpha", MaxAttempts: 1})
	require.True(t, jp.processNext(def, worker, 0))
	assert.GreaterOrEqual(t, broker.extended.Load(), int32(2))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	jp := newTestProcessor(t, newMockQueueManager(), queue.Definition{Name: "alpha"})

	assert.Equal(t, time.Second, jp.backoff(1))
	assert.Equal(t, 2*time.Second, jp.backoff(2))
	assert.Equal(t, 4*time.Second, jp.backoff(3))
	assert.Equal(t, 5*time.Minute, jp.backoff(20))
}
