// -----------------------------------------------------------------------
// Job Processor - Runs one worker pool per registered queue
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
	"github.com/ternarybob/trellis/internal/queue"
)

// DeadLetterHandler is implemented by workers that must react when a
// message of their queue exhausts its attempts.
type DeadLetterHandler interface {
	OnDeadLetter(ctx context.Context, msg *models.QueueMessage, cause error)
}

// JobProcessor runs an independent pool of goroutines for each registered
// queue, sized by the queue definition, so a slow queue cannot starve others.
type JobProcessor struct {
	registry     *queue.Registry
	broker       interfaces.QueueManager
	events       interfaces.EventService // Optional: may be nil for testing
	workers      map[string]interfaces.JobWorker
	logger       arbor.ILogger
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
	maxBackoff   time.Duration
	retryBackoff time.Duration
}

// NewJobProcessor creates a processor over the registry's broker.
func NewJobProcessor(registry *queue.Registry, cfg *common.QueueConfig, events interfaces.EventService, logger arbor.ILogger) *JobProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobProcessor{
		registry:     registry,
		broker:       registry.Broker(),
		events:       events,
		workers:      make(map[string]interfaces.JobWorker),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		maxBackoff:   common.Duration(cfg.PollInterval, maxBackoff),
		retryBackoff: common.Duration(cfg.RetryBackoff, 5*time.Second),
	}
}

// RegisterWorker binds a worker to its queue. The queue must be registered.
func (jp *JobProcessor) RegisterWorker(worker interfaces.JobWorker) error {
	name := worker.GetQueueName()
	if _, err := jp.registry.Lookup(name); err != nil {
		return err
	}

	jp.mu.Lock()
	defer jp.mu.Unlock()
	if _, exists := jp.workers[name]; exists {
		return fmt.Errorf("worker already registered for queue %s", name)
	}
	jp.workers[name] = worker
	jp.logger.Debug().Str("queue", name).Msg("Queue worker registered")
	return nil
}

// Start launches the pools. Call after every service is initialized.
func (jp *JobProcessor) Start() {
	jp.mu.Lock()
	defer jp.mu.Unlock()

	if jp.running {
		jp.logger.Warn().Msg("Job processor already running")
		return
	}
	jp.running = true

	for name, worker := range jp.workers {
		def, err := jp.registry.Lookup(name)
		if err != nil {
			jp.logger.Error().Err(err).Str("queue", name).Msg("Skipping worker for unknown queue")
			continue
		}
		jp.logger.Info().
			Str("queue", def.Name).
			Int("workers", def.Workers).
			Int("max_attempts", def.MaxAttempts).
			Msg("Starting queue worker pool")

		for slot := 0; slot < def.Workers; slot++ {
			jp.wg.Add(1)
			go jp.processQueue(def, worker, slot)
		}
	}
}

// Stop cancels the pools and waits for in-flight messages to finish.
func (jp *JobProcessor) Stop() {
	jp.mu.Lock()
	if !jp.running {
		jp.mu.Unlock()
		return
	}
	jp.running = false
	jp.mu.Unlock()

	jp.logger.Info().Msg("Stopping job processor...")
	jp.cancel()
	jp.wg.Wait()
	jp.logger.Info().Msg("Job processor stopped")
}

// Backoff configuration for idle polling
const (
	minBackoff = 100 * time.Millisecond // Initial backoff when queue is empty
	maxBackoff = 5 * time.Second        // Maximum backoff duration
)

func (jp *JobProcessor) processQueue(def queue.Definition, worker interfaces.JobWorker, slot int) {
	defer jp.wg.Done()

	jp.logger.Debug().Str("queue", def.Name).Int("slot", slot).Msg("Queue worker started")

	currentBackoff := minBackoff
	for {
		select {
		case <-jp.ctx.Done():
			jp.logger.Debug().Str("queue", def.Name).Int("slot", slot).Msg("Queue worker stopping")
			return
		default:
		}

		if jp.processNext(def, worker, slot) {
			currentBackoff = minBackoff
			continue
		}

		select {
		case <-jp.ctx.Done():
			return
		case <-time.After(currentBackoff):
		}
		currentBackoff *= 2
		if currentBackoff > jp.maxBackoff {
			currentBackoff = jp.maxBackoff
		}
	}
}

// getStackTrace returns a formatted stack trace for panic debugging
func getStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// processNext handles one message. Returns false when the queue was empty.
func (jp *JobProcessor) processNext(def queue.Definition, worker interfaces.JobWorker, slot int) bool {
	msg, err := jp.broker.Receive(jp.ctx, def.Name, def.VisibilityTimeout)
	if err != nil {
		if !errors.Is(err, models.ErrNoMessage) && jp.ctx.Err() == nil {
			jp.logger.Warn().Err(err).Str("queue", def.Name).Msg("Failed to receive message")
		}
		return false
	}

	started := time.Now()
	jp.logger.Debug().
		Str("queue", def.Name).
		Str("message_id", msg.ID).
		Int("attempt", msg.Attempts).
		Int("slot", slot).
		Msg("Message received")

	stopLease := jp.keepLease(msg, def.VisibilityTimeout)
	err = jp.execute(worker, msg)
	stopLease()

	// Settle with a fresh context so a shutdown does not strand the lease.
	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if ackErr := jp.broker.Ack(settleCtx, msg); ackErr != nil {
			jp.logger.Error().Err(ackErr).Str("message_id", msg.ID).Msg("Failed to acknowledge message")
		}
		jp.logger.Debug().
			Str("queue", def.Name).
			Str("message_id", msg.ID).
			Str("duration", time.Since(started).String()).
			Msg("Message processed")

	case models.IsTransient(err):
		delay := jp.backoff(msg.Attempts)
		jp.logger.Warn().
			Err(err).
			Str("queue", def.Name).
			Str("message_id", msg.ID).
			Int("attempt", msg.Attempts).
			Int("max_attempts", msg.MaxAttempts).
			Str("retry_in", delay.String()).
			Msg("Transient failure, message will be redelivered")
		jp.nack(settleCtx, worker, msg, err, delay)

	default:
		jp.logger.Error().
			Err(err).
			Str("queue", def.Name).
			Str("message_id", msg.ID).
			Str("duration", time.Since(started).String()).
			Msg("Message failed permanently")
		if ackErr := jp.broker.Ack(settleCtx, msg); ackErr != nil {
			jp.logger.Error().Err(ackErr).Str("message_id", msg.ID).Msg("Failed to acknowledge message")
		}
	}
	return true
}

// execute runs the worker, turning a panic into a transient error so the
// message is redelivered and eventually dead-lettered.
func (jp *JobProcessor) execute(worker interfaces.JobWorker, msg *models.QueueMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			jp.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", getStackTrace()).
				Str("queue", msg.Queue).
				Str("message_id", msg.ID).
				Msg("Recovered from panic in queue worker")
			err = models.Transient(fmt.Errorf("worker panicked: %v", r))
		}
	}()
	return worker.Execute(jp.ctx, msg)
}

func (jp *JobProcessor) nack(ctx context.Context, worker interfaces.JobWorker, msg *models.QueueMessage, cause error, delay time.Duration) {
	if err := jp.broker.Nack(ctx, msg, cause, delay); err != nil {
		jp.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to release message")
		return
	}
	if msg.Attempts < msg.MaxAttempts {
		return
	}

	if handler, ok := worker.(DeadLetterHandler); ok {
		handler.OnDeadLetter(ctx, msg, cause)
	}
	if jp.events != nil {
		event := interfaces.Event{
			Type: interfaces.EventMessageDeadLetter,
			Payload: map[string]interface{}{
				"queue":      msg.Queue,
				"message_id": msg.ID,
				"tenant_id":  msg.TenantID,
				"attempts":   msg.Attempts,
				"last_error": cause.Error(),
			},
		}
		if err := jp.events.Publish(ctx, event); err != nil {
			jp.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to publish dead-letter event")
		}
	}
}

// keepLease extends the message lease at half the visibility timeout until
// the returned stop function is called.
func (jp *JobProcessor) keepLease(msg *models.QueueMessage, visibility time.Duration) func() {
	interval := visibility / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once

	common.SafeGo(jp.logger, "lease:"+msg.ID, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := jp.broker.Extend(jp.ctx, msg, visibility)
				if errors.Is(err, models.ErrLeaseLost) {
					jp.logger.Warn().Err(err).Str("message_id", msg.ID).Int("attempt", msg.Attempts).Msg("Message lease lost")
					return
				}
				if err != nil {
					jp.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to extend message lease")
				}
			}
		}
	})
	return func() { once.Do(func() { close(done) }) }
}

// backoff doubles the retry delay per attempt, capped at five minutes.
func (jp *JobProcessor) backoff(attempt int) time.Duration {
	delay := jp.retryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return delay
}
