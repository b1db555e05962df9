package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
)

// claimScript atomically takes the oldest visible member of the visibility set
// and pushes its score out by the lease. Returns the member or nil.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZADD', KEYS[1], ARGV[2], ids[1])
return ids[1]
`)

// RedisManager implements the broker on Redis. Per queue it keeps a sorted
// set of message ids scored by visibility time and hashes for bodies,
// dead letters and retained messages.
type RedisManager struct {
	client *redis.Client
	prefix string
	logger arbor.ILogger
	now    func() time.Time
}

var _ interfaces.QueueManager = (*RedisManager)(nil)

// RedisOptions configures NewRedisManager.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix, default "trellis"
}

// NewRedisManager connects to Redis and verifies the connection with PING.
func NewRedisManager(ctx context.Context, opts RedisOptions, logger arbor.ILogger) (*RedisManager, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "trellis"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis %s: %v", models.ErrQueueUnavailable, opts.Addr, err)
	}

	logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis queue broker")

	return &RedisManager{
		client: client,
		prefix: opts.Prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (m *RedisManager) visibleKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:visible", m.prefix, queue)
}

func (m *RedisManager) msgsKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:msgs", m.prefix, queue)
}

func (m *RedisManager) deadKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:dead", m.prefix, queue)
}

func (m *RedisManager) doneKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:done", m.prefix, queue)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue stores the body and schedules the id at its visibility time
func (m *RedisManager) Enqueue(ctx context.Context, msg *models.QueueMessage) error {
	if msg.ID == "" || msg.Queue == "" {
		return errors.New("message id and queue are required")
	}
	if msg.VisibleAt.IsZero() {
		msg.VisibleAt = m.now()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = msg.VisibleAt
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, m.msgsKey(msg.Queue), msg.ID, data)
		pipe.ZAdd(ctx, m.visibleKey(msg.Queue), redis.Z{Score: score(msg.VisibleAt), Member: msg.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
	}
	return nil
}

// Receive claims the next visible message
func (m *RedisManager) Receive(ctx context.Context, queue string, visibility time.Duration) (*models.QueueMessage, error) {
	for {
		now := m.now()
		leaseUntil := now.Add(visibility)

		id, err := claimScript.Run(ctx, m.client, []string{m.visibleKey(queue)},
			score(now), score(leaseUntil)).Text()
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNoMessage
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
		}

		msg, err := m.load(ctx, queue, id)
		if errors.Is(err, redis.Nil) {
			// Orphaned id without a body
			m.client.ZRem(ctx, m.visibleKey(queue), id)
			continue
		}
		if err != nil {
			return nil, err
		}

		if msg.Attempts >= msg.MaxAttempts {
			if msg.LastError == "" {
				msg.LastError = fmt.Sprintf("lease expired after %d attempts", msg.Attempts)
			}
			if err := m.deadLetter(ctx, msg); err != nil {
				return nil, err
			}
			continue
		}

		msg.Attempts++
		msg.VisibleAt = leaseUntil
		if err := m.save(ctx, msg); err != nil {
			return nil, err
		}
		return msg, nil
	}
}

// Ack removes the message, keeping a copy for retaining queues
func (m *RedisManager) Ack(ctx context.Context, msg *models.QueueMessage) error {
	current, err := m.load(ctx, msg.Queue, msg.ID)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Attempts != msg.Attempts {
		return nil // Superseded by a later delivery
	}

	var retained []byte
	if current.Retain {
		completed := m.now().UTC()
		current.CompletedAt = &completed
		if retained, err = json.Marshal(current); err != nil {
			return err
		}
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, m.visibleKey(msg.Queue), msg.ID)
		pipe.HDel(ctx, m.msgsKey(msg.Queue), msg.ID)
		if retained != nil {
			pipe.HSet(ctx, m.doneKey(msg.Queue), msg.ID, retained)
		}
		return nil
	})
	return err
}

// Nack reschedules the message after delay or dead-letters it
func (m *RedisManager) Nack(ctx context.Context, msg *models.QueueMessage, cause error, delay time.Duration) error {
	current, err := m.load(ctx, msg.Queue, msg.ID)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Attempts != msg.Attempts {
		return nil
	}
	if cause != nil {
		current.LastError = cause.Error()
	}

	if current.Attempts >= current.MaxAttempts {
		return m.deadLetter(ctx, current)
	}

	current.VisibleAt = m.now().Add(delay)
	return m.save(ctx, current)
}

// Extend pushes the lease of a message out by duration
func (m *RedisManager) Extend(ctx context.Context, msg *models.QueueMessage, duration time.Duration) error {
	current, err := m.load(ctx, msg.Queue, msg.ID)
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s is settled", models.ErrLeaseLost, msg.ID)
	}
	if err != nil {
		return err
	}
	if current.Attempts != msg.Attempts {
		return fmt.Errorf("%w: %s was redelivered as attempt %d", models.ErrLeaseLost, msg.ID, current.Attempts)
	}
	current.VisibleAt = m.now().Add(duration)
	return m.save(ctx, current)
}

// DeadLetters lists dead-lettered messages
func (m *RedisManager) DeadLetters(ctx context.Context, queue string) ([]*models.QueueMessage, error) {
	return m.listHash(ctx, m.deadKey(queue))
}

// Retained lists acknowledged messages of a retaining queue
func (m *RedisManager) Retained(ctx context.Context, queue string) ([]*models.QueueMessage, error) {
	return m.listHash(ctx, m.doneKey(queue))
}

// Stats counts messages by state
func (m *RedisManager) Stats(ctx context.Context, queue string) (*models.QueueStats, error) {
	now := fmt.Sprintf("%d", m.now().UnixMilli())

	pipe := m.client.Pipeline()
	pending := pipe.ZCount(ctx, m.visibleKey(queue), "-inf", now)
	total := pipe.ZCard(ctx, m.visibleKey(queue))
	dead := pipe.HLen(ctx, m.deadKey(queue))
	done := pipe.HLen(ctx, m.doneKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
	}

	return &models.QueueStats{
		Queue:       queue,
		Pending:     int(pending.Val()),
		InFlight:    int(total.Val() - pending.Val()),
		DeadLetters: int(dead.Val()),
		Retained:    int(done.Val()),
	}, nil
}

// Close closes the Redis client
func (m *RedisManager) Close() error {
	return m.client.Close()
}

func (m *RedisManager) load(ctx context.Context, queue, id string) (*models.QueueMessage, error) {
	data, err := m.client.HGet(ctx, m.msgsKey(queue), id).Bytes()
	if err != nil {
		return nil, err
	}
	var msg models.QueueMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	return &msg, nil
}

func (m *RedisManager) save(ctx context.Context, msg *models.QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, m.msgsKey(msg.Queue), msg.ID, data)
		pipe.ZAdd(ctx, m.visibleKey(msg.Queue), redis.Z{Score: score(msg.VisibleAt), Member: msg.ID})
		return nil
	})
	return err
}

func (m *RedisManager) deadLetter(ctx context.Context, msg *models.QueueMessage) error {
	deadAt := m.now().UTC()
	msg.DeadLetteredAt = &deadAt
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, m.visibleKey(msg.Queue), msg.ID)
		pipe.HDel(ctx, m.msgsKey(msg.Queue), msg.ID)
		pipe.HSet(ctx, m.deadKey(msg.Queue), msg.ID, data)
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Warn().
		Str("queue", msg.Queue).
		Str("message_id", msg.ID).
		Int("attempts", msg.Attempts).
		Str("last_error", msg.LastError).
		Msg("Message moved to dead-letter set")
	return nil
}

func (m *RedisManager) listHash(ctx context.Context, key string) ([]*models.QueueMessage, error) {
	values, err := m.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
	}
	msgs := make([]*models.QueueMessage, 0, len(values))
	for id, raw := range values {
		var msg models.QueueMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			m.logger.Warn().Err(err).Str("message_id", id).Msg("Skipping undecodable message")
			continue
		}
		msgs = append(msgs, &msg)
	}
	sortByEnqueued(msgs)
	return msgs, nil
}
