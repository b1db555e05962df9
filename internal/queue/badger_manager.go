package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
)

// receiveRetries bounds how often Receive retries after losing a claim race.
const receiveRetries = 3

// BadgerManager implements a persistent multi-queue broker on BadgerDB.
//
// Keyspace per queue:
//
//	queue:{q}:msg:{id}            message body
//	queue:{q}:index:{ts}:{id}     visibility index, ts zero-padded nanoseconds
//	queue:{q}:dead:{id}           dead-lettered messages
//	queue:{q}:done:{id}           acknowledged messages of retaining queues
type BadgerManager struct {
	db     *badger.DB
	logger arbor.ILogger
	now    func() time.Time
}

var _ interfaces.QueueManager = (*BadgerManager)(nil)

// NewBadgerManager creates a new Badger-backed queue manager
func NewBadgerManager(db *badger.DB, logger arbor.ILogger) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	return &BadgerManager{
		db:     db,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Enqueue adds a message to its queue, visible at msg.VisibleAt
func (m *BadgerManager) Enqueue(ctx context.Context, msg *models.QueueMessage) error {
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

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(msg.Queue, msg.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(msg.Queue, msg.VisibleAt, msg.ID), []byte{})
	})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
	}
	return nil
}

// Receive claims the next visible message of queue and hides it for visibility.
// A message that already used all its attempts is moved to the dead-letter set
// instead of being delivered again.
func (m *BadgerManager) Receive(ctx context.Context, queue string, visibility time.Duration) (*models.QueueMessage, error) {
	for attempt := 0; attempt < receiveRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := m.claim(queue, visibility)
		if errors.Is(err, badger.ErrConflict) {
			// Another worker claimed the same message; try the next one
			continue
		}
		return msg, err
	}
	return nil, models.ErrNoMessage
}

func (m *BadgerManager) claim(queue string, visibility time.Duration) (*models.QueueMessage, error) {
	var claimed *models.QueueMessage

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := indexPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := m.now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := parseIndexKey(queue, key)
			if err != nil {
				continue // Skip invalid keys
			}

			// Keys are sorted by timestamp, nothing later is ready either
			if ts.After(now) {
				break
			}

			msg, err := getMessage(txn, msgKey(queue, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Index without a body: clean up and move on
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			if msg.Attempts >= msg.MaxAttempts {
				if msg.LastError == "" {
					msg.LastError = fmt.Sprintf("lease expired after %d attempts", msg.Attempts)
				}
				if err := m.deadLetter(txn, msg, key); err != nil {
					return err
				}
				continue
			}

			msg.Attempts++
			msg.VisibleAt = now.Add(visibility)
			if err := putMessage(txn, msg); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(indexKey(queue, msg.VisibleAt, msg.ID), []byte{}); err != nil {
				return err
			}

			claimed = msg
			return nil
		}

		return models.ErrNoMessage
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Ack removes a processed message. Retaining queues keep a copy in the done set.
func (m *BadgerManager) Ack(ctx context.Context, msg *models.QueueMessage) error {
	return m.db.Update(func(txn *badger.Txn) error {
		current, err := getMessage(txn, msgKey(msg.Queue, msg.ID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // Already acknowledged
		}
		if err != nil {
			return err
		}
		if current.Attempts != msg.Attempts {
			return nil // Superseded by a later delivery
		}

		if err := deleteIgnoringMissing(txn, indexKey(msg.Queue, current.VisibleAt, msg.ID)); err != nil {
			return err
		}
		if err := txn.Delete(msgKey(msg.Queue, msg.ID)); err != nil {
			return err
		}

		if current.Retain {
			completed := m.now().UTC()
			current.CompletedAt = &completed
			data, err := json.Marshal(current)
			if err != nil {
				return err
			}
			return txn.Set(doneKey(msg.Queue, msg.ID), data)
		}
		return nil
	})
}

// Nack releases a message for redelivery after delay, or dead-letters it when
// no attempts remain.
func (m *BadgerManager) Nack(ctx context.Context, msg *models.QueueMessage, cause error, delay time.Duration) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		current, err := getMessage(txn, msgKey(msg.Queue, msg.ID))
		if errors.Is(err, badger.ErrKeyNotFound) {
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
		oldIndex := indexKey(msg.Queue, current.VisibleAt, msg.ID)

		if current.Attempts >= current.MaxAttempts {
			return m.deadLetter(txn, current, oldIndex)
		}

		if err := deleteIgnoringMissing(txn, oldIndex); err != nil {
			return err
		}
		current.VisibleAt = m.now().Add(delay)
		if err := putMessage(txn, current); err != nil {
			return err
		}
		return txn.Set(indexKey(msg.Queue, current.VisibleAt, msg.ID), []byte{})
	})
	if err != nil {
		return fmt.Errorf("failed to nack message %s: %w", msg.ID, err)
	}
	return nil
}

// Extend extends the visibility timeout for a leased message
func (m *BadgerManager) Extend(ctx context.Context, msg *models.QueueMessage, duration time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		current, err := getMessage(txn, msgKey(msg.Queue, msg.ID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s is settled", models.ErrLeaseLost, msg.ID)
		}
		if err != nil {
			return err
		}
		if current.Attempts != msg.Attempts {
			return fmt.Errorf("%w: %s was redelivered as attempt %d", models.ErrLeaseLost, msg.ID, current.Attempts)
		}

		if err := deleteIgnoringMissing(txn, indexKey(msg.Queue, current.VisibleAt, msg.ID)); err != nil {
			return err
		}
		current.VisibleAt = m.now().Add(duration)
		if err := putMessage(txn, current); err != nil {
			return err
		}
		return txn.Set(indexKey(msg.Queue, current.VisibleAt, msg.ID), []byte{})
	})
}

// DeadLetters lists the dead-lettered messages of a queue
func (m *BadgerManager) DeadLetters(ctx context.Context, queue string) ([]*models.QueueMessage, error) {
	return m.scan(deadPrefix(queue))
}

// Retained lists acknowledged messages kept by a retaining queue
func (m *BadgerManager) Retained(ctx context.Context, queue string) ([]*models.QueueMessage, error) {
	return m.scan(donePrefix(queue))
}

// Stats counts messages by state
func (m *BadgerManager) Stats(ctx context.Context, queue string) (*models.QueueStats, error) {
	stats := &models.QueueStats{Queue: queue}
	now := m.now()

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := indexPrefix(queue)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ts, _, err := parseIndexKey(queue, it.Item().Key())
			if err != nil {
				continue
			}
			if ts.After(now) {
				stats.InFlight++
			} else {
				stats.Pending++
			}
		}

		stats.DeadLetters = countPrefix(it, deadPrefix(queue))
		stats.Retained = countPrefix(it, donePrefix(queue))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close closes the queue manager (no-op for BadgerManager as DB is managed externally)
func (m *BadgerManager) Close() error {
	return nil
}

func (m *BadgerManager) deadLetter(txn *badger.Txn, msg *models.QueueMessage, index []byte) error {
	deadAt := m.now().UTC()
	msg.DeadLetteredAt = &deadAt

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := deleteIgnoringMissing(txn, index); err != nil {
		return err
	}
	if err := txn.Delete(msgKey(msg.Queue, msg.ID)); err != nil {
		return err
	}
	if err := txn.Set(deadKey(msg.Queue, msg.ID), data); err != nil {
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

func (m *BadgerManager) scan(prefix []byte) ([]*models.QueueMessage, error) {
	var msgs []*models.QueueMessage
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg models.QueueMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			msgs = append(msgs, &msg)
		}
		return nil
	})
	sortByEnqueued(msgs)
	return msgs, err
}

// Helpers

func countPrefix(it *badger.Iterator, prefix []byte) int {
	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}

func getMessage(txn *badger.Txn, key []byte) (*models.QueueMessage, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var msg models.QueueMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return nil, err
	}
	return &msg, nil
}

func putMessage(txn *badger.Txn, msg *models.QueueMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return txn.Set(msgKey(msg.Queue, msg.ID), data)
}

func deleteIgnoringMissing(txn *badger.Txn, key []byte) error {
	if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return nil
}

func msgKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queue, id))
}

func deadKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dead:%s", queue, id))
}

func doneKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:done:%s", queue, id))
}

func indexPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", queue))
}

func deadPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dead:", queue))
}

func donePrefix(queue string) []byte {
	return []byte(fmt.Sprintf("queue:%s:done:", queue))
}

func indexKey(queue string, visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string order matches numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", queue, visibleAt.UnixNano(), id))
}

func parseIndexKey(queue string, key []byte) (time.Time, string, error) {
	prefix := indexPrefix(queue)
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{20-digit-ts}:{id}"
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
