package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
)

// Registry maps queue names to their definitions and the broker behind them.
// It is built once at startup and handed to producers and workers.
type Registry struct {
	broker      interfaces.QueueManager
	defs        map[string]Definition
	multiTenant bool
	logger      arbor.ILogger
	now         func() time.Time
}

// NewRegistry validates the definitions and binds them to broker.
func NewRegistry(broker interfaces.QueueManager, defs []Definition, multiTenant bool, logger arbor.ILogger) (*Registry, error) {
	if broker == nil {
		return nil, errors.New("queue broker is required")
	}

	r := &Registry{
		broker:      broker,
		defs:        make(map[string]Definition, len(defs)),
		multiTenant: multiTenant,
		logger:      logger,
		now:         time.Now,
	}
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("queue name is required")
		}
		if _, exists := r.defs[def.Name]; exists {
			return nil, fmt.Errorf("queue %s registered twice", def.Name)
		}
		if def.MaxAttempts < 1 {
			def.MaxAttempts = 1
		}
		if def.Workers < 1 {
			def.Workers = 1
		}
		if def.VisibilityTimeout <= 0 {
			def.VisibilityTimeout = 5 * time.Minute
		}
		r.defs[def.Name] = def
	}
	return r, nil
}

// Broker returns the underlying queue manager.
func (r *Registry) Broker() interfaces.QueueManager {
	return r.broker
}

// MultiTenant reports whether tenant identifiers are mandatory.
func (r *Registry) MultiTenant() bool {
	return r.multiTenant
}

// Lookup returns the definition of a named queue.
func (r *Registry) Lookup(name string) (Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", models.ErrUnknownQueue, name)
	}
	return def, nil
}

// Definitions returns every registered queue sorted by name.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// CheckTenant enforces the multi-tenant rule: an empty or blank tenant is a
// configuration error, never a request to see everything.
func (r *Registry) CheckTenant(tenantID string) error {
	if r.multiTenant && strings.TrimSpace(tenantID) == "" {
		return models.ErrTenantRequired
	}
	return nil
}

// Enqueue marshals payload and publishes it on the named queue using the
// queue's retry and retention policy.
func (r *Registry) Enqueue(ctx context.Context, queueName, tenantID string, payload interface{}) (*models.QueueMessage, error) {
	tenantID = strings.TrimSpace(tenantID)
	def, err := r.Lookup(queueName)
	if err != nil {
		return nil, err
	}
	if err := r.CheckTenant(tenantID); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", queueName, err)
	}

	now := r.now().UTC()
	msg := &models.QueueMessage{
		ID:          common.NewMessageID(),
		Queue:       def.Name,
		TenantID:    tenantID,
		Payload:     body,
		EnqueuedAt:  now,
		VisibleAt:   now,
		MaxAttempts: def.MaxAttempts,
		Retain:      def.Retain,
	}

	if err := r.broker.Enqueue(ctx, msg); err != nil {
		r.logger.Error().Err(err).Str("queue", queueName).Msg("Failed to enqueue message")
		if errors.Is(err, models.ErrQueueUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
	}

	r.logger.Debug().
		Str("queue", queueName).
		Str("message_id", msg.ID).
		Str("tenant_id", tenantID).
		Msg("Message enqueued")
	return msg, nil
}

// DeadLetters lists dead-lettered messages of a queue visible to tenantID.
func (r *Registry) DeadLetters(ctx context.Context, queueName, tenantID string) ([]*models.QueueMessage, error) {
	tenantID = strings.TrimSpace(tenantID)
	if _, err := r.Lookup(queueName); err != nil {
		return nil, err
	}
	if err := r.CheckTenant(tenantID); err != nil {
		return nil, err
	}
	msgs, err := r.broker.DeadLetters(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return filterTenant(msgs, tenantID), nil
}

// Retained lists acknowledged messages kept by a retaining queue.
func (r *Registry) Retained(ctx context.Context, queueName, tenantID string) ([]*models.QueueMessage, error) {
	tenantID = strings.TrimSpace(tenantID)
	if _, err := r.Lookup(queueName); err != nil {
		return nil, err
	}
	if err := r.CheckTenant(tenantID); err != nil {
		return nil, err
	}
	msgs, err := r.broker.Retained(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return filterTenant(msgs, tenantID), nil
}

// Stats reports depth for every registered queue. It is an operator view
// served under /admin: counts span all tenants and carry no message content,
// so no tenant scope applies. Tenant-visible message listings go through
// DeadLetters and Retained.
func (r *Registry) Stats(ctx context.Context) ([]*models.QueueStats, error) {
	var stats []*models.QueueStats
	for _, def := range r.Definitions() {
		s, err := r.broker.Stats(ctx, def.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read stats for %s: %w", def.Name, err)
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// filterTenant keeps messages of tenantID. An empty tenant (single-tenant
// mode) keeps everything.
func filterTenant(msgs []*models.QueueMessage, tenantID string) []*models.QueueMessage {
	if tenantID == "" {
		return msgs
	}
	filtered := make([]*models.QueueMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.TenantID == tenantID {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

func sortByEnqueued(msgs []*models.QueueMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].EnqueuedAt.Equal(msgs[j].EnqueuedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].EnqueuedAt.Before(msgs[j].EnqueuedAt)
	})
}
