package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/models"
	"github.com/ternarybob/trellis/internal/queue"
)

func TestHandlerWorkerDecodesAndValidates(t *testing.T) {
	var got *models.ReindexMessage
	worker := NewHandlerWorker(queue.QueueSearchIndex, func(ctx context.Context, msg *models.QueueMessage, payload *models.ReindexMessage) error {
		got = payload
		return nil
	}, arbor.NewLogger())

	ctx := context.Background()
	require.NoError(t, worker.Execute(ctx, &models.QueueMessage{ID: "m1", Payload: []byte(`{"entity_type":"case","entity_ids":["c1","c2"]}`)}))
	require.NotNil(t, got)
	assert.Equal(t, []string{"c1", "c2"}, got.EntityIDs)

	err := worker.Execute(ctx, &models.QueueMessage{ID: "m2", Payload: []byte(`{"entity_type":"case","entity_ids":[]}`)})
	require.Error(t, err)
	assert.False(t, models.IsTransient(err))

	err = worker.Execute(ctx, &models.QueueMessage{ID: "m3", Payload: []byte(`not json`)})
	require.Error(t, err)
}

func TestDefaultHandlerWorkersCoverDelegatedQueues(t *testing.T) {
	names := []string{}
	for _, w := range DefaultHandlerWorkers(arbor.NewLogger()) {
		names = append(names, w.GetQueueName())
	}
	assert.ElementsMatch(t, []string{queue.QueueForecast, queue.QueueIssueSync, queue.QueueSearchIndex}, names)

	forecast := DefaultHandlerWorkers(arbor.NewLogger())[0]
	assert.NoError(t, forecast.Execute(context.Background(), &models.QueueMessage{
		ID:      "f1",
		Queue:   queue.QueueForecast,
		Payload: []byte(`{"project_id":"p1"}`),
	}))
}
