package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/port"
)

var _ port.AlertPublisher = (*AsynqPublisher)(nil)

func sampleEvent() domain.LowStockEvent {
	return domain.LowStockEvent{
		ProductID:     9,
		SKU:           "GRO-0009",
		Name:          "Rice",
		CurrentStock:  2,
		MinStockLevel: 5,
		OccurredAt:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestNewLowStockTask(t *testing.T) {
	task, err := NewLowStockTask(sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, TaskTypeLowStock, task.Type())

	var decoded domain.LowStockEvent
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	assert.Equal(t, sampleEvent(), decoded)
}

func TestLowStockHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewLowStockHandler(slog.New(slog.NewJSONHandler(&buf, nil)))

	task, err := NewLowStockTask(sampleEvent())
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), task))
	assert.Contains(t, buf.String(), `"sku":"GRO-0009"`)
	assert.Contains(t, buf.String(), `"current_stock":2`)

	err = h.Handle(context.Background(), asynq.NewTask(TaskTypeLowStock, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry), "got %v", err)

	err = h.Handle(context.Background(), asynq.NewTask(TaskTypeLowStock, []byte(`{"sku":"X"}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry), "got %v", err)
}

func TestAsynqPublisherEnqueues(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := NewAsynqPublisher(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = pub.Close() })

	require.NoError(t, pub.PublishLowStock(context.Background(), sampleEvent()))
	require.NoError(t, pub.PublishLowStock(context.Background(), sampleEvent()))

	pending, err := mr.List("asynq:{" + QueueAlerts + "}:pending")
	require.NoError(t, err)
	assert.Len(t, pending, 2, "each publish gets its own task id")
}

func TestAsynqPublisherUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := NewAsynqPublisher(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = pub.Close() })
	mr.Close()

	err := pub.PublishLowStock(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "product 9")
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	w := NewWorker(WorkerConfig{RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()}, Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Run(ctx), context.Canceled)

	var nilWorker *Worker
	assert.Error(t, nilWorker.Run(context.Background()))
}
