package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/rl1809/stock-billing/internal/core/domain"
)

const (
	// QueueAlerts is the asynq queue low-stock tasks are enqueued on.
	QueueAlerts = "alerts"
	// TaskTypeLowStock is the task type for low-stock notifications.
	TaskTypeLowStock = "stock:low"

	lowStockMaxRetry = 5
)

// NewLowStockTask constructs an asynq task carrying the event as JSON.
func NewLowStockTask(event domain.LowStockEvent) (*asynq.Task, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeLowStock, body, asynq.Queue(QueueAlerts), asynq.MaxRetry(lowStockMaxRetry)), nil
}

// AsynqPublisher hands low-stock events to the asynq queue for cmd/worker.
type AsynqPublisher struct {
	client *asynq.Client
}

func NewAsynqPublisher(opts asynq.RedisClientOpt) *AsynqPublisher {
	return &AsynqPublisher{client: asynq.NewClient(opts)}
}

func (p *AsynqPublisher) PublishLowStock(ctx context.Context, event domain.LowStockEvent) error {
	task, err := NewLowStockTask(event)
	if err != nil {
		return fmt.Errorf("build low stock task: %w", err)
	}
	if _, err := p.client.EnqueueContext(ctx, task, asynq.TaskID(uuid.NewString())); err != nil {
		return fmt.Errorf("enqueue low stock task for product %d: %w", event.ProductID, err)
	}
	return nil
}

func (p *AsynqPublisher) Close() error {
	return p.client.Close()
}

// LowStockHandler processes TaskTypeLowStock tasks by emitting a structured
// warning for the operator's log pipeline.
type LowStockHandler struct {
	logger *slog.Logger
}

func NewLowStockHandler(logger *slog.Logger) *LowStockHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LowStockHandler{logger: logger}
}

func (h *LowStockHandler) Handle(ctx context.Context, t *asynq.Task) error {
	var event domain.LowStockEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("decode low stock payload: %v: %w", err, asynq.SkipRetry)
	}
	if event.ProductID <= 0 {
		return fmt.Errorf("low stock payload without product id: %w", asynq.SkipRetry)
	}
	h.logger.WarnContext(ctx, "product below reorder level",
		slog.Int64("product_id", event.ProductID),
		slog.String("sku", event.SKU),
		slog.String("name", event.Name),
		slog.Int64("current_stock", event.CurrentStock),
		slog.Int64("min_stock_level", event.MinStockLevel),
		slog.Time("occurred_at", event.OccurredAt))
	return nil
}
