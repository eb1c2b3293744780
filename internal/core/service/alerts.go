package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rl1809/stock-billing/internal/core/domain"
	"github.com/rl1809/stock-billing/internal/port"
)

const publishTimeout = 5 * time.Second

// AlertDispatcher buffers low-stock events and forwards them to a publisher
// from a pool of workers, off the commit path.
type AlertDispatcher struct {
	publisher port.AlertPublisher
	metrics   Metrics
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan domain.LowStockEvent
	wg     sync.WaitGroup
}

func NewAlertDispatcher(publisher port.AlertPublisher, queueSize int, metrics Metrics, logger *slog.Logger) *AlertDispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertDispatcher{
		publisher: publisher,
		metrics:   orNop(metrics),
		logger:    logger,
		queue:     make(chan domain.LowStockEvent, queueSize),
	}
}

// Notify enqueues without blocking. Events are dropped once the queue is full
// or the dispatcher is closed.
func (d *AlertDispatcher) Notify(event domain.LowStockEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- event:
	default:
		d.logger.Warn("low stock alert dropped, queue full", slog.Int64("product_id", event.ProductID))
	}
}

// Start launches the worker pool.
func (d *AlertDispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id)
		}(i)
	}
}

// Close stops intake and waits for queued events to be published.
func (d *AlertDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *AlertDispatcher) workerLoop(id int) {
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := d.publisher.PublishLowStock(ctx, event); err != nil {
			d.logger.Error("publish low stock alert",
				slog.Int("worker", id),
				slog.Int64("product_id", event.ProductID),
				slog.Any("error", err))
		} else {
			d.metrics.LowStockAlert()
		}
		cancel()
	}
}

// LogPublisher writes alerts to the log when no queue is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) PublishLowStock(_ context.Context, event domain.LowStockEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("product low on stock",
		slog.Int64("product_id", event.ProductID),
		slog.String("sku", event.SKU),
		slog.Int64("current_stock", event.CurrentStock),
		slog.Int64("min_stock_level", event.MinStockLevel))
	return nil
}
