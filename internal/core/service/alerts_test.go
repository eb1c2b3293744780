package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-billing/internal/core/domain"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.LowStockEvent
	fail   bool
	block  chan struct{}
}

func (p *stubPublisher) PublishLowStock(_ context.Context, event domain.LowStockEvent) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *stubPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestAlertDispatcher_DeliversQueuedEventsOnClose(t *testing.T) {
	pub := &stubPublisher{}
	metrics := &recordingMetrics{rejections: map[string]int{}}
	d := NewAlertDispatcher(pub, 16, metrics, nil)
	d.Start(3)

	for i := int64(1); i <= 10; i++ {
		d.Notify(domain.LowStockEvent{ProductID: i})
	}
	d.Close()

	assert.Equal(t, 10, pub.count())
	assert.Equal(t, 10, metrics.alerts)

	d.Notify(domain.LowStockEvent{ProductID: 99})
	assert.Equal(t, 10, pub.count(), "closed dispatcher drops events")
	d.Close()
}

func TestAlertDispatcher_DropsWhenFull(t *testing.T) {
	pub := &stubPublisher{block: make(chan struct{})}
	d := NewAlertDispatcher(pub, 1, nil, nil)
	d.Start(1)

	d.Notify(domain.LowStockEvent{ProductID: 1})
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, 5*time.Millisecond)
	d.Notify(domain.LowStockEvent{ProductID: 2})
	d.Notify(domain.LowStockEvent{ProductID: 3})

	close(pub.block)
	d.Close()
	assert.Equal(t, 2, pub.count())
}

func TestAlertDispatcher_PublishFailureIsNotCounted(t *testing.T) {
	pub := &stubPublisher{fail: true}
	metrics := &recordingMetrics{rejections: map[string]int{}}
	d := NewAlertDispatcher(pub, 4, metrics, nil)
	d.Start(1)

	d.Notify(domain.LowStockEvent{ProductID: 1})
	d.Close()
	assert.Equal(t, 0, metrics.alerts)
}

func TestAlertDispatcher_WiredIntoBilling(t *testing.T) {
	e := newEngine(t)
	pub := &stubPublisher{}
	d := NewAlertDispatcher(pub, 8, nil, nil)
	d.Start(1)
	e.billing.alerts = d

	p := e.product(t, "Yeast", "12", 3, 2)
	_, err := e.billing.CreateBill(context.Background(), cashBill(BillLine{ProductID: p.ID, Quantity: 1}))
	require.NoError(t, err)
	d.Close()

	require.Equal(t, 1, pub.count())
	assert.Equal(t, p.SKU, pub.events[0].SKU)
}

func TestLogPublisher(t *testing.T) {
	assert.NoError(t, LogPublisher{}.PublishLowStock(context.Background(), domain.LowStockEvent{ProductID: 1}))
}
