package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Cypherspark/campaign-dispatch/internal/metrics"
)

// ReceiptScheduler emits a receipt after a delay. Emission is fire and
// forget: it never reports back to the send that produced the receipt.
type ReceiptScheduler interface {
	Schedule(delay time.Duration, r Receipt)
}

// ReceiptSink is where an emitted receipt goes (webhook, broker, in-process).
type ReceiptSink interface {
	Deliver(ctx context.Context, r Receipt) error
}

// TimerScheduler runs every receipt on its own timer and delivers it to a
// sink, stamped with the time it fired. Stop cancels receipts that have not
// fired yet.
type TimerScheduler struct {
	sink    ReceiptSink
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	next    uint64
	pending map[uint64]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func NewTimerScheduler(sink ReceiptSink, log *slog.Logger) *TimerScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &TimerScheduler{
		sink:    sink,
		timeout: 5 * time.Second,
		log:     log,
		pending: make(map[uint64]*time.Timer),
	}
}

func (s *TimerScheduler) Schedule(delay time.Duration, r Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	id := s.next
	s.next++
	s.pending[id] = time.AfterFunc(delay, func() { s.fire(id, r) })
}

// Pending reports how many receipts are still waiting for their timer.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels all pending receipts and waits for in-progress deliveries.
// It returns the number of receipts that were dropped.
func (s *TimerScheduler) Stop() int {
	s.mu.Lock()
	s.stopped = true
	dropped := 0
	for id, t := range s.pending {
		if t.Stop() {
			dropped++
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return dropped
}

func (s *TimerScheduler) fire(id uint64, r Receipt) {
	s.mu.Lock()
	if _, ok := s.pending[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	r.Timestamp = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.sink.Deliver(ctx, r); err != nil {
		metrics.ReceiptEmitTotal.WithLabelValues("error").Inc()
		s.log.Warn("failed to send delivery receipt", "vendor_message_id", r.MessageID, "err", err)
		return
	}
	metrics.ReceiptEmitTotal.WithLabelValues("ok").Inc()
}
