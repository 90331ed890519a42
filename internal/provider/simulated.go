package provider

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/campaign-dispatch/internal/metrics"
)

var ErrVendorRejected = errors.New("vendor: message delivery failed")

type Options struct {
	SuccessRate     float64
	MinLatency      time.Duration
	MaxLatency      time.Duration
	ReceiptMinDelay time.Duration
	ReceiptMaxDelay time.Duration
	QPS             float64 // 0 disables the limiter
	Burst           int
	Concurrency     int // max in-flight sends per batch, 0 = unbounded
}

func DefaultOptions() Options {
	return Options{
		SuccessRate:     0.9,
		MinLatency:      100 * time.Millisecond,
		MaxLatency:      500 * time.Millisecond,
		ReceiptMinDelay: 1 * time.Second,
		ReceiptMaxDelay: 3 * time.Second,
	}
}

// Simulated stands in for an SMS/email vendor: each send takes a random
// latency, succeeds with probability SuccessRate, and a successful send
// later produces a delivery receipt through the scheduler.
type Simulated struct {
	opt      Options
	receipts ReceiptScheduler
	limiter  *rate.Limiter
	now      func() time.Time
	log      *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Simulated)

func WithRand(r *rand.Rand) Option { return func(s *Simulated) { s.rng = r } }

func WithClock(now func() time.Time) Option { return func(s *Simulated) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Simulated) { s.log = l } }

func NewSimulated(opt Options, receipts ReceiptScheduler, opts ...Option) *Simulated {
	s := &Simulated{
		opt:      opt,
		receipts: receipts,
		now:      time.Now,
		log:      slog.Default(),
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	if opt.QPS > 0 {
		burst := opt.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opt.QPS), burst)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Simulated) Send(ctx context.Context, item Item) Result {
	res := Result{RecipientID: item.RecipientID}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			res.Error = err.Error()
			res.Timestamp = s.now().UTC()
			metrics.VendorSendTotal.WithLabelValues("failed").Inc()
			return res
		}
	}

	start := time.Now()
	err := sleep(ctx, s.between(s.opt.MinLatency, s.opt.MaxLatency))
	metrics.VendorSendDuration.Observe(time.Since(start).Seconds())
	res.Timestamp = s.now().UTC()
	if err != nil {
		res.Error = err.Error()
		metrics.VendorSendTotal.WithLabelValues("failed").Inc()
		return res
	}

	if !s.succeeds() {
		res.Error = ErrVendorRejected.Error()
		metrics.VendorSendTotal.WithLabelValues("failed").Inc()
		s.log.Debug("vendor rejected message", "recipient", item.RecipientID)
		return res
	}

	res.Success = true
	res.Status = "accepted"
	res.VendorMessageID = uuid.NewString()
	metrics.VendorSendTotal.WithLabelValues("sent").Inc()

	if s.receipts != nil {
		// the receipt carries its planned delivery time; TimerScheduler
		// re-stamps it with the actual emission time
		delay := s.between(s.opt.ReceiptMinDelay, s.opt.ReceiptMaxDelay)
		s.receipts.Schedule(delay, Receipt{
			MessageID: res.VendorMessageID,
			Status:    "delivered",
			Timestamp: res.Timestamp.Add(delay),
		})
	}
	return res
}

func (s *Simulated) SendBatch(ctx context.Context, items []Item) []Result {
	return FanOut(ctx, items, s.opt.Concurrency, s.Send)
}

func (s *Simulated) succeeds() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.opt.SuccessRate
}

// between returns a uniform duration in [lo, hi].
func (s *Simulated) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + time.Duration(s.rng.Int64N(int64(hi-lo)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
