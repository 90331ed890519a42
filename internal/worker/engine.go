package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
	"github.com/Cypherspark/campaign-dispatch/internal/metrics"
	"github.com/Cypherspark/campaign-dispatch/internal/provider"
)

var (
	ErrRunInProgress = fmt.Errorf("campaign run already in progress: %w", core.ErrConflict)
	ErrFatal         = errors.New("orchestrator aborted")
)

// FatalError is an unexpected failure outside per-message vendor handling,
// such as the store going away. It aborts the run.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *FatalError) Unwrap() []error { return []error{ErrFatal, e.Err} }

// Store is the part of core.Store a run needs.
type Store interface {
	NextQueued(ctx context.Context, campaignID string, limit int) ([]core.QueuedMessage, error)
	MarkSent(ctx context.Context, messageID, vendorMessageID string) error
	MarkFailed(ctx context.Context, messageID, reason string) error
}

type Options struct {
	BatchSize  int           // messages per vendor batch
	BatchDelay time.Duration // pause after a full batch
}

func DefaultOptions() Options {
	return Options{BatchSize: 50, BatchDelay: time.Second}
}

// Orchestrator drains queued campaign messages through the vendor in
// sequential batches. At most one run per campaign is in flight; runs of
// different campaigns proceed independently.
type Orchestrator struct {
	store   Store
	gateway provider.Gateway
	opt     Options
	log     *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

func NewOrchestrator(store Store, gw provider.Gateway, opt Options, log *slog.Logger) *Orchestrator {
	if opt.BatchSize < 1 {
		opt.BatchSize = DefaultOptions().BatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		gateway: gw,
		opt:     opt,
		log:     log,
		running: make(map[string]struct{}),
	}
}

// Lease holds the run slot of one campaign.
type Lease struct {
	o          *Orchestrator
	campaignID string
	once       sync.Once
}

// Acquire claims the campaign's run slot or fails with ErrRunInProgress.
func (o *Orchestrator) Acquire(campaignID string) (*Lease, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[campaignID]; busy {
		return nil, ErrRunInProgress
	}
	o.running[campaignID] = struct{}{}
	metrics.RunsInFlight.Inc()
	return &Lease{o: o, campaignID: campaignID}, nil
}

// Reserve is Acquire for core.Dispatcher.
func (o *Orchestrator) Reserve(campaignID string) (core.Lease, error) {
	l, err := o.Acquire(campaignID)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Running reports whether a run holds the campaign's slot.
func (o *Orchestrator) Running(campaignID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.running[campaignID]
	return busy
}

func (l *Lease) Release() {
	l.once.Do(func() {
		l.o.mu.Lock()
		delete(l.o.running, l.campaignID)
		l.o.mu.Unlock()
		metrics.RunsInFlight.Dec()
	})
}

// Run drains the campaign and releases the lease on every exit path.
func (l *Lease) Run(ctx context.Context) (int, error) {
	defer l.Release()
	n, err := l.o.drain(ctx, l.campaignID)
	switch {
	case err == nil:
		metrics.RunTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrFatal):
		metrics.RunTotal.WithLabelValues("fatal").Inc()
	default:
		metrics.RunTotal.WithLabelValues("interrupted").Inc()
	}
	return n, err
}

// Run drains the campaign's queued messages and returns how many it
// processed. It fails with ErrRunInProgress if the campaign is already
// running.
func (o *Orchestrator) Run(ctx context.Context, campaignID string) (int, error) {
	l, err := o.Acquire(campaignID)
	if err != nil {
		return 0, err
	}
	return l.Run(ctx)
}

func (o *Orchestrator) drain(ctx context.Context, campaignID string) (int, error) {
	log := o.log.With("campaign_id", campaignID)
	processed := 0
	for {
		batch, err := o.store.NextQueued(ctx, campaignID, o.opt.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}
			return processed, &FatalError{Op: "fetch queued messages", Err: err}
		}
		if len(batch) == 0 {
			return processed, nil
		}

		items := make([]provider.Item, len(batch))
		for i, m := range batch {
			items[i] = provider.Item{Body: Personalize(m.Body, m.CustomerName), RecipientID: m.CustomerID}
		}
		results := o.gateway.SendBatch(ctx, items)
		// results of a cancelled batch are not trustworthy; the messages stay
		// queued for the next run
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if len(results) != len(batch) {
			return processed, &FatalError{Op: "send batch", Err: fmt.Errorf("vendor returned %d results for %d messages", len(results), len(batch))}
		}
		if err := o.record(ctx, batch, results); err != nil {
			return processed, &FatalError{Op: "record results", Err: err}
		}

		processed += len(batch)
		metrics.BatchSize.Observe(float64(len(batch)))
		log.Debug("batch processed", "size", len(batch), "processed", processed)

		if len(batch) == o.opt.BatchSize {
			if err := sleep(ctx, o.opt.BatchDelay); err != nil {
				return processed, err
			}
		}
	}
}

// record applies every result to its message concurrently. Each message gets
// exactly one update.
func (o *Orchestrator) record(ctx context.Context, batch []core.QueuedMessage, results []provider.Result) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range batch {
		r := results[i]
		g.Go(func() error {
			if r.Success && r.VendorMessageID != "" {
				metrics.MessageStatusTotal.WithLabelValues("sent").Inc()
				return o.store.MarkSent(gctx, m.ID, r.VendorMessageID)
			}
			metrics.MessageStatusTotal.WithLabelValues("failed").Inc()
			reason := r.Error
			switch {
			case r.Success:
				reason = "vendor: accepted without a message id"
			case reason == "":
				reason = "vendor: unknown failure"
			}
			return o.store.MarkFailed(gctx, m.ID, reason)
		})
	}
	return g.Wait()
}

// Personalize fills every {name} placeholder with the recipient's name.
func Personalize(template, name string) string {
	return strings.ReplaceAll(template, "{name}", name)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
