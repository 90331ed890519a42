// Package providertest has a deterministic vendor gateway for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Cypherspark/campaign-dispatch/internal/provider"
)

// Stub is a deterministic provider.Gateway. Items are numbered from 1 across
// all calls; item n fails when Fail(n) is true and otherwise succeeds with
// vendor id "vendor-n".
type Stub struct {
	Fail func(n int) bool
	// Gate, when set, holds every batch until it is closed or the context
	// ends.
	Gate chan struct{}
	// Receipts, when set, is handed a "delivered" receipt for each success.
	Receipts provider.ReceiptScheduler

	mu      sync.Mutex
	n       int
	batches [][]provider.Item
}

// FailEvery fails every k-th item.
func FailEvery(k int) func(int) bool {
	return func(n int) bool { return n%k == 0 }
}

func (s *Stub) Send(ctx context.Context, it provider.Item) provider.Result {
	return s.SendBatch(ctx, []provider.Item{it})[0]
}

func (s *Stub) SendBatch(ctx context.Context, items []provider.Item) []provider.Result {
	s.mu.Lock()
	s.batches = append(s.batches, append([]provider.Item(nil), items...))
	out := make([]provider.Result, len(items))
	now := time.Now().UTC()
	for i, it := range items {
		s.n++
		out[i] = provider.Result{RecipientID: it.RecipientID, Timestamp: now}
		if s.Fail != nil && s.Fail(s.n) {
			out[i].Error = provider.ErrVendorRejected.Error()
			continue
		}
		out[i].Success = true
		out[i].Status = "accepted"
		out[i].VendorMessageID = fmt.Sprintf("vendor-%d", s.n)
		if s.Receipts != nil {
			s.Receipts.Schedule(0, provider.Receipt{MessageID: out[i].VendorMessageID, Status: "delivered", Timestamp: now})
		}
	}
	s.mu.Unlock()

	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
		}
	}
	return out
}

// Batches returns a copy of every batch received so far.
func (s *Stub) Batches() [][]provider.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]provider.Item(nil), s.batches...)
}

// Manual collects scheduled receipts until the test flushes them.
type Manual struct {
	mu       sync.Mutex
	receipts []provider.Receipt
}

func (m *Manual) Schedule(_ time.Duration, r provider.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts = append(m.receipts, r)
}

// Drain returns and forgets the receipts scheduled so far.
func (m *Manual) Drain() []provider.Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.receipts
	m.receipts = nil
	return out
}
