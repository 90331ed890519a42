package provider

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Item is one personalized message handed to the vendor.
type Item struct {
	Body        string
	RecipientID string
}

// Result is the vendor's synchronous answer for one item. Failures are
// reported in the result, never as a batch error.
type Result struct {
	RecipientID     string    `json:"recipientId"`
	Success         bool      `json:"success"`
	VendorMessageID string    `json:"messageId,omitempty"`
	Status          string    `json:"status,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Error           string    `json:"error,omitempty"`
}

// Receipt is the vendor's asynchronous delivery confirmation.
type Receipt struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type Gateway interface {
	Send(ctx context.Context, item Item) Result
	// SendBatch sends items concurrently; results are index-aligned with items.
	SendBatch(ctx context.Context, items []Item) []Result
}

// FanOut runs send for every item with at most limit in flight (limit <= 0
// means unbounded) and returns the index-aligned results.
func FanOut(ctx context.Context, items []Item, limit int, send func(context.Context, Item) Result) []Result {
	results := make([]Result, len(items))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, it := range items {
		g.Go(func() error {
			results[i] = send(ctx, it)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
