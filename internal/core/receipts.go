package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Cypherspark/campaign-dispatch/internal/metrics"
	"github.com/Cypherspark/campaign-dispatch/internal/provider"
)

// IngestReceipt correlates a vendor delivery receipt with its message and
// settles the message's campaign. Unknown vendor ids are reported with
// ErrNotFound and change nothing. Only the first receipt for a message is
// recorded, so redelivered receipts are harmless.
func (s *Service) IngestReceipt(ctx context.Context, r provider.Receipt) error {
	result, err := s.ingest(ctx, r)
	metrics.ReceiptIngestTotal.WithLabelValues(result).Inc()
	return err
}

func (s *Service) ingest(ctx context.Context, r provider.Receipt) (string, error) {
	if strings.TrimSpace(r.MessageID) == "" || strings.TrimSpace(r.Status) == "" {
		return "invalid", invalid("messageId and status are required")
	}
	if r.Timestamp.IsZero() {
		return "invalid", invalid("timestamp is required")
	}

	status := strings.ToUpper(strings.TrimSpace(r.Status))
	campaignID, recorded, err := s.store.RecordDelivery(ctx, r.MessageID, status, r.Timestamp.UTC())
	if errors.Is(err, ErrNotFound) {
		s.log.Warn("receipt for unknown message", "vendor_message_id", r.MessageID)
		return "not_found", err
	}
	if err != nil {
		return "error", fmt.Errorf("record delivery: %w", err)
	}

	result := "ok"
	if !recorded {
		result = "duplicate"
		s.log.Debug("duplicate receipt", "vendor_message_id", r.MessageID)
	}
	if _, err := s.settle(ctx, campaignID); err != nil {
		return "error", fmt.Errorf("settle campaign %s: %w", campaignID, err)
	}
	return result, nil
}
