package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ReceiptPath is where the service accepts delivery receipts.
const ReceiptPath = "/campaigns/delivery/receipt"

// HTTPSink posts receipts to the receipt webhook, the way a real vendor
// calls back into the service.
type HTTPSink struct {
	URL    string
	Client *http.Client
}

// NewHTTPSink targets the receipt webhook of the service at baseURL.
func NewHTTPSink(baseURL string) *HTTPSink {
	return &HTTPSink{
		URL:    strings.TrimRight(baseURL, "/") + ReceiptPath,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, r Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post receipt: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("receipt endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// FuncSink delivers receipts in-process.
type FuncSink func(ctx context.Context, r Receipt) error

func (f FuncSink) Deliver(ctx context.Context, r Receipt) error { return f(ctx, r) }
