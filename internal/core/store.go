package core

import (
	"context"
	"time"

	"github.com/Cypherspark/campaign-dispatch/internal/audience"
)

// Store persists customers, campaigns and their messages. Unknown ids are
// reported with an error matching ErrNotFound.
type Store interface {
	CreateCustomer(ctx context.Context, c Customer) (Customer, error)
	ListCustomers(ctx context.Context) ([]Customer, error)
	GetCustomer(ctx context.Context, id string) (Customer, error)
	// UpdateCustomer replaces every field but ID and CreatedAt.
	UpdateCustomer(ctx context.Context, c Customer) (Customer, error)
	// DeleteCustomer also removes the customer's messages.
	DeleteCustomer(ctx context.Context, id string) error
	// CountCustomers and MatchCustomers evaluate p as of now. MatchCustomers
	// returns ids in creation order.
	CountCustomers(ctx context.Context, p audience.Predicate, now time.Time) (int, error)
	MatchCustomers(ctx context.Context, p audience.Predicate, now time.Time) ([]string, error)

	CreateCampaign(ctx context.Context, c Campaign) (Campaign, error)
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaigns(ctx context.Context) ([]Campaign, error)
	// PrepareRun replaces the campaign's messages with one QUEUED message
	// per customer and marks the campaign active with reset counters.
	PrepareRun(ctx context.Context, campaignID, body string, customerIDs []string) (int, error)
	// CompleteCampaign and FailCampaign only move an active campaign and
	// report whether they did.
	CompleteCampaign(ctx context.Context, id string, delivered, failed int, at time.Time) (bool, error)
	FailCampaign(ctx context.Context, id, reason string, at time.Time) (bool, error)
	// ResumableCampaigns lists active campaigns that still have queued messages.
	ResumableCampaigns(ctx context.Context) ([]string, error)

	// NextQueued returns up to limit queued messages in insertion order.
	NextQueued(ctx context.Context, campaignID string, limit int) ([]QueuedMessage, error)
	// MarkSent and MarkFailed only move a QUEUED message.
	MarkSent(ctx context.Context, messageID, vendorMessageID string) error
	MarkFailed(ctx context.Context, messageID, reason string) error
	// RecordDelivery stamps the receipt on the message with that vendor id
	// unless one was recorded before. It returns the message's campaign and
	// whether this call recorded it.
	RecordDelivery(ctx context.Context, vendorMessageID, status string, at time.Time) (campaignID string, recorded bool, err error)
	CountByStatus(ctx context.Context, campaignID string) (Stats, error)
	ListMessages(ctx context.Context, campaignID string) ([]Message, error)
}
