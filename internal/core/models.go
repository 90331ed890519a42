package core

import (
	"math"
	"time"

	"github.com/Cypherspark/campaign-dispatch/internal/audience"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

type MessageStatus string

const (
	MessageQueued MessageStatus = "QUEUED"
	MessageSent   MessageStatus = "SENT"
	MessageFailed MessageStatus = "FAILED"
)

// DeliveryDelivered is the delivery status recorded for a "delivered" receipt.
const DeliveryDelivered = "DELIVERED"

type Campaign struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Message      string          `json:"message"`
	Rules        []audience.Rule `json:"rules"`
	Status       CampaignStatus  `json:"status"`
	AudienceSize int             `json:"audienceSize"`
	Delivered    int             `json:"delivered"`
	Failed       int             `json:"failed"`
	Error        *string         `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

type Customer struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Phone      string     `json:"phone,omitempty"`
	TotalSpent float64    `json:"totalSpent"`
	Visits     int        `json:"visits"`
	LastVisit  *time.Time `json:"lastVisit,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// CustomerUpdate is a partial customer update; nil fields are left alone.
type CustomerUpdate struct {
	Name       *string    `json:"name"`
	Email      *string    `json:"email"`
	Phone      *string    `json:"phone"`
	TotalSpent *float64   `json:"totalSpent"`
	Visits     *int       `json:"visits"`
	LastVisit  *time.Time `json:"lastVisit"`
}

func (u CustomerUpdate) apply(c *Customer) {
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Email != nil {
		c.Email = *u.Email
	}
	if u.Phone != nil {
		c.Phone = *u.Phone
	}
	if u.TotalSpent != nil {
		c.TotalSpent = *u.TotalSpent
	}
	if u.Visits != nil {
		c.Visits = *u.Visits
	}
	if u.LastVisit != nil {
		c.LastVisit = u.LastVisit
	}
}

// Facts exposes the attributes audience rules look at. lastVisit is the
// number of whole days between the last visit and now and is absent when the
// customer never visited.
func (c Customer) Facts(now time.Time) audience.Facts {
	f := audience.Facts{
		audience.TotalSpent: c.TotalSpent,
		audience.Visits:     float64(c.Visits),
	}
	if c.LastVisit != nil {
		f[audience.LastVisit] = math.Floor(now.Sub(*c.LastVisit).Hours() / 24)
	}
	return f
}

// Message is one entry of a campaign's communication log.
type Message struct {
	ID              string        `json:"id"`
	CampaignID      string        `json:"campaignId"`
	CustomerID      string        `json:"customerId"`
	Body            string        `json:"body"`
	Status          MessageStatus `json:"status"`
	VendorMessageID *string       `json:"vendorMessageId,omitempty"`
	FailureReason   *string       `json:"failureReason,omitempty"`
	DeliveryStatus  *string       `json:"deliveryStatus,omitempty"`
	DeliveredAt     *time.Time    `json:"deliveredAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// QueuedMessage is a queued message joined with its recipient's name, which
// is what the orchestrator needs to personalize it.
type QueuedMessage struct {
	ID           string
	CampaignID   string
	CustomerID   string
	CustomerName string
	Body         string
}

// Stats is the per-status message count of one campaign. Delivered counts
// messages with a correlated delivery receipt; those are also counted as sent.
type Stats struct {
	Queued    int `json:"queued"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Delivered int `json:"delivered"`
}

type StartResult struct {
	AudienceSize          int    `json:"audienceSize"`
	EstimatedDeliveryTime string `json:"estimatedDeliveryTime"`
}

type Preview struct {
	AudienceSize          int    `json:"audienceSize"`
	EstimatedDeliveryTime string `json:"estimatedDeliveryTime"`
}
