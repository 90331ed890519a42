package core

import (
	"context"
	"time"
)

// Stats counts the campaign's messages per status. It only reads.
func (s *Service) Stats(ctx context.Context, campaignID string) (Stats, error) {
	if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
		return Stats{}, err
	}
	return s.store.CountByStatus(ctx, campaignID)
}

// Report is Stats plus the campaign fields a progress view needs.
type Report struct {
	Stats
	Status       CampaignStatus `json:"status"`
	AudienceSize int            `json:"audienceSize"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

func (s *Service) Report(ctx context.Context, campaignID string) (Report, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Report{}, err
	}
	st, err := s.store.CountByStatus(ctx, campaignID)
	if err != nil {
		return Report{}, err
	}
	return Report{Stats: st, Status: c.Status, AudienceSize: c.AudienceSize, CompletedAt: c.CompletedAt}, nil
}
