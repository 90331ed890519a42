package core

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Cypherspark/campaign-dispatch/internal/audience"
)

// MemoryStore keeps everything in process memory. It backs unit tests and
// STORE=memory deployments; nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	seq       int64
	customers map[string]*memCustomer
	campaigns map[string]*memCampaign
	messages  map[string]*memMessage
	byVendor  map[string]string // vendor message id -> message id
}

// seq records insertion order; timestamps can tie.
type memCustomer struct {
	Customer
	seq int64
}

func (c *memCustomer) snapshot() Customer {
	out := c.Customer
	if c.LastVisit != nil {
		lv := *c.LastVisit
		out.LastVisit = &lv
	}
	return out
}

type memCampaign struct {
	Campaign
	seq int64
}

// snapshot copies the campaign so callers cannot reach stored rules.
func (c *memCampaign) snapshot() Campaign {
	out := c.Campaign
	out.Rules = cloneRules(c.Rules)
	return out
}

func cloneRules(rules []audience.Rule) []audience.Rule {
	out := slices.Clone(rules)
	for i, r := range out {
		if r.Value != nil {
			v := *r.Value
			out[i].Value = &v
		}
		if r.Value2 != nil {
			v := *r.Value2
			out[i].Value2 = &v
		}
	}
	return out
}

type memMessage struct {
	Message
	seq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		customers: make(map[string]*memCustomer),
		campaigns: make(map[string]*memCampaign),
		messages:  make(map[string]*memMessage),
		byVendor:  make(map[string]string),
	}
}

func (s *MemoryStore) next() int64 {
	s.seq++
	return s.seq
}

func (s *MemoryStore) CreateCustomer(_ context.Context, c Customer) (Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.customers {
		if strings.EqualFold(other.Email, c.Email) {
			return Customer{}, ErrDuplicateEmail
		}
	}
	c.ID = uuid.NewString()
	c.CreatedAt = s.now().UTC()
	stored := &memCustomer{Customer: c, seq: s.next()}
	s.customers[c.ID] = stored
	stored.Customer = stored.snapshot()
	return stored.snapshot(), nil
}

func (s *MemoryStore) GetCustomer(_ context.Context, id string) (Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return Customer{}, notFound("customer", id)
	}
	return c.snapshot(), nil
}

func (s *MemoryStore) UpdateCustomer(_ context.Context, c Customer) (Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.customers[c.ID]
	if !ok {
		return Customer{}, notFound("customer", c.ID)
	}
	for id, other := range s.customers {
		if id != c.ID && strings.EqualFold(other.Email, c.Email) {
			return Customer{}, ErrDuplicateEmail
		}
	}
	c.CreatedAt = stored.CreatedAt
	stored.Customer = c
	stored.Customer = stored.snapshot()
	return stored.snapshot(), nil
}

// DeleteCustomer drops the customer together with its messages.
func (s *MemoryStore) DeleteCustomer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.customers[id]; !ok {
		return notFound("customer", id)
	}
	delete(s.customers, id)
	for mid, m := range s.messages {
		if m.CustomerID != id {
			continue
		}
		if m.VendorMessageID != nil {
			delete(s.byVendor, *m.VendorMessageID)
		}
		delete(s.messages, mid)
	}
	return nil
}

func (s *MemoryStore) ListCustomers(_ context.Context) ([]Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*memCustomer, 0, len(s.customers))
	for _, c := range s.customers {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	out := make([]Customer, len(all))
	for i, c := range all {
		out[i] = c.snapshot()
	}
	return out, nil
}

func (s *MemoryStore) matching(p audience.Predicate, now time.Time) []*memCustomer {
	var out []*memCustomer
	for _, c := range s.customers {
		if p.Match(c.Facts(now)) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *MemoryStore) CountCustomers(_ context.Context, p audience.Predicate, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matching(p, now)), nil
}

func (s *MemoryStore) MatchCustomers(_ context.Context, p audience.Predicate, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, c := range s.matching(p, now) {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *MemoryStore) CreateCampaign(_ context.Context, c Campaign) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = uuid.NewString()
	c.Status = CampaignDraft
	c.Rules = cloneRules(c.Rules)
	c.CreatedAt = s.now().UTC()
	c.UpdatedAt = c.CreatedAt
	stored := &memCampaign{Campaign: c, seq: s.next()}
	s.campaigns[c.ID] = stored
	return stored.snapshot(), nil
}

func (s *MemoryStore) GetCampaign(_ context.Context, id string) (Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, notFound("campaign", id)
	}
	return c.snapshot(), nil
}

func (s *MemoryStore) ListCampaigns(_ context.Context) ([]Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*memCampaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	out := make([]Campaign, len(all))
	for i, c := range all {
		out[i] = c.snapshot()
	}
	return out, nil
}

func (s *MemoryStore) PrepareRun(_ context.Context, campaignID, body string, customerIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return 0, notFound("campaign", campaignID)
	}
	for id, m := range s.messages {
		if m.CampaignID == campaignID {
			if m.VendorMessageID != nil {
				delete(s.byVendor, *m.VendorMessageID)
			}
			delete(s.messages, id)
		}
	}

	now := s.now().UTC()
	for _, cid := range customerIDs {
		m := &memMessage{
			Message: Message{
				ID:         uuid.NewString(),
				CampaignID: campaignID,
				CustomerID: cid,
				Body:       body,
				Status:     MessageQueued,
				CreatedAt:  now,
				UpdatedAt:  now,
			},
			seq: s.next(),
		}
		s.messages[m.ID] = m
	}

	c.Status = CampaignActive
	c.AudienceSize = len(customerIDs)
	c.Delivered, c.Failed = 0, 0
	c.Error, c.CompletedAt = nil, nil
	c.UpdatedAt = now
	return len(customerIDs), nil
}

func (s *MemoryStore) CompleteCampaign(_ context.Context, id string, delivered, failed int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.Status != CampaignActive {
		return false, nil
	}
	c.Status = CampaignCompleted
	c.Delivered, c.Failed = delivered, failed
	c.CompletedAt = &at
	c.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *MemoryStore) FailCampaign(_ context.Context, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.Status != CampaignActive {
		return false, nil
	}
	c.Status = CampaignFailed
	c.Error = &reason
	c.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) ResumableCampaigns(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	queued := make(map[string]bool)
	for _, m := range s.messages {
		if m.Status == MessageQueued {
			queued[m.CampaignID] = true
		}
	}
	var out []string
	for id, c := range s.campaigns {
		if c.Status == CampaignActive && queued[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) campaignMessages(campaignID string) []*memMessage {
	var out []*memMessage
	for _, m := range s.messages {
		if m.CampaignID == campaignID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *MemoryStore) NextQueued(_ context.Context, campaignID string, limit int) ([]QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []QueuedMessage
	for _, m := range s.campaignMessages(campaignID) {
		if len(out) == limit {
			break
		}
		if m.Status != MessageQueued {
			continue
		}
		var name string
		if c, ok := s.customers[m.CustomerID]; ok {
			name = c.Name
		}
		out = append(out, QueuedMessage{
			ID:           m.ID,
			CampaignID:   m.CampaignID,
			CustomerID:   m.CustomerID,
			CustomerName: name,
			Body:         m.Body,
		})
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, messageID, vendorMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.Status != MessageQueued {
		return nil
	}
	m.Status = MessageSent
	m.VendorMessageID = &vendorMessageID
	m.UpdatedAt = s.now().UTC()
	s.byVendor[vendorMessageID] = messageID
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, messageID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.Status != MessageQueued {
		return nil
	}
	m.Status = MessageFailed
	m.FailureReason = &reason
	m.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, vendorMessageID, status string, at time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[s.byVendor[vendorMessageID]]
	if !ok {
		return "", false, notFound("message", vendorMessageID)
	}
	if m.DeliveredAt != nil {
		return m.CampaignID, false, nil
	}
	m.DeliveryStatus = &status
	m.DeliveredAt = &at
	m.UpdatedAt = s.now().UTC()
	return m.CampaignID, true, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, campaignID string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, m := range s.messages {
		if m.CampaignID != campaignID {
			continue
		}
		switch m.Status {
		case MessageQueued:
			st.Queued++
		case MessageSent:
			st.Sent++
		case MessageFailed:
			st.Failed++
		}
		if m.DeliveryStatus != nil && *m.DeliveryStatus == DeliveryDelivered {
			st.Delivered++
		}
	}
	return st, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, campaignID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms := s.campaignMessages(campaignID)
	out := make([]Message, len(ms))
	for i, m := range ms {
		out[i] = m.Message
	}
	return out, nil
}
