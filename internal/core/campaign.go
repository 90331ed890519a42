package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Cypherspark/campaign-dispatch/internal/audience"
	"github.com/Cypherspark/campaign-dispatch/internal/metrics"
)

// Lease is a claimed run slot for one campaign. Run drains the campaign and
// releases the slot when it returns. Release gives the slot back without
// running; it is a no-op after Run.
type Lease interface {
	Run(ctx context.Context) (int, error)
	Release()
}

// Dispatcher hands out run slots. Reserve fails with an error matching
// ErrConflict while a run for the campaign holds its slot.
type Dispatcher interface {
	Reserve(campaignID string) (Lease, error)
}

// Service is the campaign pipeline: it starts runs, correlates receipts and
// settles campaigns. Runs execute on the base context given to NewService,
// not on the context of the request that started them.
type Service struct {
	store    Store
	dispatch Dispatcher
	log      *slog.Logger
	now      func() time.Time
	base     context.Context

	runs sync.WaitGroup
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires the pipeline. d may be nil for processes that only ingest
// receipts.
func NewService(base context.Context, store Store, d Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:    store,
		dispatch: d,
		log:      slog.Default(),
		now:      time.Now,
		base:     base,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Wait blocks until every launched run has finished and settled.
func (s *Service) Wait() { s.runs.Wait() }

func compileRules(rules []audience.Rule) (audience.Predicate, error) {
	p, err := audience.Compile(rules)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return p, nil
}

// Start materializes one queued message per matching customer and launches
// the delivery run in the background. A campaign that is already running is
// rejected with ErrConflict before anything is changed.
func (s *Service) Start(ctx context.Context, campaignID string) (StartResult, error) {
	res, err := s.start(ctx, campaignID)
	metrics.CampaignStartTotal.WithLabelValues(startResult(err)).Inc()
	return res, err
}

func (s *Service) start(ctx context.Context, campaignID string) (StartResult, error) {
	if s.dispatch == nil {
		return StartResult{}, errors.New("campaign runs are not enabled in this process")
	}
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return StartResult{}, err
	}
	pred, err := compileRules(c.Rules)
	if err != nil {
		return StartResult{}, err
	}

	lease, err := s.dispatch.Reserve(campaignID)
	if err != nil {
		return StartResult{}, err
	}
	launched := false
	defer func() {
		if !launched {
			lease.Release()
		}
	}()

	ids, err := s.store.MatchCustomers(ctx, pred, s.now())
	if err != nil {
		return StartResult{}, fmt.Errorf("match customers: %w", err)
	}
	if len(ids) == 0 {
		return StartResult{}, ErrNoAudience
	}
	n, err := s.store.PrepareRun(ctx, campaignID, c.Message, ids)
	if err != nil {
		return StartResult{}, fmt.Errorf("prepare run: %w", err)
	}

	s.log.Info("campaign started", "campaign_id", campaignID, "audience", n, "rules", pred.String())
	s.launch(campaignID, lease)
	launched = true
	return StartResult{AudienceSize: n, EstimatedDeliveryTime: audience.EstimateDeliveryTime(n)}, nil
}

func startResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoAudience):
		return "no_audience"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "in_progress"
	}
	return "error"
}

func (s *Service) launch(campaignID string, lease Lease) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		n, err := lease.Run(s.base)
		s.finish(campaignID, n, err)
	}()
}

// finish is the completion path of a run. An interrupted run leaves the
// campaign active so Resume can pick it up again.
func (s *Service) finish(campaignID string, processed int, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.base), 10*time.Second)
	defer cancel()
	log := s.log.With("campaign_id", campaignID, "processed", processed)

	switch {
	case runErr == nil:
		log.Info("campaign run finished")
		if _, err := s.settle(ctx, campaignID); err != nil {
			log.Error("settle campaign", "err", err)
		}
	case s.base.Err() != nil && errors.Is(runErr, s.base.Err()):
		log.Warn("campaign run interrupted", "err", runErr)
	default:
		log.Error("campaign run failed", "err", runErr)
		failed, err := s.store.FailCampaign(ctx, campaignID, runErr.Error(), s.now().UTC())
		if err != nil {
			log.Error("mark campaign failed", "err", err)
			return
		}
		if failed {
			metrics.CampaignSettledTotal.WithLabelValues(string(CampaignFailed)).Inc()
		}
	}
}

// settle completes the campaign once none of its messages is queued. Both
// the run completion path and receipt ingestion call it; whichever comes
// second finds the campaign terminal and does nothing.
func (s *Service) settle(ctx context.Context, campaignID string) (bool, error) {
	st, err := s.store.CountByStatus(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if st.Queued > 0 {
		return false, nil
	}
	done, err := s.store.CompleteCampaign(ctx, campaignID, st.Sent, st.Failed, s.now().UTC())
	if err != nil {
		return false, err
	}
	if done {
		metrics.CampaignSettledTotal.WithLabelValues(string(CampaignCompleted)).Inc()
		s.log.Info("campaign completed", "campaign_id", campaignID, "delivered", st.Sent, "failed", st.Failed)
	}
	return done, nil
}

// Resume relaunches runs for active campaigns that still have queued
// messages, e.g. after the process stopped mid-run. It returns how many runs
// it launched.
func (s *Service) Resume(ctx context.Context) (int, error) {
	if s.dispatch == nil {
		return 0, nil
	}
	ids, err := s.store.ResumableCampaigns(ctx)
	if err != nil {
		return 0, err
	}
	launched := 0
	for _, id := range ids {
		lease, err := s.dispatch.Reserve(id)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return launched, err
		}
		s.log.Info("resuming campaign run", "campaign_id", id)
		s.launch(id, lease)
		launched++
	}
	return launched, nil
}

type NewCampaign struct {
	Name    string          `json:"name"`
	Message string          `json:"message"`
	Rules   []audience.Rule `json:"rules"`
}

// CreateCampaign stores a draft campaign with its current audience size.
func (s *Service) CreateCampaign(ctx context.Context, in NewCampaign) (Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Campaign{}, invalid("name is required")
	}
	if strings.TrimSpace(in.Message) == "" {
		return Campaign{}, invalid("message is required")
	}
	pred, err := compileRules(in.Rules)
	if err != nil {
		return Campaign{}, err
	}
	size, err := s.store.CountCustomers(ctx, pred, s.now())
	if err != nil {
		return Campaign{}, fmt.Errorf("count audience: %w", err)
	}
	return s.store.CreateCampaign(ctx, Campaign{
		Name:         in.Name,
		Message:      in.Message,
		Rules:        in.Rules,
		AudienceSize: size,
	})
}

func (s *Service) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	return s.store.GetCampaign(ctx, id)
}

func (s *Service) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	return s.store.ListCampaigns(ctx)
}

// Messages returns the campaign's communication log in send order.
func (s *Service) Messages(ctx context.Context, campaignID string) ([]Message, error) {
	if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, campaignID)
}

func (s *Service) PreviewAudience(ctx context.Context, rules []audience.Rule) (Preview, error) {
	pred, err := compileRules(rules)
	if err != nil {
		return Preview{}, err
	}
	n, err := s.store.CountCustomers(ctx, pred, s.now())
	if err != nil {
		return Preview{}, err
	}
	return Preview{AudienceSize: n, EstimatedDeliveryTime: audience.EstimateDeliveryTime(n)}, nil
}

func (s *Service) CreateCustomer(ctx context.Context, c Customer) (Customer, error) {
	if err := validateCustomer(c); err != nil {
		return Customer{}, err
	}
	return s.store.CreateCustomer(ctx, c)
}

func validateCustomer(c Customer) error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name is required")
	}
	if strings.TrimSpace(c.Email) == "" {
		return invalid("email is required")
	}
	if c.TotalSpent < 0 || c.Visits < 0 {
		return invalid("totalSpent and visits must not be negative")
	}
	return nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]Customer, error) {
	return s.store.ListCustomers(ctx)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (Customer, error) {
	return s.store.GetCustomer(ctx, id)
}

// UpdateCustomer applies the fields set in u and keeps the rest. Changing
// the email to one another customer holds fails with ErrDuplicateEmail.
func (s *Service) UpdateCustomer(ctx context.Context, id string, u CustomerUpdate) (Customer, error) {
	c, err := s.store.GetCustomer(ctx, id)
	if err != nil {
		return Customer{}, err
	}
	u.apply(&c)
	if err := validateCustomer(c); err != nil {
		return Customer{}, err
	}
	return s.store.UpdateCustomer(ctx, c)
}

func (s *Service) DeleteCustomer(ctx context.Context, id string) error {
	return s.store.DeleteCustomer(ctx, id)
}
