package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/campaign-dispatch/internal/audience"
	"github.com/Cypherspark/campaign-dispatch/internal/core"
	"github.com/Cypherspark/campaign-dispatch/internal/provider"
	"github.com/Cypherspark/campaign-dispatch/internal/provider/providertest"
	"github.com/Cypherspark/campaign-dispatch/internal/worker"
)

var emails atomic.Int64

type harness struct {
	store    *core.MemoryStore
	gw       *providertest.Stub
	receipts *providertest.Manual
	orch     *worker.Orchestrator
	svc      *core.Service
}

func newHarness(t *testing.T, gw *providertest.Stub) *harness {
	return newHarnessCtx(t, context.Background(), gw, worker.Options{BatchSize: 50})
}

func newHarnessCtx(t *testing.T, base context.Context, gw *providertest.Stub, opt worker.Options) *harness {
	t.Helper()
	h := &harness{store: core.NewMemoryStore(), gw: gw, receipts: &providertest.Manual{}}
	gw.Receipts = h.receipts
	h.orch = worker.NewOrchestrator(h.store, gw, opt, nil)
	h.svc = core.NewService(base, h.store, h.orch)
	t.Cleanup(h.svc.Wait)
	return h
}

func num(v float64) *float64 { return &v }

func (h *harness) customers(t *testing.T, spent ...float64) []core.Customer {
	t.Helper()
	out := make([]core.Customer, len(spent))
	for i, v := range spent {
		c, err := h.svc.CreateCustomer(context.Background(), core.Customer{
			Name:       fmt.Sprintf("cust%03d", i),
			Email:      fmt.Sprintf("cust%d@example.com", emails.Add(1)),
			TotalSpent: v,
		})
		require.NoError(t, err)
		out[i] = c
	}
	return out
}

func (h *harness) campaign(t *testing.T, rules ...audience.Rule) core.Campaign {
	t.Helper()
	c, err := h.svc.CreateCampaign(context.Background(), core.NewCampaign{
		Name:    "spring sale",
		Message: "Hi {name}, 10% off!",
		Rules:   rules,
	})
	require.NoError(t, err)
	return c
}

func spentOver(v float64) audience.Rule {
	return audience.Rule{Condition: audience.TotalSpent, Operator: audience.GreaterThan, Value: num(v)}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func (h *harness) flushReceipts(t *testing.T) int {
	t.Helper()
	rs := h.receipts.Drain()
	for _, r := range rs {
		require.NoError(t, h.svc.IngestReceipt(context.Background(), r))
	}
	return len(rs)
}

func TestScenarioA_AllSucceed(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	h.customers(t, repeat(100, 120)...)
	c := h.campaign(t, spentOver(50))
	require.Equal(t, 120, c.AudienceSize)
	require.Equal(t, core.CampaignDraft, c.Status)

	res, err := h.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, 120, res.AudienceSize)
	require.Equal(t, "2 minutes", res.EstimatedDeliveryTime)
	h.svc.Wait()

	batches := h.gw.Batches()
	require.Len(t, batches, 3)
	require.Equal(t, []int{50, 50, 20}, []int{len(batches[0]), len(batches[1]), len(batches[2])})
	require.Equal(t, "Hi cust000, 10% off!", batches[0][0].Body)

	got, err := h.svc.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignCompleted, got.Status)
	require.Equal(t, 120, got.Delivered)
	require.Zero(t, got.Failed)
	require.NotNil(t, got.CompletedAt)

	msgs, err := h.svc.Messages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 120)
	for _, m := range msgs {
		require.Equal(t, core.MessageSent, m.Status)
		require.Equal(t, "Hi {name}, 10% off!", m.Body, "the stored body stays the template")
	}

	require.Equal(t, 120, h.flushReceipts(t))
	st, err := h.svc.Stats(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, core.Stats{Sent: 120, Delivered: 120}, st)

	after, err := h.svc.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, got.CompletedAt, after.CompletedAt)
	require.Equal(t, 120, after.Delivered)
}

func TestScenarioB_EveryThirdFails(t *testing.T) {
	h := newHarness(t, &providertest.Stub{Fail: providertest.FailEvery(3)})
	h.customers(t, repeat(100, 120)...)
	c := h.campaign(t, spentOver(50))

	_, err := h.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)
	h.svc.Wait()

	got, err := h.svc.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignCompleted, got.Status)
	require.Equal(t, 40, got.Failed)
	require.Equal(t, 80, got.Delivered)
	require.LessOrEqual(t, got.Delivered+got.Failed, got.AudienceSize)

	require.Equal(t, 80, h.flushReceipts(t), "failed sends never produce receipts")
	rep, err := h.svc.Report(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, core.Stats{Sent: 80, Failed: 40, Delivered: 80}, rep.Stats)
	require.Equal(t, 120, rep.AudienceSize)
}

func TestScenarioC_UnknownReceipt(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	h.customers(t, 100, 200)
	c := h.campaign(t, spentOver(50))
	_, err := h.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)
	h.svc.Wait()

	before, err := h.svc.Messages(context.Background(), c.ID)
	require.NoError(t, err)

	err = h.svc.IngestReceipt(context.Background(), provider.Receipt{MessageID: "no-such-id", Status: "delivered", Timestamp: time.Now()})
	require.ErrorIs(t, err, core.ErrNotFound)

	after, err := h.svc.Messages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestScenarioD_BetweenSwapsBounds(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	h.customers(t, 4999, 5000, 7500, 10000, 10001)
	rule := audience.Rule{Condition: audience.TotalSpent, Operator: audience.Between, Value: num(10000), Value2: num(5000)}

	p, err := h.svc.PreviewAudience(context.Background(), []audience.Rule{rule})
	require.NoError(t, err)
	require.Equal(t, 3, p.AudienceSize)
	require.Equal(t, "1 minutes", p.EstimatedDeliveryTime)

	c := h.campaign(t, rule)
	res, err := h.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, 3, res.AudienceSize)
}

func TestIngestReceipt_Idempotent(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	h.customers(t, 100, 100, 100)
	c := h.campaign(t, spentOver(50))
	_, err := h.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)
	h.svc.Wait()

	rs := h.receipts.Drain()
	require.Len(t, rs, 3)
	r := rs[0]
	require.NoError(t, h.svc.IngestReceipt(context.Background(), r))
	msgs1, _ := h.svc.Messages(context.Background(), c.ID)
	st1, _ := h.svc.Stats(context.Background(), c.ID)
	camp1, _ := h.svc.GetCampaign(context.Background(), c.ID)

	// same receipt again, then with a later timestamp
	require.NoError(t, h.svc.IngestReceipt(context.Background(), r))
	later := r
	later.Timestamp = r.Timestamp.Add(time.Hour)
	require.NoError(t, h.svc.IngestReceipt(context.Background(), later))

	msgs2, _ := h.svc.Messages(context.Background(), c.ID)
	st2, _ := h.svc.Stats(context.Background(), c.ID)
	camp2, _ := h.svc.GetCampaign(context.Background(), c.ID)
	require.Equal(t, msgs1, msgs2)
	require.Equal(t, st1, st2)
	require.Equal(t, camp1, camp2)
	require.Equal(t, 1, st2.Delivered)

	for _, m := range msgs2 {
		if m.DeliveredAt != nil {
			require.Equal(t, r.Timestamp.UTC(), *m.DeliveredAt)
			require.Equal(t, core.DeliveryDelivered, *m.DeliveryStatus)
			require.Equal(t, core.MessageSent, m.Status)
		}
	}
}

func TestIngestReceipt_Validation(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	for _, r := range []provider.Receipt{
		{Status: "delivered", Timestamp: time.Now()},
		{MessageID: "m", Timestamp: time.Now()},
		{MessageID: "m", Status: "delivered"},
	} {
		require.ErrorIs(t, h.svc.IngestReceipt(context.Background(), r), core.ErrValidation)
	}
}

func TestIngestReceipt_CompletesCampaignWhenRunPathHasNot(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	custs := h.customers(t, 100, 100)
	c := h.campaign(t, spentOver(50))
	ctx := context.Background()

	// materialize without the service so no completion path runs
	_, err := h.store.PrepareRun(ctx, c.ID, c.Message, []string{custs[0].ID, custs[1].ID})
	require.NoError(t, err)
	msgs, err := h.store.ListMessages(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, h.store.MarkSent(ctx, msgs[0].ID, "v-1"))
	require.NoError(t, h.svc.IngestReceipt(ctx, provider.Receipt{MessageID: "v-1", Status: "delivered", Timestamp: time.Now()}))
	got, _ := h.svc.GetCampaign(ctx, c.ID)
	require.Equal(t, core.CampaignActive, got.Status, "a queued message keeps the campaign active")

	require.NoError(t, h.store.MarkFailed(ctx, msgs[1].ID, "vendor: message delivery failed"))
	require.NoError(t, h.svc.IngestReceipt(ctx, provider.Receipt{MessageID: "v-1", Status: "delivered", Timestamp: time.Now()}))
	got, _ = h.svc.GetCampaign(ctx, c.ID)
	require.Equal(t, core.CampaignCompleted, got.Status)
	require.Equal(t, 1, got.Delivered)
	require.Equal(t, 1, got.Failed)

	// a late run finds nothing queued and leaves the settled campaign alone
	n, err := h.orch.Run(ctx, c.ID)
	require.NoError(t, err)
	require.Zero(t, n)
	again, _ := h.svc.GetCampaign(ctx, c.ID)
	require.Equal(t, got, again)
}

func TestStart_RejectsConcurrentRunWithoutChanges(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &providertest.Stub{Gate: gate})
	h.customers(t, 100, 100, 100)
	c := h.campaign(t, spentOver(50))
	ctx := context.Background()

	_, err := h.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.gw.Batches()) == 1 }, time.Second, time.Millisecond)
	before, _ := h.svc.Messages(ctx, c.ID)

	_, err = h.svc.Start(ctx, c.ID)
	require.ErrorIs(t, err, core.ErrConflict)
	require.ErrorIs(t, err, worker.ErrRunInProgress)

	after, _ := h.svc.Messages(ctx, c.ID)
	require.Equal(t, before, after)
	got, _ := h.svc.GetCampaign(ctx, c.ID)
	require.Equal(t, core.CampaignActive, got.Status)

	close(gate)
	h.svc.Wait()
	got, _ = h.svc.GetCampaign(ctx, c.ID)
	require.Equal(t, core.CampaignCompleted, got.Status)
}

func TestStart_RestartPurgesPreviousMessages(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	h.customers(t, 100, 100)
	c := h.campaign(t, spentOver(50))
	ctx := context.Background()

	_, err := h.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	h.svc.Wait()
	first, _ := h.svc.Messages(ctx, c.ID)

	_, err = h.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	h.svc.Wait()
	second, _ := h.svc.Messages(ctx, c.ID)
	require.Len(t, second, 2)
	require.NotEqual(t, first[0].ID, second[0].ID)

	// receipts of the purged messages no longer correlate
	old := *first[0].VendorMessageID
	err = h.svc.IngestReceipt(ctx, provider.Receipt{MessageID: old, Status: "delivered", Timestamp: time.Now()})
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestStart_Errors(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	h.customers(t, 10)
	ctx := context.Background()

	_, err := h.svc.Start(ctx, "missing")
	require.ErrorIs(t, err, core.ErrNotFound)

	c := h.campaign(t, spentOver(1000))
	_, err = h.svc.Start(ctx, c.ID)
	require.ErrorIs(t, err, core.ErrNoAudience)
	require.ErrorIs(t, err, core.ErrValidation)
	require.False(t, h.orch.Running(c.ID), "a rejected start gives the run slot back")
	got, _ := h.svc.GetCampaign(ctx, c.ID)
	require.Equal(t, core.CampaignDraft, got.Status)

	empty := h.campaign(t)
	_, err = h.svc.Start(ctx, empty.ID)
	require.ErrorIs(t, err, core.ErrNoAudience)

	bad, err := h.store.CreateCampaign(ctx, core.Campaign{
		Name: "bad", Message: "x",
		Rules: []audience.Rule{{Condition: "age", Operator: audience.GreaterThan, Value: num(1)}},
	})
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, bad.ID)
	require.ErrorIs(t, err, core.ErrValidation)
	var re *audience.RuleError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "condition", re.Field)
}

type failingStore struct{ *core.MemoryStore }

func (failingStore) MarkSent(context.Context, string, string) error {
	return errors.New("connection refused")
}

func TestRunFailure_MarksCampaignFailed(t *testing.T) {
	store := core.NewMemoryStore()
	orch := worker.NewOrchestrator(failingStore{store}, &providertest.Stub{}, worker.Options{BatchSize: 50}, nil)
	svc := core.NewService(context.Background(), store, orch)
	ctx := context.Background()

	_, err := svc.CreateCustomer(ctx, core.Customer{Name: "Ann", Email: "ann@example.com", TotalSpent: 100})
	require.NoError(t, err)
	c, err := svc.CreateCampaign(ctx, core.NewCampaign{Name: "n", Message: "m", Rules: []audience.Rule{spentOver(1)}})
	require.NoError(t, err)

	_, err = svc.Start(ctx, c.ID)
	require.NoError(t, err)
	svc.Wait()

	got, err := svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Contains(t, *got.Error, "connection refused")
	require.False(t, orch.Running(c.ID))
}

func TestResume_RelaunchesActiveCampaigns(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	custs := h.customers(t, 100, 100, 100)
	c := h.campaign(t, spentOver(50))
	ctx := context.Background()

	_, err := h.store.PrepareRun(ctx, c.ID, c.Message, []string{custs[0].ID, custs[1].ID, custs[2].ID})
	require.NoError(t, err)

	n, err := h.svc.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	h.svc.Wait()

	got, _ := h.svc.GetCampaign(ctx, c.ID)
	require.Equal(t, core.CampaignCompleted, got.Status)
	require.Equal(t, 3, got.Delivered)

	n, err = h.svc.Resume(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestShutdown_LeavesInterruptedRunActive(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	h := newHarnessCtx(t, base, &providertest.Stub{}, worker.Options{BatchSize: 2, BatchDelay: time.Hour})
	h.customers(t, 100, 100, 100, 100, 100)
	c := h.campaign(t, spentOver(50))

	_, err := h.svc.Start(context.Background(), c.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.gw.Batches()) == 1 }, time.Second, time.Millisecond)
	cancel()
	h.svc.Wait()

	got, _ := h.svc.GetCampaign(context.Background(), c.ID)
	require.Equal(t, core.CampaignActive, got.Status)
	ids, err := h.store.ResumableCampaigns(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{c.ID}, ids)
}

func TestCreateCampaign_Validation(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	ctx := context.Background()

	_, err := h.svc.CreateCampaign(ctx, core.NewCampaign{Message: "m"})
	require.ErrorIs(t, err, core.ErrValidation)
	_, err = h.svc.CreateCampaign(ctx, core.NewCampaign{Name: "n"})
	require.ErrorIs(t, err, core.ErrValidation)
	_, err = h.svc.CreateCampaign(ctx, core.NewCampaign{
		Name: "n", Message: "m",
		Rules: []audience.Rule{{Condition: audience.Visits, Operator: audience.Between, Value: num(1)}},
	})
	require.ErrorIs(t, err, core.ErrValidation)
	require.ErrorIs(t, err, audience.ErrInvalidRule)
}

func TestCreateCustomer_DuplicateEmail(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	ctx := context.Background()
	_, err := h.svc.CreateCustomer(ctx, core.Customer{Name: "Ann", Email: "ann@example.com"})
	require.NoError(t, err)
	_, err = h.svc.CreateCustomer(ctx, core.Customer{Name: "Ann B", Email: "ANN@example.com"})
	require.ErrorIs(t, err, core.ErrDuplicateEmail)
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestLastVisitIsMeasuredInDays(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := core.NewMemoryStore()
	svc := core.NewService(context.Background(), store, nil, core.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i, days := range []int{3, 45, 90} {
		lv := now.Add(-time.Duration(days) * 24 * time.Hour)
		_, err := svc.CreateCustomer(ctx, core.Customer{Name: "c", Email: fmt.Sprintf("lv%d@example.com", i), LastVisit: &lv})
		require.NoError(t, err)
	}
	_, err := svc.CreateCustomer(ctx, core.Customer{Name: "never", Email: "never@example.com"})
	require.NoError(t, err)

	p, err := svc.PreviewAudience(ctx, []audience.Rule{{Condition: audience.LastVisit, Operator: audience.GreaterThan, Value: num(30)}})
	require.NoError(t, err)
	require.Equal(t, 2, p.AudienceSize)

	p, err = svc.PreviewAudience(ctx, []audience.Rule{{Condition: audience.LastVisit, Operator: audience.LessThan, Value: num(1000)}})
	require.NoError(t, err)
	require.Equal(t, 3, p.AudienceSize, "customers who never visited do not match")
}

func TestStats_UnknownCampaign(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	_, err := h.svc.Stats(context.Background(), "nope")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryStore_CampaignReadsDoNotAlias(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	ctx := context.Background()
	c := h.campaign(t, spentOver(100))

	got, err := h.svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	got.Rules[0].Operator = audience.LessThan
	*got.Rules[0].Value = 1

	listed, err := h.svc.ListCampaigns(ctx)
	require.NoError(t, err)
	listed[0].Rules[0] = audience.Rule{}

	again, err := h.svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, audience.GreaterThan, again.Rules[0].Operator)
	require.Equal(t, 100.0, *again.Rules[0].Value)
}

func TestCustomerCRUD(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	ctx := context.Background()
	ann, err := h.svc.CreateCustomer(ctx, core.Customer{Name: "Ann", Email: "crud-ann@example.com", TotalSpent: 10})
	require.NoError(t, err)
	_, err = h.svc.CreateCustomer(ctx, core.Customer{Name: "Bob", Email: "crud-bob@example.com"})
	require.NoError(t, err)

	got, err := h.svc.GetCustomer(ctx, ann.ID)
	require.NoError(t, err)
	require.Equal(t, ann, got)

	name, spent := "Ann B", 250.0
	lv := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	updated, err := h.svc.UpdateCustomer(ctx, ann.ID, core.CustomerUpdate{Name: &name, TotalSpent: &spent, LastVisit: &lv})
	require.NoError(t, err)
	require.Equal(t, "Ann B", updated.Name)
	require.Equal(t, "crud-ann@example.com", updated.Email, "unset fields are kept")
	require.Equal(t, 250.0, updated.TotalSpent)
	require.Equal(t, lv, *updated.LastVisit)
	require.Equal(t, ann.CreatedAt, updated.CreatedAt)

	taken := "CRUD-BOB@example.com"
	_, err = h.svc.UpdateCustomer(ctx, ann.ID, core.CustomerUpdate{Email: &taken})
	require.ErrorIs(t, err, core.ErrDuplicateEmail)
	same := "crud-ann@example.com"
	_, err = h.svc.UpdateCustomer(ctx, ann.ID, core.CustomerUpdate{Email: &same})
	require.NoError(t, err, "keeping one's own email is not a duplicate")
	blank := " "
	_, err = h.svc.UpdateCustomer(ctx, ann.ID, core.CustomerUpdate{Name: &blank})
	require.ErrorIs(t, err, core.ErrValidation)

	require.NoError(t, h.svc.DeleteCustomer(ctx, ann.ID))
	_, err = h.svc.GetCustomer(ctx, ann.ID)
	require.ErrorIs(t, err, core.ErrNotFound)
	require.ErrorIs(t, h.svc.DeleteCustomer(ctx, ann.ID), core.ErrNotFound)
	_, err = h.svc.UpdateCustomer(ctx, ann.ID, core.CustomerUpdate{Name: &name})
	require.ErrorIs(t, err, core.ErrNotFound)

	all, err := h.svc.ListCustomers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestDeleteCustomer_DropsItsMessages(t *testing.T) {
	h := newHarness(t, &providertest.Stub{})
	ctx := context.Background()
	cs := h.customers(t, 200, 300)
	c := h.campaign(t, spentOver(100))
	_, err := h.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	h.svc.Wait()

	require.NoError(t, h.svc.DeleteCustomer(ctx, cs[0].ID))
	msgs, err := h.svc.Messages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, cs[1].ID, msgs[0].CustomerID)
}
