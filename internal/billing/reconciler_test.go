// AngelaMos | 2026
// reconciler_test.go

package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secpilot/backend/internal/core"
)

type fakeRepo struct {
	records     map[string]*SubscriptionRecord
	deadLetters []DeadLetter
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*SubscriptionRecord)}
}

func (r *fakeRepo) ProvisionFree(
	_ context.Context,
	accountID string,
	spec PlanSpec,
) error {
	if _, ok := r.records[accountID]; ok {
		return nil
	}
	r.records[accountID] = &SubscriptionRecord{
		AccountID:      accountID,
		PlanName:       string(spec.Name),
		Status:         StatusActive,
		Seats:          spec.Seats,
		PricePerSeat:   spec.PricePerSeat,
		TotalPrice:     spec.TotalPrice(),
		AnalysisAmount: spec.AnalysisQuota,
		AnalysisUsed:   0,
		EmailsLeft:     spec.AnalysisQuota,
	}
	return nil
}

func (r *fakeRepo) GetByAccountID(
	_ context.Context,
	accountID string,
) (*SubscriptionRecord, error) {
	rec, ok := r.records[accountID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRepo) GetByCustomerID(
	_ context.Context,
	customerID string,
) (*SubscriptionRecord, error) {
	for _, rec := range r.records {
		if rec.CustomerID != nil && *rec.CustomerID == customerID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound
}

func (r *fakeRepo) SetCustomerID(
	_ context.Context,
	accountID, customerID string,
) error {
	rec, ok := r.records[accountID]
	if !ok {
		return core.ErrNotFound
	}
	rec.CustomerID = &customerID
	return nil
}

func (r *fakeRepo) ApplyMirror(
	_ context.Context,
	accountID string,
	m Mirror,
) error {
	rec, ok := r.records[accountID]
	if !ok {
		return core.ErrNotFound
	}
	rec.PlanName = string(m.Plan)
	rec.Status = m.Status
	rec.SubscriptionID = m.SubscriptionID
	rec.CurrentPeriodStart = m.CurrentPeriodStart
	rec.CurrentPeriodEnd = m.CurrentPeriodEnd
	rec.CancelAtPeriodEnd = m.CancelAtPeriodEnd
	rec.Seats = m.Seats
	rec.PricePerSeat = m.PricePerSeat
	rec.TotalPrice = m.TotalPrice
	rec.AnalysisAmount = m.AnalysisAmount
	if m.ResetUsage {
		rec.AnalysisUsed = 0
		rec.EmailsLeft = m.AnalysisAmount
	}
	if m.ClearSchedule {
		rec.ScheduleID = nil
		rec.ScheduledPlanChange = nil
		rec.ScheduledChangeDate = nil
	}
	return nil
}

func (r *fakeRepo) SetStatus(
	_ context.Context,
	accountID, status string,
) error {
	rec, ok := r.records[accountID]
	if !ok {
		return core.ErrNotFound
	}
	rec.Status = status
	return nil
}

func (r *fakeRepo) ResetUsage(
	_ context.Context,
	accountID string,
	quota int,
) error {
	rec, ok := r.records[accountID]
	if !ok {
		return core.ErrNotFound
	}
	rec.AnalysisUsed = 0
	rec.EmailsLeft = quota
	return nil
}

func (r *fakeRepo) SetScheduledChange(
	_ context.Context,
	accountID, plan, scheduleID string,
	changeDate time.Time,
) error {
	rec, ok := r.records[accountID]
	if !ok {
		return core.ErrNotFound
	}
	rec.ScheduledPlanChange = &plan
	rec.ScheduledChangeDate = &changeDate
	rec.ScheduleID = &scheduleID
	return nil
}

func (r *fakeRepo) InsertDeadLetter(
	_ context.Context,
	dl *DeadLetter,
) error {
	r.deadLetters = append(r.deadLetters, *dl)
	return nil
}

func (r *fakeRepo) ListDeadLetters(
	_ context.Context,
	_ int,
) ([]DeadLetter, error) {
	return r.deadLetters, nil
}

type fakeProvider struct {
	emailByCustomer map[string]string
	customerByEmail map[string]string
	subsByCustomer  map[string][]ProviderSubscription
	subByID         map[string]*ProviderSubscription
	scheduleBySub   map[string]*ProviderSchedule

	released      []string
	createdFrom   []string
	updatedPhases map[string][]SchedulePhase
	scheduleSeq   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		emailByCustomer: make(map[string]string),
		customerByEmail: make(map[string]string),
		subsByCustomer:  make(map[string][]ProviderSubscription),
		subByID:         make(map[string]*ProviderSubscription),
		scheduleBySub:   make(map[string]*ProviderSchedule),
		updatedPhases:   make(map[string][]SchedulePhase),
	}
}

func (p *fakeProvider) CustomerEmail(
	_ context.Context,
	customerID string,
) (string, error) {
	return p.emailByCustomer[customerID], nil
}

func (p *fakeProvider) FindCustomerByEmail(
	_ context.Context,
	email string,
) (string, error) {
	id, ok := p.customerByEmail[email]
	if !ok {
		return "", ErrCustomerNotFound
	}
	return id, nil
}

func (p *fakeProvider) ListSubscriptions(
	_ context.Context,
	customerID string,
	_ int,
) ([]ProviderSubscription, error) {
	return p.subsByCustomer[customerID], nil
}

func (p *fakeProvider) GetSubscription(
	_ context.Context,
	subscriptionID string,
) (*ProviderSubscription, error) {
	sub, ok := p.subByID[subscriptionID]
	if !ok {
		return nil, providerErr(
			"retrieve subscription",
			fmt.Errorf("no such subscription %s", subscriptionID),
		)
	}
	cp := *sub
	return &cp, nil
}

func (p *fakeProvider) FindScheduleForSubscription(
	_ context.Context,
	subscriptionID string,
) (*ProviderSchedule, error) {
	sched, ok := p.scheduleBySub[subscriptionID]
	if !ok {
		return nil, nil
	}
	cp := *sched
	return &cp, nil
}

func (p *fakeProvider) CreateScheduleFromSubscription(
	_ context.Context,
	subscriptionID string,
) (*ProviderSchedule, error) {
	p.createdFrom = append(p.createdFrom, subscriptionID)
	p.scheduleSeq++

	sub := p.subByID[subscriptionID]
	sched := &ProviderSchedule{
		ID:             fmt.Sprintf("sched_%d", p.scheduleSeq),
		SubscriptionID: subscriptionID,
		Phases: []SchedulePhase{
			{
				PriceID: sub.PriceID,
				Start:   sub.CurrentPeriodStart,
				End:     sub.CurrentPeriodEnd,
			},
		},
	}
	p.scheduleBySub[subscriptionID] = sched
	return sched, nil
}

func (p *fakeProvider) UpdateSchedulePhases(
	_ context.Context,
	scheduleID string,
	phases []SchedulePhase,
) (*ProviderSchedule, error) {
	p.updatedPhases[scheduleID] = phases
	return &ProviderSchedule{ID: scheduleID, Phases: phases}, nil
}

func (p *fakeProvider) ReleaseSchedule(
	_ context.Context,
	scheduleID string,
) error {
	p.released = append(p.released, scheduleID)
	for subID, sched := range p.scheduleBySub {
		if sched.ID == scheduleID {
			delete(p.scheduleBySub, subID)
		}
	}
	return nil
}

type fakeDirectory struct {
	idByEmail map[string]string
	emailByID map[string]string
}

func (d *fakeDirectory) FindIDByBillingEmail(
	_ context.Context,
	email string,
) (string, error) {
	id, ok := d.idByEmail[email]
	if !ok {
		return "", core.ErrNotFound
	}
	return id, nil
}

func (d *fakeDirectory) BillingEmail(
	_ context.Context,
	accountID string,
) (string, error) {
	email, ok := d.emailByID[accountID]
	if !ok {
		return "", core.ErrNotFound
	}
	return email, nil
}

type inlineLocker struct {
	acquired int
}

func (l *inlineLocker) WithLock(
	ctx context.Context,
	_ string,
	fn func(ctx context.Context) error,
) error {
	l.acquired++
	return fn(ctx)
}

type engineFixture struct {
	engine   *Engine
	repo     *fakeRepo
	provider *fakeProvider
	dir      *fakeDirectory
	locker   *inlineLocker
	now      time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	f := &engineFixture{
		repo:     newFakeRepo(),
		provider: newFakeProvider(),
		dir: &fakeDirectory{
			idByEmail: make(map[string]string),
			emailByID: make(map[string]string),
		},
		locker: &inlineLocker{},
		now:    time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = NewEngine(
		f.repo,
		f.dir,
		f.provider,
		NewCatalog(nil),
		f.locker,
		logger,
		10,
	)
	f.engine.now = func() time.Time { return f.now }

	return f
}

func (f *engineFixture) addRecord(rec *SubscriptionRecord) {
	f.repo.records[rec.AccountID] = rec
}

func strPtr(s string) *string { return &s }

func freeRecord(accountID string) *SubscriptionRecord {
	return &SubscriptionRecord{
		AccountID:      accountID,
		PlanName:       string(PlanFree),
		Status:         StatusActive,
		Seats:          1,
		AnalysisAmount: 5,
		AnalysisUsed:   0,
		EmailsLeft:     5,
	}
}

func soloEvent(customerID string, periodEnd time.Time) ProviderSubscription {
	return ProviderSubscription{
		ID:                 "sub_1",
		CustomerID:         customerID,
		PriceID:            "price_solo_monthly",
		Status:             StatusActive,
		CurrentPeriodStart: periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:   periodEnd,
	}
}

func TestApplySubscriptionEvent_FreeToSolo(t *testing.T) {
	f := newEngineFixture(t)

	rec := freeRecord("acct-1")
	rec.CustomerID = strPtr("cus_1")
	f.addRecord(rec)

	periodEnd := f.now.AddDate(0, 1, 0)
	err := f.engine.ApplySubscriptionEvent(
		context.Background(),
		soloEvent("cus_1", periodEnd),
	)
	require.NoError(t, err)

	got := f.repo.records["acct-1"]
	assert.Equal(t, string(PlanSolo), got.PlanName)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 10, got.AnalysisAmount)
	assert.Equal(t, 0, got.AnalysisUsed)
	assert.Equal(t, 10, got.EmailsLeft)
	require.NotNil(t, got.SubscriptionID)
	assert.Equal(t, "sub_1", *got.SubscriptionID)
	assert.Equal(t, 1, f.locker.acquired)
}

func TestApplySubscriptionEvent_Idempotent(t *testing.T) {
	f := newEngineFixture(t)

	rec := freeRecord("acct-1")
	rec.CustomerID = strPtr("cus_1")
	f.addRecord(rec)

	event := soloEvent("cus_1", f.now.AddDate(0, 1, 0))

	require.NoError(
		t,
		f.engine.ApplySubscriptionEvent(context.Background(), event),
	)
	first := *f.repo.records["acct-1"]

	require.NoError(
		t,
		f.engine.ApplySubscriptionEvent(context.Background(), event),
	)
	second := *f.repo.records["acct-1"]

	assert.Equal(t, first, second)
}

func TestApplySubscriptionEvent_MetadataOnlyPreservesUsage(t *testing.T) {
	f := newEngineFixture(t)

	f.addRecord(&SubscriptionRecord{
		AccountID:      "acct-1",
		PlanName:       string(PlanTeam),
		Status:         StatusActive,
		CustomerID:     strPtr("cus_1"),
		SubscriptionID: strPtr("sub_1"),
		Seats:          10,
		AnalysisAmount: 100,
		AnalysisUsed:   40,
		EmailsLeft:     60,
	})

	event := ProviderSubscription{
		ID:                 "sub_1",
		CustomerID:         "cus_1",
		PriceID:            "price_team_monthly",
		Status:             StatusActive,
		CurrentPeriodStart: f.now.AddDate(0, -1, 0),
		CurrentPeriodEnd:   f.now.AddDate(0, 1, 0),
	}

	require.NoError(
		t,
		f.engine.ApplySubscriptionEvent(context.Background(), event),
	)

	got := f.repo.records["acct-1"]
	assert.Equal(t, string(PlanTeam), got.PlanName)
	assert.Equal(t, 40, got.AnalysisUsed)
	assert.Equal(t, 60, got.EmailsLeft)
}

func TestApplySubscriptionEvent_PaidUpgradeResetsUsage(t *testing.T) {
	f := newEngineFixture(t)

	f.addRecord(&SubscriptionRecord{
		AccountID:      "acct-1",
		PlanName:       string(PlanSolo),
		Status:         StatusActive,
		CustomerID:     strPtr("cus_1"),
		SubscriptionID: strPtr("sub_1"),
		AnalysisAmount: 10,
		AnalysisUsed:   7,
		EmailsLeft:     3,
	})

	event := ProviderSubscription{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		PriceID:          "price_team_monthly",
		Status:           StatusActive,
		CurrentPeriodEnd: f.now.AddDate(0, 1, 0),
	}

	require.NoError(
		t,
		f.engine.ApplySubscriptionEvent(context.Background(), event),
	)

	got := f.repo.records["acct-1"]
	assert.Equal(t, string(PlanTeam), got.PlanName)
	assert.Equal(t, 0, got.AnalysisUsed)
	assert.Equal(t, 100, got.EmailsLeft)
}

func TestApplySubscriptionEvent_EmailFallbackAdoptsCustomer(t *testing.T) {
	f := newEngineFixture(t)

	f.addRecord(freeRecord("acct-1"))
	f.provider.emailByCustomer["cus_new"] = "owner@example.com"
	f.dir.idByEmail["owner@example.com"] = "acct-1"

	err := f.engine.ApplySubscriptionEvent(
		context.Background(),
		soloEvent("cus_new", f.now.AddDate(0, 1, 0)),
	)
	require.NoError(t, err)

	got := f.repo.records["acct-1"]
	require.NotNil(t, got.CustomerID)
	assert.Equal(t, "cus_new", *got.CustomerID)
	assert.Equal(t, string(PlanSolo), got.PlanName)
}

func TestApplySubscriptionEvent_Unresolvable(t *testing.T) {
	f := newEngineFixture(t)

	f.provider.emailByCustomer["cus_ghost"] = "nobody@example.com"

	err := f.engine.ApplySubscriptionEvent(
		context.Background(),
		soloEvent("cus_ghost", f.now.AddDate(0, 1, 0)),
	)
	assert.ErrorIs(t, err, ErrAccountUnresolved)
}

func TestApplySubscriptionEvent_AlreadyLinkedElsewhere(t *testing.T) {
	f := newEngineFixture(t)

	rec := freeRecord("acct-1")
	rec.CustomerID = strPtr("cus_old")
	f.addRecord(rec)
	f.provider.emailByCustomer["cus_other"] = "owner@example.com"
	f.dir.idByEmail["owner@example.com"] = "acct-1"

	err := f.engine.ApplySubscriptionEvent(
		context.Background(),
		soloEvent("cus_other", f.now.AddDate(0, 1, 0)),
	)
	assert.ErrorIs(t, err, ErrAccountUnresolved)
}

func TestApplySubscriptionDeleted_RevertsToFree(t *testing.T) {
	f := newEngineFixture(t)

	f.addRecord(&SubscriptionRecord{
		AccountID:           "acct-1",
		PlanName:            string(PlanTeam),
		Status:              StatusActive,
		CustomerID:          strPtr("cus_1"),
		SubscriptionID:      strPtr("sub_1"),
		ScheduleID:          strPtr("sched_1"),
		ScheduledPlanChange: strPtr(string(PlanSolo)),
		AnalysisAmount:      100,
		AnalysisUsed:        80,
		EmailsLeft:          20,
	})

	err := f.engine.ApplySubscriptionDeleted(
		context.Background(),
		ProviderSubscription{ID: "sub_1", CustomerID: "cus_1"},
	)
	require.NoError(t, err)

	got := f.repo.records["acct-1"]
	assert.Equal(t, string(PlanFree), got.PlanName)
	assert.Equal(t, StatusActive, got.Status)
	assert.Nil(t, got.SubscriptionID)
	assert.Nil(t, got.ScheduleID)
	assert.Nil(t, got.ScheduledPlanChange)
	assert.Equal(t, 5, got.AnalysisAmount)
	assert.Equal(t, 0, got.AnalysisUsed)
	assert.Equal(t, 5, got.EmailsLeft)
	// linkage to the customer survives for future checkouts
	require.NotNil(t, got.CustomerID)
}

func TestPullAndReconcile_NoSubscriptions(t *testing.T) {
	f := newEngineFixture(t)

	rec := freeRecord("acct-1")
	rec.PlanName = string(PlanTeam)
	rec.CustomerID = strPtr("cus_1")
	rec.SubscriptionID = strPtr("sub_gone")
	rec.AnalysisUsed = 12
	f.addRecord(rec)

	result, err := f.engine.PullAndReconcile(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "free", result.Status)

	got := f.repo.records["acct-1"]
	assert.Equal(t, string(PlanFree), got.PlanName)
	assert.Equal(t, 5, got.AnalysisAmount)
	assert.Equal(t, 0, got.AnalysisUsed)
	assert.Equal(t, 5, got.EmailsLeft)
	assert.Nil(t, got.SubscriptionID)
}

func TestPullAndReconcile_ActivePaidPlan(t *testing.T) {
	f := newEngineFixture(t)

	rec := freeRecord("acct-1")
	rec.CustomerID = strPtr("cus_1")
	rec.AnalysisUsed = 2
	rec.EmailsLeft = 3
	f.addRecord(rec)

	f.provider.subsByCustomer["cus_1"] = []ProviderSubscription{
		{
			ID:                 "sub_1",
			CustomerID:         "cus_1",
			PriceID:            "price_entrepreneur_monthly",
			Status:             StatusActive,
			CurrentPeriodStart: f.now.AddDate(0, -1, 0),
			CurrentPeriodEnd:   f.now.AddDate(0, 1, 0),
		},
	}

	result, err := f.engine.PullAndReconcile(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "active", result.Status)
	assert.Equal(t, string(PlanEntrepreneur), result.PlanName)
	assert.Equal(t, StatusActive, result.ProviderStatus)

	got := f.repo.records["acct-1"]
	assert.Equal(t, string(PlanEntrepreneur), got.PlanName)
	assert.Equal(t, 30, got.AnalysisAmount)
	// manual sync never applies the upgrade heuristic
	assert.Equal(t, 2, got.AnalysisUsed)
	assert.Equal(t, 3, got.EmailsLeft)
}

func TestPullAndReconcile_CancelAtPeriodEndFuture(t *testing.T) {
	f := newEngineFixture(t)

	rec := freeRecord("acct-1")
	rec.CustomerID = strPtr("cus_1")
	f.addRecord(rec)

	f.provider.subsByCustomer["cus_1"] = []ProviderSubscription{
		{
			ID:                "sub_1",
			CustomerID:        "cus_1",
			PriceID:           "price_solo_monthly",
			Status:            StatusActive,
			CancelAtPeriodEnd: true,
			CurrentPeriodEnd:  f.now.Add(48 * time.Hour),
		},
	}

	result, err := f.engine.PullAndReconcile(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "active", result.Status)
	assert.Equal(t, string(PlanSolo), result.PlanName)
}

func TestPullAndReconcile_CancelAtPeriodEndPast(t *testing.T) {
	f := newEngineFixture(t)

	rec := freeRecord("acct-1")
	rec.PlanName = string(PlanSolo)
	rec.CustomerID = strPtr("cus_1")
	rec.SubscriptionID = strPtr("sub_1")
	f.addRecord(rec)

	f.provider.subsByCustomer["cus_1"] = []ProviderSubscription{
		{
			ID:                "sub_1",
			CustomerID:        "cus_1",
			PriceID:           "price_solo_monthly",
			Status:            StatusActive,
			CancelAtPeriodEnd: true,
			CurrentPeriodEnd:  f.now.Add(-time.Hour),
		},
	}

	result, err := f.engine.PullAndReconcile(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "free", result.Status)

	got := f.repo.records["acct-1"]
	assert.Equal(t, string(PlanFree), got.PlanName)
	assert.Nil(t, got.SubscriptionID)
}

func TestPullAndReconcile_LapsedStatuses(t *testing.T) {
	for _, status := range []string{
		StatusCanceled,
		StatusIncompleteExpired,
		StatusPastDue,
	} {
		t.Run(status, func(t *testing.T) {
			f := newEngineFixture(t)

			rec := freeRecord("acct-1")
			rec.PlanName = string(PlanTeam)
			rec.CustomerID = strPtr("cus_1")
			f.addRecord(rec)

			f.provider.subsByCustomer["cus_1"] = []ProviderSubscription{
				{
					ID:         "sub_1",
					CustomerID: "cus_1",
					PriceID:    "price_team_monthly",
					Status:     status,
				},
			}

			result, err := f.engine.PullAndReconcile(
				context.Background(),
				"acct-1",
			)
			require.NoError(t, err)
			assert.Equal(t, "free", result.Status)
			assert.Equal(t, status, result.ProviderStatus)
			assert.Equal(
				t,
				string(PlanFree),
				f.repo.records["acct-1"].PlanName,
			)
		})
	}
}

func TestPullAndReconcile_UnknownPlan(t *testing.T) {
	f := newEngineFixture(t)

	rec := freeRecord("acct-1")
	rec.CustomerID = strPtr("cus_1")
	f.addRecord(rec)

	f.provider.subsByCustomer["cus_1"] = []ProviderSubscription{
		{
			ID:               "sub_1",
			CustomerID:       "cus_1",
			PriceID:          "price_not_in_catalog",
			Status:           StatusActive,
			CurrentPeriodEnd: f.now.AddDate(0, 1, 0),
		},
	}

	_, err := f.engine.PullAndReconcile(context.Background(), "acct-1")
	assert.ErrorIs(t, err, ErrUnknownPlan)

	// nothing written: the record keeps its previous plan
	assert.Equal(t, string(PlanFree), f.repo.records["acct-1"].PlanName)
}

func TestPullAndReconcile_RecoversCustomerByEmail(t *testing.T) {
	f := newEngineFixture(t)

	f.addRecord(freeRecord("acct-1"))
	f.dir.emailByID["acct-1"] = "owner@example.com"
	f.provider.customerByEmail["owner@example.com"] = "cus_found"

	result, err := f.engine.PullAndReconcile(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "free", result.Status)

	got := f.repo.records["acct-1"]
	require.NotNil(t, got.CustomerID)
	assert.Equal(t, "cus_found", *got.CustomerID)
}

func TestPullAndReconcile_CustomerNotFound(t *testing.T) {
	f := newEngineFixture(t)

	f.addRecord(freeRecord("acct-1"))
	f.dir.emailByID["acct-1"] = "owner@example.com"

	_, err := f.engine.PullAndReconcile(context.Background(), "acct-1")
	assert.ErrorIs(t, err, ErrCustomerNotFound)
}

func TestPullAndReconcile_MissingRecord(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.PullAndReconcile(context.Background(), "acct-none")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func downgradeFixture(t *testing.T) (*engineFixture, time.Time) {
	t.Helper()

	f := newEngineFixture(t)
	periodStart := f.now.AddDate(0, -1, 0)
	periodEnd := f.now.AddDate(0, 1, 0)

	f.addRecord(&SubscriptionRecord{
		AccountID:      "acct-1",
		PlanName:       string(PlanTeam),
		Status:         StatusActive,
		CustomerID:     strPtr("cus_1"),
		SubscriptionID: strPtr("sub_1"),
		AnalysisAmount: 100,
		AnalysisUsed:   40,
		EmailsLeft:     60,
	})

	f.provider.subByID["sub_1"] = &ProviderSubscription{
		ID:                 "sub_1",
		CustomerID:         "cus_1",
		PriceID:            "price_team_monthly",
		Status:             StatusActive,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
	}

	return f, periodEnd
}

func TestScheduleDowngrade_NoPriorSchedule(t *testing.T) {
	f, periodEnd := downgradeFixture(t)

	change, err := f.engine.ScheduleDowngrade(
		context.Background(),
		"acct-1",
		"price_solo_monthly",
	)
	require.NoError(t, err)

	assert.Equal(t, PlanSolo, change.NewPlan)
	assert.Equal(t, periodEnd, change.EffectiveDate)
	assert.Equal(t, []string{"sub_1"}, f.provider.createdFrom)
	assert.Empty(t, f.provider.released)

	phases := f.provider.updatedPhases[change.ScheduleID]
	require.Len(t, phases, 2)
	assert.Equal(t, "price_team_monthly", phases[0].PriceID)
	assert.Equal(t, periodEnd, phases[0].End)
	assert.Equal(t, "price_solo_monthly", phases[1].PriceID)
	assert.Equal(t, periodEnd, phases[1].Start)
	assert.True(t, phases[1].End.IsZero())

	got := f.repo.records["acct-1"]
	require.NotNil(t, got.ScheduledPlanChange)
	assert.Equal(t, string(PlanSolo), *got.ScheduledPlanChange)
	require.NotNil(t, got.ScheduledChangeDate)
	assert.Equal(t, periodEnd, *got.ScheduledChangeDate)
	require.NotNil(t, got.ScheduleID)
	assert.Equal(t, change.ScheduleID, *got.ScheduleID)

	// additive metadata only: plan and usage untouched
	assert.Equal(t, string(PlanTeam), got.PlanName)
	assert.Equal(t, 40, got.AnalysisUsed)
	assert.Equal(t, 60, got.EmailsLeft)
}

func TestScheduleDowngrade_ExistingUnstartedSchedule(t *testing.T) {
	f, periodEnd := downgradeFixture(t)

	f.provider.scheduleBySub["sub_1"] = &ProviderSchedule{
		ID:                "sched_existing",
		SubscriptionID:    "sub_1",
		CurrentPhaseStart: f.now.Add(24 * time.Hour),
	}

	change, err := f.engine.ScheduleDowngrade(
		context.Background(),
		"acct-1",
		"price_solo_monthly",
	)
	require.NoError(t, err)

	assert.Equal(t, "sched_existing", change.ScheduleID)
	assert.Empty(t, f.provider.released)
	assert.Empty(t, f.provider.createdFrom)

	phases := f.provider.updatedPhases["sched_existing"]
	require.Len(t, phases, 2)
	assert.Equal(t, "price_team_monthly", phases[0].PriceID)
	assert.Equal(t, f.now, phases[0].Start)
	assert.Equal(t, periodEnd, phases[0].End)
	assert.Equal(t, "price_solo_monthly", phases[1].PriceID)
	assert.Equal(t, periodEnd, phases[1].Start)
}

func TestScheduleDowngrade_ExistingStartedSchedule(t *testing.T) {
	f, periodEnd := downgradeFixture(t)

	f.provider.scheduleBySub["sub_1"] = &ProviderSchedule{
		ID:                "sched_started",
		SubscriptionID:    "sub_1",
		CurrentPhaseStart: f.now.Add(-24 * time.Hour),
	}

	change, err := f.engine.ScheduleDowngrade(
		context.Background(),
		"acct-1",
		"price_solo_monthly",
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"sched_started"}, f.provider.released)
	assert.Equal(t, []string{"sub_1"}, f.provider.createdFrom)
	assert.NotEqual(t, "sched_started", change.ScheduleID)

	phases := f.provider.updatedPhases[change.ScheduleID]
	require.Len(t, phases, 2)
	assert.Equal(t, "price_solo_monthly", phases[1].PriceID)
	assert.Equal(t, periodEnd, phases[1].Start)
}

func TestScheduleDowngrade_UnknownPrice(t *testing.T) {
	f, _ := downgradeFixture(t)

	_, err := f.engine.ScheduleDowngrade(
		context.Background(),
		"acct-1",
		"price_bogus",
	)
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestScheduleDowngrade_NoPaidSubscription(t *testing.T) {
	f := newEngineFixture(t)
	f.addRecord(freeRecord("acct-1"))

	_, err := f.engine.ScheduleDowngrade(
		context.Background(),
		"acct-1",
		"price_solo_monthly",
	)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestApplyInvoicePaid_RenewalResetsUsage(t *testing.T) {
	f := newEngineFixture(t)

	f.addRecord(&SubscriptionRecord{
		AccountID:      "acct-1",
		PlanName:       string(PlanSolo),
		Status:         StatusPastDue,
		CustomerID:     strPtr("cus_1"),
		AnalysisAmount: 10,
		AnalysisUsed:   9,
		EmailsLeft:     1,
	})

	err := f.engine.ApplyInvoicePaid(
		context.Background(),
		"cus_1",
		"subscription_cycle",
	)
	require.NoError(t, err)

	got := f.repo.records["acct-1"]
	assert.Equal(t, 0, got.AnalysisUsed)
	assert.Equal(t, 10, got.EmailsLeft)
	assert.Equal(t, StatusActive, got.Status)
}

func TestApplyInvoicePaid_NonRenewalIgnored(t *testing.T) {
	f := newEngineFixture(t)

	f.addRecord(&SubscriptionRecord{
		AccountID:      "acct-1",
		PlanName:       string(PlanSolo),
		Status:         StatusActive,
		CustomerID:     strPtr("cus_1"),
		AnalysisAmount: 10,
		AnalysisUsed:   9,
		EmailsLeft:     1,
	})

	err := f.engine.ApplyInvoicePaid(
		context.Background(),
		"cus_1",
		"subscription_create",
	)
	require.NoError(t, err)

	got := f.repo.records["acct-1"]
	assert.Equal(t, 9, got.AnalysisUsed)
	assert.Equal(t, 1, got.EmailsLeft)
}

func TestApplyInvoiceFailed_SetsPastDue(t *testing.T) {
	f := newEngineFixture(t)

	rec := freeRecord("acct-1")
	rec.PlanName = string(PlanSolo)
	rec.CustomerID = strPtr("cus_1")
	f.addRecord(rec)

	err := f.engine.ApplyInvoiceFailed(context.Background(), "cus_1")
	require.NoError(t, err)

	assert.Equal(t, StatusPastDue, f.repo.records["acct-1"].Status)
}

func TestApplyInvoiceFailed_UnknownCustomer(t *testing.T) {
	f := newEngineFixture(t)

	err := f.engine.ApplyInvoiceFailed(context.Background(), "cus_ghost")
	assert.ErrorIs(t, err, ErrAccountUnresolved)
}

func TestProvisionFreeIdempotent(t *testing.T) {
	f := newEngineFixture(t)

	require.NoError(
		t,
		f.engine.ProvisionFree(context.Background(), "acct-1"),
	)

	f.repo.records["acct-1"].AnalysisUsed = 3

	require.NoError(
		t,
		f.engine.ProvisionFree(context.Background(), "acct-1"),
	)

	got := f.repo.records["acct-1"]
	assert.Equal(t, string(PlanFree), got.PlanName)
	assert.Equal(t, 3, got.AnalysisUsed)
}

func TestPlanNameForAccount(t *testing.T) {
	f := newEngineFixture(t)

	rec := freeRecord("acct-1")
	rec.PlanName = "Pro" // legacy stored value
	f.addRecord(rec)

	plan, err := f.engine.PlanNameForAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "entrepreneur", plan)
}
