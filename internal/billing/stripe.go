// AngelaMos | 2026
// stripe.go

package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/subscriptionschedule"
)

var (
	ErrCustomerNotFound = errors.New("no billing customer for account")
	ErrUnknownPlan      = errors.New("price id maps to no known plan")
)

// ProviderError wraps a billing provider failure with the step that
// produced it, so endpoint responses can point operators at the right
// call.
type ProviderError struct {
	Step string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Step, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func providerErr(step string, err error) error {
	return &ProviderError{Step: step, Err: err}
}

// ProviderSubscription is the provider-neutral view of one live
// subscription, carrying only the fields reconciliation reads.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	ScheduleID         string
}

type SchedulePhase struct {
	PriceID string
	Start   time.Time
	End     time.Time
}

type ProviderSchedule struct {
	ID                string
	SubscriptionID    string
	CurrentPhaseStart time.Time
	Phases            []SchedulePhase
}

// ProviderClient is the surface the reconciliation engine needs from
// the billing provider. The schedule lookup is a typed query, never
// inferred from error text.
type ProviderClient interface {
	CustomerEmail(ctx context.Context, customerID string) (string, error)
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
	ListSubscriptions(
		ctx context.Context,
		customerID string,
		limit int,
	) ([]ProviderSubscription, error)
	GetSubscription(
		ctx context.Context,
		subscriptionID string,
	) (*ProviderSubscription, error)
	FindScheduleForSubscription(
		ctx context.Context,
		subscriptionID string,
	) (*ProviderSchedule, error)
	CreateScheduleFromSubscription(
		ctx context.Context,
		subscriptionID string,
	) (*ProviderSchedule, error)
	UpdateSchedulePhases(
		ctx context.Context,
		scheduleID string,
		phases []SchedulePhase,
	) (*ProviderSchedule, error)
	ReleaseSchedule(ctx context.Context, scheduleID string) error
}

// StripeClient implements ProviderClient against the Stripe API. The
// package-level stripe.Key must be set before use.
type StripeClient struct{}

func NewStripeClient(secretKey string) *StripeClient {
	stripe.Key = secretKey
	return &StripeClient{}
}

func (c *StripeClient) CustomerEmail(
	ctx context.Context,
	customerID string,
) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	cust, err := customer.Get(customerID, params)
	if err != nil {
		return "", providerErr("retrieve customer", err)
	}

	return cust.Email, nil
}

func (c *StripeClient) FindCustomerByEmail(
	ctx context.Context,
	email string,
) (string, error) {
	params := &stripe.CustomerListParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := customer.List(params)
	for iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", providerErr("list customers", err)
	}

	return "", ErrCustomerNotFound
}

func (c *StripeClient) ListSubscriptions(
	ctx context.Context,
	customerID string,
	limit int,
) ([]ProviderSubscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(int64(limit))

	var subs []ProviderSubscription
	iter := subscription.List(params)
	for iter.Next() {
		subs = append(subs, fromStripeSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, providerErr("list subscriptions", err)
	}

	return subs, nil
}

func (c *StripeClient) GetSubscription(
	ctx context.Context,
	subscriptionID string,
) (*ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, providerErr("retrieve subscription", err)
	}

	converted := fromStripeSubscription(sub)
	return &converted, nil
}

func (c *StripeClient) FindScheduleForSubscription(
	ctx context.Context,
	subscriptionID string,
) (*ProviderSchedule, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, providerErr("retrieve subscription", err)
	}

	if sub.Schedule == nil || sub.Schedule.ID == "" {
		return nil, nil
	}

	return c.getSchedule(ctx, sub.Schedule.ID)
}

func (c *StripeClient) CreateScheduleFromSubscription(
	ctx context.Context,
	subscriptionID string,
) (*ProviderSchedule, error) {
	params := &stripe.SubscriptionScheduleParams{
		FromSubscription: stripe.String(subscriptionID),
	}
	params.Context = ctx

	sched, err := subscriptionschedule.New(params)
	if err != nil {
		return nil, providerErr("create schedule", err)
	}

	return fromStripeSchedule(sched), nil
}

func (c *StripeClient) UpdateSchedulePhases(
	ctx context.Context,
	scheduleID string,
	phases []SchedulePhase,
) (*ProviderSchedule, error) {
	phaseParams := make([]*stripe.SubscriptionSchedulePhaseParams, 0, len(phases))
	for _, p := range phases {
		phase := &stripe.SubscriptionSchedulePhaseParams{
			Items: []*stripe.SubscriptionSchedulePhaseItemParams{
				{
					Price:    stripe.String(p.PriceID),
					Quantity: stripe.Int64(1),
				},
			},
			StartDate: stripe.Int64(p.Start.Unix()),
		}
		if !p.End.IsZero() {
			phase.EndDate = stripe.Int64(p.End.Unix())
		}
		phaseParams = append(phaseParams, phase)
	}

	params := &stripe.SubscriptionScheduleParams{
		Phases: phaseParams,
	}
	params.Context = ctx

	sched, err := subscriptionschedule.Update(scheduleID, params)
	if err != nil {
		return nil, providerErr("update schedule", err)
	}

	return fromStripeSchedule(sched), nil
}

func (c *StripeClient) ReleaseSchedule(
	ctx context.Context,
	scheduleID string,
) error {
	params := &stripe.SubscriptionScheduleReleaseParams{}
	params.Context = ctx

	if _, err := subscriptionschedule.Release(scheduleID, params); err != nil {
		return providerErr("release schedule", err)
	}

	return nil
}

func (c *StripeClient) getSchedule(
	ctx context.Context,
	scheduleID string,
) (*ProviderSchedule, error) {
	params := &stripe.SubscriptionScheduleParams{}
	params.Context = ctx

	sched, err := subscriptionschedule.Get(scheduleID, params)
	if err != nil {
		return nil, providerErr("retrieve schedule", err)
	}

	return fromStripeSchedule(sched), nil
}

// fromStripeSubscription flattens a Stripe subscription. Price and
// period bounds live on the first subscription item; every plan here
// sells as a single item.
func fromStripeSubscription(sub *stripe.Subscription) ProviderSubscription {
	out := ProviderSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}

	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}

	if sub.Schedule != nil {
		out.ScheduleID = sub.Schedule.ID
	}

	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0)
		out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
	}

	return out
}

func fromStripeSchedule(
	sched *stripe.SubscriptionSchedule,
) *ProviderSchedule {
	out := &ProviderSchedule{ID: sched.ID}

	if sched.Subscription != nil {
		out.SubscriptionID = sched.Subscription.ID
	}

	if sched.CurrentPhase != nil {
		out.CurrentPhaseStart = time.Unix(sched.CurrentPhase.StartDate, 0)
	}

	for _, phase := range sched.Phases {
		p := SchedulePhase{
			Start: time.Unix(phase.StartDate, 0),
		}
		if phase.EndDate > 0 {
			p.End = time.Unix(phase.EndDate, 0)
		}
		if len(phase.Items) > 0 && phase.Items[0].Price != nil {
			p.PriceID = phase.Items[0].Price.ID
		}
		out.Phases = append(out.Phases, p)
	}

	return out
}
