// AngelaMos | 2026
// reconciler.go

package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/secpilot/backend/internal/core"
)

// ErrAccountUnresolved means a provider event could not be attributed
// to any account by customer id or billing email. Webhook handling dead
// letters the event instead of failing, so the provider does not
// redeliver forever.
var ErrAccountUnresolved = errors.New("no account for provider event")

// AccountDirectory is the slice of the account service reconciliation
// needs: resolving accounts from billing emails and back.
type AccountDirectory interface {
	FindIDByBillingEmail(ctx context.Context, email string) (string, error)
	BillingEmail(ctx context.Context, accountID string) (string, error)
}

// Engine keeps SubscriptionRecords in agreement with the billing
// provider. Every read-decide-write sequence runs under the per-account
// lock so concurrent webhook and manual-sync deliveries serialize.
type Engine struct {
	repo      Repository
	accounts  AccountDirectory
	provider  ProviderClient
	catalog   *Catalog
	locker    Locker
	logger    *slog.Logger
	listLimit int
	now       func() time.Time
}

func NewEngine(
	repo Repository,
	accounts AccountDirectory,
	provider ProviderClient,
	catalog *Catalog,
	locker Locker,
	logger *slog.Logger,
	listLimit int,
) *Engine {
	if listLimit < 1 {
		listLimit = 10
	}
	return &Engine{
		repo:      repo,
		accounts:  accounts,
		provider:  provider,
		catalog:   catalog,
		locker:    locker,
		logger:    logger,
		listLimit: listLimit,
		now:       time.Now,
	}
}

// ApplySubscriptionEvent handles provider "subscription created" and
// "subscription updated" events: resolve the account, map the price id
// through the catalog, decide on a usage reset, and mirror everything
// in one write.
func (e *Engine) ApplySubscriptionEvent(
	ctx context.Context,
	sub ProviderSubscription,
) error {
	accountID, err := e.resolveAccount(ctx, sub)
	if err != nil {
		return err
	}

	return e.locker.WithLock(ctx, accountID, func(ctx context.Context) error {
		rec, err := e.repo.GetByAccountID(ctx, accountID)
		if err != nil {
			return err
		}

		newPlan := e.catalog.PlanForPriceID(sub.PriceID)
		spec := e.catalog.Spec(newPlan)
		reset := e.catalog.ShouldResetUsage(rec.Plan(), newPlan)

		e.logger.Info("applying subscription event",
			"account_id", accountID,
			"subscription_id", sub.ID,
			"previous_plan", rec.PlanName,
			"new_plan", newPlan,
			"reset_usage", reset,
		)

		return e.repo.ApplyMirror(ctx, accountID, Mirror{
			Status:             sub.Status,
			Plan:               newPlan,
			SubscriptionID:     &sub.ID,
			CurrentPeriodStart: &sub.CurrentPeriodStart,
			CurrentPeriodEnd:   &sub.CurrentPeriodEnd,
			CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
			Seats:              spec.Seats,
			PricePerSeat:       spec.PricePerSeat,
			TotalPrice:         spec.TotalPrice(),
			AnalysisAmount:     spec.AnalysisQuota,
			ResetUsage:         reset,
		})
	})
}

// ApplySubscriptionDeleted models "subscription ended, fall back to the
// Free tier", not "account disabled": Free defaults, full allowance,
// provider linkage to the ended subscription cleared.
func (e *Engine) ApplySubscriptionDeleted(
	ctx context.Context,
	sub ProviderSubscription,
) error {
	accountID, err := e.resolveAccount(ctx, sub)
	if err != nil {
		return err
	}

	return e.locker.WithLock(ctx, accountID, func(ctx context.Context) error {
		e.logger.Info("subscription deleted, reverting to free",
			"account_id", accountID,
			"subscription_id", sub.ID,
		)

		return e.repo.ApplyMirror(ctx, accountID, FreeMirror(e.catalog))
	})
}

// SyncResult is the outcome of a pull-based reconciliation.
type SyncResult struct {
	Status         string
	PlanName       string
	ProviderStatus string
}

// PullAndReconcile fetches the provider's current state for an account
// and converges the local record to match. Unlike the webhook path it
// trusts provider field values directly and only resets usage when
// forcing Free; an unmapped price id is surfaced as ErrUnknownPlan so
// pricing misconfiguration reaches the operator.
func (e *Engine) PullAndReconcile(
	ctx context.Context,
	accountID string,
) (*SyncResult, error) {
	var result *SyncResult

	err := e.locker.WithLock(ctx, accountID, func(ctx context.Context) error {
		rec, err := e.repo.GetByAccountID(ctx, accountID)
		if err != nil {
			return err
		}

		customerID, err := e.ensureCustomerID(ctx, rec)
		if err != nil {
			return err
		}

		subs, err := e.provider.ListSubscriptions(
			ctx,
			customerID,
			e.listLimit,
		)
		if err != nil {
			return err
		}

		if len(subs) == 0 {
			if err := e.repo.ApplyMirror(
				ctx,
				accountID,
				FreeMirror(e.catalog),
			); err != nil {
				return err
			}
			result = &SyncResult{Status: "free"}
			return nil
		}

		latest := subs[0]

		if e.shouldBecomeFree(latest) {
			// Mark the lapsed state before rewriting to Free so "was
			// something, now lapsed" is distinguishable from "never
			// subscribed" if the second write fails.
			if err := e.repo.SetStatus(
				ctx,
				accountID,
				StatusCanceled,
			); err != nil {
				return err
			}
			if err := e.repo.ApplyMirror(
				ctx,
				accountID,
				FreeMirror(e.catalog),
			); err != nil {
				return err
			}
			result = &SyncResult{
				Status:         "free",
				ProviderStatus: latest.Status,
			}
			return nil
		}

		plan, ok := e.catalog.ResolvePriceID(latest.PriceID)
		if !ok {
			return fmt.Errorf(
				"reconcile account %s: price %q: %w",
				accountID,
				latest.PriceID,
				ErrUnknownPlan,
			)
		}

		spec := e.catalog.Spec(plan)
		if err := e.repo.ApplyMirror(ctx, accountID, Mirror{
			Status:             latest.Status,
			Plan:               plan,
			SubscriptionID:     &latest.ID,
			CurrentPeriodStart: &latest.CurrentPeriodStart,
			CurrentPeriodEnd:   &latest.CurrentPeriodEnd,
			CancelAtPeriodEnd:  latest.CancelAtPeriodEnd,
			Seats:              spec.Seats,
			PricePerSeat:       spec.PricePerSeat,
			TotalPrice:         spec.TotalPrice(),
			AnalysisAmount:     spec.AnalysisQuota,
		}); err != nil {
			return err
		}

		result = &SyncResult{
			Status:         "active",
			PlanName:       string(plan),
			ProviderStatus: latest.Status,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ScheduledChange describes the pending downgrade recorded after a
// successful ScheduleDowngrade call.
type ScheduledChange struct {
	NewPlan       PlanName
	EffectiveDate time.Time
	ScheduleID    string
}

// ScheduleDowngrade arranges with the provider that the current plan
// stays active until period end and the new price takes over from
// there. The live subscription keeps governing plan_name and usage
// until the change lands via a later webhook.
func (e *Engine) ScheduleDowngrade(
	ctx context.Context,
	accountID, newPriceID string,
) (*ScheduledChange, error) {
	newPlan, ok := e.catalog.ResolvePriceID(newPriceID)
	if !ok {
		return nil, fmt.Errorf(
			"schedule downgrade: price %q: %w",
			newPriceID,
			ErrUnknownPlan,
		)
	}

	var change *ScheduledChange

	err := e.locker.WithLock(ctx, accountID, func(ctx context.Context) error {
		rec, err := e.repo.GetByAccountID(ctx, accountID)
		if err != nil {
			return err
		}

		if rec.SubscriptionID == nil {
			return fmt.Errorf(
				"schedule downgrade: no active paid subscription: %w",
				core.ErrNotFound,
			)
		}

		sub, err := e.provider.GetSubscription(ctx, *rec.SubscriptionID)
		if err != nil {
			return err
		}

		periodEnd := sub.CurrentPeriodEnd

		sched, err := e.provider.FindScheduleForSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}

		switch {
		case sched == nil:
			sched, err = e.createAndAppend(ctx, sub, newPriceID, periodEnd)

		case e.phaseStarted(sched):
			// The running phase is immutable. Detach the schedule so
			// the subscription reverts to plain auto-renewal, then
			// build a fresh one with the downgrade appended.
			if relErr := e.provider.ReleaseSchedule(
				ctx,
				sched.ID,
			); relErr != nil {
				return relErr
			}
			sched, err = e.createAndAppend(ctx, sub, newPriceID, periodEnd)

		default:
			// Unstarted schedules can be rewritten wholesale.
			sched, err = e.provider.UpdateSchedulePhases(
				ctx,
				sched.ID,
				downgradePhases(e.now(), sub.PriceID, newPriceID, periodEnd),
			)
		}
		if err != nil {
			return err
		}

		if err := e.repo.SetScheduledChange(
			ctx,
			accountID,
			string(newPlan),
			sched.ID,
			periodEnd,
		); err != nil {
			return err
		}

		e.logger.Info("downgrade scheduled",
			"account_id", accountID,
			"schedule_id", sched.ID,
			"new_plan", newPlan,
			"effective", periodEnd,
		)

		change = &ScheduledChange{
			NewPlan:       newPlan,
			EffectiveDate: periodEnd,
			ScheduleID:    sched.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return change, nil
}

// ApplyInvoicePaid resets the usage allowance on a successful renewal
// payment. Other billing reasons (creation, proration, one-off) leave
// the counters alone.
func (e *Engine) ApplyInvoicePaid(
	ctx context.Context,
	customerID, billingReason string,
) error {
	if billingReason != "subscription_cycle" {
		return nil
	}

	rec, err := e.repo.GetByCustomerID(ctx, customerID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf(
				"invoice paid for customer %s: %w",
				customerID,
				ErrAccountUnresolved,
			)
		}
		return err
	}

	return e.locker.WithLock(
		ctx,
		rec.AccountID,
		func(ctx context.Context) error {
			current, err := e.repo.GetByAccountID(ctx, rec.AccountID)
			if err != nil {
				return err
			}

			if err := e.repo.ResetUsage(
				ctx,
				current.AccountID,
				current.AnalysisAmount,
			); err != nil {
				return err
			}

			return e.repo.SetStatus(ctx, current.AccountID, StatusActive)
		},
	)
}

// ApplyInvoiceFailed mirrors a failed payment as past_due without
// touching plan or usage; the provider decides later whether the
// subscription lapses.
func (e *Engine) ApplyInvoiceFailed(
	ctx context.Context,
	customerID string,
) error {
	rec, err := e.repo.GetByCustomerID(ctx, customerID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf(
				"invoice failed for customer %s: %w",
				customerID,
				ErrAccountUnresolved,
			)
		}
		return err
	}

	return e.locker.WithLock(
		ctx,
		rec.AccountID,
		func(ctx context.Context) error {
			return e.repo.SetStatus(ctx, rec.AccountID, StatusPastDue)
		},
	)
}

// ProvisionFree creates the initial Free-plan record for a new account.
func (e *Engine) ProvisionFree(ctx context.Context, accountID string) error {
	return e.repo.ProvisionFree(ctx, accountID, e.catalog.Spec(PlanFree))
}

// PlanNameForAccount reports the current plan, lowercased for token
// claims and rate-limit tiers.
func (e *Engine) PlanNameForAccount(
	ctx context.Context,
	accountID string,
) (string, error) {
	rec, err := e.repo.GetByAccountID(ctx, accountID)
	if err != nil {
		return "", err
	}
	return strings.ToLower(string(rec.Plan())), nil
}

func (e *Engine) GetRecord(
	ctx context.Context,
	accountID string,
) (*SubscriptionRecord, error) {
	return e.repo.GetByAccountID(ctx, accountID)
}

// resolveAccount finds the account a provider subscription belongs to:
// by stored customer id first, then by matching the provider customer's
// email against account billing emails. A record found by email is only
// adopted while its customer id is still unset.
func (e *Engine) resolveAccount(
	ctx context.Context,
	sub ProviderSubscription,
) (string, error) {
	rec, err := e.repo.GetByCustomerID(ctx, sub.CustomerID)
	if err == nil {
		return rec.AccountID, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return "", err
	}

	email, err := e.provider.CustomerEmail(ctx, sub.CustomerID)
	if err != nil {
		return "", err
	}
	if email == "" {
		return "", fmt.Errorf(
			"customer %s has no email: %w",
			sub.CustomerID,
			ErrAccountUnresolved,
		)
	}

	accountID, err := e.accounts.FindIDByBillingEmail(ctx, email)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return "", fmt.Errorf(
				"no account for billing email: %w",
				ErrAccountUnresolved,
			)
		}
		return "", err
	}

	rec, err = e.repo.GetByAccountID(ctx, accountID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return "", fmt.Errorf(
				"account %s has no subscription record: %w",
				accountID,
				ErrAccountUnresolved,
			)
		}
		return "", err
	}

	if rec.CustomerID != nil && *rec.CustomerID != sub.CustomerID {
		return "", fmt.Errorf(
			"account %s already linked to another customer: %w",
			accountID,
			ErrAccountUnresolved,
		)
	}

	if rec.CustomerID == nil {
		if err := e.repo.SetCustomerID(
			ctx,
			accountID,
			sub.CustomerID,
		); err != nil {
			return "", err
		}
	}

	return accountID, nil
}

// ensureCustomerID recovers a missing customer linkage by email search.
// A recovered id is persisted immediately; if a later step fails the
// linkage stays committed, which is accepted.
func (e *Engine) ensureCustomerID(
	ctx context.Context,
	rec *SubscriptionRecord,
) (string, error) {
	if rec.CustomerID != nil {
		return *rec.CustomerID, nil
	}

	email, err := e.accounts.BillingEmail(ctx, rec.AccountID)
	if err != nil {
		return "", err
	}

	customerID, err := e.provider.FindCustomerByEmail(ctx, email)
	if err != nil {
		return "", err
	}

	if err := e.repo.SetCustomerID(
		ctx,
		rec.AccountID,
		customerID,
	); err != nil {
		return "", err
	}

	return customerID, nil
}

// shouldBecomeFree classifies a provider subscription that no longer
// entitles the account to a paid plan.
func (e *Engine) shouldBecomeFree(sub ProviderSubscription) bool {
	switch sub.Status {
	case StatusCanceled, StatusIncompleteExpired, StatusPastDue:
		return true
	}

	if sub.CancelAtPeriodEnd && !e.now().Before(sub.CurrentPeriodEnd) {
		return true
	}

	return false
}

func (e *Engine) phaseStarted(sched *ProviderSchedule) bool {
	if !sched.CurrentPhaseStart.IsZero() {
		return !e.now().Before(sched.CurrentPhaseStart)
	}
	if len(sched.Phases) > 0 {
		return !e.now().Before(sched.Phases[0].Start)
	}
	return false
}

// createAndAppend builds a schedule from the live subscription (which
// seeds one phase on the present plan) and rewrites it to two phases:
// current plan until period end, new price from period end.
func (e *Engine) createAndAppend(
	ctx context.Context,
	sub *ProviderSubscription,
	newPriceID string,
	periodEnd time.Time,
) (*ProviderSchedule, error) {
	sched, err := e.provider.CreateScheduleFromSubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	firstStart := sub.CurrentPeriodStart
	if len(sched.Phases) > 0 && !sched.Phases[0].Start.IsZero() {
		firstStart = sched.Phases[0].Start
	}

	return e.provider.UpdateSchedulePhases(
		ctx,
		sched.ID,
		downgradePhases(firstStart, sub.PriceID, newPriceID, periodEnd),
	)
}

func downgradePhases(
	firstStart time.Time,
	currentPriceID, newPriceID string,
	periodEnd time.Time,
) []SchedulePhase {
	return []SchedulePhase{
		{PriceID: currentPriceID, Start: firstStart, End: periodEnd},
		{PriceID: newPriceID, Start: periodEnd},
	}
}
