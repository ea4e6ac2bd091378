// AngelaMos | 2026
// repository.go

package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/secpilot/backend/internal/core"
)

type Repository interface {
	ProvisionFree(ctx context.Context, accountID string, spec PlanSpec) error
	GetByAccountID(
		ctx context.Context,
		accountID string,
	) (*SubscriptionRecord, error)
	GetByCustomerID(
		ctx context.Context,
		customerID string,
	) (*SubscriptionRecord, error)
	SetCustomerID(ctx context.Context, accountID, customerID string) error
	ApplyMirror(ctx context.Context, accountID string, m Mirror) error
	SetStatus(ctx context.Context, accountID, status string) error
	ResetUsage(ctx context.Context, accountID string, quota int) error
	SetScheduledChange(
		ctx context.Context,
		accountID, plan, scheduleID string,
		changeDate time.Time,
	) error
	InsertDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

type repository struct {
	db core.DBTX
}

func NewRepository(db core.DBTX) Repository {
	return &repository{db: db}
}

const subscriptionColumns = `
	account_id, plan_name, subscription_status,
	provider_customer_id, provider_subscription_id, provider_schedule_id,
	current_period_start, current_period_end, cancel_at_period_end,
	scheduled_plan_change, scheduled_change_date,
	seats, price_per_seat, total_price,
	analysis_amount, analysis_used, emails_left,
	created_at, updated_at`

// ProvisionFree inserts the Free-plan row for a new account. Re-running
// for an existing account is a no-op so signup retries stay safe.
func (r *repository) ProvisionFree(
	ctx context.Context,
	accountID string,
	spec PlanSpec,
) error {
	query := `
		INSERT INTO subscriptions (
			account_id, plan_name, subscription_status,
			seats, price_per_seat, total_price,
			analysis_amount, analysis_used, emails_left
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $7)
		ON CONFLICT (account_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		accountID,
		string(spec.Name),
		StatusActive,
		spec.Seats,
		spec.PricePerSeat,
		spec.TotalPrice(),
		spec.AnalysisQuota,
	)
	if err != nil {
		return fmt.Errorf("provision free subscription: %w", err)
	}

	return nil
}

func (r *repository) GetByAccountID(
	ctx context.Context,
	accountID string,
) (*SubscriptionRecord, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE account_id = $1`

	var rec SubscriptionRecord
	err := r.db.GetContext(ctx, &rec, query, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get subscription: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	return &rec, nil
}

func (r *repository) GetByCustomerID(
	ctx context.Context,
	customerID string,
) (*SubscriptionRecord, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE provider_customer_id = $1`

	var rec SubscriptionRecord
	err := r.db.GetContext(ctx, &rec, query, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf(
			"get subscription by customer: %w",
			core.ErrNotFound,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by customer: %w", err)
	}

	return &rec, nil
}

func (r *repository) SetCustomerID(
	ctx context.Context,
	accountID, customerID string,
) error {
	query := `
		UPDATE subscriptions
		SET provider_customer_id = $2, updated_at = NOW()
		WHERE account_id = $1`

	result, err := r.db.ExecContext(ctx, query, accountID, customerID)
	if err != nil {
		return fmt.Errorf("set customer id: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set customer id: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("set customer id: %w", core.ErrNotFound)
	}

	return nil
}

// ApplyMirror writes one reconciliation outcome in a single statement.
// Usage counters are only touched when the mirror asks for a reset, and
// pending-schedule fields are only cleared when the mirror converges to
// Free.
func (r *repository) ApplyMirror(
	ctx context.Context,
	accountID string,
	m Mirror,
) error {
	query := `
		UPDATE subscriptions
		SET plan_name = $2,
		    subscription_status = $3,
		    provider_subscription_id = $4,
		    current_period_start = $5,
		    current_period_end = $6,
		    cancel_at_period_end = $7,
		    seats = $8,
		    price_per_seat = $9,
		    total_price = $10,
		    analysis_amount = $11,
		    analysis_used = CASE WHEN $12 THEN 0 ELSE analysis_used END,
		    emails_left = CASE WHEN $12 THEN $11 ELSE emails_left END,
		    provider_schedule_id =
		        CASE WHEN $13 THEN NULL ELSE provider_schedule_id END,
		    scheduled_plan_change =
		        CASE WHEN $13 THEN NULL ELSE scheduled_plan_change END,
		    scheduled_change_date =
		        CASE WHEN $13 THEN NULL ELSE scheduled_change_date END,
		    updated_at = NOW()
		WHERE account_id = $1`

	result, err := r.db.ExecContext(ctx, query,
		accountID,
		string(m.Plan),
		m.Status,
		m.SubscriptionID,
		m.CurrentPeriodStart,
		m.CurrentPeriodEnd,
		m.CancelAtPeriodEnd,
		m.Seats,
		m.PricePerSeat,
		m.TotalPrice,
		m.AnalysisAmount,
		m.ResetUsage,
		m.ClearSchedule,
	)
	if err != nil {
		return fmt.Errorf("apply subscription mirror: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply subscription mirror: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("apply subscription mirror: %w", core.ErrNotFound)
	}

	return nil
}

func (r *repository) SetStatus(
	ctx context.Context,
	accountID, status string,
) error {
	query := `
		UPDATE subscriptions
		SET subscription_status = $2, updated_at = NOW()
		WHERE account_id = $1`

	result, err := r.db.ExecContext(ctx, query, accountID, status)
	if err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("set subscription status: %w", core.ErrNotFound)
	}

	return nil
}

func (r *repository) ResetUsage(
	ctx context.Context,
	accountID string,
	quota int,
) error {
	query := `
		UPDATE subscriptions
		SET analysis_used = 0, emails_left = $2, updated_at = NOW()
		WHERE account_id = $1`

	result, err := r.db.ExecContext(ctx, query, accountID, quota)
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("reset usage: %w", core.ErrNotFound)
	}

	return nil
}

func (r *repository) SetScheduledChange(
	ctx context.Context,
	accountID, plan, scheduleID string,
	changeDate time.Time,
) error {
	query := `
		UPDATE subscriptions
		SET scheduled_plan_change = $2,
		    scheduled_change_date = $3,
		    provider_schedule_id = $4,
		    updated_at = NOW()
		WHERE account_id = $1`

	result, err := r.db.ExecContext(ctx, query,
		accountID,
		plan,
		changeDate,
		scheduleID,
	)
	if err != nil {
		return fmt.Errorf("set scheduled change: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set scheduled change: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("set scheduled change: %w", core.ErrNotFound)
	}

	return nil
}

func (r *repository) InsertDeadLetter(
	ctx context.Context,
	dl *DeadLetter,
) error {
	query := `
		INSERT INTO billing_event_deadletters (
			event_id, event_type, customer_id, payload, reason
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id, created_at`

	err := r.db.GetContext(ctx, dl, query,
		dl.EventID,
		dl.EventType,
		dl.CustomerID,
		dl.Payload,
		dl.Reason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// duplicate delivery already captured
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	return nil
}

func (r *repository) ListDeadLetters(
	ctx context.Context,
	limit int,
) ([]DeadLetter, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, event_id, event_type, customer_id, payload, reason,
		       created_at
		FROM billing_event_deadletters
		ORDER BY created_at DESC
		LIMIT $1`

	var letters []DeadLetter
	if err := r.db.SelectContext(ctx, &letters, query, limit); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	return letters, nil
}
