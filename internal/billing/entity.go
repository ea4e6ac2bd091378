// AngelaMos | 2026
// entity.go

package billing

import (
	"time"
)

// Subscription status taxonomy mirrored from the provider. StatusActive
// is overloaded: the Free plan is stored as active even though no
// provider subscription exists, because entitlement checks read active
// as "any usable plan". StatusCanceled marks a record that should
// converge to Free but has not been rewritten yet.
const (
	StatusActive            = "active"
	StatusCanceled          = "canceled"
	StatusIncompleteExpired = "incomplete_expired"
	StatusPastDue           = "past_due"
)

// SubscriptionRecord is the one-per-account billing row the rest of the
// product reads for entitlement checks.
type SubscriptionRecord struct {
	AccountID           string     `db:"account_id"`
	PlanName            string     `db:"plan_name"`
	Status              string     `db:"subscription_status"`
	CustomerID          *string    `db:"provider_customer_id"`
	SubscriptionID      *string    `db:"provider_subscription_id"`
	ScheduleID          *string    `db:"provider_schedule_id"`
	CurrentPeriodStart  *time.Time `db:"current_period_start"`
	CurrentPeriodEnd    *time.Time `db:"current_period_end"`
	CancelAtPeriodEnd   bool       `db:"cancel_at_period_end"`
	ScheduledPlanChange *string    `db:"scheduled_plan_change"`
	ScheduledChangeDate *time.Time `db:"scheduled_change_date"`
	Seats               int        `db:"seats"`
	PricePerSeat        int64      `db:"price_per_seat"`
	TotalPrice          int64      `db:"total_price"`
	AnalysisAmount      int        `db:"analysis_amount"`
	AnalysisUsed        int        `db:"analysis_used"`
	EmailsLeft          int        `db:"emails_left"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

func (r *SubscriptionRecord) Plan() PlanName {
	return NormalizePlanName(r.PlanName)
}

// Mirror is one reconciliation write: every provider-derived field plus
// the usage-reset and schedule-clear decisions, applied atomically.
type Mirror struct {
	Status             string
	Plan               PlanName
	SubscriptionID     *string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	Seats              int
	PricePerSeat       int64
	TotalPrice         int64
	AnalysisAmount     int
	ResetUsage         bool
	ClearSchedule      bool
}

// FreeMirror is the convergence target when a paid subscription ends or
// was never there: Free defaults, full usage allowance, no provider
// subscription or pending schedule.
func FreeMirror(catalog *Catalog) Mirror {
	spec := catalog.Spec(PlanFree)
	return Mirror{
		Status:         StatusActive,
		Plan:           PlanFree,
		Seats:          spec.Seats,
		PricePerSeat:   spec.PricePerSeat,
		TotalPrice:     spec.TotalPrice(),
		AnalysisAmount: spec.AnalysisQuota,
		ResetUsage:     true,
		ClearSchedule:  true,
	}
}

// DeadLetter holds a webhook event that could not be attributed to any
// account, kept for manual reconciliation instead of being dropped.
type DeadLetter struct {
	ID         int64     `db:"id"`
	EventID    string    `db:"event_id"`
	EventType  string    `db:"event_type"`
	CustomerID string    `db:"customer_id"`
	Payload    []byte    `db:"payload"`
	Reason     string    `db:"reason"`
	CreatedAt  time.Time `db:"created_at"`
}
