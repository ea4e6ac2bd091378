// AngelaMos | 2026
// dto.go

package billing

import (
	"time"
)

type SyncRequest struct {
	AccountID string `json:"account_id" validate:"required,uuid4"`
}

type SyncResponse struct {
	Success                  bool   `json:"success"`
	Status                   string `json:"status"`
	PlanName                 string `json:"plan_name,omitempty"`
	StripeSubscriptionStatus string `json:"stripe_subscription_status,omitempty"`
}

type DowngradeRequest struct {
	AccountID     string     `json:"account_id"     validate:"required,uuid4"`
	NewPriceID    string     `json:"new_price_id"   validate:"required,max=255"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
}

type ScheduledChangeDetail struct {
	NewPlan                string    `json:"new_plan"`
	EffectiveDate          time.Time `json:"effective_date"`
	CurrentPlanActiveUntil time.Time `json:"current_plan_active_until"`
	ScheduleID             string    `json:"schedule_id"`
}

type DowngradeResponse struct {
	Success         bool                  `json:"success"`
	Message         string                `json:"message"`
	ScheduledChange ScheduledChangeDetail `json:"scheduled_change"`
}

type SubscriptionResponse struct {
	AccountID           string     `json:"account_id"`
	PlanName            string     `json:"plan_name"`
	Status              string     `json:"status"`
	CurrentPeriodStart  *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd    *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd   bool       `json:"cancel_at_period_end"`
	ScheduledPlanChange *string    `json:"scheduled_plan_change,omitempty"`
	ScheduledChangeDate *time.Time `json:"scheduled_change_date,omitempty"`
	Seats               int        `json:"seats"`
	PricePerSeat        int64      `json:"price_per_seat"`
	TotalPrice          int64      `json:"total_price"`
	AnalysisAmount      int        `json:"analysis_amount"`
	AnalysisUsed        int        `json:"analysis_used"`
	EmailsLeft          int        `json:"emails_left"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func ToSubscriptionResponse(r *SubscriptionRecord) SubscriptionResponse {
	return SubscriptionResponse{
		AccountID:           r.AccountID,
		PlanName:            r.PlanName,
		Status:              r.Status,
		CurrentPeriodStart:  r.CurrentPeriodStart,
		CurrentPeriodEnd:    r.CurrentPeriodEnd,
		CancelAtPeriodEnd:   r.CancelAtPeriodEnd,
		ScheduledPlanChange: r.ScheduledPlanChange,
		ScheduledChangeDate: r.ScheduledChangeDate,
		Seats:               r.Seats,
		PricePerSeat:        r.PricePerSeat,
		TotalPrice:          r.TotalPrice,
		AnalysisAmount:      r.AnalysisAmount,
		AnalysisUsed:        r.AnalysisUsed,
		EmailsLeft:          r.EmailsLeft,
		UpdatedAt:           r.UpdatedAt,
	}
}

type PlanDetail struct {
	Name          string   `json:"name"`
	Seats         int      `json:"seats"`
	AnalysisQuota int      `json:"analysis_quota"`
	PricePerSeat  int64    `json:"price_per_seat"`
	TotalPrice    int64    `json:"total_price"`
	PriceIDs      []string `json:"price_ids"`
}

type PlansResponse struct {
	Plans []PlanDetail `json:"plans"`
}

type DeadLetterResponse struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	CustomerID string    `json:"customer_id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}
