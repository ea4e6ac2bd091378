// AngelaMos | 2026
// handler.go

package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/secpilot/backend/internal/core"
	"github.com/secpilot/backend/internal/middleware"
)

type Handler struct {
	engine    *Engine
	repo      Repository
	catalog   *Catalog
	validator *validator.Validate
}

func NewHandler(engine *Engine, repo Repository, catalog *Catalog) *Handler {
	return &Handler{
		engine:    engine,
		repo:      repo,
		catalog:   catalog,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *Handler) RegisterRoutes(
	r chi.Router,
	authenticator func(http.Handler) http.Handler,
) {
	r.Route("/billing", func(r chi.Router) {
		r.Use(authenticator)

		r.Get("/subscription", h.GetSubscription)
		r.Get("/plans", h.ListPlans)
		r.Post("/sync", h.Sync)
		r.Post("/downgrade", h.Downgrade)
	})
}

func (h *Handler) RegisterAdminRoutes(
	r chi.Router,
	authenticator, adminOnly func(http.Handler) http.Handler,
) {
	r.Route("/admin/billing", func(r chi.Router) {
		r.Use(authenticator)
		r.Use(adminOnly)

		r.Get("/deadletters", h.ListDeadLetters)
	})
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	if accountID == "" {
		core.Unauthorized(w, "")
		return
	}

	rec, err := h.engine.GetRecord(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			core.NotFound(w, "subscription")
			return
		}
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, ToSubscriptionResponse(rec))
}

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	byPlan := make(map[PlanName][]string)
	for id, plan := range h.catalog.KnownPriceIDs() {
		byPlan[plan] = append(byPlan[plan], id)
	}

	order := []PlanName{PlanFree, PlanSolo, PlanEntrepreneur, PlanTeam}
	plans := make([]PlanDetail, 0, len(order))
	for _, name := range order {
		spec := h.catalog.Spec(name)
		ids := byPlan[name]
		sort.Strings(ids)
		plans = append(plans, PlanDetail{
			Name:          string(spec.Name),
			Seats:         spec.Seats,
			AnalysisQuota: spec.AnalysisQuota,
			PricePerSeat:  spec.PricePerSeat,
			TotalPrice:    spec.TotalPrice(),
			PriceIDs:      ids,
		})
	}

	core.OK(w, PlansResponse{Plans: plans})
}

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return
	}

	if !h.authorizeAccountAction(w, r, req.AccountID) {
		return
	}

	result, err := h.engine.PullAndReconcile(r.Context(), req.AccountID)
	if err != nil {
		h.writeSyncError(w, err)
		return
	}

	core.OK(w, SyncResponse{
		Success:                  true,
		Status:                   result.Status,
		PlanName:                 result.PlanName,
		StripeSubscriptionStatus: result.ProviderStatus,
	})
}

func (h *Handler) Downgrade(w http.ResponseWriter, r *http.Request) {
	var req DowngradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		core.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		core.BadRequest(w, core.FormatValidationError(err))
		return
	}

	if !h.authorizeAccountAction(w, r, req.AccountID) {
		return
	}

	change, err := h.engine.ScheduleDowngrade(
		r.Context(),
		req.AccountID,
		req.NewPriceID,
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownPlan):
			core.BadRequest(w, "unknown price id")
		case errors.Is(err, core.ErrNotFound):
			core.NotFound(w, "active subscription")
		case errors.Is(err, ErrLockNotAcquired):
			core.JSONError(w, reconcileBusyError())
		default:
			core.InternalServerError(w, err)
		}
		return
	}

	core.OK(w, DowngradeResponse{
		Success: true,
		Message: fmt.Sprintf(
			"current plan stays active until %s, then %s takes effect",
			change.EffectiveDate.Format("2006-01-02"),
			change.NewPlan,
		),
		ScheduledChange: ScheduledChangeDetail{
			NewPlan:                string(change.NewPlan),
			EffectiveDate:          change.EffectiveDate,
			CurrentPlanActiveUntil: change.EffectiveDate,
			ScheduleID:             change.ScheduleID,
		},
	})
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	letters, err := h.repo.ListDeadLetters(r.Context(), limit)
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	out := make([]DeadLetterResponse, 0, len(letters))
	for _, dl := range letters {
		out = append(out, DeadLetterResponse{
			ID:         dl.ID,
			EventID:    dl.EventID,
			EventType:  dl.EventType,
			CustomerID: dl.CustomerID,
			Reason:     dl.Reason,
			CreatedAt:  dl.CreatedAt,
		})
	}

	core.OK(w, out)
}

// authorizeAccountAction allows an account to act on itself and admins
// to act on anyone.
func (h *Handler) authorizeAccountAction(
	w http.ResponseWriter,
	r *http.Request,
	targetAccountID string,
) bool {
	requesterID := middleware.GetAccountID(r.Context())
	if requesterID == "" {
		core.Unauthorized(w, "")
		return false
	}

	if requesterID != targetAccountID && !middleware.IsAdmin(r.Context()) {
		core.Forbidden(w, "cannot manage another account's billing")
		return false
	}

	return true
}

func (h *Handler) writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		core.NotFound(w, "subscription")

	case errors.Is(err, ErrCustomerNotFound):
		core.JSONError(w, core.NewAppError(
			err,
			"no billing customer found for this account's email",
			http.StatusNotFound,
			"CUSTOMER_LINKAGE_MISSING",
		))

	case errors.Is(err, ErrUnknownPlan):
		core.JSONError(w, core.NewAppError(
			err,
			"subscription price id maps to no known plan, check catalog configuration",
			http.StatusInternalServerError,
			"UNKNOWN_PLAN_MAPPING",
		))

	case errors.Is(err, ErrLockNotAcquired):
		core.JSONError(w, reconcileBusyError())

	default:
		core.InternalServerError(w, err)
	}
}

func reconcileBusyError() error {
	return core.NewAppError(
		ErrLockNotAcquired,
		"another reconciliation for this account is in progress, retry shortly",
		http.StatusConflict,
		"RECONCILE_IN_PROGRESS",
	)
}
