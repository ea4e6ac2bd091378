// AngelaMos | 2026
// webhook.go

package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/secpilot/backend/internal/core"
)

const maxWebhookBody = 1 << 20

// WebhookHandler verifies and dispatches provider events. Business
// failures after signature verification either dead-letter (account
// unresolvable) or 500 so the provider redelivers; only signature
// problems earn a 400.
type WebhookHandler struct {
	engine *Engine
	repo   Repository
	secret string
	logger *slog.Logger
}

func NewWebhookHandler(
	engine *Engine,
	repo Repository,
	secret string,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		engine: engine,
		repo:   repo,
		secret: secret,
		logger: logger,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		core.BadRequest(w, "unreadable payload")
		return
	}

	event, err := webhook.ConstructEvent(
		payload,
		r.Header.Get("Stripe-Signature"),
		h.secret,
	)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		core.BadRequest(w, "invalid signature")
		return
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		h.handleSubscriptionEvent(w, r, &event, false)

	case "customer.subscription.deleted":
		h.handleSubscriptionEvent(w, r, &event, true)

	case "invoice.payment_succeeded":
		h.handleInvoice(w, r, &event, true)

	case "invoice.payment_failed":
		h.handleInvoice(w, r, &event, false)

	default:
		h.logger.Debug("ignoring webhook event", "type", event.Type)
		writeReceived(w)
	}
}

func (h *WebhookHandler) handleSubscriptionEvent(
	w http.ResponseWriter,
	r *http.Request,
	event *stripe.Event,
	deleted bool,
) {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		h.logger.Error("malformed subscription event",
			"event_id", event.ID,
			"error", err,
		)
		// malformed payload will not improve on redelivery
		h.deadLetter(event, "", "malformed subscription payload")
		writeReceived(w)
		return
	}

	sub := fromStripeSubscription(&stripeSub)

	var err error
	if deleted {
		err = h.engine.ApplySubscriptionDeleted(r.Context(), sub)
	} else {
		err = h.engine.ApplySubscriptionEvent(r.Context(), sub)
	}

	h.finish(w, event, sub.CustomerID, err)
}

func (h *WebhookHandler) handleInvoice(
	w http.ResponseWriter,
	r *http.Request,
	event *stripe.Event,
	paid bool,
) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		h.logger.Error("malformed invoice event",
			"event_id", event.ID,
			"error", err,
		)
		h.deadLetter(event, "", "malformed invoice payload")
		writeReceived(w)
		return
	}

	if inv.Customer == nil || inv.Customer.ID == "" {
		h.deadLetter(event, "", "invoice without customer")
		writeReceived(w)
		return
	}

	var err error
	if paid {
		err = h.engine.ApplyInvoicePaid(
			r.Context(),
			inv.Customer.ID,
			string(inv.BillingReason),
		)
	} else {
		err = h.engine.ApplyInvoiceFailed(r.Context(), inv.Customer.ID)
	}

	h.finish(w, event, inv.Customer.ID, err)
}

func (h *WebhookHandler) finish(
	w http.ResponseWriter,
	event *stripe.Event,
	customerID string,
	err error,
) {
	switch {
	case err == nil:
		writeReceived(w)

	case errors.Is(err, ErrAccountUnresolved):
		h.logger.Warn("webhook event unattributable, dead lettering",
			"event_id", event.ID,
			"type", event.Type,
			"customer_id", customerID,
		)
		h.deadLetter(event, customerID, err.Error())
		writeReceived(w)

	default:
		h.logger.Error("webhook processing failed",
			"event_id", event.ID,
			"type", event.Type,
			"error", err,
		)
		core.InternalServerError(w, err)
	}
}

// deadLetter runs on its own context: the event must be captured even
// if the client side of the request has gone away.
func (h *WebhookHandler) deadLetter(
	event *stripe.Event,
	customerID, reason string,
) {
	dl := &DeadLetter{
		EventID:    event.ID,
		EventType:  string(event.Type),
		CustomerID: customerID,
		Payload:    event.Data.Raw,
		Reason:     reason,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.repo.InsertDeadLetter(ctx, dl); err != nil {
		h.logger.Error("dead letter write failed",
			"event_id", event.ID,
			"error", err,
		)
	}
}

func writeReceived(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // best-effort ack body
	_, _ = w.Write([]byte(`{"received":true}`))
}
