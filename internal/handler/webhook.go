package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/flash-sale-checkout/internal/order"
	"github.com/iliyamo/flash-sale-checkout/internal/queue"
	queue_publisher "github.com/iliyamo/flash-sale-checkout/internal/service"
)

// WebhookHandler receives payment processor callbacks. Deliveries are
// at-least-once, unordered and occasionally duplicated; the coordinator
// makes them idempotent, the handler only translates outcomes to HTTP.
type WebhookHandler struct {
	Coordinator *order.Coordinator
	// PublishEvents enables the fire-and-forget checkout.finalized event
	// after a delivery that changed state.
	PublishEvents bool
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(coord *order.Coordinator, publishEvents bool) *WebhookHandler {
	if coord == nil {
		panic("nil coordinator passed to NewWebhookHandler")
	}
	return &WebhookHandler{Coordinator: coord, PublishEvents: publishEvents}
}

// Handle processes POST /payments/webhook.
func (h *WebhookHandler) Handle(c echo.Context) error {
	var req order.WebhookRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.IdempotencyKey == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "idempotency_key is required"})
	}
	if req.OrderID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "order_id is required"})
	}
	res, err := h.Coordinator.ApplyWebhook(c.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrInvalidWebhookStatus):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "status must be success or failure"})
		case errors.Is(err, order.ErrDurableStockInsufficient):
			return c.JSON(http.StatusConflict, echo.Map{"error": "durable stock insufficient, refresh required"})
		case errors.Is(err, order.ErrDurableStockConflict):
			return c.JSON(http.StatusConflict, echo.Map{"error": "concurrent stock modification"})
		default:
			return writeError(c, err)
		}
	}

	if h.PublishEvents && res.Outcome == order.OutcomeApplied {
		ev := queue.CheckoutFinalizedEvent{
			OrderID:     req.OrderID,
			HoldID:      res.HoldID,
			ProductID:   res.ProductID,
			Qty:         res.Qty,
			OrderState:  res.OrderState,
			Outcome:     "applied",
			FinalizedAt: time.Now().UTC().Format(time.RFC3339),
		}
		// Fire-and-forget; the publisher logs its own failures.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = queue_publisher.PublishCheckoutFinalized(ctx, ev)
		}()
	}

	payload := echo.Map{
		"order_id":    req.OrderID,
		"order_state": res.OrderState,
		"message":     res.Message,
	}
	if res.RecordedStatus != "" {
		payload["recorded_status"] = res.RecordedStatus
	}
	switch res.Outcome {
	case order.OutcomeApplied, order.OutcomeDuplicate, order.OutcomeAlreadyFinalized:
		return c.JSON(http.StatusOK, payload)
	case order.OutcomeHoldExpired:
		return c.JSON(http.StatusGone, payload)
	case order.OutcomeConflict:
		return c.JSON(http.StatusConflict, payload)
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "unknown outcome"})
	}
}
