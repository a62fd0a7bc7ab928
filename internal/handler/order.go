package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/flash-sale-checkout/internal/order"
)

// OrderHandler serves order creation from an existing hold.
type OrderHandler struct {
	Coordinator *order.Coordinator
}

// NewOrderHandler constructs an OrderHandler.
func NewOrderHandler(coord *order.Coordinator) *OrderHandler {
	if coord == nil {
		panic("nil coordinator passed to NewOrderHandler")
	}
	return &OrderHandler{Coordinator: coord}
}

// Create handles POST /orders. The hold must be active and unexpired;
// the order starts in pending_payment and awaits the payment webhook.
func (h *OrderHandler) Create(c echo.Context) error {
	var body struct {
		HoldID string `json:"hold_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.HoldID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "hold_id is required"})
	}
	res, err := h.Coordinator.CreateFromHold(c.Request().Context(), body.HoldID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"order_id":   res.Order.ID,
		"state":      res.Order.State,
		"hold_id":    res.Order.HoldID,
		"product_id": res.Hold.ProductID,
		"quantity":   res.Hold.Qty,
	})
}
