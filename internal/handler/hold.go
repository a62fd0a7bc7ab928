package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/flash-sale-checkout/internal/hold"
	"github.com/iliyamo/flash-sale-checkout/internal/repository"
)

// maxHoldQty bounds a single reservation. Larger requests are a client
// bug or an attack, not a sale.
const maxHoldQty = 1000

// HoldHandler serves hold creation, lookup and caller-initiated release.
type HoldHandler struct {
	Holds    *hold.Registry
	Products *repository.ProductRepo
}

// NewHoldHandler constructs a HoldHandler. All dependencies must be
// non-nil.
func NewHoldHandler(holds *hold.Registry, products *repository.ProductRepo) *HoldHandler {
	if holds == nil || products == nil {
		panic("nil dependency passed to NewHoldHandler")
	}
	return &HoldHandler{Holds: holds, Products: products}
}

// Create handles POST /holds. It validates the quantity bounds, checks
// the product exists in the catalogue and creates the hold with its
// reservation in one atomic step.
func (h *HoldHandler) Create(c echo.Context) error {
	var body struct {
		ProductID uint64 `json:"product_id"`
		Qty       int64  `json:"qty"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.ProductID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "product_id is required"})
	}
	if body.Qty < 1 || body.Qty > maxHoldQty {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "qty must be between 1 and 1000"})
	}
	ctx := c.Request().Context()
	if _, err := h.Products.GetByID(ctx, body.ProductID); err != nil {
		return writeError(c, err)
	}
	res, err := h.Holds.Create(ctx, body.ProductID, uint32(body.Qty))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"hold_id":         res.Hold.ID,
		"product_id":      res.Hold.ProductID,
		"quantity":        res.Hold.Qty,
		"expires_at":      res.Hold.ExpiresAt.UTC().Format(time.RFC3339),
		"available_stock": res.Snapshot.Available,
		"reserved_stock":  res.Snapshot.Reserved,
		"version":         res.Snapshot.Version,
	})
}

// Get handles GET /holds/:id.
func (h *HoldHandler) Get(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid hold id"})
	}
	rec, err := h.Holds.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"hold_id":    rec.ID,
		"product_id": rec.ProductID,
		"quantity":   rec.Qty,
		"status":     rec.Status,
		"created_at": rec.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at": rec.ExpiresAt.UTC().Format(time.RFC3339),
		"version":    rec.Version,
	})
}

// Release handles DELETE /holds/:id: a caller-initiated cancellation
// that refunds the units to the available pool.
func (h *HoldHandler) Release(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid hold id"})
	}
	res, err := h.Holds.Release(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"hold_id":         id,
		"released_qty":    res.Qty,
		"available_stock": res.Snapshot.Available,
		"reserved_stock":  res.Snapshot.Reserved,
		"version":         res.Snapshot.Version,
	})
}
