package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/flash-sale-checkout/internal/hold"
	"github.com/iliyamo/flash-sale-checkout/internal/repository"
	"github.com/iliyamo/flash-sale-checkout/internal/stock"
)

// ProductHandler serves the product view: catalogue data joined with the
// live stock snapshot from the fast store.
type ProductHandler struct {
	Products *repository.ProductRepo
	Ledger   *stock.Ledger
	Holds    *hold.Registry
}

// NewProductHandler constructs a ProductHandler. All dependencies must
// be non-nil.
func NewProductHandler(products *repository.ProductRepo, ledger *stock.Ledger, holds *hold.Registry) *ProductHandler {
	if products == nil || ledger == nil || holds == nil {
		panic("nil dependency passed to NewProductHandler")
	}
	return &ProductHandler{Products: products, Ledger: ledger, Holds: holds}
}

// Get handles GET /products/:id. It returns the durable catalogue row
// together with the live counters, initializing them on first contact.
func (h *ProductHandler) Get(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid product id"})
	}
	ctx := c.Request().Context()
	p, err := h.Products.GetByID(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	snap, err := h.Ledger.Snapshot(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	activeQty, err := h.Holds.ActiveQty(ctx, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"id":              p.ID,
		"name":            p.Name,
		"price":           p.PriceCents,
		"total_stock":     p.Stock,
		"available_stock": snap.Available,
		"reserved_stock":  snap.Reserved,
		"active_holds":    activeQty,
		"version":         snap.Version,
	})
}
