package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/flash-sale-checkout/internal/stock"
)

// AdminHandler exposes operator-only recovery operations.
type AdminHandler struct {
	Ledger *stock.Ledger
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(ledger *stock.Ledger) *AdminHandler {
	if ledger == nil {
		panic("nil ledger passed to NewAdminHandler")
	}
	return &AdminHandler{Ledger: ledger}
}

// RefreshStock handles POST /admin/products/:id/refresh-stock. It
// recomputes the fast-store counters from durable base stock and the
// live active-hold quantity, used after a crash left the two stores
// diverged.
func (h *AdminHandler) RefreshStock(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid product id"})
	}
	snap, err := h.Ledger.Refresh(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"product_id":      id,
		"available_stock": snap.Available,
		"reserved_stock":  snap.Reserved,
		"version":         snap.Version,
	})
}
