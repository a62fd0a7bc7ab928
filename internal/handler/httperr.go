package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/flash-sale-checkout/internal/faststore"
	"github.com/iliyamo/flash-sale-checkout/internal/hold"
	"github.com/iliyamo/flash-sale-checkout/internal/repository"
	"github.com/iliyamo/flash-sale-checkout/internal/stock"
)

// writeError maps domain errors onto the API's status codes and payload
// shapes. Handlers call it for every non-success path so the mapping
// stays in one place.
func writeError(c echo.Context, err error) error {
	var insufficient *stock.InsufficientStockError
	if errors.As(err, &insufficient) {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":           "insufficient_stock",
			"available_stock": insufficient.Available,
			"reserved_stock":  insufficient.Reserved,
			"version":         insufficient.Version,
		})
	}
	var expired *hold.ExpiredError
	if errors.As(err, &expired) {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":      "hold_expired",
			"expires_at": expired.ExpiresAt.UTC(),
		})
	}
	var notExpired *hold.NotExpiredError
	if errors.As(err, &notExpired) {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "hold_not_expired",
			"expires_at":        notExpired.ExpiresAt.UTC(),
			"seconds_remaining": notExpired.SecondsRemaining,
		})
	}
	var invalid *hold.InvalidError
	if errors.As(err, &invalid) {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "invalid_hold",
			"reason": invalid.Reason,
		})
	}
	switch {
	case errors.Is(err, hold.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "hold not found"})
	case errors.Is(err, hold.ErrAlreadyUsed):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "hold already used"})
	case errors.Is(err, repository.ErrProductNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "product not found"})
	case errors.Is(err, repository.ErrOrderNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "order not found"})
	case errors.Is(err, faststore.ErrUnavailable):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "fast store unavailable"})
	case errors.Is(err, stock.ErrConcurrentModification):
		c.Logger().Errorf("concurrent modification exhausted retries: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "concurrent modification, please retry"})
	default:
		c.Logger().Errorf("unhandled error: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}
