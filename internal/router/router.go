package router // HTTP route registration for the checkout API

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/flash-sale-checkout/internal/config"
	"github.com/iliyamo/flash-sale-checkout/internal/handler"
	"github.com/iliyamo/flash-sale-checkout/internal/middleware"
)

// Deps carries everything route registration needs. Handlers are
// constructed by the caller so the router stays free of wiring logic.
type Deps struct {
	Products *handler.ProductHandler
	Holds    *handler.HoldHandler
	Orders   *handler.OrderHandler
	Webhook  *handler.WebhookHandler
	Admin    *handler.AdminHandler

	RateLimit     config.RateLimitConfig
	Redis         *redis.Client
	WebhookSecret string
}

// RegisterRoutes mounts the full API surface on the provided Echo
// instance. Hold creation sits behind the token-bucket limiter; the
// webhook behind optional bearer auth.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", handler.Health)

	e.GET("/products/:id", d.Products.Get)

	e.POST("/holds", d.Holds.Create, middleware.NewTokenBucket(d.RateLimit, d.Redis))
	e.GET("/holds/:id", d.Holds.Get)
	e.DELETE("/holds/:id", d.Holds.Release)

	e.POST("/orders", d.Orders.Create)

	e.POST("/payments/webhook", d.Webhook.Handle, middleware.WebhookAuth(d.WebhookSecret))

	e.POST("/admin/products/:id/refresh-stock", d.Admin.RefreshStock)
}
