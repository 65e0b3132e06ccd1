package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/bicimarket/bicimarket/app/controllers"
	"github.com/bicimarket/bicimarket/internal/pkg/constants"
)

// WebhookRouter exposes the gateway callbacks. They are unauthenticated:
// every notification is verified by fetching the payment from the gateway.
type WebhookRouter struct {
	payments *controllers.PaymentController
	storage  fiber.Storage
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	hooks := app.Group(constants.WebhooksPrefix, newLimiter(h.storage, "WEBHOOK_RATE_LIMIT", 600))
	hooks.Post(constants.MercadoPagoWebhook, h.payments.HandleMercadoPagoWebhook)
}

func NewWebhookRouter(payments *controllers.PaymentController, storage fiber.Storage) *WebhookRouter {
	return &WebhookRouter{payments: payments, storage: storage}
}
