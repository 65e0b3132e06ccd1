package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/bicimarket/bicimarket/app/controllers"
	apiv1 "github.com/bicimarket/bicimarket/internal/api/v1"
	"github.com/bicimarket/bicimarket/internal/pkg/constants"
	"github.com/bicimarket/bicimarket/internal/pkg/middleware"
)

type ApiRouter struct {
	payments *controllers.PaymentController
	storage  fiber.Storage
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group(constants.APIPrefix, newLimiter(h.storage, "API_RATE_LIMIT", 120))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group(constants.APIV1Prefix)
	apiServer := apiv1.NewAPIServer(h.payments)
	apiv1.RegisterHandlersWithOptions(v1, apiServer, apiv1.FiberServerOptions{
		Protected: []fiber.Handler{middleware.InternalTokenMiddleware()},
	})
}

func NewApiRouter(payments *controllers.PaymentController, storage fiber.Storage) *ApiRouter {
	return &ApiRouter{payments: payments, storage: storage}
}
