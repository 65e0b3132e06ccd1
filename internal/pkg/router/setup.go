package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/bicimarket/bicimarket/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

func InstallRouter(app *fiber.App, payments *controllers.PaymentController) {
	limiterStorage := newLimiterStorage()
	setup(app,
		NewWebhookRouter(payments, limiterStorage),
		NewApiRouter(payments, limiterStorage),
	)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
