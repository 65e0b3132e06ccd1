package apiv1

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Pong defines model for Pong.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (GET /ping)
	GetPing(c *fiber.Ctx) error
	// (POST /payments/intents)
	PostPaymentIntent(c *fiber.Ctx) error
	// (GET /payments/stats)
	GetPaymentStats(c *fiber.Ctx) error
	// (GET /payments/{id})
	GetPayment(c *fiber.Ctx, id string) error
	// (POST /payments/{id}/process)
	PostProcessPayment(c *fiber.Ctx, id string) error
	// (GET /listings/{id}/entitlements)
	GetListingEntitlements(c *fiber.Ctx, id string) error
}

// ServerInterfaceWrapper converts fiber contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func (siw *ServerInterfaceWrapper) GetPing(c *fiber.Ctx) error {
	return siw.Handler.GetPing(c)
}

func (siw *ServerInterfaceWrapper) PostPaymentIntent(c *fiber.Ctx) error {
	return siw.Handler.PostPaymentIntent(c)
}

func (siw *ServerInterfaceWrapper) GetPaymentStats(c *fiber.Ctx) error {
	return siw.Handler.GetPaymentStats(c)
}

func (siw *ServerInterfaceWrapper) GetPayment(c *fiber.Ctx) error {
	return siw.Handler.GetPayment(c, c.Params("id"))
}

func (siw *ServerInterfaceWrapper) PostProcessPayment(c *fiber.Ctx) error {
	return siw.Handler.PostProcessPayment(c, c.Params("id"))
}

func (siw *ServerInterfaceWrapper) GetListingEntitlements(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" || len(id) > 64 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid format for parameter id"})
	}
	return siw.Handler.GetListingEntitlements(c, id)
}

// FiberServerOptions provides options for the Fiber server.
type FiberServerOptions struct {
	// Protected runs before every route except ping.
	Protected []fiber.Handler
}

// RegisterHandlers creates http.Handler with routing matching OpenAPI spec.
func RegisterHandlers(router fiber.Router, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, FiberServerOptions{})
}

// RegisterHandlersWithOptions creates http.Handler with additional options
func RegisterHandlersWithOptions(router fiber.Router, si ServerInterface, options FiberServerOptions) {
	wrapper := ServerInterfaceWrapper{
		Handler: si,
	}
	protected := func(h fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler{}, options.Protected...), h)
	}

	router.Get("/ping", wrapper.GetPing)
	router.Post("/payments/intents", protected(wrapper.PostPaymentIntent)...)
	router.Get("/payments/stats", protected(wrapper.GetPaymentStats)...)
	router.Get("/payments/:id", protected(wrapper.GetPayment)...)
	router.Post("/payments/:id/process", protected(wrapper.PostProcessPayment)...)
	router.Get("/listings/:id/entitlements", protected(wrapper.GetListingEntitlements)...)
}
