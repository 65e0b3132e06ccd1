package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to existing controllers to keep behavior consistent
	"github.com/bicimarket/bicimarket/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct {
	payments *controllers.PaymentController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(payments *controllers.PaymentController) *APIServer {
	return &APIServer{payments: payments}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// PostPaymentIntent records a checkout intent. Internal token protected.
func (s *APIServer) PostPaymentIntent(c *fiber.Ctx) error {
	return s.payments.HandleCreatePaymentIntent(c)
}

func (s *APIServer) GetPaymentStats(c *fiber.Ctx) error {
	return s.payments.HandlePaymentStats(c)
}

func (s *APIServer) GetPayment(c *fiber.Ctx, id string) error {
	return s.payments.HandleGetPayment(c, id)
}

// PostProcessPayment manually re-runs reconciliation for a gateway payment id.
func (s *APIServer) PostProcessPayment(c *fiber.Ctx, id string) error {
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "id missing"})
	}
	return s.payments.HandleProcessPayment(c, id)
}

func (s *APIServer) GetListingEntitlements(c *fiber.Ctx, id string) error {
	return s.payments.HandleGetListingEntitlements(c, id)
}
