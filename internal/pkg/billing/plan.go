package billing

import (
	"strings"

	"github.com/bicimarket/bicimarket/app/models"
)

// MapGatewayStatus maps a gateway payment status onto the ledger status.
// Every input maps to exactly one of pending, succeeded or failed.
func MapGatewayStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "approved":
		return models.PaymentStatusSucceeded
	case "rejected", "cancelled", "canceled", "charged_back", "refunded":
		return models.PaymentStatusFailed
	default:
		return models.PaymentStatusPending
	}
}

func normalizeIntentStatus(status string) string {
	// Only the gateway can confirm a payment.
	if strings.EqualFold(strings.TrimSpace(status), models.PaymentStatusFailed) {
		return models.PaymentStatusFailed
	}
	return models.PaymentStatusPending
}

func outcomeForStatus(status string) Outcome {
	switch status {
	case models.PaymentStatusSucceeded:
		return OutcomeSucceeded
	case models.PaymentStatusFailed:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
