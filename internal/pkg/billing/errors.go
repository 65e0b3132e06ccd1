package billing

import "errors"

var (
	ErrPaymentIDRequired = errors.New("payment id is required")
	ErrGatewayFetch      = errors.New("gateway payment fetch failed")
	ErrListingNotFound   = errors.New("listing not found")
	ErrUnknownPlan       = errors.New("unknown plan code")
	ErrInvalidIntent     = errors.New("invalid payment intent")
)
