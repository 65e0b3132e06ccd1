package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bicimarket/bicimarket/internal/pkg/entitlements"
)

// Outcome is the result status reported for one ProcessPayment call.
type Outcome string

const (
	OutcomeSucceeded       Outcome = "succeeded"
	OutcomePending         Outcome = "pending"
	OutcomeFailed          Outcome = "failed"
	OutcomeAlreadyApplied  Outcome = "already_applied"
	OutcomeReconciled      Outcome = "reconciled"
	OutcomeInFlight        Outcome = "in_flight"
	OutcomeMissingMetadata Outcome = "missing_metadata"
	OutcomeUnavailable     Outcome = "unavailable"
	OutcomeInvalid         Outcome = "invalid"

	// OutcomeIgnored is only recorded in the notification log for deliveries
	// that do not concern a payment.
	OutcomeIgnored Outcome = "ignored"
)

// PaymentFacts is the normalized view of a gateway payment object.
// ListingRef and UserRef are opaque marketplace references. An empty
// EntitlementCode or ListingRef means the checkout did not attach usable
// metadata.
type PaymentFacts struct {
	ProviderRef       string
	ExternalReference string
	UserRef           string
	ListingRef        string
	EntitlementCode   entitlements.Plan
	Amount            decimal.NullDecimal
	Currency          string
	Status            string
	ApprovedAt        *time.Time
	Raw               []byte
}

// HasEntitlement reports whether the facts name a listing and a known plan.
func (f PaymentFacts) HasEntitlement() bool {
	return f.ListingRef != "" && f.EntitlementCode != entitlements.PlanNone
}

// ReferenceTime is the instant entitlement durations are measured from.
func (f PaymentFacts) ReferenceTime(now time.Time) time.Time {
	if f.ApprovedAt != nil && !f.ApprovedAt.IsZero() {
		return *f.ApprovedAt
	}
	return now
}

// ReconcileResult describes the ledger row after a reconcile call.
type ReconcileResult struct {
	RecordID          uint
	WasAlreadyApplied bool
	PriorStatus       string
	Created           bool
	Migrated          bool
}

// ProcessResult is returned to webhook handlers and the sweeper.
type ProcessResult struct {
	OK     bool    `json:"ok"`
	Status Outcome `json:"status"`
	Error  string  `json:"error,omitempty"`
}

// PaymentIntentInput pre-creates a pending ledger row at checkout time.
type PaymentIntentInput struct {
	UserRef           string
	ListingRef        string
	Amount            decimal.NullDecimal
	Currency          string
	ExternalReference string
	PlanCode          string
	Status            string
}

type IntentResult struct {
	OK                bool   `json:"ok"`
	RecordID          uint   `json:"record_id,omitempty"`
	ExternalReference string `json:"external_reference,omitempty"`
}

// NotificationInput is the normalized input for webhook delivery logging.
type NotificationInput struct {
	Provider   string
	DeliveryID string
	Topic      string
	PaymentRef string
	Payload    []byte
}
