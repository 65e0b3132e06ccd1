package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/bicimarket/bicimarket/app/models"
	"github.com/bicimarket/bicimarket/app/repository"
	"github.com/bicimarket/bicimarket/internal/pkg/billing"
	"github.com/bicimarket/bicimarket/internal/pkg/metrics/counter"
)

const webhookTimeout = 20 * time.Second

// PaymentProcessor is the part of the billing service the HTTP layer uses.
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, paymentID string) (billing.ProcessResult, error)
	RecordPaymentIntent(ctx context.Context, in billing.PaymentIntentInput) (billing.IntentResult, error)
	RecordNotification(ctx context.Context, in billing.NotificationInput) (bool, *models.PaymentNotification, error)
	MarkNotificationProcessed(ctx context.Context, notificationID uint, outcome billing.Outcome, processingErr error) error
}

// PaymentController handles gateway webhooks and the internal payment API.
type PaymentController struct {
	svc      PaymentProcessor
	listings repository.ListingRepository
	users    repository.UserRepository
	payments repository.PaymentRepository
	counter  *counter.Counter
	validate *validator.Validate
	now      func() time.Time
}

// NewPaymentController creates a payment controller. ctr may be nil.
func NewPaymentController(svc PaymentProcessor, repos *repository.Repositories, ctr *counter.Counter) *PaymentController {
	return &PaymentController{
		svc:      svc,
		listings: repos.Listing,
		users:    repos.User,
		payments: repos.Payment,
		counter:  ctr,
		validate: validator.New(),
		now:      time.Now,
	}
}

// ============================================================================
// WEBHOOK
// ============================================================================

// mercadoPagoNotification is a webhook or IPN delivery reduced to what the
// handler needs.
type mercadoPagoNotification struct {
	DeliveryID string
	Topic      string
	PaymentID  string
	Payload    []byte
}

type mercadoPagoWebhookBody struct {
	ID       json.RawMessage `json:"id"`
	Type     string          `json:"type"`
	Topic    string          `json:"topic"`
	Action   string          `json:"action"`
	Resource string          `json:"resource"`
	Data     struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// parseMercadoPagoNotification accepts both the JSON webhook format and the
// legacy IPN query format (?topic=payment&id=123).
func parseMercadoPagoNotification(c *fiber.Ctx, rawBody []byte) mercadoPagoNotification {
	var body mercadoPagoWebhookBody
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &body); err != nil {
			log.Warnf("[Webhook] unreadable MercadoPago body from %s: %v", ClientIP(c), err)
		}
	}

	n := mercadoPagoNotification{
		Topic: strings.ToLower(firstNonEmpty(body.Type, body.Topic, c.Query("type"), c.Query("topic"), body.Action)),
		PaymentID: firstNonEmpty(
			rawID(body.Data.ID),
			c.Query("data.id"),
			c.Query("id"),
			lastPathSegment(body.Resource),
		),
	}
	if id := rawID(body.ID); id != "" {
		n.DeliveryID = "webhook:" + id
	} else if reqID := strings.TrimSpace(c.Get("X-Request-Id")); reqID != "" {
		n.DeliveryID = "request:" + reqID
	}

	if len(rawBody) > 0 && json.Valid(rawBody) {
		n.Payload = rawBody
	} else {
		// IPN deliveries carry everything in the query string.
		n.Payload, _ = json.Marshal(fiber.Map{"topic": n.Topic, "id": n.PaymentID})
	}
	return n
}

func rawID(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	return trimmed
}

func lastPathSegment(resource string) string {
	resource = strings.TrimRight(strings.TrimSpace(resource), "/")
	if resource == "" {
		return ""
	}
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		return resource[i+1:]
	}
	return resource
}

func isPaymentTopic(topic string) bool {
	return topic == "payment" || strings.HasPrefix(topic, "payment.")
}

// isFinalOutcome reports whether a logged delivery needs no further work.
func isFinalOutcome(outcome string) bool {
	switch billing.Outcome(outcome) {
	case billing.OutcomeSucceeded, billing.OutcomeAlreadyApplied, billing.OutcomeReconciled, billing.OutcomeIgnored:
		return true
	default:
		return false
	}
}

// HandleMercadoPagoWebhook receives gateway notifications. Non-2xx answers
// make MercadoPago redeliver later.
func (pc *PaymentController) HandleMercadoPagoWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	n := parseMercadoPagoNotification(c, rawBody)

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	created, stored, err := pc.svc.RecordNotification(ctx, billing.NotificationInput{
		Provider:   models.PaymentProviderMercadoPago,
		DeliveryID: n.DeliveryID,
		Topic:      n.Topic,
		PaymentRef: n.PaymentID,
		Payload:    n.Payload,
	})
	if err != nil {
		log.Errorf("[Webhook] failed to log MercadoPago delivery (topic=%s id=%s): %v", n.Topic, n.PaymentID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created && stored.ProcessedAt != nil && isFinalOutcome(stored.Outcome) {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true, "status": stored.Outcome})
	}

	if !isPaymentTopic(n.Topic) {
		_ = pc.svc.MarkNotificationProcessed(ctx, stored.ID, billing.OutcomeIgnored, nil)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}
	if n.PaymentID == "" {
		_ = pc.svc.MarkNotificationProcessed(ctx, stored.ID, billing.OutcomeInvalid, billing.ErrPaymentIDRequired)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "payment id missing"})
	}

	log.Infof("[Webhook] MercadoPago %s notification for payment %s from %s", n.Topic, n.PaymentID, ClientIP(c))
	res, procErr := pc.process(ctx, n.PaymentID)
	if err := pc.svc.MarkNotificationProcessed(ctx, stored.ID, res.Status, procErr); err != nil {
		log.Warnf("[Webhook] could not store outcome for delivery %d: %v", stored.ID, err)
	}
	return c.Status(statusCodeFor(res, procErr)).JSON(res)
}

func (pc *PaymentController) process(ctx context.Context, paymentID string) (billing.ProcessResult, error) {
	res, err := pc.svc.ProcessPayment(ctx, paymentID)
	if err != nil {
		log.Errorf("[Webhook] payment %s failed: %v", paymentID, err)
	}
	if cerr := pc.counter.AddOutcome(ctx, string(res.Status)); cerr != nil {
		log.Warnf("[Webhook] outcome counter unavailable: %v", cerr)
	}
	return res, err
}

func statusCodeFor(res billing.ProcessResult, err error) int {
	if err != nil {
		if errors.Is(err, billing.ErrPaymentIDRequired) {
			return fiber.StatusBadRequest
		}
		return fiber.StatusInternalServerError
	}
	switch res.Status {
	case billing.OutcomeInFlight:
		return fiber.StatusConflict
	case billing.OutcomeUnavailable:
		return fiber.StatusServiceUnavailable
	case billing.OutcomeInvalid:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusOK
	}
}

// ============================================================================
// INTERNAL API
// ============================================================================

type paymentIntentRequest struct {
	UserRef           string              `json:"user_ref" validate:"omitempty,max=64"`
	ListingRef        string              `json:"listing_ref" validate:"required,max=64"`
	Amount            decimal.NullDecimal `json:"amount" validate:"-"`
	Currency          string              `json:"currency" validate:"omitempty,len=3,alpha"`
	ExternalReference string              `json:"external_reference" validate:"omitempty,max=191"`
	PlanCode          string              `json:"plan_code" validate:"omitempty,max=50"`
	Status            string              `json:"status" validate:"omitempty,oneof=pending failed succeeded"`
}

// HandleCreatePaymentIntent records a checkout before the gateway assigns
// its payment id.
func (pc *PaymentController) HandleCreatePaymentIntent(c *fiber.Ctx) error {
	var req paymentIntentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid JSON body"})
	}
	if err := pc.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	if req.Amount.Valid && req.Amount.Decimal.IsNegative() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": "amount must not be negative"})
	}

	req.ListingRef = strings.TrimSpace(req.ListingRef)
	req.UserRef = strings.TrimSpace(req.UserRef)
	if req.ListingRef == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": "listing_ref is required"})
	}

	if _, err := pc.listings.GetByRef(req.ListingRef); err != nil {
		return pc.lookupError(c, "listing", err)
	}
	if req.UserRef != "" {
		if _, err := pc.users.GetByRef(req.UserRef); err != nil {
			return pc.lookupError(c, "user", err)
		}
	}

	res, err := pc.svc.RecordPaymentIntent(c.UserContext(), billing.PaymentIntentInput{
		UserRef:           req.UserRef,
		ListingRef:        req.ListingRef,
		Amount:            req.Amount,
		Currency:          req.Currency,
		ExternalReference: req.ExternalReference,
		PlanCode:          req.PlanCode,
		Status:            req.Status,
	})
	if err != nil {
		if errors.Is(err, billing.ErrInvalidIntent) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_intent", "message": err.Error()})
		}
		log.Errorf("[API] recording payment intent for listing %s failed: %v", req.ListingRef, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// HandleProcessPayment re-runs reconciliation for one gateway payment id.
func (pc *PaymentController) HandleProcessPayment(c *fiber.Ctx, paymentID string) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res, err := pc.process(ctx, paymentID)
	return c.Status(statusCodeFor(res, err)).JSON(res)
}

// HandleGetPayment returns the ledger row for a gateway payment id.
func (pc *PaymentController) HandleGetPayment(c *fiber.Ctx, paymentID string) error {
	rec, err := pc.payments.GetByProviderRef(models.PaymentProviderMercadoPago, strings.TrimSpace(paymentID))
	if err != nil {
		return pc.lookupError(c, "payment", err)
	}
	return c.JSON(rec)
}

// HandleGetListingEntitlements shows the paid features of a listing and its
// recent payments.
func (pc *PaymentController) HandleGetListingEntitlements(c *fiber.Ctx, listingRef string) error {
	listing, err := pc.listings.GetByRef(listingRef)
	if err != nil {
		return pc.lookupError(c, "listing", err)
	}
	payments, err := pc.payments.ListByListingRef(listing.Ref, 20)
	if err != nil {
		log.Errorf("[API] listing %s payments: %v", listingRef, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	now := pc.now()
	return c.JSON(fiber.Map{
		"listing_ref":       listing.Ref,
		"plan_code":         listing.PlanCode,
		"plan_active":       listing.HasActivePlan(now),
		"plan_expires_at":   formatTimePtr(listing.PlanExpiresAt),
		"boosted":           listing.IsBoosted(now),
		"boost_expires_at":  formatTimePtr(listing.BoostExpiresAt),
		"image_count":       listing.ImageCount,
		"visible_photo_cap": listing.VisiblePhotoCap,
		"granted_photo_cap": listing.GrantedPhotoCap,
		"messaging_enabled": listing.MessagingEnabled,
		"payments":          payments,
	})
}

// HandlePaymentStats reports ledger totals and processing outcome counters.
func (pc *PaymentController) HandlePaymentStats(c *fiber.Ctx) error {
	ledger, err := pc.payments.CountByStatus(models.PaymentProviderMercadoPago)
	if err != nil {
		log.Errorf("[API] payment stats: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	resp := fiber.Map{"ledger": ledger}
	if totals, err := pc.counter.Totals(c.UserContext()); err == nil {
		resp["outcomes"] = totals
	}
	if today, err := pc.counter.Day(c.UserContext(), pc.now()); err == nil {
		resp["outcomes_today"] = today
	}
	return c.JSON(resp)
}

func (pc *PaymentController) lookupError(c *fiber.Ctx, what string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": what + "_not_found"})
	}
	log.Errorf("[API] %s lookup failed: %v", what, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
}
