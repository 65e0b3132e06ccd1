package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/bicimarket/bicimarket/app/models"
	"github.com/bicimarket/bicimarket/internal/pkg/entitlements"
)

// Service reconciles gateway payments with the ledger and applies paid plans
// to listings.
type Service struct {
	repo     Repository
	gateway  Gateway
	guard    Guard
	notifier Notifier
	provider string
	now      func() time.Time
}

type Option func(*Service)

func WithGuard(g Guard) Option {
	return func(s *Service) { s.guard = g }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a billing service from an injected repository and gateway.
func NewService(repo Repository, gateway Gateway, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		gateway:  gateway,
		guard:    NewInFlightGuard(),
		provider: models.PaymentProviderMercadoPago,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, gateway Gateway, opts ...Option) *Service {
	return NewService(NewRepository(db), gateway, opts...)
}

// Available reports whether gateway credentials are configured.
func (s *Service) Available() bool {
	return s.gateway != nil && s.gateway.Configured()
}

// ProcessPayment fetches a payment from the gateway, reconciles the ledger
// and, for succeeded payments, applies the plan. It is safe to call any
// number of times for the same id. The returned error is non-nil only for
// failures the gateway should redeliver for.
func (s *Service) ProcessPayment(ctx context.Context, paymentID string) (ProcessResult, error) {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return ProcessResult{OK: false, Status: OutcomeInvalid, Error: ErrPaymentIDRequired.Error()}, ErrPaymentIDRequired
	}
	if !s.Available() {
		log.Warnf("[Billing] gateway not configured, skipping payment %s", id)
		return ProcessResult{OK: false, Status: OutcomeUnavailable, Error: "payment gateway not configured"}, nil
	}

	release, ok := s.guard.TryAcquire(ctx, id)
	if !ok {
		log.Infof("[Billing] payment %s already in flight", id)
		return ProcessResult{OK: false, Status: OutcomeInFlight, Error: "payment is already being processed"}, nil
	}
	defer release()

	payment, err := s.gateway.GetPayment(ctx, id)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrGatewayFetch, id, err)
		return failure(err), err
	}

	facts := ExtractPaymentFacts(payment)
	if facts.ProviderRef == "" {
		facts.ProviderRef = id
	}

	rec, err := s.Reconcile(ctx, facts)
	if err != nil {
		return failure(err), err
	}
	if rec.Migrated {
		log.Infof("[Billing] payment %s reconciled with checkout intent %s", facts.ProviderRef, facts.ExternalReference)
	}

	if facts.Status != models.PaymentStatusSucceeded {
		return ProcessResult{OK: true, Status: outcomeForStatus(facts.Status)}, nil
	}
	if rec.WasAlreadyApplied {
		return ProcessResult{OK: true, Status: OutcomeAlreadyApplied}, nil
	}
	if !facts.HasEntitlement() {
		log.Warnf("[Billing] succeeded payment %s has no usable metadata (listing=%v plan=%q external_reference=%q)",
			facts.ProviderRef, facts.ListingRef != "", facts.EntitlementCode, facts.ExternalReference)
		return ProcessResult{OK: false, Status: OutcomeMissingMetadata, Error: "payment metadata is missing listing or plan"}, nil
	}

	now := s.now()
	listing, err := s.ApplyEntitlement(ctx, facts.ListingRef, facts.EntitlementCode, facts.ReferenceTime(now))
	if err != nil {
		return failure(err), err
	}

	first, err := s.repo.MarkAppliedOnce(ctx, s.provider, facts.ProviderRef, now)
	if err != nil {
		err = fmt.Errorf("mark payment %s applied: %w", facts.ProviderRef, err)
		return failure(err), err
	}
	if !first {
		log.Infof("[Billing] payment %s was applied by a concurrent delivery", facts.ProviderRef)
		return ProcessResult{OK: true, Status: OutcomeReconciled}, nil
	}

	log.Infof("[Billing] applied plan %s to listing %s for payment %s", facts.EntitlementCode, listing.Ref, facts.ProviderRef)
	s.sendConfirmation(ctx, facts, listing)
	return ProcessResult{OK: true, Status: OutcomeSucceeded}, nil
}

func failure(err error) ProcessResult {
	return ProcessResult{OK: false, Status: OutcomeFailed, Error: err.Error()}
}

// sendConfirmation never fails the payment: the plan is already applied.
func (s *Service) sendConfirmation(ctx context.Context, facts PaymentFacts, listing *models.Listing) {
	if s.notifier == nil {
		return
	}

	user, err := s.recipient(ctx, facts, listing)
	if err != nil {
		log.Errorf("[Billing] confirmation for payment %s: cannot load recipient: %v", facts.ProviderRef, err)
		return
	}
	if !user.CanReceiveMail() {
		log.Warnf("[Billing] confirmation for payment %s skipped: user %d has no deliverable email", facts.ProviderRef, user.ID)
		return
	}

	err = s.notifier.Notify(ctx, Confirmation{
		To:           user.Email,
		Name:         user.Name,
		ListingRef:   listing.Ref,
		ListingTitle: listing.Title,
		Plan:         facts.EntitlementCode,
		Amount:       facts.Amount,
		Currency:     facts.Currency,
		ExpiresAt:    listing.PlanExpiresAt,
		PaymentRef:   facts.ProviderRef,
	})
	if err != nil {
		log.Errorf("[Billing] confirmation for payment %s failed: %v", facts.ProviderRef, err)
	}
}

// recipient is the paying user when the checkout named one, else the
// listing owner.
func (s *Service) recipient(ctx context.Context, facts PaymentFacts, listing *models.Listing) (*models.User, error) {
	if facts.UserRef != "" {
		user, err := s.repo.GetUserByRef(ctx, facts.UserRef)
		if err == nil {
			return user, nil
		}
		if !isNotFound(err) {
			return nil, fmt.Errorf("user %s: %w", facts.UserRef, err)
		}
		log.Warnf("[Billing] payment %s names unknown user %s, mailing the listing owner", facts.ProviderRef, facts.UserRef)
	}
	user, err := s.repo.GetUser(ctx, listing.OwnerUserID)
	if err != nil {
		return nil, fmt.Errorf("listing owner %d: %w", listing.OwnerUserID, err)
	}
	return user, nil
}

// RecordPaymentIntent pre-creates a pending ledger row before the gateway
// assigns its own id. Repeated calls with the same external reference update
// the same row.
func (s *Service) RecordPaymentIntent(ctx context.Context, in PaymentIntentInput) (IntentResult, error) {
	listingRef := strings.TrimSpace(in.ListingRef)
	userRef := strings.TrimSpace(in.UserRef)
	if listingRef == "" {
		return IntentResult{}, fmt.Errorf("%w: listing_ref is required", ErrInvalidIntent)
	}
	plan := entitlements.PlanNone
	if strings.TrimSpace(in.PlanCode) != "" {
		plan = entitlements.NormalizePlan(in.PlanCode)
		if plan == entitlements.PlanNone {
			return IntentResult{}, fmt.Errorf("%w: %w %q", ErrInvalidIntent, ErrUnknownPlan, in.PlanCode)
		}
	}

	ref := strings.TrimSpace(in.ExternalReference)
	if ref == "" {
		ref = uuid.NewString()
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	status := normalizeIntentStatus(in.Status)

	existing, err := s.repo.FindPaymentByExternalReference(ctx, s.provider, ref)
	if err != nil && !isNotFound(err) {
		return IntentResult{}, fmt.Errorf("lookup intent %s: %w", ref, err)
	}
	if existing != nil {
		if existing.Applied || existing.ProviderRef != nil {
			// The gateway already owns this row.
			return IntentResult{OK: true, RecordID: existing.ID, ExternalReference: ref}, nil
		}
		updates := map[string]interface{}{
			"listing_ref": listingRef,
			"status":      status,
		}
		if userRef != "" {
			updates["user_ref"] = userRef
		}
		if in.Amount.Valid {
			updates["amount"] = in.Amount
		}
		if currency != "" {
			updates["currency"] = currency
		}
		if plan != entitlements.PlanNone {
			updates["plan_code"] = string(plan)
		}
		if err := s.repo.UpdatePayment(ctx, existing.ID, updates); err != nil {
			return IntentResult{}, fmt.Errorf("update intent %s: %w", ref, err)
		}
		return IntentResult{OK: true, RecordID: existing.ID, ExternalReference: ref}, nil
	}

	record := &models.PaymentRecord{
		UserRef:           optionalString(userRef),
		ListingRef:        optionalString(listingRef),
		Amount:            in.Amount,
		Status:            status,
		Provider:          s.provider,
		ExternalReference: stringPtr(ref),
		PlanCode:          string(plan),
	}
	if currency != "" {
		record.Currency = stringPtr(currency)
	}
	if err := s.repo.CreatePayment(ctx, record); err != nil {
		return IntentResult{}, fmt.Errorf("create intent %s: %w", ref, err)
	}
	log.Infof("[Billing] recorded checkout intent %s for listing %s", ref, listingRef)
	return IntentResult{OK: true, RecordID: record.ID, ExternalReference: ref}, nil
}

// RecordNotification persists a webhook delivery idempotently.
func (s *Service) RecordNotification(ctx context.Context, in NotificationInput) (bool, *models.PaymentNotification, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		provider = s.provider
	}
	deliveryID := strings.TrimSpace(in.DeliveryID)
	if deliveryID == "" {
		sum := sha256.Sum256(in.Payload)
		deliveryID = "hash:" + hex.EncodeToString(sum[:])
	}

	n := &models.PaymentNotification{
		Provider:   provider,
		DeliveryID: deliveryID,
		Topic:      strings.TrimSpace(in.Topic),
		PaymentRef: strings.TrimSpace(in.PaymentRef),
	}
	if len(in.Payload) > 0 && json.Valid(in.Payload) {
		n.Payload = datatypes.JSON(in.Payload)
	}
	return s.repo.CreateNotificationIfNotExists(ctx, n)
}

// MarkNotificationProcessed stores the outcome of a delivery.
func (s *Service) MarkNotificationProcessed(ctx context.Context, notificationID uint, outcome Outcome, processingErr error) error {
	if notificationID == 0 {
		return errors.New("notification id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkNotificationProcessed(ctx, notificationID, string(outcome), errMsg)
}
