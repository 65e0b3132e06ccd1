package billing

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/bicimarket/bicimarket/app/models"
	"github.com/bicimarket/bicimarket/internal/pkg/entitlements"
)

// Reconcile upserts the ledger row for a payment. Lookup order is the
// gateway id, then an unkeyed checkout intent with the same external
// reference, then insert. Repository errors are returned wrapped but
// otherwise untouched; nothing is retried here.
func (s *Service) Reconcile(ctx context.Context, facts PaymentFacts) (ReconcileResult, error) {
	if facts.ProviderRef == "" {
		return ReconcileResult{}, ErrPaymentIDRequired
	}

	existing, err := s.repo.FindPaymentByProviderRef(ctx, s.provider, facts.ProviderRef)
	if err != nil && !isNotFound(err) {
		return ReconcileResult{}, fmt.Errorf("lookup payment %s: %w", facts.ProviderRef, err)
	}
	if existing != nil {
		return s.refresh(ctx, existing, facts, false)
	}

	if facts.ExternalReference != "" && facts.ExternalReference != facts.ProviderRef {
		intent, err := s.repo.FindIntentByExternalReference(ctx, s.provider, facts.ExternalReference)
		if err != nil && !isNotFound(err) {
			return ReconcileResult{}, fmt.Errorf("lookup intent %s: %w", facts.ExternalReference, err)
		}
		if intent != nil {
			return s.refresh(ctx, intent, facts, true)
		}
	}

	record := &models.PaymentRecord{
		UserRef:     optionalString(facts.UserRef),
		ListingRef:  optionalString(facts.ListingRef),
		Amount:      facts.Amount,
		Status:      facts.Status,
		Provider:    s.provider,
		ProviderRef: stringPtr(facts.ProviderRef),
		PlanCode:    string(facts.EntitlementCode),
		Applied:     false,
	}
	if facts.Currency != "" {
		record.Currency = stringPtr(facts.Currency)
	}
	if facts.ExternalReference != "" {
		record.ExternalReference = stringPtr(facts.ExternalReference)
	}
	if len(facts.Raw) > 0 {
		record.RawPayload = datatypes.JSON(facts.Raw)
	}

	if err := s.repo.CreatePayment(ctx, record); err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return ReconcileResult{}, fmt.Errorf("create payment %s: %w", facts.ProviderRef, err)
		}
		// Lost an insert race against another delivery of the same payment.
		winner, findErr := s.repo.FindPaymentByProviderRef(ctx, s.provider, facts.ProviderRef)
		if findErr != nil {
			return ReconcileResult{}, fmt.Errorf("reload payment %s: %w", facts.ProviderRef, findErr)
		}
		return s.refresh(ctx, winner, facts, false)
	}

	return ReconcileResult{
		RecordID:    record.ID,
		PriorStatus: "",
		Created:     true,
	}, nil
}

func (s *Service) refresh(ctx context.Context, rec *models.PaymentRecord, facts PaymentFacts, migrate bool) (ReconcileResult, error) {
	res := ReconcileResult{
		RecordID:          rec.ID,
		WasAlreadyApplied: rec.Applied,
		PriorStatus:       rec.Status,
		Migrated:          migrate,
	}

	updates := map[string]interface{}{}
	if status := ledgerStatus(rec, facts.Status); status != rec.Status {
		updates["status"] = status
	}
	if facts.UserRef != "" {
		updates["user_ref"] = facts.UserRef
	}
	if facts.ListingRef != "" {
		updates["listing_ref"] = facts.ListingRef
	}
	if facts.Amount.Valid {
		updates["amount"] = facts.Amount
	}
	if facts.Currency != "" {
		updates["currency"] = facts.Currency
	}
	if facts.EntitlementCode != entitlements.PlanNone {
		updates["plan_code"] = string(facts.EntitlementCode)
	}
	if len(facts.Raw) > 0 {
		updates["raw_payload"] = datatypes.JSON(facts.Raw)
	}
	if facts.ExternalReference != "" && rec.ExternalReference == nil {
		updates["external_reference"] = facts.ExternalReference
	}
	if migrate {
		updates["provider_ref"] = facts.ProviderRef
	}

	if err := s.repo.UpdatePayment(ctx, rec.ID, updates); err != nil {
		if migrate && errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent delivery inserted the keyed row first; continue on it.
			winner, findErr := s.repo.FindPaymentByProviderRef(ctx, s.provider, facts.ProviderRef)
			if findErr != nil {
				return ReconcileResult{}, fmt.Errorf("reload payment %s: %w", facts.ProviderRef, findErr)
			}
			return s.refresh(ctx, winner, facts, false)
		}
		return ReconcileResult{}, fmt.Errorf("update payment %d: %w", rec.ID, err)
	}
	return res, nil
}

// ledgerStatus is the status to store for rec given the gateway's latest
// status. An applied payment never falls back to pending, but a refund or
// chargeback (failed) is recorded; applied itself stays true.
func ledgerStatus(rec *models.PaymentRecord, incoming string) string {
	if rec.Applied && incoming == models.PaymentStatusPending {
		return models.PaymentStatusSucceeded
	}
	return incoming
}

func stringPtr(s string) *string {
	return &s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
