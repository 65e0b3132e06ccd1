package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/bicimarket/bicimarket/app/models"
	"github.com/bicimarket/bicimarket/internal/pkg/entitlements"
)

// ApplyEntitlement grants plan, paid at ref, to the listing with the given
// public reference and returns the listing as stored afterwards. The merge
// runs inside the repository so concurrent payments for the same listing
// compose; applying the same plan twice with the same ref changes nothing.
func (s *Service) ApplyEntitlement(ctx context.Context, listingRef string, plan entitlements.Plan, ref time.Time) (*models.Listing, error) {
	grant, ok := entitlements.GrantFor(plan, ref)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}

	listing, err := s.loadListing(ctx, listingRef)
	if err != nil {
		return nil, err
	}

	current := entitlements.Plan(listing.PlanCode)
	if listing.HasActivePlan(ref) && entitlements.Rank(plan) < entitlements.Rank(current) {
		log.Warnf("[Billing] listing %s: active plan %s replaced by lower plan %s, photo caps are kept", listingRef, current, plan)
	}

	if err := s.repo.ApplyListingGrant(ctx, listing.ID, grant); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrListingNotFound, listingRef)
		}
		return nil, fmt.Errorf("save listing %s: %w", listingRef, err)
	}
	return s.loadListing(ctx, listingRef)
}

func (s *Service) loadListing(ctx context.Context, listingRef string) (*models.Listing, error) {
	listing, err := s.repo.GetListingByRef(ctx, listingRef)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrListingNotFound, listingRef)
		}
		return nil, fmt.Errorf("load listing %s: %w", listingRef, err)
	}
	return listing, nil
}
