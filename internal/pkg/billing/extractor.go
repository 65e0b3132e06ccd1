package billing

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bicimarket/bicimarket/app/models"
	"github.com/bicimarket/bicimarket/internal/pkg/entitlements"
)

// maxRefLength matches the ref columns.
const maxRefLength = 64

var (
	listingKeys = []string{"listing_id", "listingId", "listingid", "listing_ref", "listingRef"}
	userKeys    = []string{"user_id", "userId", "userid", "user_ref", "userRef"}
	planKeys    = []string{"plan_code", "planCode", "plancode", "plan", "tier"}
)

// ExtractPaymentFacts maps a gateway payment object to PaymentFacts. It does
// no I/O and never fails; unusable metadata yields empty refs or PlanNone.
func ExtractPaymentFacts(p *GatewayPayment) PaymentFacts {
	if p == nil {
		return PaymentFacts{Status: models.PaymentStatusPending}
	}

	facts := PaymentFacts{
		ProviderRef:       strings.TrimSpace(string(p.ID)),
		ExternalReference: strings.TrimSpace(p.ExternalReference),
		Amount:            p.TransactionAmount,
		Currency:          strings.ToUpper(strings.TrimSpace(p.CurrencyID)),
		Status:            MapGatewayStatus(p.Status),
		ApprovedAt:        p.DateApproved,
		Raw:               p.Raw,
	}
	facts.ListingRef = metadataRef(p.Metadata, listingKeys)
	facts.UserRef = metadataRef(p.Metadata, userKeys)
	facts.EntitlementCode = entitlements.NormalizePlan(metadataString(p.Metadata, planKeys))
	return facts
}

func metadataValue(meta map[string]any, keys []string) (any, bool) {
	if meta == nil {
		return nil, false
	}
	for _, k := range keys {
		if v, ok := meta[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func metadataString(meta map[string]any, keys []string) string {
	v, ok := metadataValue(meta, keys)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return ""
	}
}

// metadataRef reads an opaque reference. Checkout flows send either strings
// ("L1") or bare JSON numbers (42); both become the same string form.
func metadataRef(meta map[string]any, keys []string) string {
	v, ok := metadataValue(meta, keys)
	if !ok {
		return ""
	}

	var ref string
	switch t := v.(type) {
	case string:
		ref = t
	case json.Number:
		ref = t.String()
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return ""
		}
		ref = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
	ref = strings.TrimSpace(ref)
	if len(ref) > maxRefLength {
		return ""
	}
	return ref
}
