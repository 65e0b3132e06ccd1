package entitlements

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Plan string

const (
	PlanNone    Plan = ""
	PlanBasic   Plan = "basic"
	PlanPremium Plan = "premium"
	PlanPro     Plan = "pro"
)

// DefaultPhotoCap is what an unpaid listing may show.
const DefaultPhotoCap = 3

// Tier holds the fixed benefits granted by a paid plan.
type Tier struct {
	Plan      Plan
	PhotoCap  int
	Messaging bool
	Duration  time.Duration
	Boost     time.Duration
}

const day = 24 * time.Hour

var tiers = map[Plan]Tier{
	PlanBasic:   {Plan: PlanBasic, PhotoCap: 6, Messaging: false, Duration: 30 * day},
	PlanPremium: {Plan: PlanPremium, PhotoCap: 8, Messaging: true, Duration: 60 * day, Boost: 7 * day},
	PlanPro:     {Plan: PlanPro, PhotoCap: 12, Messaging: true, Duration: 90 * day, Boost: 15 * day},
}

var aliases = map[string]Plan{
	"basic":        PlanBasic,
	"basico":       PlanBasic,
	"standard":     PlanBasic,
	"estandar":     PlanBasic,
	"premium":      PlanPremium,
	"destacado":    PlanPremium,
	"featured":     PlanPremium,
	"plus":         PlanPremium,
	"pro":          PlanPro,
	"profesional":  PlanPro,
	"professional": PlanPro,
	"full":         PlanPro,
	"max":          PlanPro,
}

// NormalizePlan maps a free-form plan code to a canonical plan. Matching
// ignores case, surrounding whitespace, accents and '-'/' ' vs '_'.
// Unknown codes return PlanNone.
func NormalizePlan(code string) Plan {
	key := foldCode(code)
	if key == "" {
		return PlanNone
	}
	if p, ok := aliases[key]; ok {
		return p
	}
	return PlanNone
}

func foldCode(code string) string {
	s := strings.ToLower(strings.TrimSpace(code))
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	}
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return strings.Trim(s, "_")
}

// Rank orders plans from none (0) to pro (3).
func Rank(p Plan) int {
	switch p {
	case PlanPro:
		return 3
	case PlanPremium:
		return 2
	case PlanBasic:
		return 1
	default:
		return 0
	}
}

// TierFor returns the fixed benefits of a plan.
func TierFor(p Plan) (Tier, bool) {
	t, ok := tiers[p]
	return t, ok
}

// State is the entitlement slice of a listing.
type State struct {
	ImageCount                int
	VisiblePhotoCap           int
	GrantedPhotoCap           int
	MessagingEnabled          bool
	MessagingDisabledBySeller bool
	PlanCode                  Plan
	PlanExpiresAt             *time.Time
	BoostExpiresAt            *time.Time
}

// Grant is what one applied payment contributes to a listing, independent of
// the listing's current state. Repositories apply it atomically.
type Grant struct {
	Plan           Plan
	PhotoCap       int
	Messaging      bool
	PlanExpiresAt  time.Time
	BoostExpiresAt *time.Time
}

// GrantFor resolves plan p paid at ref. Unknown plans return false.
func GrantFor(p Plan, ref time.Time) (Grant, bool) {
	tier, ok := TierFor(p)
	if !ok {
		return Grant{}, false
	}
	g := Grant{
		Plan:          tier.Plan,
		PhotoCap:      max(tier.PhotoCap, DefaultPhotoCap),
		Messaging:     tier.Messaging,
		PlanExpiresAt: ref.Add(tier.Duration),
	}
	if tier.Boost > 0 {
		boostUntil := ref.Add(tier.Boost)
		g.BoostExpiresAt = &boostUntil
	}
	return g, true
}

// Apply folds g into s.
//
// Caps never go down: the granted cap is the high-water mark of every plan
// ever applied, and the visible cap is the number of uploaded photos bounded
// by it. The plan identity and its expiry always follow the latest applied
// payment, with expiry reset to ref+duration. A boost is only ever extended.
// Messaging is turned on by plans that include it unless the seller switched
// it off, and is never turned off here.
func (s State) Apply(g Grant) State {
	next := s
	next.GrantedPhotoCap = max(s.GrantedPhotoCap, g.PhotoCap)
	next.VisiblePhotoCap = min(s.ImageCount, next.GrantedPhotoCap)
	next.PlanCode = g.Plan

	expires := g.PlanExpiresAt
	next.PlanExpiresAt = &expires

	if g.BoostExpiresAt != nil && (s.BoostExpiresAt == nil || g.BoostExpiresAt.After(*s.BoostExpiresAt)) {
		boostUntil := *g.BoostExpiresAt
		next.BoostExpiresAt = &boostUntil
	}

	if g.Messaging && !s.MessagingDisabledBySeller {
		next.MessagingEnabled = true
	}
	return next
}

// Merge combines the current state with plan p paid at ref. Unknown plans
// return current unchanged.
func Merge(current State, p Plan, ref time.Time) State {
	g, ok := GrantFor(p, ref)
	if !ok {
		return current
	}
	return current.Apply(g)
}
