// Package plan defines subscription tiers and their entitlements.
//
// The catalogue is fixed configuration, not user data: every admission
// decision reads it, nobody writes it. Tier changes happen through billing
// and only ever swap which row a user points at.
package plan

// Tier identifies a subscription plan.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierCreative Tier = "creative"
)

// Resolution is the image output tier a plan is rendered at.
type Resolution string

const (
	ResolutionLow      Resolution = "low"      // 512x512, Free previews
	ResolutionStandard Resolution = "standard" // 1024x1024
	ResolutionHigh     Resolution = "high"     // 1792x1024, print-ready
)

// Entitlement defines what a tier is allowed to do.
type Entitlement struct {
	Tier              Tier       `json:"tier"`
	MaxPagesPerComic  int        `json:"maxPagesPerComic"`
	MonthlyAllowance  int        `json:"monthlyAllowance"` // generation attempts per window, 0 = generation forbidden
	WatermarkRequired bool       `json:"watermarkRequired"`
	Resolution        Resolution `json:"resolution"`
}

// Catalog is the hardcoded plan catalogue.
var Catalog = map[Tier]Entitlement{
	TierFree: {
		Tier:              TierFree,
		MaxPagesPerComic:  0,
		MonthlyAllowance:  0, // view-only, Free cannot generate
		WatermarkRequired: true,
		Resolution:        ResolutionLow,
	},
	TierPro: {
		Tier:              TierPro,
		MaxPagesPerComic:  3,
		MonthlyAllowance:  50,
		WatermarkRequired: true,
		Resolution:        ResolutionStandard,
	},
	TierCreative: {
		Tier:              TierCreative,
		MaxPagesPerComic:  10,
		MonthlyAllowance:  200,
		WatermarkRequired: false,
		Resolution:        ResolutionHigh,
	},
}

// rank orders tiers for feature gating. Higher is more permissive.
var rank = map[Tier]int{
	TierFree:     0,
	TierPro:      1,
	TierCreative: 2,
}

// EntitlementFor returns the entitlement for a tier. Unknown tiers fall back
// to the most restrictive entitlement (Free).
func EntitlementFor(tier Tier) Entitlement {
	if e, ok := Catalog[tier]; ok {
		return e
	}
	return Catalog[TierFree]
}

// Valid returns true if the tier name is recognised.
func Valid(tier Tier) bool {
	_, ok := Catalog[tier]
	return ok
}

// AtLeast reports whether tier is at or above required in the plan hierarchy.
// Unknown tiers rank below Free.
func AtLeast(tier, required Tier) bool {
	tr, ok := rank[tier]
	if !ok {
		tr = -1
	}
	rr, ok := rank[required]
	if !ok {
		return false
	}
	return tr >= rr
}

// CanGenerate reports whether the tier permits any generation at all.
func CanGenerate(tier Tier) bool {
	return EntitlementFor(tier).MonthlyAllowance > 0
}
