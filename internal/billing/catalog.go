// AngelaMos | 2026
// catalog.go

package billing

import (
	"strings"
)

type PlanName string

const (
	PlanFree         PlanName = "Free"
	PlanSolo         PlanName = "Solo"
	PlanEntrepreneur PlanName = "Entrepreneur"
	PlanTeam         PlanName = "Team"
)

// PlanSpec is the entitlement table for one plan. Prices are cents per
// seat per month.
type PlanSpec struct {
	Name          PlanName
	Seats         int
	AnalysisQuota int
	PricePerSeat  int64
}

func (s PlanSpec) TotalPrice() int64 {
	return s.PricePerSeat * int64(s.Seats)
}

func (s PlanSpec) IsPaid() bool {
	return s.Name != PlanFree
}

var planSpecs = map[PlanName]PlanSpec{
	PlanFree:         {Name: PlanFree, Seats: 1, AnalysisQuota: 5, PricePerSeat: 0},
	PlanSolo:         {Name: PlanSolo, Seats: 1, AnalysisQuota: 10, PricePerSeat: 1500},
	PlanEntrepreneur: {Name: PlanEntrepreneur, Seats: 3, AnalysisQuota: 30, PricePerSeat: 2900},
	PlanTeam:         {Name: PlanTeam, Seats: 10, AnalysisQuota: 100, PricePerSeat: 4900},
}

// builtinPriceIDs is the authoritative price id mapping. Monthly and
// yearly variants map to the same plan. Deprecated ids from before the
// plan rename (Pro, Enterprise) and old test-mode ids stay here so
// historical subscriptions keep resolving.
var builtinPriceIDs = map[string]PlanName{
	"price_solo_monthly":         PlanSolo,
	"price_solo_yearly":          PlanSolo,
	"price_entrepreneur_monthly": PlanEntrepreneur,
	"price_entrepreneur_yearly":  PlanEntrepreneur,
	"price_team_monthly":         PlanTeam,
	"price_team_yearly":          PlanTeam,

	// deprecated: pre-rename plan ids
	"price_pro_monthly":        PlanEntrepreneur,
	"price_pro_yearly":         PlanEntrepreneur,
	"price_enterprise_monthly": PlanTeam,
	"price_enterprise_yearly":  PlanTeam,

	// deprecated: test-mode ids still present on old records
	"price_1OLegacySoloTest": PlanSolo,
	"price_1OLegacyTeamTest": PlanTeam,
}

// Catalog maps provider price ids to plans and plans to entitlements.
// Lookups are total: unknown input degrades to the Free defaults.
type Catalog struct {
	byPrice map[string]PlanName
}

// NewCatalog builds the catalog from the builtin table plus extra
// entries from configuration (price id -> plan name). Config entries
// override builtins on collision.
func NewCatalog(extra map[string]string) *Catalog {
	byPrice := make(map[string]PlanName, len(builtinPriceIDs)+len(extra))
	for id, plan := range builtinPriceIDs {
		byPrice[id] = plan
	}
	for id, name := range extra {
		byPrice[id] = NormalizePlanName(name)
	}
	return &Catalog{byPrice: byPrice}
}

// PlanForPriceID returns the plan a price id sells, defaulting to Free
// for unknown ids.
func (c *Catalog) PlanForPriceID(priceID string) PlanName {
	if plan, ok := c.byPrice[priceID]; ok {
		return plan
	}
	return PlanFree
}

// ResolvePriceID is the strict variant used by operator-triggered sync,
// where an unknown id means pricing misconfiguration and must surface
// instead of degrading to Free.
func (c *Catalog) ResolvePriceID(priceID string) (PlanName, bool) {
	plan, ok := c.byPrice[priceID]
	return plan, ok
}

// Spec returns the entitlement row for a plan, with Free defaults for
// anything not in the closed set.
func (c *Catalog) Spec(plan PlanName) PlanSpec {
	if spec, ok := planSpecs[plan]; ok {
		return spec
	}
	return planSpecs[PlanFree]
}

func (c *Catalog) SeatsFor(plan PlanName) int {
	return c.Spec(plan).Seats
}

func (c *Catalog) AnalysisQuotaFor(plan PlanName) int {
	return c.Spec(plan).AnalysisQuota
}

// ShouldResetUsage decides whether a plan transition grants a fresh
// usage allowance: upgrading off Free, or moving between paid plans to
// a higher quota. Downgrades, lateral moves, and same-plan re-syncs
// keep the current counters.
func (c *Catalog) ShouldResetUsage(prev, next PlanName) bool {
	prevSpec := c.Spec(prev)
	nextSpec := c.Spec(next)

	if !prevSpec.IsPaid() && nextSpec.IsPaid() {
		return true
	}

	if prevSpec.IsPaid() && nextSpec.IsPaid() {
		return nextSpec.AnalysisQuota > prevSpec.AnalysisQuota
	}

	return false
}

// NormalizePlanName maps stored or configured plan names, including the
// legacy Pro and Enterprise names, onto the current closed set.
func NormalizePlanName(name string) PlanName {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "solo":
		return PlanSolo
	case "entrepreneur", "pro":
		return PlanEntrepreneur
	case "team", "enterprise":
		return PlanTeam
	default:
		return PlanFree
	}
}

// KnownPriceIDs returns the mapping for display on the plans endpoint.
func (c *Catalog) KnownPriceIDs() map[string]PlanName {
	out := make(map[string]PlanName, len(c.byPrice))
	for id, plan := range c.byPrice {
		out[id] = plan
	}
	return out
}
