// AngelaMos | 2026
// catalog_test.go

package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanForPriceID(t *testing.T) {
	catalog := NewCatalog(nil)

	tests := []struct {
		name    string
		priceID string
		want    PlanName
	}{
		{"solo monthly", "price_solo_monthly", PlanSolo},
		{"solo yearly", "price_solo_yearly", PlanSolo},
		{"entrepreneur monthly", "price_entrepreneur_monthly", PlanEntrepreneur},
		{"team yearly", "price_team_yearly", PlanTeam},
		{"legacy pro maps to entrepreneur", "price_pro_monthly", PlanEntrepreneur},
		{"legacy enterprise maps to team", "price_enterprise_yearly", PlanTeam},
		{"legacy test id", "price_1OLegacySoloTest", PlanSolo},
		{"unknown id degrades to free", "price_nonsense", PlanFree},
		{"empty id degrades to free", "", PlanFree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, catalog.PlanForPriceID(tt.priceID))
		})
	}
}

func TestResolvePriceIDStrict(t *testing.T) {
	catalog := NewCatalog(nil)

	plan, ok := catalog.ResolvePriceID("price_team_monthly")
	require.True(t, ok)
	assert.Equal(t, PlanTeam, plan)

	_, ok = catalog.ResolvePriceID("price_nonsense")
	assert.False(t, ok)
}

func TestCatalogConfigEntries(t *testing.T) {
	catalog := NewCatalog(map[string]string{
		"price_live_abc123": "Team",
		"price_live_def456": "pro", // legacy name from old config
	})

	assert.Equal(t, PlanTeam, catalog.PlanForPriceID("price_live_abc123"))
	assert.Equal(
		t,
		PlanEntrepreneur,
		catalog.PlanForPriceID("price_live_def456"),
	)

	// builtins survive alongside config entries
	assert.Equal(t, PlanSolo, catalog.PlanForPriceID("price_solo_monthly"))
}

func TestEntitlementTables(t *testing.T) {
	catalog := NewCatalog(nil)

	tests := []struct {
		plan  PlanName
		seats int
		quota int
	}{
		{PlanFree, 1, 5},
		{PlanSolo, 1, 10},
		{PlanEntrepreneur, 3, 30},
		{PlanTeam, 10, 100},
	}

	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			assert.Equal(t, tt.seats, catalog.SeatsFor(tt.plan))
			assert.Equal(t, tt.quota, catalog.AnalysisQuotaFor(tt.plan))
		})
	}

	// unknown plan name degrades to Free defaults
	assert.Equal(t, 1, catalog.SeatsFor(PlanName("Platinum")))
	assert.Equal(t, 5, catalog.AnalysisQuotaFor(PlanName("Platinum")))
}

func TestShouldResetUsage(t *testing.T) {
	catalog := NewCatalog(nil)

	tests := []struct {
		name string
		prev PlanName
		next PlanName
		want bool
	}{
		{"free to solo", PlanFree, PlanSolo, true},
		{"free to team", PlanFree, PlanTeam, true},
		{"solo to team upgrade", PlanSolo, PlanTeam, true},
		{"entrepreneur to team upgrade", PlanEntrepreneur, PlanTeam, true},
		{"team to solo downgrade", PlanTeam, PlanSolo, false},
		{"same plan re-sync", PlanTeam, PlanTeam, false},
		{"solo re-sync", PlanSolo, PlanSolo, false},
		{"paid back to free", PlanTeam, PlanFree, false},
		{"free to free", PlanFree, PlanFree, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(
				t,
				tt.want,
				catalog.ShouldResetUsage(tt.prev, tt.next),
			)
		})
	}
}

func TestNormalizePlanName(t *testing.T) {
	assert.Equal(t, PlanSolo, NormalizePlanName("Solo"))
	assert.Equal(t, PlanSolo, NormalizePlanName("solo"))
	assert.Equal(t, PlanEntrepreneur, NormalizePlanName("Pro"))
	assert.Equal(t, PlanTeam, NormalizePlanName("enterprise"))
	assert.Equal(t, PlanFree, NormalizePlanName(""))
	assert.Equal(t, PlanFree, NormalizePlanName("whatever"))
}

func TestPlanSpecTotals(t *testing.T) {
	catalog := NewCatalog(nil)

	team := catalog.Spec(PlanTeam)
	assert.Equal(t, int64(49000), team.TotalPrice())

	free := catalog.Spec(PlanFree)
	assert.Equal(t, int64(0), free.TotalPrice())
	assert.False(t, free.IsPaid())
	assert.True(t, team.IsPaid())
}
