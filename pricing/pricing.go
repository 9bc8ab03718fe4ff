// Package pricing maps case scores to daily claim prices via a fixed tier table.
package pricing

import "fmt"

// Tier describes one row of the static pricing table. MaxScore is inclusive;
// the table is contiguous over 0-100.
type Tier struct {
	Name       string `json:"name"`
	MinScore   int    `json:"min_score"`
	MaxScore   int    `json:"max_score"`
	PriceCents int    `json:"price_cents"`
}

// tiers is ordered highest first so PriceForScore can return the first match.
var tiers = []Tier{
	{Name: "premium", MinScore: 80, MaxScore: 100, PriceCents: 1500},
	{Name: "standard", MinScore: 60, MaxScore: 79, PriceCents: 1000},
	{Name: "basic", MinScore: 40, MaxScore: 59, PriceCents: 500},
	{Name: "entry", MinScore: 0, MaxScore: 39, PriceCents: 250},
}

// PriceForScore returns the daily price in cents for a case score.
// Out-of-range scores clamp to the nearest tier: negative scores price at the
// lowest tier, scores above 100 at the highest.
func PriceForScore(score int) int {
	if score < 0 {
		return tiers[len(tiers)-1].PriceCents
	}
	if score > 100 {
		return tiers[0].PriceCents
	}
	for _, t := range tiers {
		if score >= t.MinScore {
			return t.PriceCents
		}
	}
	return tiers[len(tiers)-1].PriceCents
}

// TierForScore returns the tier a score falls into, clamping like PriceForScore.
func TierForScore(score int) Tier {
	if score < 0 {
		return tiers[len(tiers)-1]
	}
	if score > 100 {
		return tiers[0]
	}
	for _, t := range tiers {
		if score >= t.MinScore {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// Tiers returns a copy of the tier table, highest tier first.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}

// FormatCents renders an amount of cents as a dollar string, e.g. "$15.00".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
