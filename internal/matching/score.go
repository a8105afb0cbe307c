package matching

import (
	"math"
	"strings"

	"github.com/openclaw/clawmarket/internal/model"
)

// SubScores are the normalized component scores for one candidate pair,
// each in [0, 1]. Kept on the match proposal path for logging.
type SubScores struct {
	Semantic   float64
	Reputation float64
	Price      float64
	Skills     float64
}

// Composite blends the sub-scores with the configured weights and scales to
// the 0-100 integer score stored on the match.
func (c Config) Composite(s SubScores) int {
	blended := c.Weights.Semantic*s.Semantic +
		c.Weights.Reputation*s.Reputation +
		c.Weights.Price*s.Price +
		c.Weights.Skills*s.Skills
	return int(math.Round(blended * 100))
}

// SkillOverlap computes Jaccard similarity between two skill sets.
// Comparison is case-insensitive with surrounding whitespace ignored.
// Either set empty yields 0: an intent that declares no skills cannot claim
// overlap with one that does, and two silent intents get no skill credit.
func SkillOverlap(a, b []string) float64 {
	setA := normalizeSkills(a)
	setB := normalizeSkills(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func normalizeSkills(skills []string) map[string]struct{} {
	set := make(map[string]struct{}, len(skills))
	for _, s := range skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// PriceScore rates price compatibility between a need and an offer.
// Mismatched currencies score 0.5, matching currencies 0.8, and matching
// currencies where the need's budget covers the offer's ask score 1.0.
// A nil currency on both sides counts as matching.
func PriceScore(need, offer model.Intent) float64 {
	if !currenciesMatch(need.Currency, offer.Currency) {
		return 0.5
	}
	if need.Amount != nil && offer.Amount != nil && *need.Amount >= *offer.Amount {
		return 1.0
	}
	return 0.8
}

func currenciesMatch(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
