// Package matching implements candidate generation and composite scoring
// for intent pairs: semantic similarity blended with reputation, price
// compatibility, and skill overlap.
package matching

import (
	"fmt"
	"math"
	"time"
)

// Algorithm tags matches produced by this scoring pipeline. Bump when the
// formula changes so coexisting pipelines never collide on the pair guard.
const Algorithm = "hybrid_v1"

// Weights are the composite score component weights. They must sum to 1.
type Weights struct {
	Semantic   float64
	Reputation float64
	Price      float64
	Skills     float64
}

// Config is an immutable snapshot of scoring parameters. Built once at
// startup; a parameter change is a restart, never a mid-flight mutation.
type Config struct {
	Weights        Weights
	Threshold      int           // composite score a pair must exceed (strict) to become a match
	CandidateLimit int           // top-K candidates fetched per matching pass
	MatchTTL       time.Duration // lifetime of a proposed match before expiry
}

// DefaultConfig returns the production scoring parameters.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Semantic:   0.4,
			Reputation: 0.2,
			Price:      0.2,
			Skills:     0.2,
		},
		Threshold:      60,
		CandidateLimit: 20,
		MatchTTL:       7 * 24 * time.Hour,
	}
}

// Validate checks that the config is internally consistent.
func (c Config) Validate() error {
	sum := c.Weights.Semantic + c.Weights.Reputation + c.Weights.Price + c.Weights.Skills
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("matching: weights must sum to 1, got %v", sum)
	}
	for _, w := range []float64{c.Weights.Semantic, c.Weights.Reputation, c.Weights.Price, c.Weights.Skills} {
		if w < 0 {
			return fmt.Errorf("matching: weights must not be negative")
		}
	}
	if c.Threshold < 0 || c.Threshold > 100 {
		return fmt.Errorf("matching: threshold must be in [0, 100], got %d", c.Threshold)
	}
	if c.CandidateLimit <= 0 {
		return fmt.Errorf("matching: candidate limit must be positive, got %d", c.CandidateLimit)
	}
	if c.MatchTTL <= 0 {
		return fmt.Errorf("matching: match TTL must be positive, got %v", c.MatchTTL)
	}
	return nil
}
