package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/clawmarket/internal/model"
)

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }

func TestSkillOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"disjoint", []string{"go"}, []string{"rust"}, 0},
		{"identical", []string{"go", "sql"}, []string{"go", "sql"}, 1},
		{"one shared of three", []string{"go", "sql"}, []string{"go", "rust"}, 1.0 / 3.0},
		{"case and whitespace insensitive", []string{" Go ", "SQL"}, []string{"go", "sql"}, 1},
		{"left empty", nil, []string{"go"}, 0},
		{"right empty", []string{"go"}, nil, 0},
		{"both empty", nil, nil, 0},
		{"blank entries ignored", []string{"", "  "}, []string{"go"}, 0},
		{"duplicates collapse", []string{"go", "go"}, []string{"go"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, SkillOverlap(tt.a, tt.b), 1e-9)
		})
	}
}

func TestPriceScore(t *testing.T) {
	usd := strPtr("USD")
	eur := strPtr("EUR")

	tests := []struct {
		name string
		need model.Intent
		want float64
	}{
		{"budget covers ask", model.Intent{Currency: usd, Amount: f64Ptr(100)}, 1.0},
		{"budget equals ask", model.Intent{Currency: usd, Amount: f64Ptr(50)}, 1.0},
		{"budget below ask", model.Intent{Currency: usd, Amount: f64Ptr(10)}, 0.8},
		{"matching currency no amounts", model.Intent{Currency: usd}, 0.8},
		{"currency mismatch", model.Intent{Currency: eur, Amount: f64Ptr(100)}, 0.5},
		{"need has no currency", model.Intent{Amount: f64Ptr(100)}, 0.5},
	}
	offer := model.Intent{Currency: usd, Amount: f64Ptr(50)}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, PriceScore(tt.need, offer), 1e-9)
		})
	}

	t.Run("both currencies nil counts as matching", func(t *testing.T) {
		assert.InDelta(t, 0.8, PriceScore(model.Intent{}, model.Intent{}), 1e-9)
	})
}

func TestComposite(t *testing.T) {
	cfg := DefaultConfig()

	// All components perfect.
	assert.Equal(t, 100, cfg.Composite(SubScores{Semantic: 1, Reputation: 1, Price: 1, Skills: 1}))

	// Semantic only: 0.4 weight scales to 40.
	assert.Equal(t, 40, cfg.Composite(SubScores{Semantic: 1}))

	// Rounding: 0.4*0.9 + 0.2*0.5 + 0.2*0.8 + 0.2*(1/3) = 0.6866... -> 69.
	assert.Equal(t, 69, cfg.Composite(SubScores{Semantic: 0.9, Reputation: 0.5, Price: 0.8, Skills: 1.0 / 3.0}))

	assert.Equal(t, 0, cfg.Composite(SubScores{}))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Weights.Semantic = 0.5 // sum now 1.1
	assert.Error(t, bad.Validate())

	neg := DefaultConfig()
	neg.Weights.Semantic = -0.2
	neg.Weights.Reputation = 0.8
	assert.Error(t, neg.Validate())

	thr := DefaultConfig()
	thr.Threshold = 101
	assert.Error(t, thr.Validate())

	limit := DefaultConfig()
	limit.CandidateLimit = 0
	assert.Error(t, limit.Validate())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.InDelta(t, 0.4, cfg.Weights.Semantic, 1e-9)
	assert.InDelta(t, 0.2, cfg.Weights.Reputation, 1e-9)
	assert.InDelta(t, 0.2, cfg.Weights.Price, 1e-9)
	assert.InDelta(t, 0.2, cfg.Weights.Skills, 1e-9)
	assert.Equal(t, 60, cfg.Threshold)
	assert.Equal(t, 20, cfg.CandidateLimit)
}
