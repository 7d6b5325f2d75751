package irt

import (
	"math"
	"testing"

	contextutils "icfesprep/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbability_Bounds(t *testing.T) {
	params := []ItemParams{
		{A: 1.2, B: 0, C: 0.2},
		{A: 0.3, B: -2, C: 0},
		{A: 2.5, B: 3, C: 0.35},
	}
	for _, p := range params {
		for theta := -10.0; theta <= 10; theta += 0.25 {
			prob := Probability(theta, p)
			assert.GreaterOrEqual(t, prob, 0.0)
			assert.LessOrEqual(t, prob, 1.0)
			assert.GreaterOrEqual(t, prob, p.C)
		}
		assert.InDelta(t, p.C, Probability(-1e6, p), 1e-9)
		assert.InDelta(t, 1.0, Probability(1e6, p), 1e-9)
	}
}

func TestProbability_ExponentIsClamped(t *testing.T) {
	p := ItemParams{A: 3, B: -40, C: 0}
	prob := Probability(4, p)
	assert.False(t, math.IsNaN(prob))
	assert.Less(t, prob, 1.0)
}

func TestInformation_KnownValues(t *testing.T) {
	// 2PL at theta=b: a²/4
	assert.InDelta(t, 0.25, Information(0, ItemParams{A: 1, B: 0, C: 0}), 1e-12)
	assert.InDelta(t, 0.24, Information(0, ItemParams{A: 1.2, B: 0, C: 0.2}), 1e-12)
	// symmetric around b for c=0
	assert.InDelta(t, Information(0, ItemParams{A: 1, B: 1}), Information(0, ItemParams{A: 1, B: -1}), 1e-12)
	assert.InDelta(t, 0.1966119, Information(0, ItemParams{A: 1, B: 1}), 1e-6)
}

func TestItemParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		params ItemParams
		valid  bool
	}{
		{"valid", ItemParams{A: 1, B: 0, C: 0.2}, true},
		{"zero guessing", ItemParams{A: 0.5, B: -3, C: 0}, true},
		{"zero discrimination", ItemParams{A: 0, B: 0, C: 0}, false},
		{"negative discrimination", ItemParams{A: -1, B: 0, C: 0}, false},
		{"guessing of one", ItemParams{A: 1, B: 0, C: 1}, false},
		{"negative guessing", ItemParams{A: 1, B: 0, C: -0.1}, false},
		{"nan difficulty", ItemParams{A: 1, B: math.NaN(), C: 0}, false},
		{"infinite discrimination", ItemParams{A: math.Inf(1), B: 0, C: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, contextutils.ErrInvalidItemParameters)
		})
	}
}

func TestTestInformation_SkipsInvalidItems(t *testing.T) {
	info := TestInformation(0,
		ItemParams{A: 1, B: 0, C: 0},
		ItemParams{A: 1, B: 0, C: 0},
		ItemParams{A: -1, B: 0, C: 0},
	)
	assert.InDelta(t, 0.5, info, 1e-12)
	assert.InDelta(t, 1/math.Sqrt(0.5), StandardErrorOfMeasurement(info), 1e-12)
	assert.True(t, math.IsInf(StandardErrorOfMeasurement(0), 1))
}

func TestPercentileConversions(t *testing.T) {
	assert.InDelta(t, 50, ThetaToPercentile(0), 1e-9)
	assert.InDelta(t, 84.134, ThetaToPercentile(1), 1e-3)
	assert.InDelta(t, 2.275, ThetaToPercentile(-2), 1e-3)

	for _, theta := range []float64{-3, -1.5, 0, 0.7, 2.2} {
		assert.InDelta(t, theta, PercentileToTheta(ThetaToPercentile(theta)), 1e-6)
	}
	assert.False(t, math.IsInf(PercentileToTheta(100), 0))
	assert.False(t, math.IsInf(PercentileToTheta(0), 0))
}

func TestConfidenceInterval_Clamped(t *testing.T) {
	lo, hi := ConfidenceInterval(Estimate{Theta: 0.5, SE: 0.5}, 1.96, -4, 4)
	assert.InDelta(t, -0.48, lo, 1e-9)
	assert.InDelta(t, 1.48, hi, 1e-9)

	lo, hi = ConfidenceInterval(Estimate{Theta: 3.8, SE: 1}, 1.96, -4, 4)
	assert.InDelta(t, 1.84, lo, 1e-9)
	assert.Equal(t, 4.0, hi)
}
