// Package irt implements the three-parameter logistic item response model used
// to estimate student ability and to pick the most informative next item.
// Everything here is pure computation; persistence belongs to the callers.
package irt

import (
	"fmt"
	"math"

	"icfesprep/internal/config"
	contextutils "icfesprep/internal/utils"
)

// DefaultExponentClamp bounds the logistic exponent so math.Exp never overflows
const DefaultExponentClamp = 35.0

// ItemParams are the 3PL parameters of one item
type ItemParams struct {
	A float64 `json:"discrimination_a"`
	B float64 `json:"difficulty_b"`
	C float64 `json:"guessing_c"`
}

// Validate checks a > 0, c in [0,1) and that every parameter is finite
func (p ItemParams) Validate() error {
	switch {
	case !isFinite(p.A) || !isFinite(p.B) || !isFinite(p.C):
		return contextutils.WrapErrorf(contextutils.ErrInvalidItemParameters,
			"non-finite parameter (a=%v, b=%v, c=%v)", p.A, p.B, p.C)
	case p.A <= 0:
		return contextutils.WrapErrorf(contextutils.ErrInvalidItemParameters,
			"discrimination must be positive, got %v", p.A)
	case p.C < 0 || p.C >= 1:
		return contextutils.WrapErrorf(contextutils.ErrInvalidItemParameters,
			"guessing must lie in [0,1), got %v", p.C)
	}
	return nil
}

func (p ItemParams) String() string {
	return fmt.Sprintf("a=%.3f b=%.3f c=%.3f", p.A, p.B, p.C)
}

// Estimate is a point ability estimate with its standard error
type Estimate struct {
	Theta float64 `json:"theta"`
	SE    float64 `json:"standard_error"`
}

// Probability is the 3PL probability of a correct answer at theta
func Probability(theta float64, p ItemParams) float64 {
	return probability(theta, p, DefaultExponentClamp)
}

// Information is the Fisher information the item carries at theta
func Information(theta float64, p ItemParams) float64 {
	return information(theta, p, DefaultExponentClamp)
}

func probability(theta float64, p ItemParams, clamp float64) float64 {
	z := -p.A * (theta - p.B)
	z = math.Max(-clamp, math.Min(clamp, z))
	return p.C + (1-p.C)/(1+math.Exp(z))
}

// information computes a²(P-c)²(1-P) / (P(1-c)²)
func information(theta float64, p ItemParams, clamp float64) float64 {
	prob := probability(theta, p, clamp)
	if prob <= 0 || prob >= 1 {
		return 0
	}
	num := p.A * p.A * (prob - p.C) * (prob - p.C) * (1 - prob)
	den := prob * (1 - p.C) * (1 - p.C)
	return num / den
}

// TestInformation sums item information at theta; invalid items contribute nothing
func TestInformation(theta float64, params ...ItemParams) float64 {
	total := 0.0
	for _, p := range params {
		if p.Validate() != nil {
			continue
		}
		total += Information(theta, p)
	}
	return total
}

// StandardErrorOfMeasurement converts test information into a standard error.
// Zero information means the measurement is unbounded.
func StandardErrorOfMeasurement(info float64) float64 {
	if info <= 0 || !isFinite(info) {
		return math.Inf(1)
	}
	return 1 / math.Sqrt(info)
}

// ThetaToPercentile maps theta onto the standard normal CDF, in percent
func ThetaToPercentile(theta float64) float64 {
	return 50 * (1 + math.Erf(theta/math.Sqrt2))
}

// PercentileToTheta inverts ThetaToPercentile; percentiles outside (0,100) are
// pulled in to 0.01 and 99.99
func PercentileToTheta(percentile float64) float64 {
	p := math.Max(0.01, math.Min(99.99, percentile))
	return math.Sqrt2 * math.Erfinv(2*p/100-1)
}

// ConfidenceInterval returns theta ± z·se clamped to [lo, hi]
func ConfidenceInterval(est Estimate, z, lo, hi float64) (float64, float64) {
	return clamp(est.Theta-z*est.SE, lo, hi), clamp(est.Theta+z*est.SE, lo, hi)
}

// Settings carries the numeric knobs shared by the estimator and selector
type Settings struct {
	ThetaMin           float64
	ThetaMax           float64
	PriorTheta         float64
	PriorSE            float64
	QuadraturePoints   int
	QuadratureWidth    float64
	ExponentClamp      float64
	MinInformation     float64
	WidenFactor        float64
	MinSE              float64
	MaxSE              float64
	InformationEpsilon float64
}

// SettingsFromConfig copies the adaptive section of the application config
func SettingsFromConfig(cfg config.AdaptiveConfig) Settings {
	return Settings{
		ThetaMin:           cfg.ThetaMin,
		ThetaMax:           cfg.ThetaMax,
		PriorTheta:         cfg.PriorTheta,
		PriorSE:            cfg.PriorStandardError,
		QuadraturePoints:   cfg.QuadraturePoints,
		QuadratureWidth:    cfg.QuadratureWidth,
		ExponentClamp:      cfg.ExponentClamp,
		MinInformation:     cfg.MinInformation,
		WidenFactor:        cfg.WidenFactor,
		MinSE:              cfg.MinStandardError,
		MaxSE:              cfg.MaxStandardError,
		InformationEpsilon: cfg.InformationEpsilon,
	}
}

// DefaultSettings returns the engine defaults
func DefaultSettings() Settings {
	return SettingsFromConfig(config.DefaultAdaptiveConfig())
}

// Prior is the starting estimate for a student with no responses
func (s Settings) Prior() Estimate {
	return Estimate{Theta: s.PriorTheta, SE: s.PriorSE}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
