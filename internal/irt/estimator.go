package irt

import "math"

// Estimator performs one sequential EAP update per scored response
type Estimator struct {
	settings Settings
}

// NewEstimator creates an estimator
func NewEstimator(settings Settings) *Estimator {
	if settings.QuadraturePoints < 3 {
		settings.QuadraturePoints = DefaultSettings().QuadraturePoints
	}
	return &Estimator{settings: settings}
}

// Update folds one response into the prior. The prior is treated as
// Normal(theta, se); the posterior is integrated on a fixed grid spanning
// ±QuadratureWidth·se around the prior mean. When the item carries almost no
// information at the prior, or the posterior degenerates numerically, the
// standard error is widened instead of failing.
func (e *Estimator) Update(prior Estimate, params ItemParams, isCorrect bool) (Estimate, error) {
	if err := params.Validate(); err != nil {
		return Estimate{}, err
	}
	s := e.settings

	theta0 := prior.Theta
	if !isFinite(theta0) {
		theta0 = s.PriorTheta
	}
	theta0 = clamp(theta0, s.ThetaMin, s.ThetaMax)

	se0 := prior.SE
	if !isFinite(se0) || se0 <= 0 {
		se0 = s.PriorSE
	}

	widened := func(theta float64) Estimate {
		se := math.Min(se0*(1+s.WidenFactor), s.MaxSE)
		return Estimate{
			Theta: clamp(theta, s.ThetaMin, s.ThetaMax),
			SE:    math.Max(se, s.MinSE),
		}
	}

	n := s.QuadraturePoints
	lo := theta0 - s.QuadratureWidth*se0
	step := 2 * s.QuadratureWidth * se0 / float64(n-1)

	nodes := make([]float64, n)
	weights := make([]float64, n)
	var total float64
	for i := range n {
		x := lo + float64(i)*step
		z := (x - theta0) / se0
		likelihood := probability(x, params, s.ExponentClamp)
		if !isCorrect {
			likelihood = 1 - likelihood
		}
		nodes[i] = x
		weights[i] = math.Exp(-0.5*z*z) * likelihood
		total += weights[i]
	}

	if total <= 0 || !isFinite(total) {
		return widened(theta0), nil
	}

	var mean float64
	for i := range n {
		mean += weights[i] * nodes[i]
	}
	mean /= total
	if !isFinite(mean) {
		return widened(theta0), nil
	}

	var variance float64
	for i := range n {
		d := nodes[i] - mean
		variance += weights[i] * d * d
	}
	variance /= total

	if !isFinite(variance) || variance <= 0 {
		return widened(mean), nil
	}
	if information(theta0, params, s.ExponentClamp) < s.MinInformation {
		return widened(mean), nil
	}

	return Estimate{
		Theta: clamp(mean, s.ThetaMin, s.ThetaMax),
		SE:    math.Max(math.Sqrt(variance), s.MinSE),
	}, nil
}
