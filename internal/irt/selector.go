package irt

import (
	"cmp"
	"math"

	contextutils "icfesprep/internal/utils"
)

// Candidate is an eligible item together with its exposure count
type Candidate struct {
	ID       int
	Params   ItemParams
	Exposure int
}

// Selector picks the maximum-information item
type Selector struct {
	settings Settings
}

// NewSelector creates a selector
func NewSelector(settings Settings) *Selector {
	return &Selector{settings: settings}
}

// SelectNext returns the candidate with the highest information at theta.
// Every candidate within InformationEpsilon of the maximum is tied; ties go to
// the lower exposure count and then to the lower id. Returns nil when there
// are no candidates.
func (s *Selector) SelectNext(theta float64, candidates []Candidate) (*Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	infos := make([]float64, len(candidates))
	maxInfo := math.Inf(-1)
	for i, c := range candidates {
		if err := c.Params.Validate(); err != nil {
			return nil, contextutils.WrapErrorf(err, "item %d", c.ID)
		}
		infos[i] = information(theta, c.Params, s.settings.ExponentClamp)
		maxInfo = max(maxInfo, infos[i])
	}

	var best *Candidate
	for i := range candidates {
		if infos[i] < maxInfo-s.settings.InformationEpsilon {
			continue
		}
		c := &candidates[i]
		if best == nil || cmp.Or(cmp.Compare(c.Exposure, best.Exposure), cmp.Compare(c.ID, best.ID)) < 0 {
			best = c
		}
	}

	out := *best
	return &out, nil
}
