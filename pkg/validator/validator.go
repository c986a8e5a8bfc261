// Package validator scores produced results on a 0..100 scale. The scoring
// backend is opaque to the pipeline; the default rubric scorer is
// deterministic. Threshold policy — when to escalate, when to annotate — is
// the orchestrator's call, not this package's. Sole owner of the
// quality-validation concern.
package validator

import (
	"context"
	"fmt"

	"github.com/meridian-labs/aegis/pkg/contracts"
)

// ComponentName is the validator's identity in ownership rules.
const ComponentName = "quality-validator"

// Scorer is the pluggable scoring backend. Implementations may delegate to
// an external service.
type Scorer interface {
	Score(ctx context.Context, a *contracts.Action, r *contracts.Result) (int, error)
}

// Validator clamps and sanity-checks whatever the backend returns.
type Validator struct {
	scorer Scorer
}

// New wraps a scoring backend; nil selects the deterministic rubric scorer.
func New(scorer Scorer) *Validator {
	if scorer == nil {
		scorer = &RubricScorer{}
	}
	return &Validator{scorer: scorer}
}

// Score returns the result's quality in 0..100. No side effects.
func (v *Validator) Score(ctx context.Context, a *contracts.Action, r *contracts.Result) (int, error) {
	if r == nil {
		return 0, fmt.Errorf("validator: nil result for action %s", a.ID)
	}
	s, err := v.scorer.Score(ctx, a, r)
	if err != nil {
		return 0, err
	}
	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}
	return s, nil
}

// RubricScorer is the built-in deterministic rubric: the executor's declared
// quality class sets the band, an empty payload floors the score.
type RubricScorer struct{}

func (RubricScorer) Score(_ context.Context, _ *contracts.Action, r *contracts.Result) (int, error) {
	if len(r.Payload) == 0 {
		return 0, nil
	}
	switch r.DeclaredQualityClass {
	case contracts.QualityExcellent:
		return 95, nil
	case contracts.QualityGood:
		return 85, nil
	case contracts.QualityAcceptable:
		return 70, nil
	case contracts.QualityPoor:
		return 40, nil
	default:
		return 50, nil
	}
}
