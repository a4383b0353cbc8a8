package learning

import (
	"context"

	"github.com/fyrsmithlabs/arcache/internal/config"
)

// Evaluator scores an execution result against criteria, each in [0, 1].
// Criteria missing from the returned map take the task-success score.
type Evaluator interface {
	Evaluate(ctx context.Context, task Task, res ExecResult, criteria []Criterion) (map[Criterion]float64, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, task Task, res ExecResult, criteria []Criterion) (map[Criterion]float64, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, task Task, res ExecResult, criteria []Criterion) (map[Criterion]float64, error) {
	return f(ctx, task, res, criteria)
}

// DefaultEvaluator trusts executor-reported scores. Task success is 1 for a
// completed execution with output and 0 otherwise.
type DefaultEvaluator struct{}

// Evaluate implements Evaluator.
func (DefaultEvaluator) Evaluate(_ context.Context, _ Task, res ExecResult, criteria []Criterion) (map[Criterion]float64, error) {
	scores := make(map[Criterion]float64, len(criteria))
	for _, c := range criteria {
		if v, ok := res.Scores[c]; ok {
			scores[c] = v
		}
	}
	if _, ok := scores[CriterionTaskSuccess]; !ok {
		scores[CriterionTaskSuccess] = 0
		if res.OK() && res.Output != "" {
			scores[CriterionTaskSuccess] = 1
		}
	}
	return scores, nil
}

// scoreOutcome completes raw into an Outcome over criteria.
//
// Missing criteria take the task-success score, feedback overrides computed
// scores when enabled, and a failed execution is never a success.
func scoreOutcome(raw map[Criterion]float64, criteria []Criterion, feedback map[Criterion]float64, useFeedback bool, policy string, failed bool) Outcome {
	base, ok := raw[CriterionTaskSuccess]
	if !ok {
		base = derivedSuccess(raw, failed)
	}
	if useFeedback {
		if v, ok := feedback[CriterionTaskSuccess]; ok {
			base = v
		}
	}
	base = clamp01(base)

	scores := make(map[Criterion]float64, len(criteria))
	var sum float64
	allPass := true
	for _, c := range criteria {
		v, ok := raw[c]
		if !ok {
			v = base
		}
		if useFeedback {
			if fb, ok := feedback[c]; ok {
				v = fb
			}
		}
		v = clamp01(v)
		scores[c] = v
		sum += v
		if v <= 0.5 {
			allPass = false
		}
	}

	var mean float64
	if len(criteria) > 0 {
		mean = sum / float64(len(criteria))
	}

	success := allPass
	if policy == config.SuccessPolicyMean {
		success = mean > 0.5
	}
	if failed {
		success = false
	}
	return Outcome{Success: success, Scores: scores, Score: mean}
}

// derivedSuccess stands in for a missing task-success score: 0 for a failed
// execution, otherwise the mean of the other scores (1 when there are none).
func derivedSuccess(raw map[Criterion]float64, failed bool) float64 {
	if failed {
		return 0
	}
	if len(raw) == 0 {
		return 1
	}
	var sum float64
	for _, v := range raw {
		sum += clamp01(v)
	}
	return sum / float64(len(raw))
}

func clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
