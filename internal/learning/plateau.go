package learning

import "math"

// Plateau describes whether the success rate has stopped moving.
type Plateau struct {
	IsOnPlateau     bool
	ConsecutiveFlat int
	Variance        float64
	MeanDelta       float64

	SuggestedInterventions []string
}

// PlateauDetector watches a sliding window of success-rate deltas.
//
// An evaluation is flat when the window's variance and the absolute mean
// delta are both within epsilon. The detector reports a plateau once
// duration consecutive evaluations are flat; any non-flat evaluation resets
// the streak.
type PlateauDetector struct {
	window   int
	duration int
	epsilon  float64

	deltas      []float64
	consecutive int
}

// NewPlateauDetector creates a detector. Non-positive window or duration
// are treated as 1.
func NewPlateauDetector(window, duration int, epsilon float64) *PlateauDetector {
	if window < 1 {
		window = 1
	}
	if duration < 1 {
		duration = 1
	}
	return &PlateauDetector{window: window, duration: duration, epsilon: epsilon}
}

// Observe records one delta and returns the updated state.
func (d *PlateauDetector) Observe(delta float64) Plateau {
	d.deltas = append(d.deltas, delta)
	if len(d.deltas) > d.window {
		d.deltas = d.deltas[len(d.deltas)-d.window:]
	}

	mean, variance := meanVariance(d.deltas)
	if variance <= d.epsilon && math.Abs(mean) <= d.epsilon {
		d.consecutive++
	} else {
		d.consecutive = 0
	}

	return Plateau{
		IsOnPlateau:     d.consecutive >= d.duration,
		ConsecutiveFlat: d.consecutive,
		Variance:        variance,
		MeanDelta:       mean,
	}
}

func meanVariance(values []float64) (mean, variance float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, variance
}

// interventions suggests configuration changes for a plateau.
func interventions(cfg settings) []string {
	var out []string
	if cfg.learningRate < 0.9 {
		out = append(out, "raise learning_rate to react faster to recent outcomes")
	}
	if len(cfg.criteria) < len(AllCriteria) {
		out = append(out, "widen evaluation_criteria to expose other dimensions of quality")
	}
	if cfg.feedbackIntegration {
		out = append(out, "request external feedback on recent attempts")
	} else {
		out = append(out, "enable feedback_integration and supply external feedback")
	}
	if cfg.relevanceThreshold > 0.1 {
		out = append(out, "lower relevance_threshold to surface more memories")
	}
	return out
}
