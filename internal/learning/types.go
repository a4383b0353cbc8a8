package learning

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/arcache/internal/memory"
	"github.com/fyrsmithlabs/arcache/internal/retrieval"
)

// ErrInvalidTask is returned by Run for tasks without a type or input.
var ErrInvalidTask = errors.New("invalid task")

// Criterion names an evaluation criterion.
type Criterion string

const (
	CriterionTaskSuccess  Criterion = "task-success"
	CriterionQuality      Criterion = "quality"
	CriterionEfficiency   Criterion = "efficiency"
	CriterionAccuracy     Criterion = "accuracy"
	CriterionCompleteness Criterion = "completeness"
	CriterionRelevance    Criterion = "relevance"
	CriterionClarity      Criterion = "clarity"
	CriterionInnovation   Criterion = "innovation"
)

// AllCriteria lists every criterion.
var AllCriteria = []Criterion{
	CriterionTaskSuccess,
	CriterionQuality,
	CriterionEfficiency,
	CriterionAccuracy,
	CriterionCompleteness,
	CriterionRelevance,
	CriterionClarity,
	CriterionInnovation,
}

// Task is a unit of work submitted to the coordinator.
type Task struct {
	// ID identifies the attempt. Generated when empty.
	ID   string
	Type string

	// Input is the original, un-enriched task input.
	Input string

	Keywords []string
	Tags     []string

	// Context is passed through to the attempt record untouched.
	Context map[string]string

	// Feedback holds externally supplied scores. They override computed
	// scores only when feedback integration is enabled.
	Feedback map[Criterion]float64
}

// Lesson is one memory-derived hint included in the enriched input.
type Lesson struct {
	MemoryID      string
	Text          string
	Score         float64
	LowConfidence bool
}

// Input is what the executor receives.
type Input struct {
	Task     Task
	Original string
	Lessons  []Lesson

	// Text is Original followed by the rendered lessons.
	Text string
}

// ExecResult is the typed outcome of the execute step. Failure is nil on
// success.
type ExecResult struct {
	Output string

	// Notes are observations from the executor, used as lessons.
	Notes []string

	// Scores are optional executor-reported criterion scores.
	Scores map[Criterion]float64

	Failure *ExecutionFailure
}

// OK reports whether execution succeeded.
func (r ExecResult) OK() bool {
	return r.Failure == nil
}

// Outcome is the evaluated result of an attempt.
type Outcome struct {
	Success bool
	Scores  map[Criterion]float64

	// Score is the mean of Scores.
	Score float64
}

// Attempt records one execution. It is immutable once built.
type Attempt struct {
	TaskID          string
	TaskType        string
	Context         map[string]string
	RelatedMemories []string
	Outcome         Outcome
	Failure         *ExecutionFailure
	Timestamp       time.Time
}

// Report is returned by Run.
type Report struct {
	Attempt Attempt

	// Output is the executor output, or the original input on failure.
	Output   string
	Fallback bool

	Input    Input
	Memories []retrieval.Result

	// Truncated counts memories dropped to respect the enriched size limit.
	Truncated int

	// MemoryID is the record persisted for this attempt, if any.
	MemoryID string

	// Promoted lists semantic records created from recurring lessons.
	Promoted []string

	Progress Progress
}

// memoryTypeFor maps an outcome to the record type that stores it.
func memoryTypeFor(success bool) memory.Type {
	if success {
		return memory.TypeProcedural
	}
	return memory.TypeEpisodic
}
