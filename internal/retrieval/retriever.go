// Package retrieval ranks memory records against a query context.
package retrieval

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arcache/internal/memory"
)

// Weights tunes the relevance score. The score is the weighted mean of
// keyword overlap, task-type match and recency.
type Weights struct {
	Keyword         float64
	TaskType        float64
	Recency         float64
	RecencyHalfLife time.Duration
}

// DefaultWeights returns the weights used when none are configured.
func DefaultWeights() Weights {
	return Weights{
		Keyword:         0.5,
		TaskType:        0.3,
		Recency:         0.2,
		RecencyHalfLife: 7 * 24 * time.Hour,
	}
}

// ErrInvalidWeights is returned for negative weights, an all-zero weight
// set or a non-positive half-life.
var ErrInvalidWeights = errors.New("invalid relevance weights")

// Validate checks w.
func (w Weights) Validate() error {
	if w.Keyword < 0 || w.TaskType < 0 || w.Recency < 0 {
		return ErrInvalidWeights
	}
	if w.Keyword+w.TaskType+w.Recency <= 0 {
		return ErrInvalidWeights
	}
	if w.RecencyHalfLife <= 0 {
		return ErrInvalidWeights
	}
	return nil
}

// Query describes what the caller is about to do.
type Query struct {
	TaskType string
	Keywords []string
	Tags     []string

	// Types restricts candidate memory types. Empty means all.
	Types []memory.Type

	// StrictTaskType drops records of other task types instead of only
	// scoring them lower.
	StrictTaskType bool

	RelevanceThreshold  float64
	ConfidenceThreshold float64
	MaxResults          int
	WriteBack           bool
}

// Result is one ranked memory.
type Result struct {
	Record memory.Record
	Score  float64

	// Actionable is set when the record's confidence meets the query's
	// confidence threshold. Other results are context only.
	Actionable    bool
	LowConfidence bool
}

// Retriever scores and ranks records held by a memory.Store.
// It never owns records; results are copies.
type Retriever struct {
	store   *memory.Store
	weights Weights
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithClock overrides the time source used for recency.
func WithClock(now func() time.Time) Option {
	return func(r *Retriever) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Retriever) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a retriever over store.
func New(store *memory.Store, weights Weights, opts ...Option) (*Retriever, error) {
	if store == nil {
		return nil, errors.New("memory store is required")
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	r := &Retriever{
		store:   store,
		weights: weights,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Retrieve returns records scoring at least q.RelevanceThreshold, ranked by
// score, confidence and recency.
func (r *Retriever) Retrieve(ctx context.Context, q Query) []Result {
	filter := memory.Filter{
		Types:              q.Types,
		RelevanceThreshold: q.RelevanceThreshold,
		MaxResults:         q.MaxResults,
		WriteBack:          q.WriteBack,
	}
	if q.StrictTaskType {
		filter.TaskType = q.TaskType
	}

	scorer := r.Scorer(q)
	scored := r.store.Retrieve(ctx, filter, scorer)

	results := make([]Result, 0, len(scored))
	for _, s := range scored {
		actionable := s.Record.Confidence >= q.ConfidenceThreshold
		results = append(results, Result{
			Record:        s.Record,
			Score:         s.Score,
			Actionable:    actionable,
			LowConfidence: !actionable,
		})
	}

	if ce := r.logger.Check(zap.DebugLevel, "memories retrieved"); ce != nil {
		ce.Write(
			zap.String("task_type", q.TaskType),
			zap.Int("results", len(results)),
			zap.Float64("threshold", q.RelevanceThreshold))
	}
	return results
}

// Scorer returns the memory.Scorer for q, fixed to the current time.
func (r *Retriever) Scorer(q Query) memory.Scorer {
	terms := termSet(q.Tags, q.Keywords)
	now := r.now()
	return memory.ScorerFunc(func(rec *memory.Record) float64 {
		return r.score(rec, q.TaskType, terms, now)
	})
}

func (r *Retriever) score(rec *memory.Record, taskType string, queryTerms map[string]struct{}, now time.Time) float64 {
	w := r.weights

	overlap := jaccard(queryTerms, termSet(rec.Tags, rec.Content.Scenarios))

	var typeMatch float64
	if taskType != "" && rec.TaskType == taskType {
		typeMatch = 1
	}

	recency := Recency(now.Sub(rec.CreatedAt), w.RecencyHalfLife)

	total := w.Keyword + w.TaskType + w.Recency
	score := (w.Keyword*overlap + w.TaskType*typeMatch + w.Recency*recency) / total
	return clamp(score)
}

// Recency is exp(-ln2 * age / halfLife). Future timestamps count as age zero.
func Recency(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}

// Jaccard returns |a ∩ b| / |a ∪ b| over lowercased terms, 0 when both are empty.
func Jaccard(a, b []string) float64 {
	return jaccard(termSet(a), termSet(b))
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func termSet(lists ...[]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, list := range lists {
		for _, term := range list {
			term = strings.ToLower(strings.TrimSpace(term))
			if term != "" {
				set[term] = struct{}{}
			}
		}
	}
	return set
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
