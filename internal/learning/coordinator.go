package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/arcache/internal/config"
	"github.com/fyrsmithlabs/arcache/internal/logging"
	"github.com/fyrsmithlabs/arcache/internal/memory"
	"github.com/fyrsmithlabs/arcache/internal/retrieval"
)

// failureConfidenceCap bounds the confidence of memories recorded for failed
// attempts.
const failureConfidenceCap = 0.2

// settings is the validated subset of config.LearningConfig the coordinator
// reads on every run.
type settings struct {
	memoryEnabled       bool
	maxMemoryEntries    int
	lessonLimit         int
	criteria            []Criterion
	learningRate        float64
	feedbackIntegration bool
	relevanceThreshold  float64
	confidenceThreshold float64
	successPolicy       string
	maxRetrieved        int
	maxEnrichedBytes    int
	executionTimeout    time.Duration
	plateauWindow       int
	plateauDuration     int
	plateauEpsilon      float64
	semanticPromotion   int
}

func newSettings(cfg config.LearningConfig) settings {
	criteria := make([]Criterion, len(cfg.EvaluationCriteria))
	for i, c := range cfg.EvaluationCriteria {
		criteria[i] = Criterion(c)
	}
	return settings{
		memoryEnabled:       cfg.MemoryEnabled,
		maxMemoryEntries:    cfg.MaxMemoryEntries,
		lessonLimit:         LessonLimit(cfg.ReflectionDepth),
		criteria:            criteria,
		learningRate:        cfg.LearningRate,
		feedbackIntegration: cfg.FeedbackIntegration,
		relevanceThreshold:  cfg.RelevanceThreshold,
		confidenceThreshold: cfg.ConfidenceThreshold,
		successPolicy:       cfg.SuccessPolicy,
		maxRetrieved:        cfg.MaxRetrieved,
		maxEnrichedBytes:    cfg.MaxEnrichedBytes,
		executionTimeout:    cfg.ExecutionTimeout.Duration(),
		plateauWindow:       cfg.PlateauWindow,
		plateauDuration:     cfg.PlateauDuration,
		plateauEpsilon:      cfg.PlateauEpsilon,
		semanticPromotion:   cfg.SemanticPromotion,
	}
}

// LessonLimit is the number of lessons kept per attempt for a reflection
// depth: basic 1, detailed 3, comprehensive unlimited (0).
func LessonLimit(depth string) int {
	switch depth {
	case config.ReflectionBasic:
		return 1
	case config.ReflectionComprehensive:
		return 0
	default:
		return 3
	}
}

// Coordinator orchestrates memory-enriched task execution.
type Coordinator struct {
	cfg       settings
	store     *memory.Store
	retriever *retrieval.Retriever
	executor  Executor
	evaluator Evaluator
	logger    *logging.Logger
	tracer    trace.Tracer
	metrics   *Metrics
	now       func() time.Time
	grace     time.Duration
	limiter   *rate.Limiter

	mu       sync.Mutex
	trackers map[string]*tracker
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEvaluator replaces DefaultEvaluator.
func WithEvaluator(e Evaluator) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.evaluator = e
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(InstrumentationName)
		}
	}
}

// WithMetrics attaches OpenTelemetry instruments.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock overrides the time source for attempt and memory timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTimeoutGrace sets how long to wait for partial output after the
// execution deadline. Defaults to DefaultTimeoutGrace.
func WithTimeoutGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.grace = d
		}
	}
}

// WithRateLimiter paces executor calls. It replaces the limiter built from
// learning.execution_rate.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Coordinator) {
		c.limiter = l
	}
}

// NewCoordinator validates cfg and builds a coordinator. Invalid options are
// reported as *config.ConfigurationError.
func NewCoordinator(cfg config.LearningConfig, store *memory.Store, retriever *retrieval.Retriever, executor Executor, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if executor == nil {
		return nil, &config.ConfigurationError{Key: "executor", Reason: "an executor is required"}
	}
	if cfg.MemoryEnabled && (store == nil || retriever == nil) {
		return nil, &config.ConfigurationError{Key: "learning.memory_enabled", Reason: "memory store and retriever are required when memory is enabled"}
	}

	c := &Coordinator{
		cfg:       newSettings(cfg),
		store:     store,
		retriever: retriever,
		executor:  executor,
		evaluator: DefaultEvaluator{},
		logger:    logging.NewNop(),
		tracer:    otel.Tracer(InstrumentationName),
		now:       time.Now,
		grace:     DefaultTimeoutGrace,
		trackers:  make(map[string]*tracker),
	}
	if cfg.ExecutionRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ExecutionRate), cfg.ExecutionBurst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run executes task through gather, enrich, execute, evaluate, learn and
// plateau detection. It returns an error only for an invalid task.
//
// With memory disabled, nothing is gathered or persisted, but per-type
// progress and plateau detection still run.
func (c *Coordinator) Run(ctx context.Context, task Task) (*Report, error) {
	if strings.TrimSpace(task.Type) == "" {
		return nil, fmt.Errorf("%w: task type is required", ErrInvalidTask)
	}
	if task.Input == "" {
		return nil, fmt.Errorf("%w: task input is required", ErrInvalidTask)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	ctx = logging.WithTaskID(ctx, task.ID)
	ctx, span := startSpan(ctx, c.tracer, "learning.Run", task)
	defer span.End()

	report := &Report{}

	memories := c.gather(ctx, task)
	in, kept, dropped := enrich(task, memories, c.cfg.maxEnrichedBytes)
	if dropped > 0 {
		c.logger.Warn(ctx, "enriched input truncated",
			zap.Int("dropped_memories", dropped),
			zap.Int("kept_memories", len(kept)),
			zap.Int("limit_bytes", c.cfg.maxEnrichedBytes))
		c.metrics.recordTruncated(ctx, dropped)
	}
	report.Input = in
	report.Memories = kept
	report.Truncated = dropped

	res := c.execute(ctx, task, in)
	outcome := c.evaluate(ctx, task, res)

	attempt := Attempt{
		TaskID:          task.ID,
		TaskType:        task.Type,
		Context:         cloneContext(task.Context),
		RelatedMemories: memoryIDs(kept),
		Outcome:         outcome,
		Failure:         res.Failure,
		Timestamp:       c.now(),
	}
	report.Attempt = attempt

	if res.OK() {
		report.Output = res.Output
	} else {
		report.Output = task.Input
		report.Fallback = true
		span.SetStatus(codes.Error, res.Failure.Error())
		span.RecordError(res.Failure)
	}

	lessons := c.lessonsFor(res)
	progress, promote := c.learn(ctx, task, attempt, lessons)
	report.Progress = progress

	if c.cfg.memoryEnabled {
		report.MemoryID = c.persistAttempt(ctx, task, attempt, lessons)
		report.Promoted = c.promote(ctx, task, promote, progress.SuccessRate)
	}

	span.SetAttributes(
		attribute.Bool("learning.success", outcome.Success),
		attribute.Float64("learning.score", outcome.Score),
		attribute.Bool("learning.plateau", progress.Plateau.IsOnPlateau),
	)
	c.logger.Info(ctx, "task attempt evaluated",
		zap.String("task_type", task.Type),
		zap.Bool("success", outcome.Success),
		zap.Float64("score", outcome.Score),
		zap.Float64("success_rate", progress.SuccessRate),
		zap.Bool("fallback", report.Fallback),
		zap.Int("memories", len(kept)))
	return report, nil
}

// Progress returns the learning progress for taskType.
func (c *Coordinator) Progress(taskType string) (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trackers[taskType]
	if !ok {
		return Progress{}, false
	}
	return t.snapshot(), true
}

// AllProgress returns progress for every task type seen, sorted by type.
func (c *Coordinator) AllProgress() []Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Progress, 0, len(c.trackers))
	for _, t := range c.trackers {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskType < out[j].TaskType })
	return out
}

func (c *Coordinator) gather(ctx context.Context, task Task) []retrieval.Result {
	if !c.cfg.memoryEnabled {
		return nil
	}
	ctx, span := startSpan(ctx, c.tracer, "learning.gather", task)
	defer span.End()

	limit := c.cfg.maxRetrieved
	if c.cfg.maxMemoryEntries < limit {
		limit = c.cfg.maxMemoryEntries
	}
	results := c.retriever.Retrieve(ctx, retrieval.Query{
		TaskType:            task.Type,
		Keywords:            task.Keywords,
		Tags:                task.Tags,
		RelevanceThreshold:  c.cfg.relevanceThreshold,
		ConfidenceThreshold: c.cfg.confidenceThreshold,
		MaxResults:          limit,
	})
	span.SetAttributes(attribute.Int("learning.memories", len(results)))
	return results
}

func (c *Coordinator) execute(ctx context.Context, task Task, in Input) ExecResult {
	ctx, span := startSpan(ctx, c.tracer, "learning.execute", task)
	defer span.End()

	var res ExecResult
	if err := c.wait(ctx); err != nil {
		res = ExecResult{Failure: &ExecutionFailure{Kind: kindFor(err), Err: err}}
	} else {
		res = execute(ctx, c.executor, in, c.cfg.executionTimeout, c.grace)
	}
	if !res.OK() {
		span.SetStatus(codes.Error, res.Failure.Error())
		c.metrics.recordFailure(ctx, task.Type, res.Failure.Kind)
		c.logger.Warn(ctx, "task execution failed, falling back to original input",
			zap.String("failure_kind", string(res.Failure.Kind)),
			zap.Bool("partial_output", res.Failure.Partial != ""),
			zap.Error(res.Failure.Err))
	}
	return res
}

// wait blocks until the rate limiter admits one execution.
func (c *Coordinator) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func (c *Coordinator) evaluate(ctx context.Context, task Task, res ExecResult) Outcome {
	ctx, span := startSpan(ctx, c.tracer, "learning.evaluate", task)
	defer span.End()

	evalRes := res
	if !res.OK() && res.Output == "" {
		evalRes.Output = res.Failure.Partial
	}

	raw, err := c.evaluator.Evaluate(ctx, task, evalRes, c.cfg.criteria)
	if err != nil {
		c.logger.Warn(ctx, "evaluator failed, using default scores", zap.Error(err))
		raw, _ = DefaultEvaluator{}.Evaluate(ctx, task, evalRes, c.cfg.criteria)
	}
	return scoreOutcome(raw, c.cfg.criteria, task.Feedback, c.cfg.feedbackIntegration, c.cfg.successPolicy, !res.OK())
}

// learn updates the task type's tracker and returns its progress plus any
// lessons due for semantic promotion.
func (c *Coordinator) learn(ctx context.Context, task Task, attempt Attempt, lessons []string) (Progress, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.trackers[task.Type]
	if !ok {
		t = newTracker(task.Type, c.cfg)
		c.trackers[task.Type] = t
	}

	wasOnPlateau := t.plateau.IsOnPlateau
	t.record(attempt.Outcome.Success, c.cfg.learningRate, lessons, attempt.Timestamp)
	if t.plateau.IsOnPlateau {
		t.plateau.SuggestedInterventions = interventions(c.cfg)
		if !wasOnPlateau {
			c.metrics.recordPlateau(ctx, task.Type)
			c.logger.Info(ctx, "learning plateau detected",
				zap.String("task_type", task.Type),
				zap.Int("consecutive_flat", t.plateau.ConsecutiveFlat),
				zap.Float64("success_rate", t.successRate))
		}
	}

	var promote []string
	if attempt.Outcome.Success && c.cfg.memoryEnabled {
		promote = t.promotable(c.cfg.semanticPromotion)
	}

	progress := t.snapshot()
	c.metrics.recordAttempt(ctx, task.Type, attempt.Outcome.Success, attempt.Outcome.Score, progress.SuccessRate)
	return progress, promote
}

// lessonsFor extracts lessons from an execution, capped by reflection depth.
func (c *Coordinator) lessonsFor(res ExecResult) []string {
	var lessons []string
	if !res.OK() {
		lessons = append(lessons, fmt.Sprintf("avoid %s failure: %v", res.Failure.Kind, res.Failure.Err))
	}
	for _, note := range res.Notes {
		if note = strings.TrimSpace(note); note != "" {
			lessons = append(lessons, note)
		}
	}
	if c.cfg.lessonLimit > 0 && len(lessons) > c.cfg.lessonLimit {
		lessons = lessons[:c.cfg.lessonLimit]
	}
	return lessons
}

func (c *Coordinator) persistAttempt(ctx context.Context, task Task, attempt Attempt, lessons []string) string {
	ctx, span := startSpan(ctx, c.tracer, "learning.persist", task)
	defer span.End()

	success := attempt.Outcome.Success
	confidence := clamp01(attempt.Outcome.Score)
	outcome := memory.OutcomeSuccess
	summary := fmt.Sprintf("%s task succeeded", task.Type)
	if !success {
		confidence = failureConfidence(confidence, c.cfg.confidenceThreshold)
		outcome = memory.OutcomeFailure
		summary = fmt.Sprintf("%s task failed", task.Type)
		if attempt.Failure != nil {
			summary = fmt.Sprintf("%s task failed (%s)", task.Type, attempt.Failure.Kind)
		} else if attempt.Outcome.Score > 0.5 {
			outcome = memory.OutcomeMixed
		}
	}

	rec := &memory.Record{
		ID:   uuid.New().String(),
		Type: memoryTypeFor(success),
		Content: memory.Content{
			Summary:   summary,
			Lessons:   lessons,
			Scenarios: task.Keywords,
		},
		RelevanceScore: confidence,
		Confidence:     confidence,
		Tags:           task.Tags,
		TaskType:       task.Type,
		CreatedAt:      attempt.Timestamp,
		SourceTaskID:   task.ID,
		Outcome:        outcome,
	}

	evicted, err := c.store.Persist(ctx, rec)
	if err != nil {
		span.RecordError(err)
		c.logger.Error(ctx, "failed to persist attempt memory", zap.Error(err))
		return ""
	}
	if len(evicted) > 0 {
		c.logger.Debug(ctx, "memory cap reached", zap.Strings("evicted", evicted))
	}
	return rec.ID
}

// promote persists one semantic record per recurring lesson.
func (c *Coordinator) promote(ctx context.Context, task Task, lessons []string, successRate float64) []string {
	var ids []string
	confidence := successRate
	if confidence < c.cfg.confidenceThreshold {
		confidence = c.cfg.confidenceThreshold
	}
	for _, lesson := range lessons {
		rec := &memory.Record{
			ID:   uuid.New().String(),
			Type: memory.TypeSemantic,
			Content: memory.Content{
				Summary:   lesson,
				Lessons:   []string{lesson},
				Scenarios: task.Keywords,
			},
			RelevanceScore: clamp01(confidence),
			Confidence:     clamp01(confidence),
			Tags:           task.Tags,
			TaskType:       task.Type,
			CreatedAt:      c.now(),
			SourceTaskID:   task.ID,
			Outcome:        memory.OutcomeSuccess,
		}
		if _, err := c.store.Persist(ctx, rec); err != nil {
			c.logger.Error(ctx, "failed to persist semantic memory", zap.Error(err))
			continue
		}
		c.logger.Info(ctx, "lesson promoted to semantic memory",
			zap.String("lesson", lesson),
			zap.String("memory_id", rec.ID))
		ids = append(ids, rec.ID)
	}
	return ids
}

// failureConfidence keeps failed-attempt memories below the actionable
// threshold.
func failureConfidence(score, threshold float64) float64 {
	limit := failureConfidenceCap
	if half := threshold / 2; half < limit {
		limit = half
	}
	if score < limit {
		return score
	}
	return limit
}

func memoryIDs(results []retrieval.Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Record.ID
	}
	return ids
}

func cloneContext(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
