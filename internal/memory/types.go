package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common errors for memory store operations.
var (
	ErrRecordNotFound   = errors.New("memory record not found")
	ErrDuplicateRecord  = errors.New("memory record already exists")
	ErrInvalidRecord    = errors.New("invalid memory record")
	ErrInvalidRetention = errors.New("retention must be positive")
)

// Type classifies a memory record.
type Type string

const (
	// TypeEpisodic records a single attempt and what happened.
	TypeEpisodic Type = "episodic"

	// TypeSemantic records a generalized lesson that held across attempts.
	TypeSemantic Type = "semantic"

	// TypeProcedural records an approach that worked.
	TypeProcedural Type = "procedural"
)

// Types lists every memory type in a fixed order.
var Types = []Type{TypeEpisodic, TypeSemantic, TypeProcedural}

// Valid reports whether t is a known memory type.
func (t Type) Valid() bool {
	switch t {
	case TypeEpisodic, TypeSemantic, TypeProcedural:
		return true
	}
	return false
}

// ParseType parses a memory type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidRecord, s)
	}
	return t, nil
}

// Outcome is the result of the attempt a record was derived from.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeMixed   Outcome = "mixed"
)

// Content is the immutable body of a record.
type Content struct {
	// Summary is a one-line description of the experience.
	Summary string `json:"summary"`

	// Lessons are ordered, most important first.
	Lessons []string `json:"lessons,omitempty"`

	// Scenarios is the set of situations the record applies to.
	Scenarios []string `json:"scenarios,omitempty"`
}

// Record is a persisted unit of learned experience.
type Record struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	Content        Content   `json:"content"`
	RelevanceScore float64   `json:"relevance_score"`
	Confidence     float64   `json:"confidence"`
	Tags           []string  `json:"tags,omitempty"`
	TaskType       string    `json:"task_type"`
	CreatedAt      time.Time `json:"created_at"`

	// SourceTaskID is the task attempt the record was derived from.
	SourceTaskID string  `json:"source_task_id,omitempty"`
	Outcome      Outcome `json:"outcome,omitempty"`
}

// NewRecord creates a record with a generated UUID.
// Tags and scenarios are normalized to sorted sets.
func NewRecord(typ Type, taskType string, content Content, confidence float64, tags []string) (*Record, error) {
	rec := &Record{
		ID:             uuid.New().String(),
		Type:           typ,
		Content:        content,
		RelevanceScore: confidence,
		Confidence:     confidence,
		Tags:           tags,
		TaskType:       taskType,
		CreatedAt:      time.Now().UTC(),
	}
	rec.normalize()
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks if the record has valid fields.
func (r *Record) Validate() error {
	if _, err := uuid.Parse(r.ID); err != nil {
		return fmt.Errorf("%w: id %q is not a UUID", ErrInvalidRecord, r.ID)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRecord, r.Type)
	}
	if strings.TrimSpace(r.Content.Summary) == "" {
		return fmt.Errorf("%w: summary cannot be empty", ErrInvalidRecord)
	}
	if r.TaskType == "" {
		return fmt.Errorf("%w: task type cannot be empty", ErrInvalidRecord)
	}
	if !inUnit(r.RelevanceScore) {
		return fmt.Errorf("%w: relevance score %v outside [0, 1]", ErrInvalidRecord, r.RelevanceScore)
	}
	if !inUnit(r.Confidence) {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidRecord, r.Confidence)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created at is required", ErrInvalidRecord)
	}
	switch r.Outcome {
	case "", OutcomeSuccess, OutcomeFailure, OutcomeMixed:
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidRecord, r.Outcome)
	}
	return nil
}

// HasTag reports whether the record carries tag (case-insensitive).
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Tags = cloneStrings(r.Tags)
	cp.Content.Lessons = cloneStrings(r.Content.Lessons)
	cp.Content.Scenarios = cloneStrings(r.Content.Scenarios)
	return &cp
}

func (r *Record) normalize() {
	r.Tags = stringSet(r.Tags)
	r.Content.Scenarios = stringSet(r.Content.Scenarios)
}

// stringSet trims, dedupes and sorts values. Empty strings are dropped.
func stringSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
