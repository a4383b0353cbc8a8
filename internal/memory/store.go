package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxEntriesPerType is the per-type cap used when none is configured.
const DefaultMaxEntriesPerType = 100

// Scorer computes a query-specific relevance score for a record.
type Scorer interface {
	Score(rec *Record) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(rec *Record) float64

// Score implements Scorer.
func (f ScorerFunc) Score(rec *Record) float64 { return f(rec) }

// Filter selects records for retrieval.
type Filter struct {
	// Types restricts results to these memory types. Empty means all.
	Types []Type

	// TaskType, when set, requires an exact task type match.
	TaskType string

	// Tags, when set, requires at least one shared tag.
	Tags []string

	// RelevanceThreshold excludes records scoring below it.
	RelevanceThreshold float64

	// MaxResults caps the ranked results. Zero means no cap.
	MaxResults int

	// WriteBack commits computed scores as the records' relevance scores.
	WriteBack bool
}

// Scored pairs a record copy with its computed score.
type Scored struct {
	Record Record
	Score  float64
}

// Stats summarizes store contents.
type Stats struct {
	Total             int
	ByType            map[Type]int
	AverageConfidence float64
	Oldest            time.Time
	Newest            time.Time
}

// LoadReport describes the outcome of Store.Load.
type LoadReport struct {
	Loaded   int
	Restored []string
	Dropped  []string
}

// Store is a thread-safe, per-type capped memory record store.
type Store struct {
	mu         sync.RWMutex
	records    map[string]*Record
	maxPerType int
	backend    Backend
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEntriesPerType sets the per-type cap. Values below 1 are ignored.
func WithMaxEntriesPerType(n int) Option {
	return func(s *Store) {
		if n >= 1 {
			s.maxPerType = n
		}
	}
}

// WithBackend mirrors every mutation to b.
func WithBackend(b Backend) Option {
	return func(s *Store) {
		s.backend = b
	}
}

// WithClock overrides the time source used for retention.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates an empty store. Call Load to populate it from a backend.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records:    make(map[string]*Record),
		maxPerType: DefaultMaxEntriesPerType,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxEntriesPerType returns the per-type cap.
func (s *Store) MaxEntriesPerType() int {
	return s.maxPerType
}

// Persist inserts rec and returns the IDs of records evicted to keep its type
// within the cap. Eviction only considers records already stored, lowest
// (RelevanceScore, CreatedAt) first, so the new record is always kept.
func (s *Store) Persist(ctx context.Context, rec *Record) ([]string, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	stored := rec.Clone()
	stored.normalize()
	if err := stored.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[stored.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRecord, stored.ID)
	}

	existing := s.ofTypeLocked(stored.Type)
	victims := lowestRelevance(existing, len(existing)+1-s.maxPerType)
	evicted := make([]string, 0, len(victims))
	for _, v := range victims {
		evicted = append(evicted, v.ID)
	}

	if s.backend != nil {
		payload, err := Encode(stored)
		if err != nil {
			return nil, err
		}
		if err := s.backend.Put(ctx, stored.ID, payload); err != nil {
			return nil, fmt.Errorf("persisting record %s: %w", stored.ID, err)
		}
		if len(evicted) > 0 {
			if err := s.backend.Delete(ctx, evicted...); err != nil {
				return nil, fmt.Errorf("evicting records: %w", err)
			}
		}
	}

	for _, id := range evicted {
		delete(s.records, id)
	}
	s.records[stored.ID] = stored

	if len(evicted) > 0 {
		s.logger.Debug("memory records evicted",
			zap.String("type", string(stored.Type)),
			zap.Strings("ids", evicted),
			zap.Int("cap", s.maxPerType))
	}
	return evicted, nil
}

// Get returns a copy of the record with id.
func (s *Store) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec.Clone(), nil
}

// Delete removes the record with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if s.backend != nil {
		if err := s.backend.Delete(ctx, id); err != nil {
			return fmt.Errorf("deleting record %s: %w", id, err)
		}
	}
	delete(s.records, id)
	return nil
}

// List returns copies of the records of the given types (all types when
// none given), newest first.
func (s *Store) List(types ...Type) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if len(types) > 0 && !containsType(types, rec.Type) {
			continue
		}
		out = append(out, *rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of records of typ, or all records if typ is empty.
func (s *Store) Count(typ Type) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if typ == "" {
		return len(s.records)
	}
	n := 0
	for _, rec := range s.records {
		if rec.Type == typ {
			n++
		}
	}
	return n
}

// Retrieve returns records matching f ranked by score.
//
// Each candidate is scored by scorer; a nil scorer uses the stored relevance
// score. Results scoring below f.RelevanceThreshold are excluded. Ranking is
// score descending, then confidence descending, then newest first.
func (s *Store) Retrieve(ctx context.Context, f Filter, scorer Scorer) []Scored {
	if f.WriteBack {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}

	type candidate struct {
		rec   *Record
		score float64
	}
	matches := make([]candidate, 0)
	for _, rec := range s.records {
		if !f.matches(rec) {
			continue
		}
		score := rec.RelevanceScore
		if scorer != nil {
			score = clampUnit(scorer.Score(rec.Clone()))
		}
		if score < f.RelevanceThreshold {
			continue
		}
		matches = append(matches, candidate{rec: rec, score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.rec.Confidence != b.rec.Confidence {
			return a.rec.Confidence > b.rec.Confidence
		}
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.After(b.rec.CreatedAt)
		}
		return a.rec.ID < b.rec.ID
	})
	if f.MaxResults > 0 && len(matches) > f.MaxResults {
		matches = matches[:f.MaxResults]
	}

	out := make([]Scored, 0, len(matches))
	for _, m := range matches {
		if f.WriteBack && m.rec.RelevanceScore != m.score {
			s.writeBackLocked(ctx, m.rec, m.score)
		}
		out = append(out, Scored{Record: *m.rec.Clone(), Score: m.score})
	}
	return out
}

// writeBackLocked commits score as rec's relevance. Backend failures keep the
// previous score and are logged.
func (s *Store) writeBackLocked(ctx context.Context, rec *Record, score float64) {
	updated := rec.Clone()
	updated.RelevanceScore = score
	if s.backend != nil {
		payload, err := Encode(updated)
		if err == nil {
			err = s.backend.Put(ctx, updated.ID, payload)
		}
		if err != nil {
			s.logger.Warn("relevance write-back failed",
				zap.String("id", rec.ID),
				zap.Error(err))
			return
		}
	}
	rec.RelevanceScore = score
}

// Cleanup removes every record older than retention and returns the count.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, ErrInvalidRetention
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retention)
	expired := make([]string, 0)
	for id, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	sort.Strings(expired)

	if s.backend != nil {
		if err := s.backend.Delete(ctx, expired...); err != nil {
			return 0, fmt.Errorf("removing expired records: %w", err)
		}
	}
	for _, id := range expired {
		delete(s.records, id)
	}

	s.logger.Info("memory retention cleanup",
		zap.Int("removed", len(expired)),
		zap.Duration("retention", retention))
	return len(expired), nil
}

// Prune trims every type to the per-type cap and returns the evicted IDs.
func (s *Store) Prune(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for _, typ := range Types {
		records := s.ofTypeLocked(typ)
		for _, v := range lowestRelevance(records, len(records)-s.maxPerType) {
			evicted = append(evicted, v.ID)
		}
	}
	if len(evicted) == 0 {
		return nil, nil
	}

	if s.backend != nil {
		if err := s.backend.Delete(ctx, evicted...); err != nil {
			return nil, fmt.Errorf("pruning records: %w", err)
		}
	}
	for _, id := range evicted {
		delete(s.records, id)
	}
	return evicted, nil
}

// Load replaces the store contents with the backend's records.
//
// Records failing the integrity check are restored from the backend backup
// when it is valid and dropped otherwise; both cases are logged and reported.
// Load fails only when the backend itself fails.
func (s *Store) Load(ctx context.Context) (LoadReport, error) {
	var report LoadReport
	if s.backend == nil {
		return report, nil
	}

	loaded := make(map[string]*Record)
	var damaged []*IntegrityError
	err := s.backend.Scan(ctx, func(id string, payload []byte) error {
		rec, err := Decode(id, payload)
		if err != nil {
			var integrityErr *IntegrityError
			if !errors.As(err, &integrityErr) {
				return err
			}
			damaged = append(damaged, integrityErr)
			return nil
		}
		loaded[id] = rec
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("scanning backend: %w", err)
	}

	for _, ierr := range damaged {
		rec, err := s.restore(ctx, ierr.ID)
		if err != nil {
			return report, err
		}
		if rec == nil {
			s.logger.Warn("dropping unrecoverable memory record",
				zap.String("id", ierr.ID),
				zap.Error(ierr))
			if err := s.backend.Delete(ctx, ierr.ID); err != nil {
				return report, fmt.Errorf("dropping record %s: %w", ierr.ID, err)
			}
			report.Dropped = append(report.Dropped, ierr.ID)
			continue
		}
		s.logger.Warn("restored memory record from backup",
			zap.String("id", ierr.ID),
			zap.Error(ierr))
		loaded[rec.ID] = rec
		report.Restored = append(report.Restored, ierr.ID)
	}

	s.mu.Lock()
	s.records = loaded
	s.mu.Unlock()

	report.Loaded = len(loaded)
	return report, nil
}

// restore returns the valid backup of id and rewrites the primary copy, or
// nil when no valid backup exists.
func (s *Store) restore(ctx context.Context, id string) (*Record, error) {
	payload, ok, err := s.backend.Backup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading backup for %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	rec, err := Decode(id, payload)
	if err != nil {
		return nil, nil
	}
	if err := s.backend.Put(ctx, id, payload); err != nil {
		return nil, fmt.Errorf("repairing record %s: %w", id, err)
	}
	return rec, nil
}

// Stats returns a snapshot of store contents.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Total:  len(s.records),
		ByType: make(map[Type]int, len(Types)),
	}
	var confidence float64
	for _, rec := range s.records {
		st.ByType[rec.Type]++
		confidence += rec.Confidence
		if st.Oldest.IsZero() || rec.CreatedAt.Before(st.Oldest) {
			st.Oldest = rec.CreatedAt
		}
		if rec.CreatedAt.After(st.Newest) {
			st.Newest = rec.CreatedAt
		}
	}
	if st.Total > 0 {
		st.AverageConfidence = confidence / float64(st.Total)
	}
	return st
}

func (s *Store) ofTypeLocked(typ Type) []*Record {
	out := make([]*Record, 0)
	for _, rec := range s.records {
		if rec.Type == typ {
			out = append(out, rec)
		}
	}
	return out
}

// lowestRelevance returns the n records with the lowest (RelevanceScore,
// CreatedAt), ID breaking remaining ties.
func lowestRelevance(records []*Record, n int) []*Record {
	if n <= 0 {
		return nil
	}
	ordered := append([]*Record(nil), records...)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore < b.RelevanceScore
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if n > len(ordered) {
		n = len(ordered)
	}
	return ordered[:n]
}

func (f Filter) matches(rec *Record) bool {
	if len(f.Types) > 0 && !containsType(f.Types, rec.Type) {
		return false
	}
	if f.TaskType != "" && rec.TaskType != f.TaskType {
		return false
	}
	if len(f.Tags) > 0 {
		shared := false
		for _, tag := range f.Tags {
			if rec.HasTag(tag) {
				shared = true
				break
			}
		}
		if !shared {
			return false
		}
	}
	return true
}

func containsType(types []Type, t Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func clampUnit(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
