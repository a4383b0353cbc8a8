package learning

import (
	"sort"
	"strings"
	"time"
)

const maxKeyLessons = 5

// Progress summarizes learning for one task type.
type Progress struct {
	TaskType    string
	Attempts    int
	Successes   int
	SuccessRate float64

	// ImprovementTrend is the least-squares slope of the recent success
	// rate history, per attempt.
	ImprovementTrend float64

	// KeyLessons are the most frequent lessons from successful attempts.
	KeyLessons []string

	// PersistentIssues are lessons seen in two or more failed attempts.
	PersistentIssues []string

	Plateau   Plateau
	UpdatedAt time.Time
}

// tracker accumulates progress for one task type. It is not safe for
// concurrent use; the coordinator serializes access.
type tracker struct {
	taskType    string
	attempts    int
	successes   int
	successRate float64
	history     []float64
	historyCap  int

	successLessons map[string]*lessonCount
	failureLessons map[string]*lessonCount
	promoted       map[string]bool
	seq            int

	detector *PlateauDetector
	plateau  Plateau
	updated  time.Time
}

type lessonCount struct {
	text  string
	count int
	first int
}

func newTracker(taskType string, s settings) *tracker {
	historyCap := s.plateauWindow * 2
	if historyCap < 2 {
		historyCap = 2
	}
	return &tracker{
		taskType:       taskType,
		historyCap:     historyCap,
		successLessons: make(map[string]*lessonCount),
		failureLessons: make(map[string]*lessonCount),
		promoted:       make(map[string]bool),
		detector:       NewPlateauDetector(s.plateauWindow, s.plateauDuration, s.plateauEpsilon),
	}
}

// record folds one attempt into the tracker and returns the success-rate
// delta. lessons are counted against successes or failures.
func (t *tracker) record(success bool, learningRate float64, lessons []string, at time.Time) float64 {
	outcome := 0.0
	if success {
		outcome = 1
		t.successes++
	}
	t.attempts++

	prev := t.successRate
	t.successRate = prev + learningRate*(outcome-prev)

	t.history = append(t.history, t.successRate)
	if len(t.history) > t.historyCap {
		t.history = t.history[len(t.history)-t.historyCap:]
	}

	counts := t.failureLessons
	if success {
		counts = t.successLessons
	}
	seen := make(map[string]bool, len(lessons))
	for _, lesson := range lessons {
		key := lessonKey(lesson)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		lc, ok := counts[key]
		if !ok {
			t.seq++
			lc = &lessonCount{text: strings.TrimSpace(lesson), first: t.seq}
			counts[key] = lc
		}
		lc.count++
	}

	t.updated = at
	delta := t.successRate - prev
	t.plateau = t.detector.Observe(delta)
	return delta
}

// promotable returns success lessons that reached threshold and have not
// been promoted yet, and marks them promoted.
func (t *tracker) promotable(threshold int) []string {
	if threshold <= 0 {
		return nil
	}
	var out []lessonCount
	for key, lc := range t.successLessons {
		if lc.count >= threshold && !t.promoted[key] {
			t.promoted[key] = true
			out = append(out, *lc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].first < out[j].first })
	texts := make([]string, len(out))
	for i, lc := range out {
		texts[i] = lc.text
	}
	return texts
}

func (t *tracker) snapshot() Progress {
	return Progress{
		TaskType:         t.taskType,
		Attempts:         t.attempts,
		Successes:        t.successes,
		SuccessRate:      t.successRate,
		ImprovementTrend: slope(t.history),
		KeyLessons:       topLessons(t.successLessons, 1, maxKeyLessons),
		PersistentIssues: topLessons(t.failureLessons, 2, 0),
		Plateau:          clonePlateau(t.plateau),
		UpdatedAt:        t.updated,
	}
}

// topLessons returns lessons seen at least min times, most frequent first.
// limit 0 means no limit.
func topLessons(counts map[string]*lessonCount, min, limit int) []string {
	var ordered []*lessonCount
	for _, lc := range counts {
		if lc.count >= min {
			ordered = append(ordered, lc)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		return ordered[i].first < ordered[j].first
	})
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	out := make([]string, len(ordered))
	for i, lc := range ordered {
		out[i] = lc.text
	}
	return out
}

// slope is the least-squares slope of ys against their index.
func slope(ys []float64) float64 {
	n := float64(len(ys))
	if len(ys) < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func lessonKey(lesson string) string {
	return strings.ToLower(strings.Join(strings.Fields(lesson), " "))
}

func clonePlateau(p Plateau) Plateau {
	p.SuggestedInterventions = append([]string(nil), p.SuggestedInterventions...)
	return p
}
