package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersist_SemanticCapEvictsLowestRelevance(t *testing.T) {
	ctx := context.Background()
	store := NewStore(WithMaxEntriesPerType(2))

	mid := testRecord(t, TypeSemantic, 0.5, baseTime)
	low := testRecord(t, TypeSemantic, 0.2, baseTime.Add(time.Minute))
	high := testRecord(t, TypeSemantic, 0.9, baseTime.Add(2*time.Minute))

	for _, rec := range []*Record{mid, low} {
		evicted, err := store.Persist(ctx, rec)
		require.NoError(t, err)
		assert.Empty(t, evicted)
	}

	evicted, err := store.Persist(ctx, high)
	require.NoError(t, err)
	assert.Equal(t, []string{low.ID}, evicted)
	assert.Equal(t, 2, store.Count(TypeSemantic))

	_, err = store.Get(low.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestPersist_LowRelevanceNewRecordIsKept(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := NewStore(WithMaxEntriesPerType(2), WithBackend(backend))

	high := testRecord(t, TypeSemantic, 0.9, baseTime)
	mid := testRecord(t, TypeSemantic, 0.8, baseTime)
	for _, rec := range []*Record{high, mid} {
		_, err := store.Persist(ctx, rec)
		require.NoError(t, err)
	}

	lowest := testRecord(t, TypeSemantic, 0.1, baseTime.Add(time.Hour))
	evicted, err := store.Persist(ctx, lowest)
	require.NoError(t, err)
	assert.Equal(t, []string{mid.ID}, evicted)
	assert.Equal(t, 2, store.Count(TypeSemantic))

	got, err := store.Get(lowest.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, got.RelevanceScore, 1e-9)
	assert.True(t, backend.has(lowest.ID))
	assert.False(t, backend.has(mid.ID))
	_, err = store.Get(high.ID)
	assert.NoError(t, err)
}

func TestPersist_TieBreaksOnCreatedAt(t *testing.T) {
	ctx := context.Background()
	store := NewStore(WithMaxEntriesPerType(1))

	older := testRecord(t, TypeEpisodic, 0.5, baseTime)
	newer := testRecord(t, TypeEpisodic, 0.5, baseTime.Add(time.Second))

	_, err := store.Persist(ctx, older)
	require.NoError(t, err)
	evicted, err := store.Persist(ctx, newer)
	require.NoError(t, err)
	assert.Equal(t, []string{older.ID}, evicted)
}

func TestPersist_CapIsPerType(t *testing.T) {
	ctx := context.Background()
	store := NewStore(WithMaxEntriesPerType(1))

	for _, typ := range Types {
		evicted, err := store.Persist(ctx, testRecord(t, typ, 0.5, baseTime))
		require.NoError(t, err)
		assert.Empty(t, evicted)
	}
	assert.Equal(t, 3, store.Count(""))
}

func TestPersist_Rejections(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	rec := testRecord(t, TypeProcedural, 0.5, baseTime)
	_, err := store.Persist(ctx, rec)
	require.NoError(t, err)

	_, err = store.Persist(ctx, rec)
	assert.ErrorIs(t, err, ErrDuplicateRecord)

	_, err = store.Persist(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	bad := testRecord(t, TypeProcedural, 0.5, baseTime)
	bad.Confidence = 1.5
	_, err = store.Persist(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestPersist_BackendFailureLeavesStoreUnchanged(t *testing.T) {
	backend := newFakeBackend()
	backend.failPut = errors.New("disk full")
	store := NewStore(WithBackend(backend))

	_, err := store.Persist(context.Background(), testRecord(t, TypeEpisodic, 0.5, baseTime))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, store.Count(""))
}

func TestPersist_CopiesInput(t *testing.T) {
	store := NewStore()
	rec := testRecord(t, TypeEpisodic, 0.5, baseTime)
	_, err := store.Persist(context.Background(), rec)
	require.NoError(t, err)

	rec.Content.Lessons[0] = "mutated"
	rec.Tags[0] = "mutated"

	got, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "check inputs", got.Content.Lessons[0])
	assert.Equal(t, []string{"go"}, got.Tags)

	got.Content.Lessons[0] = "also mutated"
	again, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "check inputs", again.Content.Lessons[0])
}

func TestRetrieve_Filters(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	sem := testRecord(t, TypeSemantic, 0.8, baseTime)
	proc := testRecord(t, TypeProcedural, 0.6, baseTime)
	other := testRecord(t, TypeProcedural, 0.7, baseTime)
	other.TaskType = "deploy"
	other.Tags = []string{"k8s"}
	for _, rec := range []*Record{sem, proc, other} {
		_, err := store.Persist(ctx, rec)
		require.NoError(t, err)
	}

	t.Run("types", func(t *testing.T) {
		got := store.Retrieve(ctx, Filter{Types: []Type{TypeSemantic}}, nil)
		require.Len(t, got, 1)
		assert.Equal(t, sem.ID, got[0].Record.ID)
	})

	t.Run("task type is strict", func(t *testing.T) {
		got := store.Retrieve(ctx, Filter{TaskType: "deploy"}, nil)
		require.Len(t, got, 1)
		assert.Equal(t, other.ID, got[0].Record.ID)
	})

	t.Run("tags any of", func(t *testing.T) {
		got := store.Retrieve(ctx, Filter{Tags: []string{"K8S", "rust"}}, nil)
		require.Len(t, got, 1)
		assert.Equal(t, other.ID, got[0].Record.ID)
	})

	t.Run("ranked by stored relevance", func(t *testing.T) {
		got := store.Retrieve(ctx, Filter{}, nil)
		require.Len(t, got, 3)
		assert.Equal(t, []string{sem.ID, other.ID, proc.ID},
			[]string{got[0].Record.ID, got[1].Record.ID, got[2].Record.ID})
	})

	t.Run("max results", func(t *testing.T) {
		got := store.Retrieve(ctx, Filter{MaxResults: 2}, nil)
		assert.Len(t, got, 2)
	})
}

func TestRetrieve_ThresholdMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	for i := 0; i < 20; i++ {
		rec := testRecord(t, TypeEpisodic, float64(i)/19, baseTime.Add(time.Duration(i)*time.Minute))
		_, err := store.Persist(ctx, rec)
		require.NoError(t, err)
	}

	prev := -1
	for step := 10; step >= 0; step-- {
		threshold := float64(step) / 10
		got := store.Retrieve(ctx, Filter{RelevanceThreshold: threshold}, nil)
		for _, s := range got {
			assert.GreaterOrEqual(t, s.Score, threshold)
		}
		if prev >= 0 {
			assert.GreaterOrEqual(t, len(got), prev, "lowering threshold to %v shrank results", threshold)
		}
		prev = len(got)
	}
}

func TestRetrieve_TieBreaks(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	oldConfident := testRecord(t, TypeEpisodic, 0.5, baseTime)
	oldConfident.Confidence = 0.9
	newer := testRecord(t, TypeEpisodic, 0.5, baseTime.Add(time.Hour))
	older := testRecord(t, TypeEpisodic, 0.5, baseTime)
	for _, rec := range []*Record{older, newer, oldConfident} {
		_, err := store.Persist(ctx, rec)
		require.NoError(t, err)
	}

	got := store.Retrieve(ctx, Filter{}, nil)
	require.Len(t, got, 3)
	assert.Equal(t, oldConfident.ID, got[0].Record.ID)
	assert.Equal(t, newer.ID, got[1].Record.ID)
	assert.Equal(t, older.ID, got[2].Record.ID)
}

func TestRetrieve_WriteBack(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := NewStore(WithBackend(backend))
	rec := testRecord(t, TypeEpisodic, 0.5, baseTime)
	_, err := store.Persist(ctx, rec)
	require.NoError(t, err)

	scorer := ScorerFunc(func(*Record) float64 { return 0.9 })

	got := store.Retrieve(ctx, Filter{}, scorer)
	require.Len(t, got, 1)
	assert.Equal(t, 0.9, got[0].Score)
	stored, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, stored.RelevanceScore, "scores are transient without write-back")

	store.Retrieve(ctx, Filter{WriteBack: true}, scorer)
	stored, err = store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, stored.RelevanceScore)
	assert.Equal(t, rec.Content, stored.Content)

	reloaded := NewStore(WithBackend(backend))
	_, err = reloaded.Load(ctx)
	require.NoError(t, err)
	fromDisk, err := reloaded.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, fromDisk.RelevanceScore)
}

func TestRetrieve_ScorerClamped(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_, err := store.Persist(ctx, testRecord(t, TypeEpisodic, 0.5, baseTime))
	require.NoError(t, err)

	got := store.Retrieve(ctx, Filter{}, ScorerFunc(func(*Record) float64 { return 7 }))
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Score)
}

func TestCleanup_RetentionIdempotent(t *testing.T) {
	ctx := context.Background()
	now := baseTime.Add(40 * 24 * time.Hour)
	store := NewStore(WithClock(func() time.Time { return now }))

	old := testRecord(t, TypeEpisodic, 0.5, baseTime)
	recent := testRecord(t, TypeEpisodic, 0.5, now.Add(-24*time.Hour))
	for _, rec := range []*Record{old, recent} {
		_, err := store.Persist(ctx, rec)
		require.NoError(t, err)
	}

	retention := 30 * 24 * time.Hour
	removed, err := store.Cleanup(ctx, retention)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = store.Cleanup(ctx, retention)
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = store.Get(recent.ID)
	assert.NoError(t, err)

	_, err = store.Cleanup(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidRetention)
}

func TestPrune_TrimsAfterCapReduction(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	wide := NewStore(WithMaxEntriesPerType(3), WithBackend(backend))
	for i, rel := range []float64{0.3, 0.9, 0.6} {
		_, err := wide.Persist(ctx, testRecord(t, TypeProcedural, rel, baseTime.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	narrow := NewStore(WithMaxEntriesPerType(1), WithBackend(backend))
	_, err := narrow.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, narrow.Count(TypeProcedural))

	evicted, err := narrow.Prune(ctx)
	require.NoError(t, err)
	assert.Len(t, evicted, 2)

	remaining := narrow.List()
	require.Len(t, remaining, 1)
	assert.Equal(t, 0.9, remaining[0].RelevanceScore)

	evicted, err = narrow.Prune(ctx)
	require.NoError(t, err)
	assert.Empty(t, evicted)
}

func TestLoad_Integrity(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	writer := NewStore(WithBackend(backend))

	healthy := testRecord(t, TypeEpisodic, 0.5, baseTime)
	restorable := testRecord(t, TypeEpisodic, 0.6, baseTime)
	lost := testRecord(t, TypeEpisodic, 0.7, baseTime)
	for _, rec := range []*Record{healthy, restorable, lost} {
		_, err := writer.Persist(ctx, rec)
		require.NoError(t, err)
	}

	backend.corruptPrimary(restorable.ID)
	backend.corruptPrimary(lost.ID)
	backend.corruptBackup(lost.ID)

	store := NewStore(WithBackend(backend))
	report, err := store.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Loaded)
	assert.Equal(t, []string{restorable.ID}, report.Restored)
	assert.Equal(t, []string{lost.ID}, report.Dropped)

	got, err := store.Get(restorable.ID)
	require.NoError(t, err)
	assert.Equal(t, restorable.Content, got.Content)
	assert.False(t, backend.has(lost.ID))

	// The repaired primary decodes cleanly on the next load.
	report, err = NewStore(WithBackend(backend)).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Loaded)
	assert.Empty(t, report.Restored)
}

func TestList_NewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	first := testRecord(t, TypeEpisodic, 0.5, baseTime)
	second := testRecord(t, TypeSemantic, 0.5, baseTime.Add(time.Minute))
	for _, rec := range []*Record{first, second} {
		_, err := store.Persist(ctx, rec)
		require.NoError(t, err)
	}

	all := store.List()
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	episodic := store.List(TypeEpisodic)
	require.Len(t, episodic, 1)
	assert.Equal(t, first.ID, episodic[0].ID)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	rec := testRecord(t, TypeEpisodic, 0.5, baseTime)
	_, err := store.Persist(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, rec.ID))
	assert.ErrorIs(t, store.Delete(ctx, rec.ID), ErrRecordNotFound)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	assert.Equal(t, 0, store.Stats().Total)

	a := testRecord(t, TypeEpisodic, 0.5, baseTime)
	a.Confidence = 0.4
	b := testRecord(t, TypeSemantic, 0.5, baseTime.Add(time.Hour))
	b.Confidence = 0.8
	for _, rec := range []*Record{a, b} {
		_, err := store.Persist(ctx, rec)
		require.NoError(t, err)
	}

	st := store.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByType[TypeEpisodic])
	assert.Equal(t, 1, st.ByType[TypeSemantic])
	assert.InDelta(t, 0.6, st.AverageConfidence, 1e-9)
	assert.True(t, st.Oldest.Equal(baseTime))
	assert.True(t, st.Newest.Equal(baseTime.Add(time.Hour)))
}
