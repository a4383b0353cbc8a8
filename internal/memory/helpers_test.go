package memory

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRecord(t *testing.T, typ Type, relevance float64, createdAt time.Time) *Record {
	t.Helper()
	rec := &Record{
		ID:             uuid.New().String(),
		Type:           typ,
		Content:        Content{Summary: "summary", Lessons: []string{"check inputs"}},
		RelevanceScore: relevance,
		Confidence:     0.7,
		Tags:           []string{"go"},
		TaskType:       "code-review",
		CreatedAt:      createdAt,
	}
	require.NoError(t, rec.Validate())
	return rec
}

// fakeBackend is an in-memory Backend with separately corruptible copies.
type fakeBackend struct {
	mu      sync.Mutex
	primary map[string][]byte
	backup  map[string][]byte
	failPut error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		primary: make(map[string][]byte),
		backup:  make(map[string][]byte),
	}
}

func (b *fakeBackend) Put(_ context.Context, id string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPut != nil {
		return b.failPut
	}
	b.primary[id] = append([]byte(nil), payload...)
	b.backup[id] = append([]byte(nil), payload...)
	return nil
}

func (b *fakeBackend) Delete(_ context.Context, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		delete(b.primary, id)
		delete(b.backup, id)
	}
	return nil
}

func (b *fakeBackend) Scan(_ context.Context, fn func(id string, payload []byte) error) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.primary))
	for id := range b.primary {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		b.mu.Lock()
		payload := append([]byte(nil), b.primary[id]...)
		b.mu.Unlock()
		if err := fn(id, payload); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBackend) Backup(_ context.Context, id string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.backup[id]
	return append([]byte(nil), payload...), ok, nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) corruptPrimary(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.primary[id] = []byte(`{"checksum":"0000000000000000","record":{"id":"x"}}`)
}

func (b *fakeBackend) corruptBackup(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backup[id] = []byte("not json")
}

func (b *fakeBackend) has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.primary[id]
	return ok
}
