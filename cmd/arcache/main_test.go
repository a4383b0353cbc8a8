package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/arcache/internal/config"
	"github.com/fyrsmithlabs/arcache/internal/logging"
	"github.com/fyrsmithlabs/arcache/internal/memory"
	"github.com/fyrsmithlabs/arcache/internal/services"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// seedDatabase writes records at the given ages into a fresh database.
func seedDatabase(t *testing.T, ages ...time.Duration) (string, []string) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.Path = filepath.Join(t.TempDir(), "arcache.db")

	reg, err := services.New(context.Background(), cfg, services.Options{Logger: logging.NewNop()})
	require.NoError(t, err)

	ids := make([]string, 0, len(ages))
	for i, age := range ages {
		rec := &memory.Record{
			ID:             uuid.New().String(),
			Type:           memory.TypeProcedural,
			Content:        memory.Content{Summary: "lesson " + string(rune('a'+i)), Lessons: []string{"cache the build"}},
			RelevanceScore: 0.8,
			Confidence:     0.8,
			TaskType:       "build",
			CreatedAt:      time.Now().Add(-age).UTC(),
			Outcome:        memory.OutcomeSuccess,
		}
		_, err := reg.Memory().Persist(context.Background(), rec)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	require.NoError(t, reg.Close())
	return cfg.Storage.Path, ids
}

func TestConfigCheck_Defaults(t *testing.T) {
	out, _, err := execute(t, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration ok")
	assert.Contains(t, out, "reflection depth: detailed")
}

func TestConfigCheck_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("learning:\n  reflection_depth: basic\n"), 0o600))

	out, _, err := execute(t, "config", "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "reflection depth: basic")
}

func TestConfigCheck_WatchRequiresConfig(t *testing.T) {
	_, _, err := execute(t, "config", "check", "--watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--watch requires --config")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConfigCheck_WatchReprintsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("learning:\n  reflection_depth: basic\n"), 0o600))

	var stdout, stderr syncBuffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"config", "check", "--config", path, "--watch"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stderr.String(), "watching")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, stdout.String(), "reflection depth: basic")

	require.NoError(t, os.WriteFile(path, []byte("learning:\n  reflection_depth: comprehensive\n"), 0o600))
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "reflection depth: comprehensive")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("learning:\n  learning_rate: 3\n"), 0o600))
	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "configuration invalid") &&
			strings.Contains(stderr.String(), "learning.learning_rate")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestConfigCheck_InvalidFileListsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arcache.yaml")
	content := "learning:\n  learning_rate: 3\n  max_memory_entries: 0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, stderr, err := execute(t, "config", "check", "--config", path)
	require.Error(t, err)
	assert.Contains(t, stderr, "learning.learning_rate")
	assert.Contains(t, stderr, "learning.max_memory_entries")
}

func TestConfigCheck_JSON(t *testing.T) {
	out, _, err := execute(t, "config", "check", "--json")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Contains(t, decoded, "Learning")
}

func TestConfigKeys(t *testing.T) {
	out, _, err := execute(t, "config", "keys")
	require.NoError(t, err)
	assert.Contains(t, strings.Split(strings.TrimSpace(out), "\n"), "learning.memory_enabled")
}

func TestMemory_RequiresPersistentStorage(t *testing.T) {
	_, _, err := execute(t, "memory", "list")
	assert.ErrorContains(t, err, "persistent storage")
}

func TestMemoryList(t *testing.T) {
	db, ids := seedDatabase(t, time.Hour, 2*time.Hour)

	out, _, err := execute(t, "memory", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "SUMMARY")
	assert.Contains(t, out, ids[0])
	assert.Contains(t, out, ids[1])
	assert.Less(t, strings.Index(out, ids[0]), strings.Index(out, ids[1]))

	out, _, err = execute(t, "memory", "list", "--db", db, "--type", "semantic")
	require.NoError(t, err)
	assert.Contains(t, out, "No memory records found.")

	_, _, err = execute(t, "memory", "list", "--db", db, "--type", "bogus")
	assert.Error(t, err)
}

func TestMemoryListJSON(t *testing.T) {
	db, ids := seedDatabase(t, time.Hour)

	out, _, err := execute(t, "memory", "list", "--db", db, "--json")
	require.NoError(t, err)

	var records []memory.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, ids[0], records[0].ID)
}

func TestMemoryShowAndDelete(t *testing.T) {
	db, ids := seedDatabase(t, time.Hour)

	out, _, err := execute(t, "memory", "show", ids[0], "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "cache the build")

	out, _, err = execute(t, "memory", "delete", ids[0], "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted "+ids[0])

	_, _, err = execute(t, "memory", "show", ids[0], "--db", db)
	assert.ErrorIs(t, err, memory.ErrRecordNotFound)
}

func TestMemoryStats(t *testing.T) {
	db, _ := seedDatabase(t, time.Hour, 2*time.Hour)

	out, _, err := execute(t, "memory", "stats", "--db", db, "--json")
	require.NoError(t, err)

	var st statsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.ByType[memory.TypeProcedural])
	assert.Equal(t, 100, st.MaxPerType)
	assert.InDelta(t, 0.8, st.AverageConfidence, 1e-9)

	out, _, err = execute(t, "memory", "stats", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "procedural:")
}

func TestMemoryCleanup(t *testing.T) {
	db, ids := seedDatabase(t, time.Hour, 10*24*time.Hour)

	out, _, err := execute(t, "memory", "cleanup", "--db", db, "--retention-days", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 record(s)")

	out, _, err = execute(t, "memory", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, ids[0])
	assert.NotContains(t, out, ids[1])
}

func TestMemoryPrune(t *testing.T) {
	db, ids := seedDatabase(t, time.Hour, 2*time.Hour, 3*time.Hour)

	t.Setenv("ARCACHE_LEARNING_MAX_MEMORY_ENTRIES", "2")
	out, _, err := execute(t, "memory", "prune", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Evicted 1 record(s); 2 remain (max 2 per type).")

	out, _, err = execute(t, "memory", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, ids[0])
	assert.NotContains(t, out, ids[2])

	out, _, err = execute(t, "memory", "prune", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Evicted 0 record(s); 2 remain")
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than max", "hello", 10, "hello"},
		{"equal to max", "hello", 5, "hello"},
		{"longer than max", "hello world", 8, "hello..."},
		{"very short max", "hello", 3, "..."},
		{"collapses whitespace", "a\n  b", 10, "a b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.input, tt.maxLen))
		})
	}
}
