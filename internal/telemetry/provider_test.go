package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/arcache/internal/config"
)

func TestNewResource(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.ServiceVersion = "1.2.3"

	set := newResource(cfg).Set()

	name, ok := set.Value("service.name")
	assert.True(t, ok)
	assert.Equal(t, "arcache", name.AsString())

	version, ok := set.Value("service.version")
	assert.True(t, ok)
	assert.Equal(t, "1.2.3", version.AsString())
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{2.0, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := newSampler(tt.rate).Description()
		assert.Contains(t, desc, "ParentBased")
		assert.Contains(t, desc, "root:"+tt.want, "rate %v", tt.rate)
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel.example.com:4318", stripScheme("https://otel.example.com:4318"))
	assert.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
	assert.Equal(t, "localhost:4317", stripScheme("localhost:4317"))
}
