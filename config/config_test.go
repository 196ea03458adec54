package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Ingest.MaxCharsPerChunk)
	assert.Equal(t, int64(10<<20), cfg.Ingest.MaxUploadBytes)
	assert.Equal(t, 0.3, cfg.Search.KeywordWeight)
	assert.Equal(t, 0.7, cfg.Search.SemanticWeight)
	assert.Equal(t, 10.0, cfg.Search.KeywordScoreScale)
	assert.Equal(t, 0.3, cfg.Search.Thresholds.Text)
	assert.Equal(t, 0.1, cfg.Search.Thresholds.Image)
	assert.Equal(t, 1000, cfg.Search.CountCap)
	assert.Equal(t, 5, cfg.Chat.MaxSteps)
	assert.Equal(t, 24*time.Hour, cfg.Redis.Retention)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
port: "9090"
vector_backend: memory
search:
  keyword_weight: 0.5
  thresholds:
    image: 0.2
chat:
  max_steps: 3
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("SEARCH_KEYWORD_SCORE_SCALE", "20")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "memory", cfg.VectorBackend)
	assert.Equal(t, 0.5, cfg.Search.KeywordWeight)
	assert.Equal(t, 0.2, cfg.Search.Thresholds.Image)
	assert.Equal(t, 0.3, cfg.Search.Thresholds.Text)
	assert.Equal(t, 3, cfg.Chat.MaxSteps)
	assert.Equal(t, 20.0, cfg.Search.KeywordScoreScale)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	bad := *cfg
	bad.AIProvider = "llama"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Search.KeywordScoreScale = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.VectorBackend = "pinecone"
	assert.Error(t, bad.Validate())
}

func TestMissingConfigFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
