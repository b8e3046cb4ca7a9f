package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
user_id: tester
server:
  addr: ":9090"
store:
  dsn: "/tmp/test.db"
embeddings:
  api_key_env: TEST_EMBED_KEY
  base_url: https://example.com/v1
  model: text-embedding-v3
  dimensions: 256
summarizer:
  api_key_env: TEST_EMBED_KEY
  base_url: https://example.com/v1
  model: qwen-turbo
models:
  qwen:
    api_key_env: TEST_QWEN_KEY
    base_url: https://example.com/v1
    model: qwen-turbo
    system_prompt: "You are a helpful AI assistant."
  kimi:
    api_key_env: TEST_KIMI_KEY
    base_url: https://example.com/kimi/v1
    model: moonshot-v1-8k
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	t.Setenv("TEST_QWEN_KEY", "secret-qwen")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "tester", cfg.UserID)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "/tmp/test.db", cfg.Store.DSN)
	assert.Equal(t, 256, cfg.Embeddings.Dimensions)
	assert.Equal(t, 10, cfg.Embeddings.BatchSize, "default applies")
	assert.Equal(t, 512, cfg.Index.ChunkSize, "default applies")

	require.Contains(t, cfg.Models, "qwen")
	assert.Equal(t, "secret-qwen", cfg.Models["qwen"].APIKey())
	assert.Equal(t, "You are a helpful AI assistant.", cfg.Models["qwen"].SystemPrompt)
}

func TestLoadRejectsEmptyModels(t *testing.T) {
	_, err := Load(writeConfig(t, `
embeddings:
  model: text-embedding-v3
summarizer:
  model: qwen-turbo
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one model")
}

func TestLoadRejectsMissingEmbeddingModel(t *testing.T) {
	_, err := Load(writeConfig(t, `
summarizer:
  model: qwen-turbo
models:
  qwen:
    model: qwen-turbo
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embeddings model")
}
