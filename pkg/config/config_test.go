package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "kafka", cfg.Worker.Source)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Indexer.Tokenizer.MinLength)
	assert.True(t, cfg.Indexer.Tokenizer.StopWords)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	yml := `
redis:
  addr: cache:6379
indexer:
  lockTTL: 4s
  lockWait: 1s
worker:
  source: sqs
sqs:
  queueUrl: https://sqs.local/changes
  maxMessages: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("RI_WORKER_CONCURRENCY", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, 4*time.Second, cfg.Indexer.LockTTL)
	assert.Equal(t, "sqs", cfg.Worker.Source)
	assert.Equal(t, int32(5), cfg.SQS.MaxMessages)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	// untouched sections keep their defaults
	assert.Equal(t, 20*time.Millisecond, cfg.Indexer.LockPollInterval)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Worker.Source = "sqs"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Worker.Source = "rabbit"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SQS.MaxMessages = 11
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}
