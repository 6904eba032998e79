package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-assistant/config"
)

func offlineEnv(t *testing.T) {
	t.Setenv("ASSISTANT_ORACLE_PROVIDER", "offline")
	t.Setenv("ASSISTANT_EMBEDDER_PROVIDER", "mock")
}

func TestDefaults(t *testing.T) {
	offlineEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 0.35, cfg.Memory.MergeThreshold)
	assert.Equal(t, 720*time.Hour, cfg.Memory.DefaultTTL)
	assert.Equal(t, 500, cfg.Knowledge.ChunkSize)
	assert.Equal(t, 50, cfg.Knowledge.ChunkOverlap)
	assert.Equal(t, 20, cfg.Knowledge.Candidates)
	assert.Equal(t, 30*time.Second, cfg.Oracle.Timeout)
	assert.Equal(t, 384, cfg.Embedder.Dimensions)
	assert.Equal(t, "memory", cfg.Session.Backend)
	assert.Equal(t, 800, cfg.Safety.MaxOutputChars)
	assert.Equal(t, 20, cfg.Engine.SummaryTrigger)
	assert.Equal(t, 6, cfg.Engine.KeepLast)
}

func TestFileAndEnvironment(t *testing.T) {
	offlineEnv(t)
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: 127.0.0.1:9000
memory:
  merge_threshold: 0.5
knowledge:
  language: de
session:
  backend: redis
  redis_addr: localhost:6379
  ttl: 1h
`), 0o600))
	t.Setenv("ASSISTANT_KNOWLEDGE_LIMIT", "3")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Address)
	assert.Equal(t, 0.5, cfg.Memory.MergeThreshold)
	assert.Equal(t, "de", cfg.Knowledge.Language)
	assert.Equal(t, 3, cfg.Knowledge.Limit)
	assert.Equal(t, "redis", cfg.Session.Backend)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "claude without key", env: map[string]string{"ASSISTANT_ORACLE_PROVIDER": "claude"}},
		{name: "remote embedder without url", env: map[string]string{"ASSISTANT_EMBEDDER_PROVIDER": "remote"}},
		{name: "unknown session backend", env: map[string]string{"ASSISTANT_SESSION_BACKEND": "etcd"}},
		{name: "redis without address", env: map[string]string{"ASSISTANT_SESSION_BACKEND": "redis"}},
		{name: "overlap not below chunk size", env: map[string]string{"ASSISTANT_KNOWLEDGE_CHUNK_OVERLAP": "500"}},
		{name: "merge threshold above one", env: map[string]string{"ASSISTANT_MEMORY_MERGE_THRESHOLD": "1.5"}},
		{name: "unknown scorer", env: map[string]string{"ASSISTANT_KNOWLEDGE_SCORER": "magic"}},
		{name: "keep_last not below trigger", env: map[string]string{"ASSISTANT_ENGINE_KEEP_LAST": "20"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offlineEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestMissingFile(t *testing.T) {
	offlineEnv(t)
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
