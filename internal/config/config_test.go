package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, 0.98, cfg.Knowledge.DedupThreshold)
	assert.Equal(t, 3, cfg.Knowledge.BackfillMaxAttempts)
	assert.Equal(t, 7*24*time.Hour, cfg.Jobs.RetentionTTL.Duration())
	assert.Equal(t, 50, cfg.Jobs.MaxErrors)
	assert.Equal(t, 100, cfg.Notifications.HistorySize)
	assert.Equal(t, 24*time.Hour, cfg.Notifications.TTL.Duration())
	assert.Equal(t, 100, cfg.Ingest.BatchSize)
	assert.Equal(t, 100, cfg.Ingest.MinContentLength)
	assert.Contains(t, cfg.Ingest.MetaPrefixes, "テンプレート:")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "bad port",
			mutate: func(c *Config) { c.Server.Port = 70000 },
			errMsg: "server.http_port",
		},
		{
			name:   "unknown vector store",
			mutate: func(c *Config) { c.VectorStore.Provider = "pinecone" },
			errMsg: "vectorstore.provider",
		},
		{
			name:   "unknown active profile",
			mutate: func(c *Config) { c.Embeddings.ActiveProfile = "missing" },
			errMsg: "active_profile",
		},
		{
			name: "profile without dimension",
			mutate: func(c *Config) {
				c.Embeddings.Profiles["bad"] = ProfileConfig{Provider: "tei", Model: "m"}
			},
			errMsg: "dimension must be positive",
		},
		{
			name:   "threshold out of range",
			mutate: func(c *Config) { c.Knowledge.DedupThreshold = 1.5 },
			errMsg: "dedup_threshold",
		},
		{
			name:   "unknown job backend",
			mutate: func(c *Config) { c.Jobs.Backend = "etcd" },
			errMsg: "jobs.backend",
		},
		{
			name: "redis without addr",
			mutate: func(c *Config) {
				c.Jobs.Backend = "redis"
				c.Redis.Addr = ""
			},
			errMsg: "redis.addr",
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			errMsg: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
	assert.Equal(t, "default", cfg.Embeddings.ActiveProfile)
}

func TestLoadWithFile_YAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8088
vectorstore:
  provider: qdrant
  qdrant_host: qdrant.internal
embeddings:
  active_profile: small
  profiles:
    small:
      provider: tei
      model: BAAI/bge-small-en-v1.5
      dimension: 384
    large:
      provider: openai
      model: text-embedding-3-large
      dimension: 3072
jobs:
  retention_ttl: 48h
ingest:
  meta_prefixes: ["Talk:"]
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "qdrant", cfg.VectorStore.Provider)
	assert.Equal(t, "qdrant.internal", cfg.VectorStore.QdrantHost)
	assert.Len(t, cfg.Embeddings.Profiles, 2)
	assert.Equal(t, 3072, cfg.Embeddings.Profiles["large"].Dimension)
	assert.Equal(t, 48*time.Hour, cfg.Jobs.RetentionTTL.Duration())
	assert.Equal(t, []string{"Talk:"}, cfg.Ingest.MetaPrefixes)
	// untouched sections keep their defaults
	assert.Equal(t, 0.98, cfg.Knowledge.DedupThreshold)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8088\n", 0600)
	t.Setenv("KNOWLEDGED_SERVER_HTTP_PORT", "9999")
	t.Setenv("KNOWLEDGED_JOBS_BACKEND", "nats")
	t.Setenv("KNOWLEDGED_KNOWLEDGE_DEDUP_THRESHOLD", "0.9")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "nats", cfg.Jobs.Backend)
	assert.InDelta(t, 0.9, cfg.Knowledge.DedupThreshold, 1e-9)
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8088\n", 0644)
	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_RejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "vectorstore:\n  provider: nope\n", 0600)
	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.http_port", envKey("KNOWLEDGED_SERVER_HTTP_PORT"))
	assert.Equal(t, "vectorstore.qdrant_host", envKey("KNOWLEDGED_VECTORSTORE_QDRANT_HOST"))
	assert.Equal(t, "backfill", envKey("KNOWLEDGED_BACKFILL"))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-live-123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sk-live-123", s.Value())
	assert.True(t, s.IsSet())

	out, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "sk-live")

	assert.Equal(t, "", Secret("").String())
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("168h")))
	assert.Equal(t, 7*24*time.Hour, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-1s")))
	require.Error(t, d.UnmarshalText([]byte("soon")))

	require.NoError(t, json.Unmarshal([]byte(`"2m"`), &d))
	assert.Equal(t, 2*time.Minute, d.Duration())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data"), ExpandHome("~/data"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "embeddings:\n  active_profile: default\n", 0600)

	changed := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changed <- c }, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	require.NoError(t, w.Start(t.Context()))
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 7777\n"), 0600))

	select {
	case cfg := <-changed:
		assert.Equal(t, 7777, cfg.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}
