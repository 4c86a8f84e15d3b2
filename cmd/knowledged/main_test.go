package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, port int) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`server:
  host: 127.0.0.1
  http_port: %d
  shutdown_timeout: 2s
logging:
  level: error
vectorstore:
  provider: chromem
  chromem_path: %s
  chromem_compress: false
embeddings:
  active_profile: small
  profiles:
    small:
      provider: hash
      model: small
      dimension: 32
    large:
      provider: hash
      model: large
      dimension: 64
knowledge:
  base_collection: kb
ingest:
  min_content_length: 20
backfill:
  enabled: true
  interval: 50ms
  batch_size: 10
  pause: 0s
`, port, filepath.Join(dir, "vectors"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func writeDump(t *testing.T) string {
	t.Helper()
	dump := `<mediawiki>
<page><title>Kyoto</title><ns>0</ns><id>1</id><revision><text>'''Kyoto''' was the imperial capital of [[Japan]] for a thousand years.</text></revision></page>
<page><title>Nara</title><ns>0</ns><id>2</id><revision><text>'''Nara''' was the capital before Kyoto and is known for its deer park.</text></revision></page>
<page><title>Template:Box</title><ns>10</ns><id>3</id><revision><text>Templates are not articles and must be skipped entirely.</text></revision></page>
<page><title>Old Kyoto</title><ns>0</ns><id>4</id><revision><text>#REDIRECT [[Kyoto]]</text></revision></page>
</mediawiki>`
	path := filepath.Join(t.TempDir(), "dump.xml")
	require.NoError(t, os.WriteFile(path, []byte(dump), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}

func TestImportBackfillSearchReset(t *testing.T) {
	cfg := writeConfig(t, 9191)
	dump := writeDump(t)

	out, err := execute(t, "import", dump, "--config", cfg, "--batch-size", "1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "kb_hash_small_32")
	assert.Contains(t, out, "completed: imported=2")

	// Imported entries are placeholders until backfilled.
	out, err = execute(t, "search", "capital", "--config", cfg, "--json")
	require.NoError(t, err, out)
	var hits []retrieval.Hit
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	assert.Empty(t, hits)

	out, err = execute(t, "backfill", "--config", cfg)
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 entries pending")
	assert.Contains(t, out, "embedded 2 entries")

	out, err = execute(t, "search", "capital", "--config", cfg, "--json")
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.Len(t, hits, 2)
	titles := []string{hits[0].Metadata.Title, hits[1].Metadata.Title}
	assert.ElementsMatch(t, []string{"Kyoto", "Nara"}, titles)

	_, err = execute(t, "reset", "--config", cfg)
	require.Error(t, err, "reset needs --yes")

	out, err = execute(t, "reset", "--config", cfg, "--yes")
	require.NoError(t, err, out)
	assert.Contains(t, out, "collection kb_hash_small_32 reset")

	out, err = execute(t, "search", "capital", "--config", cfg)
	require.NoError(t, err, out)
	assert.Contains(t, out, "no results")
}

func TestImport_WithBackfillAndProfile(t *testing.T) {
	cfg := writeConfig(t, 9191)
	out, err := execute(t, "import", writeDump(t), "--config", cfg, "--profile", "large", "--backfill")
	require.NoError(t, err, out)
	assert.Contains(t, out, "kb_hash_large_64")
	assert.Contains(t, out, "embedded 2 entries")

	out, err = execute(t, "search", "deer", "--config", cfg, "--profile", "large", "--limit", "1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1. [")
}

func TestImport_Errors(t *testing.T) {
	cfg := writeConfig(t, 9191)

	_, err := execute(t, "import", filepath.Join(t.TempDir(), "missing.xml"), "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Source not readable: missing.xml")

	_, err = execute(t, "import", writeDump(t), "--config", cfg, "--profile", "nope")
	require.Error(t, err)

	_, err = execute(t, "import", "--config", cfg)
	require.Error(t, err, "the dump argument is required")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	port := freePort(t)
	cfg := writeConfig(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- runServe(ctx, &options{configPath: cfg}, false)
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	body := fmt.Sprintf(`{"source_ref":%q}`, writeDump(t))
	resp, err := http.Post(base+"/api/v1/imports", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var submitted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The background worker embeds the imported entries without a manual backfill.
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/v1/embeddings/pending")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var pending struct {
			Pending int `json:"pending"`
		}
		if json.NewDecoder(resp.Body).Decode(&pending) != nil {
			return false
		}
		job, err := http.Get(base + "/api/v1/imports/" + submitted.JobID)
		if err != nil {
			return false
		}
		defer job.Body.Close()
		var j struct {
			Status string `json:"status"`
		}
		_ = json.NewDecoder(job.Body).Decode(&j)
		return j.Status == "completed" && pending.Pending == 0
	}, 5*time.Second, 50*time.Millisecond)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
