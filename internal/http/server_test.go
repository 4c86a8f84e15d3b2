package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/backfill"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/ingest"
	"github.com/fyrsmithlabs/knowledged/internal/jobs"
	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	profileSmall = embeddings.Profile{Provider: "hash", Model: "small", Dimension: 32}
	profileLarge = embeddings.Profile{Provider: "hash", Model: "large", Dimension: 64}
)

type testEnv struct {
	server    *Server
	knowledge *knowledge.Store
	jobs      *jobs.Controller
	runner    *jobs.Runner
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	vs, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	reg, err := embeddings.NewRegistry("kb", map[string]embeddings.Profile{
		"small": profileSmall,
		"large": profileLarge,
	}, "small")
	require.NoError(t, err)

	factory := embeddings.NewFactory(embeddings.Settings{}, embeddings.GuardConfig{}, nil, nil)
	ks := knowledge.NewStore(vs, reg, factory, knowledge.Options{}, nil)
	ctrl := jobs.NewController(jobs.NewMemoryJobStore(time.Hour), jobs.NewMemoryBus(100, time.Hour), reg, jobs.ControllerOptions{}, nil)
	runner, err := jobs.NewRunner(ctrl, ks, ingest.Options{MinContentLength: 20, SourceName: "wikipedia"}, jobs.RunnerOptions{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close(context.Background()) })

	worker := backfill.NewWorker(ks, backfill.Config{BatchSize: 10}, nil)

	srv, err := NewServer(Deps{
		Knowledge: ks,
		Engine:    retrieval.NewEngine(ks, nil),
		Jobs:      ctrl,
		Runner:    runner,
		Backfill:  worker,
		Gatherer:  prometheus.NewRegistry(),
	}, logging.Nop(), &Config{Heartbeat: 20 * time.Millisecond, Version: "test"})
	require.NoError(t, err)
	return &testEnv{server: srv, knowledge: ks, jobs: ctrl, runner: runner}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func writeDump(t *testing.T, titles ...string) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("<mediawiki>")
	for i, title := range titles {
		fmt.Fprintf(&sb, "<page><title>%s</title><ns>0</ns><id>%d</id><revision><text>%s is described here in enough words to pass the length filter.</text></revision></page>", title, i+1, title)
	}
	sb.WriteString("</mediawiki>")
	path := filepath.Join(t.TempDir(), "dump.xml")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o600))
	return path
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when deps are missing", func(t *testing.T) {
		_, err := NewServer(Deps{}, logging.Nop(), nil)
		require.Error(t, err)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		env := setupTestServer(t)
		_, err := NewServer(env.server.deps, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		env := setupTestServer(t)
		srv, err := NewServer(env.server.deps, logging.Nop(), nil)
		require.NoError(t, err)
		assert.Equal(t, 9191, srv.config.Port)
		assert.Equal(t, 30*time.Second, srv.config.Heartbeat)
	})
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestImports_Lifecycle(t *testing.T) {
	env := setupTestServer(t)
	path := writeDump(t, "Kyoto", "Osaka", "Nara")

	rec := env.do(t, http.MethodPost, "/api/v1/imports", jobs.SubmitRequest{SourceRef: path, BatchSize: 2})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode[SubmitResponse](t, rec).JobID
	require.NotEmpty(t, id)

	var job jobs.Job
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/v1/imports/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		job = decode[jobs.Job](t, rec)
		return job.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Equal(t, 3, job.Progress.Imported)
	assert.Equal(t, "kb_hash_small_32", job.CollectionID)

	list := decode[JobsResponse](t, env.do(t, http.MethodGet, "/api/v1/imports?limit=10", nil))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, id, list.Jobs[0].ID)

	// Cancelling a finished job is refused without error.
	rec = env.do(t, http.MethodPost, "/api/v1/imports/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":false}`, rec.Body.String())
	assert.False(t, decode[CancelResponse](t, rec).Accepted)

	notes := decode[NotificationsResponse](t, env.do(t, http.MethodGet, "/api/v1/notifications?limit=50", nil))
	require.NotEmpty(t, notes.Notifications)
	assert.Equal(t, string(jobs.StatusCompleted), notes.Notifications[0].Type)

	rec = env.do(t, http.MethodDelete, "/api/v1/notifications", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	notes = decode[NotificationsResponse](t, env.do(t, http.MethodGet, "/api/v1/notifications", nil))
	assert.Empty(t, notes.Notifications)
}

func TestCancelImport_Running(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	job, err := env.jobs.CreateJob(ctx, "dump.xml", jobs.ImportOptions{}, profileSmall)
	require.NoError(t, err)
	_, err = env.jobs.UpdateStatus(ctx, job.ID, jobs.Update{Status: jobs.StatusRunning})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/imports/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":true}`, rec.Body.String())

	got := decode[jobs.Job](t, env.do(t, http.MethodGet, "/api/v1/imports/"+job.ID, nil))
	assert.Equal(t, jobs.StatusCancelling, got.Status)
	assert.True(t, env.jobs.Token(job.ID).Cancelled())
}

func TestErrorMapping(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown job", http.MethodGet, "/api/v1/imports/nope", nil, http.StatusNotFound},
		{"cancel unknown job", http.MethodPost, "/api/v1/imports/nope/cancel", nil, http.StatusNotFound},
		{"missing source", http.MethodPost, "/api/v1/imports", jobs.SubmitRequest{}, http.StatusBadRequest},
		{"oversized batch", http.MethodPost, "/api/v1/imports", jobs.SubmitRequest{SourceRef: "x", BatchSize: jobs.MaxBatchSize + 1}, http.StatusBadRequest},
		{"unknown profile", http.MethodPost, "/api/v1/imports", jobs.SubmitRequest{SourceRef: "x", ProfileName: "huge"}, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/imports?limit=abc", nil, http.StatusBadRequest},
		{"private without owner", http.MethodPost, "/api/v1/entries/private", PrivateEntryRequest{Content: "x"}, http.StatusBadRequest},
		{"reset without confirm", http.MethodPost, "/api/v1/collections/reset", ResetRequest{}, http.StatusBadRequest},
		{"invalid explicit profile", http.MethodPost, "/api/v1/embeddings/backfill", BackfillRequest{ProfileSelector: ProfileSelector{Profile: &embeddings.Profile{Provider: "hash"}}}, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/api/v1/nothing", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	env := setupTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", decode[ErrorResponse](t, rec).Error)
}

func TestEntriesAndSearch(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/entries/public", PublicEntryRequest{
		Content: "The Kamo river flows through Kyoto.",
		Source:  "manual",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[StoredResponse](t, rec).Stored)

	rec = env.do(t, http.MethodPost, "/api/v1/entries/private", PrivateEntryRequest{
		OwnerID: "alice",
		Content: "Alice prefers the quiet temples of Kyoto.",
		Type:    "preference",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[StoredResponse](t, rec).Stored)

	search := func(requester string) []string {
		rec := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Query: "Kyoto", RequesterID: requester, Limit: 10})
		require.Equal(t, http.StatusOK, rec.Code)
		var ids []string
		for _, h := range decode[SearchResponse](t, rec).Hits {
			ids = append(ids, h.Content)
		}
		return ids
	}
	assert.Len(t, search("alice"), 2)
	assert.Equal(t, []string{"The Kamo river flows through Kyoto."}, search("bob"))

	rec = env.do(t, http.MethodPost, "/api/v1/entries/duplicate", DuplicateRequest{Content: "The Kamo river flows through Kyoto.", Threshold: 0.95})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[DuplicateResponse](t, rec).Duplicate)

	rec = env.do(t, http.MethodPost, "/api/v1/search/candidates", CandidatesRequest{
		SearchRequest: SearchRequest{RequesterID: "bob", Limit: 3},
		Candidates: []retrieval.Candidate{
			{ID: "c1", Text: "Kyoto river", NeedsRetrieval: true},
			{ID: "c2", Text: "skip me", NeedsRetrieval: false},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	hits := decode[CandidatesResponse](t, rec).Hits
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, "c1", h.CandidateID)
	}
}

func TestSearch_EmptyQueryReturnsEmptyList(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hits":[]}`, rec.Body.String())
}

func TestRawImportBackfillPending(t *testing.T) {
	env := setupTestServer(t)

	items := []knowledge.RawItem{
		{ExternalID: "1", Title: "Kyoto", Content: "Kyoto was the capital."},
		{ExternalID: "2", Title: "Nara", Content: "Nara was an earlier capital."},
	}
	rec := env.do(t, http.MethodPost, "/api/v1/entries/raw", RawImportRequest{
		ProfileSelector: ProfileSelector{Name: "large"},
		Source:          "wikipedia",
		Items:           items,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[knowledge.ImportResult](t, rec)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, "kb_hash_large_64", res.CollectionID)

	pending := decode[PendingResponse](t, env.do(t, http.MethodGet, "/api/v1/embeddings/pending?profile=large", nil))
	assert.Equal(t, 2, pending.Pending)
	assert.Equal(t, "kb_hash_large_64", pending.CollectionID)

	// Pending entries are invisible to search until embedded.
	hits := decode[SearchResponse](t, env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{
		Query: "capital", Limit: 5, ProfileSelector: ProfileSelector{Name: "large"},
	})).Hits
	assert.Empty(t, hits)

	rec = env.do(t, http.MethodPost, "/api/v1/embeddings/backfill", BackfillRequest{
		ProfileSelector: ProfileSelector{Name: "large"},
		BatchSize:       1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[backfill.Result](t, rec).Processed, "one batch by default")

	rec = env.do(t, http.MethodPost, "/api/v1/embeddings/backfill", BackfillRequest{
		ProfileSelector: ProfileSelector{Name: "large"},
		MaxBatches:      10,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[backfill.Result](t, rec).Processed)

	pending = decode[PendingResponse](t, env.do(t, http.MethodGet, "/api/v1/embeddings/pending?profile=large", nil))
	assert.Zero(t, pending.Pending)

	hits = decode[SearchResponse](t, env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{
		Query: "capital", Limit: 5, ProfileSelector: ProfileSelector{Name: "large"},
	})).Hits
	assert.Len(t, hits, 2)
}

func TestProfilesAndCollections(t *testing.T) {
	env := setupTestServer(t)

	profiles := decode[ProfilesResponse](t, env.do(t, http.MethodGet, "/api/v1/profiles", nil))
	assert.Equal(t, "small", profiles.Active)
	require.Len(t, profiles.Profiles, 2)
	assert.Equal(t, "kb_hash_large_64", profiles.Profiles[0].CollectionID)

	require.True(t, env.knowledge.AddPublicEntry(context.Background(), "Written under the small profile.", "manual", knowledge.Metadata{}))

	rec := env.do(t, http.MethodPut, "/api/v1/profiles/active", ProfileSelector{Name: "large"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "large", decode[ProfilesResponse](t, rec).Active)

	rec = env.do(t, http.MethodPut, "/api/v1/profiles/active", ProfileSelector{Name: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.True(t, env.knowledge.AddPublicEntry(context.Background(), "Written under the large profile.", "manual", knowledge.Metadata{}))

	colls := decode[CollectionsResponse](t, env.do(t, http.MethodGet, "/api/v1/collections", nil))
	byName := map[string]knowledge.CollectionSummary{}
	for _, c := range colls.Collections {
		byName[c.Name] = c
	}
	require.Contains(t, byName, "kb_hash_small_32")
	require.Contains(t, byName, "kb_hash_large_64")
	assert.Equal(t, 1, byName["kb_hash_small_32"].PointCount, "switching profiles leaves older collections alone")
	assert.Equal(t, 64, byName["kb_hash_large_64"].VectorSize)

	rec = env.do(t, http.MethodPost, "/api/v1/collections/reset", ResetRequest{ProfileSelector: ProfileSelector{Name: "large"}, Confirm: true})
	require.Equal(t, http.StatusOK, rec.Code)
	reset := decode[ResetResponse](t, rec)
	assert.True(t, reset.Reset)
	assert.Equal(t, "kb_hash_large_64", reset.CollectionID)

	colls = decode[CollectionsResponse](t, env.do(t, http.MethodGet, "/api/v1/collections", nil))
	for _, c := range colls.Collections {
		switch c.Name {
		case "kb_hash_large_64":
			assert.Zero(t, c.PointCount)
		case "kb_hash_small_32":
			assert.Equal(t, 1, c.PointCount)
		}
	}
}

func TestNotificationStream(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/notifications/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	job, err := env.jobs.CreateJob(context.Background(), "dump.xml", jobs.ImportOptions{BatchSize: 10}, profileSmall)
	require.NoError(t, err)

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var sawEvent, sawData, sawHeartbeat bool
	deadline := time.After(3 * time.Second)
	for !(sawEvent && sawData && sawHeartbeat) {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			switch {
			case line == "event: pending":
				sawEvent = true
			case strings.HasPrefix(line, "data: ") && strings.Contains(line, job.ID):
				sawData = true
			case line == ": heartbeat":
				sawHeartbeat = true
			}
		case <-deadline:
			t.Fatalf("event=%v data=%v heartbeat=%v", sawEvent, sawData, sawHeartbeat)
		}
	}
}
