package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hashSmall = embeddings.Profile{Provider: "hash", Model: "fnvsmall", Dimension: 64}
	hashLarge = embeddings.Profile{Provider: "hash", Model: "fnvlarge", Dimension: 128}
)

// failingEmbedders wraps a hash provider and fails any text containing "poison".
type failingEmbedders struct {
	down bool
}

type failingProvider struct {
	*embeddings.HashProvider
	owner *failingEmbedders
}

func (f *failingEmbedders) Get(p embeddings.Profile) (embeddings.Provider, error) {
	return failingProvider{HashProvider: embeddings.NewHashProvider(p.Dimension), owner: f}, nil
}

func (p failingProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if p.owner.down {
		return nil, embeddings.ErrEmbeddingFailed
	}
	for _, t := range texts {
		if strings.Contains(t, "poison") {
			return nil, errors.New("provider rejected input")
		}
	}
	return p.HashProvider.EmbedDocuments(ctx, texts)
}

func (p failingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := p.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func newTestStore(t *testing.T, emb Embedders) (*Store, vectorstore.Store) {
	t.Helper()
	vs, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)

	reg, err := embeddings.NewRegistry("kb", map[string]embeddings.Profile{"small": hashSmall, "large": hashLarge}, "small")
	require.NoError(t, err)

	if emb == nil {
		emb = embeddings.NewFactory(embeddings.Settings{}, embeddings.GuardConfig{}, nil, nil)
	}
	return NewStore(vs, reg, emb, Options{}, nil), vs
}

func count(t *testing.T, vs vectorstore.Store, s *Store, p embeddings.Profile) int {
	t.Helper()
	name, err := s.Registry().Resolve(p)
	require.NoError(t, err)
	n, err := vs.Count(context.Background(), name, nil)
	require.NoError(t, err)
	return n
}

func TestEnsureCollection(t *testing.T) {
	ctx := context.Background()
	s, vs := newTestStore(t, nil)

	name, err := s.EnsureCollection(ctx, hashSmall)
	require.NoError(t, err)
	assert.Equal(t, "kb_hash_fnvsmall_64", name)

	again, err := s.EnsureCollection(ctx, hashSmall)
	require.NoError(t, err)
	assert.Equal(t, name, again)

	// A collection created out of band with the wrong dimension is corruption.
	wrong, err := s.Registry().Resolve(hashLarge)
	require.NoError(t, err)
	require.NoError(t, vs.CreateCollection(ctx, wrong, 3))
	_, err = s.EnsureCollection(ctx, hashLarge)
	assert.ErrorIs(t, err, ErrDimensionConflict)

	_, err = s.EnsureCollection(ctx, embeddings.Profile{Provider: "hash"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIsDuplicate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	assert.False(t, s.IsDuplicate(ctx, "", 0))
	assert.False(t, s.IsDuplicate(ctx, "   ", 0))
	assert.False(t, s.IsDuplicate(ctx, "Tokyo is the capital of Japan", 0), "no collection yet")

	_, err := s.EnsureCollection(ctx, hashSmall)
	require.NoError(t, err)
	assert.False(t, s.IsDuplicate(ctx, "Tokyo is the capital of Japan", 0), "empty collection")

	require.True(t, s.AddPublicEntry(ctx, "Tokyo is the capital of Japan", "test", Metadata{}))
	assert.True(t, s.IsDuplicate(ctx, "Tokyo is the capital of Japan", 0))
	assert.False(t, s.IsDuplicate(ctx, "Bananas are rich in potassium", 0))
}

func TestIsDuplicate_EmbeddingFailureIsFalse(t *testing.T) {
	ctx := context.Background()
	emb := &failingEmbedders{}
	s, _ := newTestStore(t, emb)
	require.True(t, s.AddPublicEntry(ctx, "stored", "test", Metadata{}))

	emb.down = true
	assert.False(t, s.IsDuplicate(ctx, "stored", 0))
}

// asymmetricEmbedders prefixes documents and queries differently, the way
// BGE and E5 style models are prompted.
type asymmetricEmbedders struct{}

type asymmetricProvider struct {
	*embeddings.HashProvider
}

func (asymmetricEmbedders) Get(p embeddings.Profile) (embeddings.Provider, error) {
	return asymmetricProvider{HashProvider: embeddings.NewHashProvider(p.Dimension)}, nil
}

func (p asymmetricProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = "passage: " + t
	}
	return p.HashProvider.EmbedDocuments(ctx, prefixed)
}

func (p asymmetricProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return p.HashProvider.EmbedQuery(ctx, "represent this query: "+text)
}

func TestIsDuplicate_AsymmetricModel(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, asymmetricEmbedders{})
	const text = "Kyoto was the imperial capital of Japan for over a thousand years"

	prov, err := s.Embedder(hashSmall)
	require.NoError(t, err)
	doc, err := prov.EmbedDocuments(ctx, []string{text})
	require.NoError(t, err)
	query, err := prov.EmbedQuery(ctx, text)
	require.NoError(t, err)
	require.NotEqual(t, doc[0], query, "document and query vectors must differ for this model")

	require.True(t, s.AddPublicEntry(ctx, text, "test", Metadata{}))
	assert.True(t, s.IsDuplicate(ctx, text, 0))
	assert.False(t, s.IsDuplicate(ctx, "Bananas are rich in potassium", 0))
}

func TestAddPublicEntry_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, vs := newTestStore(t, nil)

	md := Metadata{Title: "Fuji", Extra: map[string]string{"type": "fact"}}
	require.True(t, s.AddPublicEntry(ctx, "Mount Fuji is 3776m tall", "wiki", md))
	require.True(t, s.AddPublicEntry(ctx, "Mount Fuji is 3776m tall", "wiki", md))
	assert.Equal(t, 1, count(t, vs, s, hashSmall))

	name, _ := s.Registry().Resolve(hashSmall)
	pts, err := vs.Get(ctx, name, []string{PublicEntryID("Mount Fuji is 3776m tall")})
	require.NoError(t, err)
	require.Len(t, pts, 1)

	e := EntryFromPoint(pts[0])
	assert.Equal(t, TierPublic, e.Tier)
	assert.Equal(t, "fact", e.Type)
	assert.Equal(t, "wiki", e.Metadata.Source)
	assert.Equal(t, "Fuji", e.Metadata.Title)
	assert.False(t, e.Metadata.PendingEmbedding)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestAddPrivateEntry(t *testing.T) {
	ctx := context.Background()
	s, vs := newTestStore(t, nil)

	require.True(t, s.AddPrivateEntry(ctx, "alice", "I like green tea", "preference", "food", Metadata{}))
	require.True(t, s.AddPrivateEntry(ctx, "alice", "I like green tea", "preference", "food", Metadata{}))
	assert.Equal(t, 2, count(t, vs, s, hashSmall), "private ids are random")

	assert.False(t, s.AddPrivateEntry(ctx, "", "no owner", "note", "", Metadata{}))
	assert.False(t, s.AddPrivateEntry(ctx, "alice", "  ", "note", "", Metadata{}))
	assert.Equal(t, 2, count(t, vs, s, hashSmall))
}

func TestAddEntry_EmbeddingFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	s, vs := newTestStore(t, &failingEmbedders{})

	assert.False(t, s.AddPrivateEntry(ctx, "alice", "poison pill", "note", "", Metadata{}))
	assert.False(t, s.AddPublicEntry(ctx, "poison pill", "test", Metadata{}))
	assert.Equal(t, 0, count(t, vs, s, hashSmall))
}

func TestImportRawThenBackfill(t *testing.T) {
	ctx := context.Background()
	s, vs := newTestStore(t, nil)

	res, err := s.ImportRaw(ctx, "src", []RawItem{{ExternalID: "1", Title: "T", Content: "short"}}, hashSmall)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, "kb_hash_fnvsmall_64", res.CollectionID)

	pending, err := s.PendingCount(ctx, hashSmall)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// Pending entries are never ranked.
	qv, err := embeddings.NewHashProvider(64).EmbedQuery(ctx, "T\n\nshort")
	require.NoError(t, err)
	hits, err := vs.Query(ctx, res.CollectionID, qv, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	bf, err := s.BackfillPending(ctx, hashSmall, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, bf.Processed)

	pending, err = s.PendingCount(ctx, hashSmall)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	bf, err = s.BackfillPending(ctx, hashSmall, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, bf.Processed)

	pts, err := vs.Get(ctx, res.CollectionID, []string{RawEntryID("src", RawItem{ExternalID: "1"})})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.False(t, vectorstore.IsZeroVector(pts[0].Vector))
	assert.Equal(t, "short", EntryFromPoint(pts[0]).Content)
}

func TestImportRaw_IdempotentIDs(t *testing.T) {
	ctx := context.Background()
	s, vs := newTestStore(t, nil)

	items := []RawItem{
		{ExternalID: "42", Title: "A", Content: "alpha"},
		{Title: "B", Content: "beta"},
		{Title: " ", Content: ""},
	}
	res, err := s.ImportRaw(ctx, "wikipedia", items, hashSmall)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 1, res.Skipped)

	_, err = s.ImportRaw(ctx, "wikipedia", items, hashSmall)
	require.NoError(t, err)
	assert.Equal(t, 2, count(t, vs, s, hashSmall))

	_, err = s.ImportRaw(ctx, "", items, hashSmall)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBackfillPending_IdempotentForN(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	var items []RawItem
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		items = append(items, RawItem{ExternalID: id, Title: "Title " + id, Content: "body " + id})
	}
	_, err := s.ImportRaw(ctx, "src", items, hashSmall)
	require.NoError(t, err)

	bf, err := s.BackfillPending(ctx, hashSmall, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, bf.Processed)

	bf, err = s.BackfillPending(ctx, hashSmall, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, bf.Processed)

	bf, err = s.BackfillPending(ctx, hashSmall, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, bf.Processed)
}

func TestBackfillPending_FailedItemsStayPending(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, &failingEmbedders{})

	_, err := s.ImportRaw(ctx, "src", []RawItem{
		{ExternalID: "ok", Content: "harmless text"},
		{ExternalID: "bad", Content: "poison text"},
	}, hashSmall)
	require.NoError(t, err)

	bf, err := s.BackfillPending(ctx, hashSmall, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, bf.Processed)
	assert.Equal(t, []string{RawEntryID("src", RawItem{ExternalID: "bad"})}, bf.Failed)

	n, err := s.PendingCount(ctx, hashSmall)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBackfillPending_PoisonItemsExhaust(t *testing.T) {
	ctx := context.Background()
	s, vs := newTestStore(t, &failingEmbedders{})

	items := []RawItem{
		{ExternalID: "bad-1", Content: "poison one"},
		{ExternalID: "bad-2", Content: "poison two"},
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		items = append(items, RawItem{ExternalID: id, Content: "harmless " + id})
	}
	_, err := s.ImportRaw(ctx, "src", items, hashSmall)
	require.NoError(t, err)

	processed := 0
	var exhausted []string
	rounds := 0
	for ; rounds < 20; rounds++ {
		bf, err := s.BackfillPending(ctx, hashSmall, 1)
		require.NoError(t, err)
		if bf.Processed == 0 && len(bf.Failed) == 0 {
			break
		}
		processed += bf.Processed
		exhausted = append(exhausted, bf.Exhausted...)
	}
	require.Less(t, rounds, 20, "scan must move past failing items")
	assert.Equal(t, 4, processed)
	assert.ElementsMatch(t, []string{
		RawEntryID("src", RawItem{ExternalID: "bad-1"}),
		RawEntryID("src", RawItem{ExternalID: "bad-2"}),
	}, exhausted)

	// Exhausted entries still await an embedding.
	n, err := s.PendingCount(ctx, hashSmall)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	name, err := s.Registry().Resolve(hashSmall)
	require.NoError(t, err)
	pts, err := vs.Get(ctx, name, []string{RawEntryID("src", RawItem{ExternalID: "bad-1"})})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, DefaultBackfillMaxAttempts, integer(pts[0].Payload[KeyBackfillAttempts]))
	assert.True(t, vectorstore.IsZeroVector(pts[0].Vector))
}

func TestBackfillPending_MaxAttemptsOption(t *testing.T) {
	ctx := context.Background()
	vs, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	reg, err := embeddings.NewRegistry("kb", map[string]embeddings.Profile{"small": hashSmall}, "small")
	require.NoError(t, err)
	s := NewStore(vs, reg, &failingEmbedders{}, Options{BackfillMaxAttempts: 1}, nil)

	_, err = s.ImportRaw(ctx, "src", []RawItem{{ExternalID: "bad", Content: "poison"}}, hashSmall)
	require.NoError(t, err)

	bf, err := s.BackfillPending(ctx, hashSmall, 10)
	require.NoError(t, err)
	assert.Equal(t, bf.Failed, bf.Exhausted)

	bf, err = s.BackfillPending(ctx, hashSmall, 10)
	require.NoError(t, err)
	assert.Empty(t, bf.Failed)
	assert.Zero(t, bf.Processed)
}

func TestBackfillPending_ProviderDown(t *testing.T) {
	ctx := context.Background()
	emb := &failingEmbedders{}
	s, _ := newTestStore(t, emb)
	_, err := s.ImportRaw(ctx, "src", []RawItem{{ExternalID: "1", Content: "text"}}, hashSmall)
	require.NoError(t, err)

	emb.down = true
	_, err = s.BackfillPending(ctx, hashSmall, 10)
	assert.ErrorIs(t, err, ErrDependencyUnavailable)
}

func TestBackfillPending_MissingCollection(t *testing.T) {
	s, _ := newTestStore(t, nil)
	bf, err := s.BackfillPending(context.Background(), hashLarge, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, bf.Processed)

	_, err = s.BackfillPending(context.Background(), hashLarge, 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReset_OnlyTouchesOneProfile(t *testing.T) {
	ctx := context.Background()
	s, vs := newTestStore(t, nil)

	_, err := s.ImportRaw(ctx, "src", []RawItem{{ExternalID: "1", Content: "x"}}, hashSmall)
	require.NoError(t, err)
	_, err = s.ImportRaw(ctx, "src", []RawItem{{ExternalID: "1", Content: "x"}}, hashLarge)
	require.NoError(t, err)

	require.True(t, s.Reset(ctx, hashSmall))
	assert.Equal(t, 0, count(t, vs, s, hashSmall))
	assert.Equal(t, 1, count(t, vs, s, hashLarge))

	require.True(t, s.Reset(ctx, embeddings.Profile{Provider: "hash", Model: "fresh", Dimension: 8}))
}

func TestCollections(t *testing.T) {
	ctx := context.Background()
	s, vs := newTestStore(t, nil)

	_, err := s.ImportRaw(ctx, "src", []RawItem{{ExternalID: "1", Content: "x"}}, hashSmall)
	require.NoError(t, err)
	require.NoError(t, vs.CreateCollection(ctx, "unrelated", 4))

	got, err := s.Collections(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, CollectionSummary{Name: "kb_hash_fnvsmall_64", Profile: "small", VectorSize: 64, PointCount: 1}, got[0])
}

func TestThresholdFor(t *testing.T) {
	s := NewStore(nil, nil, nil, Options{DedupThresholds: map[string]float64{"fact": 0.9}}, nil)
	assert.Equal(t, 0.9, s.ThresholdFor("fact"))
	assert.Equal(t, DefaultDedupThreshold, s.ThresholdFor("note"))
}

func TestRawEntryID(t *testing.T) {
	long := strings.Repeat("あ", 150)
	a := RawEntryID("src", RawItem{Title: "T", Content: long})
	b := RawEntryID("src", RawItem{Title: "T", Content: long + "different tail"})
	assert.Equal(t, a, b, "only the first 100 runes count")

	assert.NotEqual(t, RawEntryID("src", RawItem{ExternalID: "1"}), RawEntryID("other", RawItem{ExternalID: "1"}))
}

func TestValidationError(t *testing.T) {
	err := Invalid("owner_id", "required")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "invalid owner_id: required", err.Error())
}
