package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (norm(a) * norm(b))
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(64)
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "東京は日本の首都です")
	require.NoError(t, err)
	b, err := p.EmbedQuery(ctx, "東京は日本の首都です")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, norm(a), 1e-5)
}

func TestHashProvider_Similarity(t *testing.T) {
	p := NewHashProvider(256)
	vecs, err := p.EmbedDocuments(context.Background(), []string{
		"the quick brown fox jumps",
		"the quick brown fox leaps",
		"database replication lag",
	})
	require.NoError(t, err)
	assert.Greater(t, cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2]))
}

func TestHashProvider_NeverZero(t *testing.T) {
	p := NewHashProvider(8)
	v, err := p.EmbedDocuments(context.Background(), []string{"   "})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, norm(v[0]), 1e-5)
}
