package vectorstore

import (
	"testing"

	"github.com/fyrsmithlabs/knowledged/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_Matches(t *testing.T) {
	payload := map[string]any{"visibility": "private", "owner_id": "alice", "pending_embedding": false, "n": int64(3)}

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"nil", nil, true},
		{"must match", &Filter{Must: map[string]any{"owner_id": "alice"}}, true},
		{"must mismatch", &Filter{Must: map[string]any{"owner_id": "bob"}}, false},
		{"bool", &Filter{Must: map[string]any{"pending_embedding": false}}, true},
		{"int vs float", &Filter{Must: map[string]any{"n": 3.0}}, true},
		{"missing key", &Filter{Must: map[string]any{"category": "x"}}, false},
		{"should any", &Filter{Should: []map[string]any{{"visibility": "public"}, {"owner_id": "alice"}}}, true},
		{"should none", &Filter{Should: []map[string]any{{"visibility": "public"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(payload))
		})
	}
}

func TestWhereClauses_DropsContradictions(t *testing.T) {
	wheres, err := whereClauses(&Filter{
		Must:   map[string]any{"visibility": "public"},
		Should: []map[string]any{{"visibility": "private"}, {"category": "x"}},
	})
	require.NoError(t, err)
	require.Len(t, wheres, 1)
	assert.Equal(t, map[string]string{"visibility": "public", "category": "x"}, wheres[0])

	_, err = whereClauses(&Filter{Must: map[string]any{"tags": []string{"a"}}})
	require.Error(t, err)
}

func TestIsZeroVector(t *testing.T) {
	assert.True(t, IsZeroVector(make([]float32, 4)))
	assert.False(t, IsZeroVector([]float32{0, 0.1}))
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(config.VectorStoreConfig{Provider: "chromem", ChromemPath: MemoryPath}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ChromemStore{}, s)

	_, err = NewStore(config.VectorStoreConfig{Provider: "pinecone"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestQdrantValues_RoundTrip(t *testing.T) {
	payload := map[string]any{
		"title":             "T",
		"pending_embedding": true,
		"raw_length":        int64(12),
		"score":             0.5,
		"tags":              []any{"a", "b"},
	}
	q, err := toPayload(payload)
	require.NoError(t, err)

	p := fromQdrant(toPointID("not-a-uuid"), q, nil)
	assert.Equal(t, payload, p.Payload)

	_, err = toPayload(map[string]any{"bad": struct{}{}})
	require.Error(t, err)
}

func TestToQdrantFilter(t *testing.T) {
	f, err := toQdrantFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = toQdrantFilter(&Filter{
		Must:   map[string]any{"pending_embedding": false},
		Should: []map[string]any{{"visibility": "public"}, {"visibility": "private", "owner_id": "u"}},
	})
	require.NoError(t, err)
	assert.Len(t, f.Must, 1)
	assert.Len(t, f.Should, 2)

	_, err = toQdrantFilter(&Filter{Must: map[string]any{"x": 1.5}})
	require.Error(t, err)
}
