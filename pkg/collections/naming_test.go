package collections

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileName(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		provider string
		model    string
		dim      int
		want     string
		wantErr  error
	}{
		{
			name: "openai small", base: "knowledge_base", provider: "openai",
			model: "text-embedding-3-small", dim: 1536,
			want: "knowledge_base_openai_text_embedding_3_small_bde26a55_1536",
		},
		{
			name: "hugging face style model", base: "knowledge_base", provider: "tei",
			model: "BAAI/bge-small-en-v1.5", dim: 384,
			want: "knowledge_base_tei_baai_bge_small_en_v1_5_8d18a259_384",
		},
		{
			name: "ollama tag", base: "kb", provider: "Ollama",
			model: "nomic-embed-text:latest", dim: 768,
			want: "kb_ollama_nomic_embed_text_latest_3c56a46f_768",
		},
		{
			name: "clean segments keep the short form", base: "kb", provider: "hash",
			model: "small", dim: 32,
			want: "kb_hash_small_32",
		},
		{name: "empty model", base: "kb", provider: "tei", model: "", dim: 384, wantErr: ErrInvalidProfile},
		{name: "zero dim", base: "kb", provider: "tei", model: "m", dim: 0, wantErr: ErrInvalidProfile},
		{name: "empty base", base: "", provider: "tei", model: "m", dim: 3, wantErr: ErrInvalidBase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ProfileName(tt.base, tt.provider, tt.model, tt.dim)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.NoError(t, Validate(got))
		})
	}
}

func TestProfileName_Deterministic(t *testing.T) {
	a, err := ProfileName("knowledge_base", "openai", "text-embedding-3-large", 3072)
	require.NoError(t, err)
	b, err := ProfileName("knowledge_base", "openai", "text-embedding-3-large", 3072)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := ProfileName("knowledge_base", "openai", "text-embedding-3-large", 256)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "dimension must be part of the name")
}

func TestProfileName_LossySanitizingStaysDistinct(t *testing.T) {
	tests := []struct {
		name string
		a, b [2]string
	}{
		{"punctuation vs underscore", [2]string{"ollama", "nomic-embed-text"}, [2]string{"ollama", "nomic_embed_text"}},
		{"case folding", [2]string{"ollama", "MiniLM"}, [2]string{"ollama", "minilm"}},
		{"separator shifted across segments", [2]string{"open_ai", "x"}, [2]string{"open", "ai_x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ProfileName("kb", tt.a[0], tt.a[1], 768)
			require.NoError(t, err)
			b, err := ProfileName("kb", tt.b[0], tt.b[1], 768)
			require.NoError(t, err)
			assert.NotEqual(t, a, b)
			require.NoError(t, Validate(a))
			require.NoError(t, Validate(b))
		})
	}
}

func TestProfileName_LongModelsStayDistinct(t *testing.T) {
	long := strings.Repeat("very-long-model-name-", 5)
	a, err := ProfileName("knowledge_base", "ollama", long+"a", 1024)
	require.NoError(t, err)
	b, err := ProfileName("knowledge_base", "ollama", long+"b", 1024)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(a), MaxNameLength)
	assert.LessOrEqual(t, len(b), MaxNameLength)
	assert.NotEqual(t, a, b)
	require.NoError(t, Validate(a))
	assert.True(t, strings.HasSuffix(a, "_1024"))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "bge_small_en_v1_5", Sanitize("bge-small-en-v1.5"))
	assert.Equal(t, "a_b", Sanitize("--A//B--"))
	assert.Equal(t, "", Sanitize("///"))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("knowledge_base_tei_x_384"))
	require.ErrorIs(t, Validate("Has-Upper"), ErrInvalidCollectionName)
	require.ErrorIs(t, Validate(""), ErrInvalidCollectionName)
	require.ErrorIs(t, Validate(strings.Repeat("a", 65)), ErrInvalidCollectionName)
}
