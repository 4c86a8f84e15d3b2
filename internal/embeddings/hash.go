package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashProvider is a deterministic, dependency-free embedder based on
// feature hashing of word and CJK bigram tokens. Identical texts map to
// identical unit vectors and texts sharing tokens score higher than
// unrelated ones. It backs the "hash" provider for offline use.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hashing embedder with the given dimension.
func NewHashProvider(dimension int) *HashProvider {
	return &HashProvider{dimension: dimension}
}

// EmbedDocuments embeds each text independently.
func (p *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.embed(t)
	}
	return out, nil
}

// EmbedQuery embeds a single query.
func (p *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.embed(text), nil
}

// Dimension returns the vector length.
func (p *HashProvider) Dimension() int { return p.dimension }

// Close is a no-op.
func (p *HashProvider) Close() error { return nil }

func (p *HashProvider) embed(text string) []float32 {
	v := make([]float32, p.dimension)
	tokens := hashTokens(text)
	if len(tokens) == 0 {
		v[0] = 1
		return v
	}
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dimension))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// hashTokens splits text into lowercase words; runs of CJK characters are
// split into overlapping bigrams since they carry no spaces.
func hashTokens(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		runes := []rune(w)
		if !isCJK(runes[0]) {
			tokens = append(tokens, w)
			continue
		}
		if len(runes) == 1 {
			tokens = append(tokens, w)
			continue
		}
		for i := 0; i+1 < len(runes); i++ {
			tokens = append(tokens, string(runes[i:i+2]))
		}
	}
	return tokens
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r)
}
