// Package retrieval runs permission- and facet-filtered similarity search
// over knowledge collections.
package retrieval

import (
	"context"
	"errors"
	"strings"

	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("knowledged.retrieval")

// DefaultLimit is used when a query asks for no particular number of hits.
const DefaultLimit = 5

// Query describes one search.
type Query struct {
	Text        string `json:"query"`
	RequesterID string `json:"requester_id,omitempty"`
	Category    string `json:"category,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	// ScoreThreshold drops hits scoring below it.
	ScoreThreshold float64 `json:"score_threshold,omitempty"`
	// Profile selects the collection and the query embedding. The zero
	// value means the registry's active profile.
	Profile embeddings.Profile `json:"profile"`
}

// Hit is one search result.
type Hit struct {
	ID         string             `json:"id"`
	Content    string             `json:"content"`
	Type       string             `json:"type"`
	Visibility knowledge.Tier     `json:"visibility"`
	Score      float64            `json:"score"`
	Metadata   knowledge.Metadata `json:"metadata"`
}

// Candidate is one query a caller may want evidence for.
type Candidate struct {
	ID             string `json:"id"`
	Text           string `json:"query"`
	Category       string `json:"category,omitempty"`
	NeedsRetrieval bool   `json:"needs_retrieval"`
}

// TaggedHit is a Hit attributed to the candidate that produced it.
type TaggedHit struct {
	CandidateID string `json:"candidate_id"`
	Hit
}

// Engine searches a knowledge store.
type Engine struct {
	store  *knowledge.Store
	logger *logging.Logger
}

// NewEngine creates an engine over store.
func NewEngine(store *knowledge.Store, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{store: store, logger: logger.Named("retrieval")}
}

// Search returns hits visible to q.RequesterID ranked by descending score.
// The query is embedded under the same profile whose collection is
// searched. A missing collection or a failed embedding yields no hits.
func (e *Engine) Search(ctx context.Context, q Query) []Hit {
	ctx, span := tracer.Start(ctx, "Engine.Search")
	defer span.End()

	if strings.TrimSpace(q.Text) == "" {
		return []Hit{}
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	profile := q.Profile
	if profile == (embeddings.Profile{}) {
		profile = e.store.Registry().Active()
	}

	name, err := e.store.Registry().Resolve(profile)
	if err != nil {
		e.logger.Warn(ctx, "search skipped: invalid profile", zap.Error(err))
		return []Hit{}
	}
	span.SetAttributes(attribute.String("collection", name), attribute.Int("limit", q.Limit))

	exists, err := e.store.Vectors().CollectionExists(ctx, name)
	if err != nil || !exists {
		if err != nil {
			e.logger.Warn(ctx, "search skipped: collection check failed", zap.String("collection", name), zap.Error(err))
		}
		return []Hit{}
	}

	prov, err := e.store.Embedder(profile)
	if err != nil {
		e.logger.Warn(ctx, "search skipped: no embedder", zap.Error(err))
		return []Hit{}
	}
	vec, err := prov.EmbedQuery(ctx, q.Text)
	if err != nil {
		e.logger.Warn(ctx, "search skipped: embedding failed", zap.String("profile", profile.Key()), zap.Error(err))
		return []Hit{}
	}

	points, err := e.store.Vectors().Query(ctx, name, vec, q.Limit, PermissionFilter(q.RequesterID, q.Category))
	if err != nil {
		if !errors.Is(err, vectorstore.ErrCollectionNotFound) {
			e.logger.Warn(ctx, "search failed", zap.String("collection", name), zap.Error(err))
		}
		return []Hit{}
	}

	hits := make([]Hit, 0, len(points))
	for _, pt := range points {
		if float64(pt.Score) < q.ScoreThreshold {
			continue
		}
		entry := knowledge.EntryFromPoint(pt.Point)
		hits = append(hits, Hit{
			ID:         entry.ID,
			Content:    entry.Content,
			Type:       entry.Type,
			Visibility: entry.Tier,
			Score:      float64(pt.Score),
			Metadata:   entry.Metadata,
		})
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits
}

// RetrieveForCandidates searches every candidate that needs retrieval, in
// order, and concatenates the hits. Each candidate inherits the requester,
// limit, threshold and profile of defaults; its own category wins when set.
func (e *Engine) RetrieveForCandidates(ctx context.Context, defaults Query, candidates []Candidate) []TaggedHit {
	out := make([]TaggedHit, 0)
	for _, c := range candidates {
		if !c.NeedsRetrieval {
			continue
		}
		q := defaults
		q.Text = c.Text
		if c.Category != "" {
			q.Category = c.Category
		}
		for _, h := range e.Search(ctx, q) {
			out = append(out, TaggedHit{CandidateID: c.ID, Hit: h})
		}
	}
	return out
}

// PermissionFilter admits public entries and the requester's private ones,
// never pending placeholders, optionally restricted to category.
func PermissionFilter(requesterID, category string) *vectorstore.Filter {
	f := &vectorstore.Filter{
		Must: map[string]any{knowledge.KeyPendingEmbedding: false},
		Should: []map[string]any{
			{knowledge.KeyVisibility: string(knowledge.TierPublic)},
		},
	}
	if requesterID != "" {
		f.Should = append(f.Should, map[string]any{
			knowledge.KeyVisibility: string(knowledge.TierPrivate),
			knowledge.KeyOwnerID:    requesterID,
		})
	}
	if category != "" {
		f.Must[knowledge.KeyCategory] = category
	}
	return f
}
