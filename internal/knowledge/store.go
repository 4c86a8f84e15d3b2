// Package knowledge owns the vector collections that hold knowledge entries.
//
// Every collection belongs to exactly one embedding profile. Interactive
// writes embed synchronously; bulk imports write placeholder vectors that a
// later backfill replaces.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/knowledged/internal/config"
	"github.com/fyrsmithlabs/knowledged/internal/embeddings"
	"github.com/fyrsmithlabs/knowledged/internal/logging"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("knowledged.knowledge")

// DefaultDedupThreshold is the similarity at or above which content counts
// as already stored.
const DefaultDedupThreshold = 0.98

// DefaultBackfillMaxAttempts is how often a pending entry may fail to embed
// before the backfill scan stops picking it up.
const DefaultBackfillMaxAttempts = 3

// pingText is embedded when every item of a batch failed, to tell a
// provider outage from a batch of unembeddable items.
const pingText = "ping"

// rawPrefixLength bounds the content prefix used for raw ids without an
// external id.
const rawPrefixLength = 100

var (
	publicNamespace = uuid.MustParse("3b2f7c9e-5d41-4a8e-b0c6-9e1f2a7d4c35")
	rawNamespace    = uuid.MustParse("a84c1e62-0f3d-4b9a-8e57-2d6c9b1f0e73")
)

// Embedders hands out the embedding provider for a profile.
type Embedders interface {
	Get(p embeddings.Profile) (embeddings.Provider, error)
}

// Options tunes duplicate detection and backfill retries.
type Options struct {
	// DedupThreshold applies when a caller passes no threshold.
	DedupThreshold float64
	// DedupThresholds overrides DedupThreshold per entry type.
	DedupThresholds map[string]float64
	// BackfillMaxAttempts bounds failed embedding attempts per entry.
	BackfillMaxAttempts int
}

// OptionsFromConfig extracts store options from cfg.
func OptionsFromConfig(cfg config.KnowledgeConfig) Options {
	return Options{
		DedupThreshold:      cfg.DedupThreshold,
		DedupThresholds:     cfg.DedupThresholds,
		BackfillMaxAttempts: cfg.BackfillMaxAttempts,
	}
}

// RawItem is one record for ImportRaw.
type RawItem struct {
	ExternalID string
	Title      string
	Content    string
	Category   string
	Type       string
	Extra      map[string]string
}

// ImportResult reports an ImportRaw call.
type ImportResult struct {
	Count        int    `json:"count"`
	Skipped      int    `json:"skipped"`
	CollectionID string `json:"collection_id"`
}

// BackfillResult reports a BackfillPending call.
type BackfillResult struct {
	Processed    int      `json:"processed_count"`
	Failed       []string `json:"failed,omitempty"`
	Exhausted    []string `json:"exhausted,omitempty"`
	CollectionID string   `json:"collection_id"`
}

// CollectionSummary describes one knowledge collection.
type CollectionSummary struct {
	Name       string `json:"name"`
	Profile    string `json:"profile,omitempty"`
	VectorSize int    `json:"vector_size"`
	PointCount int    `json:"point_count"`
}

// Store reads and writes knowledge entries.
type Store struct {
	vectors   vectorstore.Store
	registry  *embeddings.Registry
	embedders Embedders
	opts      Options
	logger    *logging.Logger
	now       func() time.Time
}

// NewStore creates a knowledge store.
func NewStore(vectors vectorstore.Store, registry *embeddings.Registry, embedders Embedders, opts Options, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = DefaultDedupThreshold
	}
	if opts.BackfillMaxAttempts <= 0 {
		opts.BackfillMaxAttempts = DefaultBackfillMaxAttempts
	}
	return &Store{
		vectors:   vectors,
		registry:  registry,
		embedders: embedders,
		opts:      opts,
		logger:    logger.Named("knowledge"),
		now:       time.Now,
	}
}

// Registry returns the profile registry the store resolves collections with.
func (s *Store) Registry() *embeddings.Registry {
	return s.registry
}

// Vectors returns the underlying vector store.
func (s *Store) Vectors() vectorstore.Store {
	return s.vectors
}

// Embedder returns the provider for p.
func (s *Store) Embedder(p embeddings.Profile) (embeddings.Provider, error) {
	prov, err := s.embedders.Get(p)
	if err != nil {
		return nil, unavailable("embedding provider", err)
	}
	return prov, nil
}

// ThresholdFor returns the duplicate threshold for entries of entryType.
func (s *Store) ThresholdFor(entryType string) float64 {
	if t, ok := s.opts.DedupThresholds[entryType]; ok && t > 0 {
		return t
	}
	return s.opts.DedupThreshold
}

// EnsureCollection creates p's collection when absent and returns its name.
// An existing collection with another dimension is an error.
func (s *Store) EnsureCollection(ctx context.Context, p embeddings.Profile) (string, error) {
	name, err := s.registry.Resolve(p)
	if err != nil {
		return "", &ValidationError{Field: "profile", Reason: err.Error()}
	}
	if err := s.vectors.CreateCollection(ctx, name, p.Dimension); err != nil {
		if errors.Is(err, vectorstore.ErrCollectionExists) {
			s.logger.Error(ctx, "collection dimension conflict",
				zap.String("collection", name),
				zap.Int("profile_dimension", p.Dimension),
				zap.Error(err))
			return "", fmt.Errorf("%w: %w", ErrDimensionConflict, err)
		}
		return "", unavailable("creating collection", err)
	}
	return name, nil
}

// IsDuplicate reports whether content is already stored under the active
// profile with similarity at or above threshold. A threshold of zero or
// less selects the configured default. Failures report false.
func (s *Store) IsDuplicate(ctx context.Context, content string, threshold float64) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	if threshold <= 0 {
		threshold = s.opts.DedupThreshold
	}

	ctx, span := tracer.Start(ctx, "Store.IsDuplicate")
	defer span.End()

	p := s.registry.Active()
	name, err := s.registry.Resolve(p)
	if err != nil {
		s.logger.Warn(ctx, "duplicate check skipped: no active profile", zap.Error(err))
		return false
	}

	exists, err := s.vectors.CollectionExists(ctx, name)
	if err != nil || !exists {
		return false
	}

	// Stored entries carry document embeddings; asymmetric models only
	// score a text against itself when both sides use the same path.
	vec, err := s.embedDocument(ctx, p, content)
	if err != nil {
		s.logger.Warn(ctx, "duplicate check skipped: embedding failed", zap.Error(err))
		return false
	}

	hits, err := s.vectors.Query(ctx, name, vec, 1, nil)
	if err != nil {
		s.logger.Warn(ctx, "duplicate check skipped: query failed", zap.String("collection", name), zap.Error(err))
		return false
	}

	dup := len(hits) > 0 && float64(hits[0].Score) >= threshold
	span.SetAttributes(attribute.Bool("duplicate", dup))
	return dup
}

// AddPrivateEntry embeds content and stores it for ownerID only. Nothing is
// written when validation or embedding fails.
func (s *Store) AddPrivateEntry(ctx context.Context, ownerID, content, entryType, category string, md Metadata) bool {
	if strings.TrimSpace(ownerID) == "" {
		s.logger.Warn(ctx, "private entry rejected", zap.Error(Invalid("owner_id", "required")))
		return false
	}
	md.Category = firstNonEmpty(category, md.Category)
	e := Entry{
		ID:       uuid.NewString(),
		Tier:     TierPrivate,
		OwnerID:  ownerID,
		Type:     firstNonEmpty(entryType, DefaultEntryType),
		Content:  content,
		Metadata: md,
	}
	return s.addEntry(ctx, e)
}

// AddPublicEntry embeds content and stores it for everyone. The id is
// derived from content, so storing the same content again updates it.
func (s *Store) AddPublicEntry(ctx context.Context, content, source string, md Metadata) bool {
	md.Source = firstNonEmpty(source, md.Source)
	e := Entry{
		ID:       PublicEntryID(content),
		Tier:     TierPublic,
		Type:     firstNonEmpty(md.Extra["type"], DefaultEntryType),
		Content:  content,
		Metadata: md,
	}
	return s.addEntry(ctx, e)
}

func (s *Store) addEntry(ctx context.Context, e Entry) bool {
	ctx, span := tracer.Start(ctx, "Store.addEntry")
	defer span.End()
	span.SetAttributes(attribute.String("visibility", string(e.Tier)), attribute.String("type", e.Type))

	if strings.TrimSpace(e.Content) == "" {
		s.logger.Warn(ctx, "entry rejected", zap.Error(Invalid("content", "required")))
		return false
	}

	p := s.registry.Active()
	name, err := s.EnsureCollection(ctx, p)
	if err != nil {
		s.logger.Error(ctx, "entry not stored", zap.Error(err))
		return false
	}

	vec, err := s.embedDocument(ctx, p, e.Content)
	if err != nil {
		s.logger.Error(ctx, "entry not stored: embedding failed", zap.String("collection", name), zap.Error(err))
		return false
	}

	e.Metadata.PendingEmbedding = false
	e.CreatedAt = s.now()
	if err := s.vectors.Upsert(ctx, name, []vectorstore.Point{{ID: e.ID, Vector: vec, Payload: e.Payload()}}); err != nil {
		s.logger.Error(ctx, "entry not stored", zap.String("collection", name), zap.Error(err))
		return false
	}

	s.logger.Debug(ctx, "entry stored",
		zap.String("id", e.ID),
		zap.String("collection", name),
		zap.String("visibility", string(e.Tier)))
	return true
}

// ImportRaw writes items under p without embedding them. Each point gets a
// zero vector and pending_embedding=true. Items with neither title nor
// content are skipped; no other filtering happens here.
func (s *Store) ImportRaw(ctx context.Context, source string, items []RawItem, p embeddings.Profile) (ImportResult, error) {
	ctx, span := tracer.Start(ctx, "Store.ImportRaw")
	defer span.End()
	span.SetAttributes(attribute.String("source", source), attribute.Int("items", len(items)))

	if strings.TrimSpace(source) == "" {
		return ImportResult{}, Invalid("source", "required")
	}
	name, err := s.EnsureCollection(ctx, p)
	if err != nil {
		return ImportResult{}, err
	}
	result := ImportResult{CollectionID: name}

	now := s.now()
	points := make([]vectorstore.Point, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Title) == "" && strings.TrimSpace(item.Content) == "" {
			result.Skipped++
			continue
		}
		e := Entry{
			ID:      RawEntryID(source, item),
			Tier:    TierPublic,
			Type:    firstNonEmpty(item.Type, DefaultEntryType),
			Content: item.Content,
			Metadata: Metadata{
				PendingEmbedding: true,
				Source:           source,
				Title:            item.Title,
				Category:         item.Category,
				Extra:            item.Extra,
			},
			CreatedAt: now,
		}
		points = append(points, vectorstore.Point{ID: e.ID, Vector: make([]float32, p.Dimension), Payload: e.Payload()})
	}
	if len(points) == 0 {
		return result, nil
	}

	if err := s.vectors.Upsert(ctx, name, points); err != nil {
		return result, unavailable("writing raw batch", err)
	}
	result.Count = len(points)
	return result, nil
}

// BackfillPending embeds up to batchSize pending entries of p's collection
// and rewrites them in place. Entries whose embedding fails stay pending and
// have their attempt count raised; after BackfillMaxAttempts failures they
// are reported as Exhausted and no longer scanned, so they cannot block the
// entries behind them.
func (s *Store) BackfillPending(ctx context.Context, p embeddings.Profile, batchSize int) (BackfillResult, error) {
	ctx, span := tracer.Start(ctx, "Store.BackfillPending")
	defer span.End()

	if batchSize <= 0 {
		return BackfillResult{}, Invalid("batch_size", "must be positive")
	}
	name, err := s.registry.Resolve(p)
	if err != nil {
		return BackfillResult{}, &ValidationError{Field: "profile", Reason: err.Error()}
	}
	result := BackfillResult{CollectionID: name}
	span.SetAttributes(attribute.String("collection", name), attribute.Int("batch_size", batchSize))

	pending, err := s.vectors.Scroll(ctx, name, backfillFilter(), batchSize)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return result, nil
	}
	if err != nil {
		return result, unavailable("scanning pending entries", err)
	}
	if len(pending) == 0 {
		return result, nil
	}

	texts := make([]string, len(pending))
	for i, pt := range pending {
		texts[i] = embedText(EntryFromPoint(pt))
	}

	vectors, err := s.embedBatch(ctx, p, texts)
	if err != nil {
		return result, err
	}

	updated := make([]vectorstore.Point, 0, len(pending))
	for i, pt := range pending {
		payload := pt.Payload
		if vectors[i] == nil {
			attempts := integer(payload[KeyBackfillAttempts]) + 1
			payload[KeyBackfillAttempts] = attempts
			if attempts >= s.opts.BackfillMaxAttempts {
				payload[KeyBackfillExhausted] = true
				result.Exhausted = append(result.Exhausted, pt.ID)
			}
			result.Failed = append(result.Failed, pt.ID)
			updated = append(updated, vectorstore.Point{ID: pt.ID, Vector: pt.Vector, Payload: payload})
			continue
		}
		payload[KeyPendingEmbedding] = false
		delete(payload, KeyBackfillAttempts)
		delete(payload, KeyBackfillExhausted)
		updated = append(updated, vectorstore.Point{ID: pt.ID, Vector: vectors[i], Payload: payload})
		result.Processed++
	}

	if err := s.vectors.Upsert(ctx, name, updated); err != nil {
		result.Processed = 0
		return result, unavailable("writing embeddings", err)
	}

	s.logger.Info(ctx, "backfilled pending embeddings",
		zap.String("collection", name),
		zap.Int("processed", result.Processed),
		zap.Int("failed", len(result.Failed)),
		zap.Int("exhausted", len(result.Exhausted)))
	return result, nil
}

// embedBatch embeds texts in one call, falling back to one call per text so
// a single bad item cannot hold back the rest. Failed slots are nil. When
// every item failed, a ping embedding decides: if the provider answers, the
// items are at fault and all slots come back nil; otherwise the provider is
// unavailable and an error is returned.
func (s *Store) embedBatch(ctx context.Context, p embeddings.Profile, texts []string) ([][]float32, error) {
	prov, err := s.Embedder(p)
	if err != nil {
		return nil, err
	}
	vectors, err := prov.EmbedDocuments(ctx, texts)
	if err == nil {
		return vectors, nil
	}
	s.logger.Warn(ctx, "batch embedding failed, retrying items individually", zap.Error(err))

	vectors = make([][]float32, len(texts))
	var lastErr error
	ok := 0
	for i, text := range texts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v, err := prov.EmbedDocuments(ctx, []string{text})
		if err != nil {
			lastErr = err
			continue
		}
		vectors[i] = v[0]
		ok++
	}
	if ok == 0 {
		if _, err := prov.EmbedDocuments(ctx, []string{pingText}); err != nil {
			return nil, unavailable("embedding pending entries", lastErr)
		}
		s.logger.Warn(ctx, "provider is up but rejected every pending item", zap.Error(lastErr))
	}
	return vectors, nil
}

// PendingCount returns how many entries of p's collection await embedding.
func (s *Store) PendingCount(ctx context.Context, p embeddings.Profile) (int, error) {
	name, err := s.registry.Resolve(p)
	if err != nil {
		return 0, &ValidationError{Field: "profile", Reason: err.Error()}
	}
	n, err := s.vectors.Count(ctx, name, pendingFilter(true))
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("counting pending entries", err)
	}
	return n, nil
}

// Reset drops and recreates p's collection. Other collections are untouched.
func (s *Store) Reset(ctx context.Context, p embeddings.Profile) bool {
	name, err := s.registry.Resolve(p)
	if err != nil {
		s.logger.Warn(ctx, "reset rejected", zap.Error(err))
		return false
	}
	if err := s.vectors.DeleteCollection(ctx, name); err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
		s.logger.Error(ctx, "reset failed", zap.String("collection", name), zap.Error(err))
		return false
	}
	if err := s.vectors.CreateCollection(ctx, name, p.Dimension); err != nil {
		s.logger.Error(ctx, "reset failed", zap.String("collection", name), zap.Error(err))
		return false
	}
	s.logger.Warn(ctx, "collection reset", zap.String("collection", name))
	return true
}

// Collections lists the collections under the registry's base name.
func (s *Store) Collections(ctx context.Context) ([]CollectionSummary, error) {
	names, err := s.vectors.ListCollections(ctx)
	if err != nil {
		return nil, unavailable("listing collections", err)
	}

	byName := make(map[string]string)
	for _, profileName := range s.registry.Names() {
		p, _ := s.registry.Lookup(profileName)
		if coll, err := s.registry.Resolve(p); err == nil {
			byName[coll] = profileName
		}
	}

	prefix := s.registry.Base() + "_"
	out := make([]CollectionSummary, 0, len(names))
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		info, err := s.vectors.CollectionInfo(ctx, name)
		if err != nil {
			s.logger.Warn(ctx, "skipping collection", zap.String("collection", name), zap.Error(err))
			continue
		}
		out = append(out, CollectionSummary{
			Name:       name,
			Profile:    byName[name],
			VectorSize: info.VectorSize,
			PointCount: info.PointCount,
		})
	}
	return out, nil
}

func (s *Store) embedDocument(ctx context.Context, p embeddings.Profile, text string) ([]float32, error) {
	prov, err := s.Embedder(p)
	if err != nil {
		return nil, err
	}
	v, err := prov.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, unavailable("embedding document", err)
	}
	return v[0], nil
}

// PublicEntryID derives the id of a public entry from its content.
func PublicEntryID(content string) string {
	return uuid.NewSHA1(publicNamespace, []byte(content)).String()
}

// RawEntryID derives the id of a raw import from the source and either the
// external id or the title and a content prefix.
func RawEntryID(source string, item RawItem) string {
	key := source + ":" + item.ExternalID
	if item.ExternalID == "" {
		key = source + ":" + item.Title + ":" + prefix(item.Content, rawPrefixLength)
	}
	return uuid.NewSHA1(rawNamespace, []byte(key)).String()
}

// embedText is what a backfilled entry is embedded from.
func embedText(e Entry) string {
	if e.Metadata.Title == "" {
		return e.Content
	}
	if e.Content == "" {
		return e.Metadata.Title
	}
	return e.Metadata.Title + "\n\n" + e.Content
}

func pendingFilter(pending bool) *vectorstore.Filter {
	return &vectorstore.Filter{Must: map[string]any{KeyPendingEmbedding: pending}}
}

// backfillFilter selects pending entries that still have attempts left.
func backfillFilter() *vectorstore.Filter {
	return &vectorstore.Filter{Must: map[string]any{KeyPendingEmbedding: true, KeyBackfillExhausted: false}}
}

// prefix returns the first n runes of s.
func prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
