package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("knowledged.vectorstore.chromem")

const (
	chromemBackend = "chromem"

	// sidecarFile records collection dimensions next to the chromem files.
	sidecarFile = "collections.json"

	// Reserved metadata keys. Payload keys with these names are kept in the
	// encoded payload but not indexed for filtering.
	metaPayload = "_payload"
	metaZero    = "_zero"
)

// ChromemConfig holds configuration for the embedded chromem-go database.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps the
	// database in memory.
	Path string

	// Compress enables gzip compression for stored files.
	Compress bool
}

// ChromemStore implements Store on chromem-go.
//
// chromem-go keeps string metadata only, so payloads are stored twice: as a
// JSON document under a reserved key for faithful reads, and as flattened
// scalar strings for equality filtering. Vectors are normalized on write,
// which does not change cosine similarity.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	mu   sync.RWMutex
	dims map[string]int
}

var _ Store = (*ChromemStore)(nil)

// NewChromemStore opens or creates a chromem database.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &ChromemStore{config: config, logger: logger, dims: make(map[string]int)}

	if config.Path == "" {
		store.db = chromem.NewDB()
		logger.Info("ChromemStore initialized in memory")
		return store, nil
	}

	if err := os.MkdirAll(config.Path, 0o700); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
	}
	db, err := chromem.NewPersistentDB(config.Path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}
	store.db = db

	if err := store.loadSidecar(); err != nil {
		return nil, err
	}
	for name := range db.ListCollections() {
		if _, ok := store.dims[name]; !ok {
			logger.Warn("chromem collection has no recorded dimension", zap.String("collection", name))
		}
	}

	logger.Info("ChromemStore initialized",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress),
		zap.Int("collections", len(store.dims)),
	)
	return store, nil
}

// noEmbedding is handed to chromem so it never computes vectors itself.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem store requires explicit vectors")
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, int, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	dim, ok := s.dims[name]
	s.mu.RUnlock()

	coll := s.db.GetCollection(name, noEmbedding)
	if coll == nil || !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return coll, dim, nil
}

// CreateCollection creates name with dimension dim.
func (s *ChromemStore) CreateCollection(ctx context.Context, name string, dim int) (err error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.CreateCollection")
	defer func(start time.Time) { finish(span, chromemBackend, "create_collection", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", name), attribute.Int("vector_size", dim))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dim <= 0 {
		return fmt.Errorf("%w: vector size must be positive, got %d", ErrInvalidConfig, dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.dims[name]; ok {
		if existing != dim {
			return fmt.Errorf("%w: %s has dimension %d, not %d", ErrCollectionExists, name, existing, dim)
		}
		return nil
	}

	if s.db.GetCollection(name, noEmbedding) == nil {
		if _, err := s.db.CreateCollection(name, map[string]string{"dimension": strconv.Itoa(dim)}, noEmbedding); err != nil {
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
	}
	s.dims[name] = dim
	if err := s.saveSidecar(); err != nil {
		return err
	}

	s.logger.Debug("created chromem collection", zap.String("collection", name), zap.Int("vector_size", dim))
	return nil
}

// CollectionInfo returns the dimension and point count of name.
func (s *ChromemStore) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	coll, dim, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	return &CollectionInfo{Name: name, VectorSize: dim, PointCount: coll.Count()}, nil
}

// CollectionExists reports whether name exists.
func (s *ChromemStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	_, _, err := s.collection(name)
	if errors.Is(err, ErrCollectionNotFound) {
		return false, nil
	}
	return err == nil, err
}

// DeleteCollection drops name.
func (s *ChromemStore) DeleteCollection(ctx context.Context, name string) (err error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.DeleteCollection")
	defer func(start time.Time) { finish(span, chromemBackend, "delete_collection", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", name))

	if _, _, err := s.collection(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}
	delete(s.dims, name)
	return s.saveSidecar()
}

// ListCollections returns every collection name in sorted order.
func (s *ChromemStore) ListCollections(ctx context.Context) ([]string, error) {
	all := s.db.ListCollections()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Upsert writes points, replacing any with the same id.
func (s *ChromemStore) Upsert(ctx context.Context, name string, points []Point) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer func(start time.Time) { finish(span, chromemBackend, "upsert", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", name), attribute.Int("point_count", len(points)))

	if len(points) == 0 {
		return ErrEmptyPoints
	}
	coll, dim, err := s.collection(name)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point %d: id is required", i)
		}
		if err := checkDimension(p.Vector, dim); err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}
		zero := IsZeroVector(p.Vector)
		vector := p.Vector
		if zero {
			// chromem normalizes every vector, which a zero vector cannot
			// survive. Store a unit placeholder and mark the point instead.
			vector = unitVector(dim)
		} else {
			vector = append([]float32(nil), p.Vector...)
		}
		meta, err := encodeMetadata(p.Payload, zero)
		if err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}
		docs[i] = chromem.Document{ID: p.ID, Metadata: meta, Embedding: vector}
	}

	if err := coll.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("upserting into %s: %w", name, err)
	}
	PointsWritten.WithLabelValues(chromemBackend).Add(float64(len(docs)))
	return nil
}

// Query returns up to limit non-placeholder points ranked by similarity.
func (s *ChromemStore) Query(ctx context.Context, name string, vector []float32, limit int, filter *Filter) (_ []ScoredPoint, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer func(start time.Time) { finish(span, chromemBackend, "query", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", name), attribute.Int("limit", limit))

	coll, dim, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(vector, dim); err != nil {
		return nil, err
	}
	if limit <= 0 || IsZeroVector(vector) {
		return []ScoredPoint{}, nil
	}

	results, err := s.queryGroups(ctx, coll, vector, filter, true)
	if err != nil {
		return nil, err
	}

	hits := make([]ScoredPoint, 0, len(results))
	for _, r := range results {
		payload, zero := decodeMetadata(r.Metadata)
		if zero {
			continue
		}
		hits = append(hits, ScoredPoint{
			Point: Point{ID: r.ID, Vector: r.Embedding, Payload: payload},
			Score: r.Similarity,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Scroll returns up to limit points matching filter, ordered by id.
func (s *ChromemStore) Scroll(ctx context.Context, name string, filter *Filter, limit int) (_ []Point, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Scroll")
	defer func(start time.Time) { finish(span, chromemBackend, "scroll", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", name), attribute.Int("limit", limit))

	coll, dim, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Point{}, nil
	}

	results, err := s.queryGroups(ctx, coll, unitVector(dim), filter, false)
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	if len(results) > limit {
		results = results[:limit]
	}

	points := make([]Point, len(results))
	for i, r := range results {
		points[i] = toPoint(r.ID, r.Embedding, r.Metadata, dim)
	}
	return points, nil
}

// Get returns the points with the given ids. Missing ids are skipped.
func (s *ChromemStore) Get(ctx context.Context, name string, ids []string) ([]Point, error) {
	coll, dim, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(ids))
	for _, id := range ids {
		doc, err := coll.GetByID(ctx, id)
		if err != nil {
			continue
		}
		points = append(points, toPoint(doc.ID, doc.Embedding, doc.Metadata, dim))
	}
	return points, nil
}

// Count returns the number of points matching filter.
func (s *ChromemStore) Count(ctx context.Context, name string, filter *Filter) (int, error) {
	coll, dim, err := s.collection(name)
	if err != nil {
		return 0, err
	}
	if filter.IsEmpty() {
		return coll.Count(), nil
	}
	results, err := s.queryGroups(ctx, coll, unitVector(dim), filter, false)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// Ping always succeeds for the embedded database.
func (s *ChromemStore) Ping(context.Context) error { return nil }

// Close is a no-op; persistent writes are flushed as they happen.
func (s *ChromemStore) Close() error { return nil }

// queryGroups runs one chromem query per Should group and merges the
// results by id, keeping the best score.
func (s *ChromemStore) queryGroups(ctx context.Context, coll *chromem.Collection, vector []float32, filter *Filter, skipZero bool) ([]chromem.Result, error) {
	n := coll.Count()
	if n == 0 {
		return nil, nil
	}

	wheres, err := whereClauses(filter)
	if err != nil {
		return nil, err
	}

	best := make(map[string]chromem.Result)
	for _, where := range wheres {
		if skipZero {
			where[metaZero] = "false"
		}
		if len(where) == 0 {
			where = nil
		}
		results, err := coll.QueryEmbedding(ctx, vector, n, where, nil)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", coll.Name, err)
		}
		for _, r := range results {
			if prev, ok := best[r.ID]; !ok || r.Similarity > prev.Similarity {
				best[r.ID] = r
			}
		}
	}

	merged := make([]chromem.Result, 0, len(best))
	for _, r := range best {
		merged = append(merged, r)
	}
	return merged, nil
}

// whereClauses expands a filter into chromem equality maps, one per Should
// group. Groups that contradict Must are dropped.
func whereClauses(filter *Filter) ([]map[string]string, error) {
	base := map[string]string{}
	if filter != nil {
		for k, v := range filter.Must {
			sv, ok := scalarString(v)
			if !ok {
				return nil, fmt.Errorf("unsupported filter value for %q: %T", k, v)
			}
			base[k] = sv
		}
	}
	if filter == nil || len(filter.Should) == 0 {
		return []map[string]string{base}, nil
	}

	out := make([]map[string]string, 0, len(filter.Should))
groups:
	for _, group := range filter.Should {
		where := make(map[string]string, len(base)+len(group))
		for k, v := range base {
			where[k] = v
		}
		for k, v := range group {
			sv, ok := scalarString(v)
			if !ok {
				return nil, fmt.Errorf("unsupported filter value for %q: %T", k, v)
			}
			if existing, ok := where[k]; ok && existing != sv {
				continue groups
			}
			where[k] = sv
		}
		out = append(out, where)
	}
	return out, nil
}

func toPoint(id string, embedding []float32, meta map[string]string, dim int) Point {
	payload, zero := decodeMetadata(meta)
	vector := embedding
	if zero {
		vector = make([]float32, dim)
	}
	return Point{ID: id, Vector: vector, Payload: payload}
}

func unitVector(dim int) []float32 {
	v := make([]float32, dim)
	v[0] = 1
	return v
}

func encodeMetadata(payload map[string]any, zero bool) (map[string]string, error) {
	meta := make(map[string]string, len(payload)+2)
	for k, v := range payload {
		if k == metaPayload || k == metaZero {
			continue
		}
		if sv, ok := scalarString(v); ok {
			meta[k] = sv
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	meta[metaPayload] = string(raw)
	meta[metaZero] = strconv.FormatBool(zero)
	return meta, nil
}

func decodeMetadata(meta map[string]string) (map[string]any, bool) {
	zero := meta[metaZero] == "true"
	raw, ok := meta[metaPayload]
	if !ok {
		payload := make(map[string]any, len(meta))
		for k, v := range meta {
			if k != metaZero {
				payload[k] = v
			}
		}
		return payload, zero
	}

	var decoded map[string]any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil || decoded == nil {
		return map[string]any{}, zero
	}
	for k, v := range decoded {
		decoded[k] = normalizeNumber(v)
	}
	return decoded, zero
}

// normalizeNumber turns json.Number into int64 when integral, else float64.
func normalizeNumber(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case []any:
		for i := range val {
			val[i] = normalizeNumber(val[i])
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = normalizeNumber(val[k])
		}
		return val
	default:
		return v
	}
}

func (s *ChromemStore) sidecarPath() string {
	return filepath.Join(s.config.Path, sidecarFile)
}

func (s *ChromemStore) loadSidecar() error {
	data, err := os.ReadFile(s.sidecarPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", sidecarFile, err)
	}
	if err := json.Unmarshal(data, &s.dims); err != nil {
		return fmt.Errorf("parsing %s: %w", sidecarFile, err)
	}
	return nil
}

// saveSidecar writes dims atomically. Callers hold s.mu.
func (s *ChromemStore) saveSidecar() error {
	if s.config.Path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.dims, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", sidecarFile, err)
	}
	tmp := s.sidecarPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", sidecarFile, err)
	}
	if err := os.Rename(tmp, s.sidecarPath()); err != nil {
		return fmt.Errorf("replacing %s: %w", sidecarFile, err)
	}
	return nil
}
