package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/fyrsmithlabs/knowledged/pkg/collections"
)

// Sentinel errors for vector store operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrCollectionExists is returned when creating a collection that exists
	// with a different dimension.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// collection dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrEmptyPoints indicates an upsert with no points.
	ErrEmptyPoints = errors.New("empty or nil points")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnavailable indicates the backend could not be reached.
	ErrUnavailable = errors.New("vector store unavailable")
)

// Point is one stored vector with its payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScoredPoint is a Query result. Score is cosine similarity.
type ScoredPoint struct {
	Point
	Score float32 `json:"score"`
}

// Filter selects points by payload equality. A point matches when every
// Must pair matches and, if Should is non-empty, every pair of at least one
// Should group matches.
type Filter struct {
	Must   map[string]any
	Should []map[string]any
}

// IsEmpty reports whether the filter selects every point.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.Should) == 0)
}

// Matches evaluates the filter against payload.
func (f *Filter) Matches(payload map[string]any) bool {
	if f.IsEmpty() {
		return true
	}
	if !matchAll(f.Must, payload) {
		return false
	}
	if len(f.Should) == 0 {
		return true
	}
	for _, group := range f.Should {
		if matchAll(group, payload) {
			return true
		}
	}
	return false
}

func matchAll(conds, payload map[string]any) bool {
	for k, want := range conds {
		got, ok := payload[k]
		if !ok {
			return false
		}
		ws, wok := scalarString(want)
		gs, gok := scalarString(got)
		if !wok || !gok || ws != gs {
			return false
		}
	}
	return true
}

// scalarString renders a scalar payload value in the form used for
// equality matching.
func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.Itoa(val), true
	case int32:
		return strconv.FormatInt(int64(val), 10), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), true
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10), true
		}
		return strconv.FormatFloat(val, 'g', -1, 64), true
	default:
		return "", false
	}
}

// CollectionInfo contains metadata about a vector collection.
type CollectionInfo struct {
	Name       string `json:"name"`
	VectorSize int    `json:"vector_size"`
	PointCount int    `json:"point_count"`
}

// Store is the interface for vector storage operations.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateCollection creates name with dimension dim. Creating an
	// existing collection with the same dimension is a no-op; a different
	// dimension returns ErrCollectionExists.
	CreateCollection(ctx context.Context, name string, dim int) error

	// CollectionInfo returns the dimension and point count of name.
	CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error)

	// CollectionExists reports whether name exists.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// DeleteCollection drops name and all its points.
	DeleteCollection(ctx context.Context, name string) error

	// ListCollections returns every collection name.
	ListCollections(ctx context.Context) ([]string, error)

	// Upsert writes points, replacing any with the same id.
	Upsert(ctx context.Context, name string, points []Point) error

	// Query returns up to limit points ranked by descending similarity to
	// vector. Zero-vector points are never returned.
	Query(ctx context.Context, name string, vector []float32, limit int, filter *Filter) ([]ScoredPoint, error)

	// Scroll returns up to limit points matching filter, vectors included.
	Scroll(ctx context.Context, name string, filter *Filter, limit int) ([]Point, error)

	// Get returns the points with the given ids. Missing ids are skipped.
	Get(ctx context.Context, name string, ids []string) ([]Point, error)

	// Count returns the number of points matching filter.
	Count(ctx context.Context, name string, filter *Filter) (int, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// ValidateCollectionName validates a collection name against ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if err := collections.Validate(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCollectionName, err)
	}
	return nil
}

// IsZeroVector reports whether every component of v is zero.
func IsZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func checkDimension(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d components, collection expects %d", ErrDimensionMismatch, len(v), dim)
	}
	return nil
}
