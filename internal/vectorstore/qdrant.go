package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("knowledged.vectorstore.qdrant")

const (
	qdrantBackend = "qdrant"

	// payloadIDKey keeps the caller's id when it is not a UUID.
	payloadIDKey = "_id"
	// payloadZeroKey marks placeholder points so Query can skip them.
	payloadZeroKey = "_zero"
)

// pointNamespace derives Qdrant UUIDs from non-UUID point ids.
var pointNamespace = uuid.MustParse("6f1d7b52-2c1e-4f1a-9d6b-3a7c0e2b8f41")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port (6334), not the HTTP port.
	Port int

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// APIKey authenticates against Qdrant Cloud or secured servers.
	APIKey string

	// MaxRetries is the maximum number of retry attempts for transient failures.
	MaxRetries int

	// RetryBackoff is the initial backoff; it doubles on each retry.
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// IsTransientError reports whether err is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore implements Store with Qdrant's native gRPC client.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// dims caches collection dimensions. Key: collection name, Value: int
	dims sync.Map
}

var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant and verifies the server is healthy.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !config.UseTLS {
		logger.Warn("Qdrant gRPC using plaintext (TLS disabled)", zap.String("host", config.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	store := &QdrantStore{client: client, config: config, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("QdrantStore initialized", zap.String("host", config.Host), zap.Int("port", config.Port))
	return store, nil
}

// retry runs operation with exponential backoff on transient errors.
func (s *QdrantStore) retry(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := operation()
		if err == nil || !IsTransientError(err) || attempt >= s.config.MaxRetries {
			return err
		}
		RetriesTotal.WithLabelValues(qdrantBackend, operationName).Inc()
		s.logger.Debug("retrying qdrant call",
			zap.String("operation", operationName),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// classify maps gRPC failures onto package errors.
func classify(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCollectionNotFound) || errors.Is(err, ErrCollectionExists) || errors.Is(err, ErrDimensionMismatch) {
		return err
	}
	if st, ok := status.FromError(err); ok {
		switch {
		case st.Code() == grpccodes.NotFound:
			return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		case IsTransientError(err):
			return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, name, err)
		}
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}

// CreateCollection creates name with dimension dim and cosine distance.
func (s *QdrantStore) CreateCollection(ctx context.Context, name string, dim int) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.CreateCollection")
	defer func(start time.Time) { finish(span, qdrantBackend, "create_collection", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", name), attribute.Int("vector_size", dim))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dim <= 0 {
		return fmt.Errorf("%w: vector size must be positive, got %d", ErrInvalidConfig, dim)
	}

	exists, err := s.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		info, err := s.CollectionInfo(ctx, name)
		if err != nil {
			return err
		}
		if info.VectorSize != dim {
			return fmt.Errorf("%w: %s has dimension %d, not %d", ErrCollectionExists, name, info.VectorSize, dim)
		}
		return nil
	}

	err = s.retry(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		return classify("create collection", name, err)
	}
	s.dims.Store(name, dim)
	return nil
}

// CollectionInfo returns the dimension and point count of name.
func (s *QdrantStore) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	var info *CollectionInfo
	err := s.retry(ctx, "get_collection_info", func() error {
		ci, err := s.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return err
		}
		info = &CollectionInfo{
			Name:       name,
			VectorSize: int(ci.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
		}
		if ci.PointsCount != nil {
			info.PointCount = int(*ci.PointsCount)
		}
		return nil
	})
	if err != nil {
		return nil, classify("get collection info", name, err)
	}
	s.dims.Store(name, info.VectorSize)
	return info, nil
}

// CollectionExists reports whether name exists.
func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}
	var exists bool
	err := s.retry(ctx, "collection_exists", func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		return false, classify("check collection", name, err)
	}
	return exists, nil
}

// DeleteCollection drops name.
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeleteCollection")
	defer func(start time.Time) { finish(span, qdrantBackend, "delete_collection", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", name))

	exists, err := s.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	err = s.retry(ctx, "delete_collection", func() error {
		return s.client.DeleteCollection(ctx, name)
	})
	s.dims.Delete(name)
	return classify("delete collection", name, err)
}

// ListCollections returns every collection name.
func (s *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := s.retry(ctx, "list_collections", func() error {
		var err error
		names, err = s.client.ListCollections(ctx)
		return err
	})
	if err != nil {
		return nil, classify("list collections", "", err)
	}
	return names, nil
}

func (s *QdrantStore) dimension(ctx context.Context, name string) (int, error) {
	if d, ok := s.dims.Load(name); ok {
		return d.(int), nil
	}
	info, err := s.CollectionInfo(ctx, name)
	if err != nil {
		return 0, err
	}
	return info.VectorSize, nil
}

// Upsert writes points, replacing any with the same id.
func (s *QdrantStore) Upsert(ctx context.Context, name string, points []Point) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer func(start time.Time) { finish(span, qdrantBackend, "upsert", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", name), attribute.Int("point_count", len(points)))

	if len(points) == 0 {
		return ErrEmptyPoints
	}
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	dim, err := s.dimension(ctx, name)
	if err != nil {
		return err
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point %d: id is required", i)
		}
		if err := checkDimension(p.Vector, dim); err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}
		payload, err := toPayload(p.Payload)
		if err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}
		id := toPointID(p.ID)
		if id.GetUuid() != p.ID {
			payload[payloadIDKey] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: p.ID}}
		}
		payload[payloadZeroKey] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: IsZeroVector(p.Vector)}}

		qpoints[i] = &qdrant.PointStruct{
			Id:      id,
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		}
	}

	err = s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         qpoints,
		})
		return err
	})
	if err != nil {
		return classify("upsert", name, err)
	}
	PointsWritten.WithLabelValues(qdrantBackend).Add(float64(len(qpoints)))
	return nil
}

// Query returns up to limit non-placeholder points ranked by similarity.
func (s *QdrantStore) Query(ctx context.Context, name string, vector []float32, limit int, filter *Filter) (_ []ScoredPoint, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer func(start time.Time) { finish(span, qdrantBackend, "query", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", name), attribute.Int("limit", limit))

	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	dim, err := s.dimension(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(vector, dim); err != nil {
		return nil, err
	}
	if limit <= 0 || IsZeroVector(vector) {
		return []ScoredPoint{}, nil
	}

	qfilter, err := toQdrantFilter(filter)
	if err != nil {
		return nil, err
	}
	if qfilter == nil {
		qfilter = &qdrant.Filter{}
	}
	qfilter.MustNot = append(qfilter.MustNot, qdrant.NewMatchBool(payloadZeroKey, true))

	var results []*qdrant.ScoredPoint
	err = s.retry(ctx, "query", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			Filter:         qfilter,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		results = res
		return err
	})
	if err != nil {
		return nil, classify("query", name, err)
	}

	hits := make([]ScoredPoint, len(results))
	for i, r := range results {
		hits[i] = ScoredPoint{
			Point: fromQdrant(r.GetId(), r.GetPayload(), nil),
			Score: r.GetScore(),
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Scroll returns up to limit points matching filter, vectors included.
func (s *QdrantStore) Scroll(ctx context.Context, name string, filter *Filter, limit int) (_ []Point, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Scroll")
	defer func(start time.Time) { finish(span, qdrantBackend, "scroll", start, err) }(time.Now())
	span.SetAttributes(attribute.String("collection", name), attribute.Int("limit", limit))

	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Point{}, nil
	}
	qfilter, err := toQdrantFilter(filter)
	if err != nil {
		return nil, err
	}

	var results []*qdrant.RetrievedPoint
	err = s.retry(ctx, "scroll", func() error {
		res, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: name,
			Filter:         qfilter,
			Limit:          qdrant.PtrOf(uint32(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		results = res
		return err
	})
	if err != nil {
		return nil, classify("scroll", name, err)
	}
	return retrievedPoints(results), nil
}

// Get returns the points with the given ids. Missing ids are skipped.
func (s *QdrantStore) Get(ctx context.Context, name string, ids []string) ([]Point, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Point{}, nil
	}
	pids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pids[i] = toPointID(id)
	}

	var results []*qdrant.RetrievedPoint
	err := s.retry(ctx, "get", func() error {
		res, err := s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: name,
			Ids:            pids,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		results = res
		return err
	})
	if err != nil {
		return nil, classify("get", name, err)
	}
	return retrievedPoints(results), nil
}

// Count returns the exact number of points matching filter.
func (s *QdrantStore) Count(ctx context.Context, name string, filter *Filter) (int, error) {
	if err := ValidateCollectionName(name); err != nil {
		return 0, err
	}
	qfilter, err := toQdrantFilter(filter)
	if err != nil {
		return 0, err
	}
	var n uint64
	err = s.retry(ctx, "count", func() error {
		var err error
		n, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: name,
			Filter:         qfilter,
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return 0, classify("count", name, err)
	}
	return int(n), nil
}

// Ping checks the server health endpoint.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: health check: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func toPointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

func retrievedPoints(results []*qdrant.RetrievedPoint) []Point {
	points := make([]Point, len(results))
	for i, r := range results {
		points[i] = fromQdrant(r.GetId(), r.GetPayload(), r.GetVectors().GetVector().GetData())
	}
	return points
}

func fromQdrant(id *qdrant.PointId, payload map[string]*qdrant.Value, vector []float32) Point {
	p := Point{Payload: make(map[string]any, len(payload)), Vector: vector}
	if u := id.GetUuid(); u != "" {
		p.ID = u
	} else {
		p.ID = strconv.FormatUint(id.GetNum(), 10)
	}
	for k, v := range payload {
		switch k {
		case payloadIDKey:
			p.ID = v.GetStringValue()
		case payloadZeroKey:
		default:
			p.Payload[k] = fromValue(v)
		}
	}
	return p
}

func toPayload(payload map[string]any) (map[string]*qdrant.Value, error) {
	out := make(map[string]*qdrant.Value, len(payload)+2)
	for k, v := range payload {
		if k == payloadIDKey || k == payloadZeroKey {
			continue
		}
		qv, err := toValue(v)
		if err != nil {
			return nil, fmt.Errorf("payload %q: %w", k, err)
		}
		out[k] = qv
	}
	return out, nil
}

func toValue(v any) (*qdrant.Value, error) {
	switch val := v.(type) {
	case nil:
		return &qdrant.Value{Kind: &qdrant.Value_NullValue{}}, nil
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}, nil
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}, nil
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}, nil
	case int32:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}, nil
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}, nil
	case float32:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: float64(val)}}, nil
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}, nil
	case []string:
		values := make([]*qdrant.Value, len(val))
		for i, s := range val {
			values[i] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}, nil
	case []any:
		values := make([]*qdrant.Value, len(val))
		for i, item := range val {
			qv, err := toValue(item)
			if err != nil {
				return nil, err
			}
			values[i] = qv
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}, nil
	case map[string]any:
		fields, err := toPayload(val)
		if err != nil {
			return nil, err
		}
		return &qdrant.Value{Kind: &qdrant.Value_StructValue{StructValue: &qdrant.Struct{Fields: fields}}}, nil
	case map[string]string:
		fields := make(map[string]*qdrant.Value, len(val))
		for k, s := range val {
			fields[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
		}
		return &qdrant.Value{Kind: &qdrant.Value_StructValue{StructValue: &qdrant.Struct{Fields: fields}}}, nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", v)
	}
}

func fromValue(v *qdrant.Value) any {
	switch val := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_ListValue:
		items := make([]any, len(val.ListValue.GetValues()))
		for i, item := range val.ListValue.GetValues() {
			items[i] = fromValue(item)
		}
		return items
	case *qdrant.Value_StructValue:
		fields := make(map[string]any, len(val.StructValue.GetFields()))
		for k, item := range val.StructValue.GetFields() {
			fields[k] = fromValue(item)
		}
		return fields
	default:
		return nil
	}
}

func toQdrantFilter(f *Filter) (*qdrant.Filter, error) {
	if f.IsEmpty() {
		return nil, nil
	}
	must, err := toConditions(f.Must)
	if err != nil {
		return nil, err
	}
	out := &qdrant.Filter{Must: must}
	for _, group := range f.Should {
		conds, err := toConditions(group)
		if err != nil {
			return nil, err
		}
		out.Should = append(out.Should, qdrant.NewFilterAsCondition(&qdrant.Filter{Must: conds}))
	}
	return out, nil
}

func toConditions(m map[string]any) ([]*qdrant.Condition, error) {
	conds := make([]*qdrant.Condition, 0, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			conds = append(conds, qdrant.NewMatch(k, val))
		case bool:
			conds = append(conds, qdrant.NewMatchBool(k, val))
		case int:
			conds = append(conds, qdrant.NewMatchInt(k, int64(val)))
		case int64:
			conds = append(conds, qdrant.NewMatchInt(k, val))
		default:
			return nil, fmt.Errorf("unsupported filter value for %q: %T", k, v)
		}
	}
	return conds, nil
}
