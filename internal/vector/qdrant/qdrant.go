// Package qdrant implements vector.Store on a Qdrant collection over gRPC.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/efebarandurmaz/imagesearch/internal/vector"
)

const (
	payloadName    = "name"
	payloadCaption = "caption"
)

// Config holds Qdrant connection settings.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	Dimensions int
}

// Store implements vector.Store using one shared gRPC connection.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	service     pb.QdrantClient
	collection  string
	dims        int
	apiKey      string
}

// New creates a Qdrant-backed store. The connection is established lazily on
// the first call.
func New(cfg Config) (*Store, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = vector.DefaultCollection
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = vector.DefaultDimensions
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, vector.NewError(vector.KindConnectionUnavailable, "connect", fmt.Errorf("qdrant connect: %w", err))
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		service:     pb.NewQdrantClient(conn),
		collection:  cfg.Collection,
		dims:        cfg.Dimensions,
		apiKey:      cfg.APIKey,
	}, nil
}

func (s *Store) withAuth(ctx context.Context) context.Context {
	if s.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", s.apiKey)
}

// EnsureSchema creates the collection with cosine distance if it is missing
// and verifies the vector size of an existing one.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx = s.withAuth(ctx)

	exists, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: s.collection})
	if err != nil {
		return classify("ensure_schema", err)
	}

	if !exists.GetResult().GetExists() {
		_, err := s.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig:  vectorsConfig(s.dims),
		})
		if err != nil {
			return classify("ensure_schema", err)
		}
		slog.Info("qdrant collection created", "collection", s.collection, "dimensions", s.dims)
		return nil
	}

	info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
	if err != nil {
		return classify("ensure_schema", err)
	}
	return checkSize(info.GetResult(), s.dims)
}

// Add upserts doc as a new point under a fresh UUID. Names are not unique.
func (s *Store) Add(ctx context.Context, doc vector.Document) error {
	if err := vector.Validate(doc, s.dims); err != nil {
		return vector.AddError(err)
	}

	wait := true
	_, err := s.points.Upsert(s.withAuth(ctx), &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         []*pb.PointStruct{toPoint(uuid.NewString(), doc)},
	})
	if err != nil {
		return classify("add", err)
	}
	return nil
}

// Search runs an exact cosine search over the whole collection and shifts
// every score by vector.ScoreOffset.
func (s *Store) Search(ctx context.Context, query []float32, size int) ([]vector.Hit, error) {
	if size <= 0 {
		return []vector.Hit{}, nil
	}
	if err := vector.CheckQuery(query, s.dims); err != nil {
		return []vector.Hit{}, vector.NewError(vector.KindSchemaMismatch, "search", err)
	}

	resp, err := s.points.Search(s.withAuth(ctx), searchRequest(s.collection, query, size))
	if err != nil {
		return []vector.Hit{}, classify("search", err)
	}
	return vector.Rank(toHits(resp.GetResult()), size), nil
}

// Ping calls the Qdrant health check endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.service.HealthCheck(s.withAuth(ctx), &pb.HealthCheckRequest{}); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func vectorsConfig(dims int) *pb.VectorsConfig {
	return &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{Params: &pb.VectorParams{
		Size:     uint64(dims),
		Distance: pb.Distance_Cosine,
	}}}
}

func checkSize(info *pb.CollectionInfo, dims int) error {
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return vector.NewError(vector.KindSchemaMismatch, "ensure_schema",
			errors.New("collection has no single unnamed vector"))
	}
	if params.GetSize() != uint64(dims) {
		return vector.NewError(vector.KindSchemaMismatch, "ensure_schema",
			fmt.Errorf("collection vector size is %d, configured %d", params.GetSize(), dims))
	}
	if params.GetDistance() != pb.Distance_Cosine {
		return vector.NewError(vector.KindSchemaMismatch, "ensure_schema",
			fmt.Errorf("collection distance is %s, want Cosine", params.GetDistance()))
	}
	return nil
}

// searchRequest asks for an exact scan so the HNSW index never prunes
// candidates.
func searchRequest(collection string, query []float32, size int) *pb.SearchPoints {
	exact := true
	return &pb.SearchPoints{
		CollectionName: collection,
		Vector:         query,
		Limit:          uint64(size),
		Params:         &pb.SearchParams{Exact: &exact},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: false}},
	}
}

func toPoint(id string, doc vector.Document) *pb.PointStruct {
	return &pb.PointStruct{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: doc.Vector}}},
		Payload: map[string]*pb.Value{
			payloadName:    {Kind: &pb.Value_StringValue{StringValue: doc.Name}},
			payloadCaption: {Kind: &pb.Value_StringValue{StringValue: doc.Caption}},
		},
	}
}

func toHits(points []*pb.ScoredPoint) []vector.Hit {
	hits := make([]vector.Hit, 0, len(points))
	for _, pt := range points {
		hits = append(hits, vector.Hit{
			Name:    pt.GetPayload()[payloadName].GetStringValue(),
			Caption: pt.GetPayload()[payloadCaption].GetStringValue(),
			Score:   float64(pt.GetScore()) + vector.ScoreOffset,
		})
	}
	return hits
}

func classify(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return vector.NewError(vector.KindConnectionUnavailable, op, err)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return vector.NewError(vector.KindSchemaMismatch, op, err)
	default:
		return vector.NewError(vector.KindEngine, op, err)
	}
}

var _ vector.Store = (*Store)(nil)
