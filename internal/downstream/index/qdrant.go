package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// pointNamespace derives stable point UUIDs from item IDs.
var pointNamespace = uuid.MustParse("6f1c0d7e-55a4-4b8e-9a35-2f0e4c9b7d21")

// PointsUpserter is the subset of pb.PointsClient the indexer needs.
type PointsUpserter interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// CollectionManager is the subset of pb.CollectionsClient used at startup.
type CollectionManager interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Qdrant upserts embedded documents into a collection.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      PointsUpserter
	collections CollectionManager
	collection  string
}

// DialQdrant connects to Qdrant over gRPC.
func DialQdrant(addr, collection string) (*Qdrant, error) {
	if addr == "" || collection == "" {
		return nil, errors.New("qdrant address and collection are required")
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial qdrant %s: %w", addr, err)
	}
	q := NewQdrant(pb.NewPointsClient(conn), collection)
	q.conn = conn
	q.collections = pb.NewCollectionsClient(conn)
	return q, nil
}

// NewQdrant wraps an existing points client.
func NewQdrant(points PointsUpserter, collection string) *Qdrant {
	return &Qdrant{points: points, collection: collection}
}

// WithCollections sets the client EnsureCollection uses.
func (q *Qdrant) WithCollections(c CollectionManager) *Qdrant {
	q.collections = c
	return q
}

// EnsureCollection creates the collection with cosine vectors of size dims
// unless it already exists.
func (q *Qdrant) EnsureCollection(ctx context.Context, dims uint64) error {
	if q.collections == nil {
		return errors.New("qdrant collections client not configured")
	}
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("list qdrant collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}
	if _, err := q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: dims, Distance: pb.Distance_Cosine},
			},
		},
	}); err != nil {
		return fmt.Errorf("create qdrant collection %s: %w", q.collection, err)
	}
	return nil
}

// Close releases the gRPC connection when DialQdrant opened one.
func (q *Qdrant) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// PointID maps an item ID onto the UUID used as the point ID.
func PointID(docID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(docID)).String()
}

// Index upserts every document that carries an embedding.
func (q *Qdrant) Index(ctx context.Context, docs []Document) (int, error) {
	points := make([]*pb.PointStruct, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) == 0 {
			continue
		}
		payload := make(map[string]*pb.Value, len(d.Metadata)+2)
		for k, v := range d.Metadata {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		payload["doc_id"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: d.ID}}
		payload["content"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: d.Text}}
		points = append(points, &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(d.ID)}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: d.Embedding}},
			},
			Payload: payload,
		})
	}
	if len(points) == 0 {
		return 0, nil
	}
	wait := true
	if _, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return 0, fmt.Errorf("qdrant upsert %d points: %w", len(points), err)
	}
	return len(points), nil
}
