package vectorstore

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

const (
	// DefaultCollection is the default chunk collection name.
	DefaultCollection = "docai_chunks"

	// upsertBatchSize caps how many points go into one upsert request.
	upsertBatchSize = 100

	hnswM           = 16
	hnswEfConstruct = 100
)

// QdrantStore implements VectorStore using Qdrant
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore creates a new Qdrant vector store client
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(ctx context.Context, url, collection string) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		// If no port specified, assume default
		host = url
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	if collection == "" {
		collection = DefaultCollection
	}

	return &QdrantStore{client: client, collection: collection}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the chunk collection and payload indexes if absent
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
		HnswConfig: &qdrant.HnswConfigDiff{
			M:           qdrant.PtrOf(uint64(hnswM)),
			EfConstruct: qdrant.PtrOf(uint64(hnswEfConstruct)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	// Payload indexes back the filterable fields.
	keyword := []string{"doc_id", "doc_type", "chunk_type", "group_id"}
	for _, field := range keyword {
		if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		}); err != nil {
			return fmt.Errorf("failed to index payload field %s: %w", field, err)
		}
	}
	if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      "is_latest",
		FieldType:      qdrant.FieldType_FieldTypeBool.Enum(),
	}); err != nil {
		return fmt.Errorf("failed to index payload field is_latest: %w", err)
	}

	return nil
}

// Upsert inserts or updates points in batches
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	for start := 0; start < len(points); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(points) {
			end = len(points)
		}

		batch := make([]*qdrant.PointStruct, 0, end-start)
		for _, p := range points[start:end] {
			batch = append(batch, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(p.ID),
				Vectors: qdrant.NewVectors(p.Vector...),
				Payload: encodePayload(p.Payload),
			})
		}

		if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         batch,
		}); err != nil {
			return fmt.Errorf("failed to upsert points: %w", err)
		}
	}
	return nil
}

// Search performs cosine similarity search with the given filter
func (s *QdrantStore) Search(ctx context.Context, vector []float32, filter Filter, topK int, scoreThreshold float32) ([]Result, error) {
	query := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         encodeFilter(filter),
	}
	if scoreThreshold > 0 {
		query.ScoreThreshold = qdrant.PtrOf(scoreThreshold)
	}

	response, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]Result, 0, len(response))
	for _, point := range response {
		results = append(results, Result{
			ID:      point.Id.GetUuid(),
			Score:   float64(point.Score),
			Payload: decodePayload(point.Payload),
		})
	}
	return results, nil
}

// SetLatest flips the is_latest payload flag on every point of a document
func (s *QdrantStore) SetLatest(ctx context.Context, docID string, isLatest bool) error {
	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: s.collection,
		Payload: map[string]*qdrant.Value{
			"is_latest": qdrant.NewValueBool(isLatest),
		},
		PointsSelector: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("doc_id", docID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to set is_latest payload: %w", err)
	}
	return nil
}

// DeleteByIDs removes specific points by their IDs
func (s *QdrantStore) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by IDs: %w", err)
	}
	return nil
}

// DeleteByDocument removes all points of a document
func (s *QdrantStore) DeleteByDocument(ctx context.Context, docID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("doc_id", docID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by document ID: %w", err)
	}
	return nil
}

func encodePayload(p Payload) map[string]*qdrant.Value {
	pages := make([]*qdrant.Value, len(p.PageNumbers))
	for i, n := range p.PageNumbers {
		pages[i] = qdrant.NewValueInt(int64(n))
	}

	return map[string]*qdrant.Value{
		"doc_id":       qdrant.NewValueString(p.DocID),
		"doc_title":    qdrant.NewValueString(p.DocTitle),
		"doc_type":     qdrant.NewValueString(p.DocType),
		"section_path": qdrant.NewValueString(p.SectionPath),
		"page_numbers": {Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: pages}}},
		"chunk_index":  qdrant.NewValueInt(int64(p.ChunkIndex)),
		"chunk_type":   qdrant.NewValueString(p.ChunkType),
		"content":      qdrant.NewValueString(p.Content),
		"token_count":  qdrant.NewValueInt(int64(p.TokenCount)),
		"group_id":     qdrant.NewValueString(p.GroupID),
		"department":   qdrant.NewValueString(p.Department),
		"is_latest":    qdrant.NewValueBool(p.IsLatest),
	}
}

func decodePayload(payload map[string]*qdrant.Value) Payload {
	p := Payload{}
	if payload == nil {
		return p
	}

	p.DocID = payload["doc_id"].GetStringValue()
	p.DocTitle = payload["doc_title"].GetStringValue()
	p.DocType = payload["doc_type"].GetStringValue()
	p.SectionPath = payload["section_path"].GetStringValue()
	p.ChunkIndex = int(payload["chunk_index"].GetIntegerValue())
	p.ChunkType = payload["chunk_type"].GetStringValue()
	p.Content = payload["content"].GetStringValue()
	p.TokenCount = int(payload["token_count"].GetIntegerValue())
	p.GroupID = payload["group_id"].GetStringValue()
	p.Department = payload["department"].GetStringValue()
	p.IsLatest = payload["is_latest"].GetBoolValue()

	if list := payload["page_numbers"].GetListValue(); list != nil {
		for _, v := range list.Values {
			p.PageNumbers = append(p.PageNumbers, int(v.GetIntegerValue()))
		}
	}
	return p
}

func encodeFilter(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition

	if f.LatestOnly {
		must = append(must, qdrant.NewMatchBool("is_latest", true))
	}
	if f.DocID != "" {
		must = append(must, qdrant.NewMatch("doc_id", f.DocID))
	}
	if f.DocType != "" {
		must = append(must, qdrant.NewMatch("doc_type", f.DocType))
	}
	if f.ChunkType != "" {
		must = append(must, qdrant.NewMatch("chunk_type", f.ChunkType))
	}
	if f.GroupID != "" {
		must = append(must, qdrant.NewMatch("group_id", f.GroupID))
	}
	if f.AccessibleDocIDs != nil {
		must = append(must, qdrant.NewMatchKeywords("doc_id", f.AccessibleDocIDs...))
	}

	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

// Ensure QdrantStore implements VectorStore
var _ VectorStore = (*QdrantStore)(nil)
