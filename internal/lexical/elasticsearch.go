package lexical

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// DefaultIndex is the default chunk index name.
const DefaultIndex = "docai_chunks"

// chunkMapping declares the index schema. Content and title use the IK
// analyzer so Chinese text segments properly for BM25; section_path keeps a
// keyword subfield for exact grouping.
const chunkMapping = `{
  "mappings": {
    "properties": {
      "doc_id":       {"type": "keyword"},
      "doc_title":    {"type": "text", "analyzer": "ik_max_word", "fields": {"keyword": {"type": "keyword"}}},
      "doc_type":     {"type": "keyword"},
      "section_path": {"type": "text", "analyzer": "ik_max_word", "fields": {"keyword": {"type": "keyword"}}},
      "page_numbers": {"type": "integer"},
      "chunk_index":  {"type": "integer"},
      "chunk_type":   {"type": "keyword"},
      "content":      {"type": "text", "analyzer": "ik_max_word", "search_analyzer": "ik_smart"},
      "token_count":  {"type": "integer"},
      "group_id":     {"type": "keyword"},
      "department":   {"type": "keyword"},
      "is_latest":    {"type": "boolean"},
      "created_at":   {"type": "date"}
    }
  }
}`

// ESStore implements Store using Elasticsearch
type ESStore struct {
	client *elasticsearch.Client
	index  string
}

// NewESStore creates a new Elasticsearch lexical store client
func NewESStore(addresses []string, index string) (*ESStore, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	if index == "" {
		index = DefaultIndex
	}
	return &ESStore{client: client, index: index}, nil
}

// EnsureIndex creates the chunk index with its mappings if absent
func (s *ESStore) EnsureIndex(ctx context.Context) error {
	res, err := s.client.Indices.Exists([]string{s.index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index existence: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}

	res, err = s.client.Indices.Create(s.index,
		s.client.Indices.Create.WithContext(ctx),
		s.client.Indices.Create.WithBody(strings.NewReader(chunkMapping)))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to create index: %s", responseError(res))
	}
	return nil
}

// IndexBatch bulk-indexes chunks keyed by chunk ID
func (s *ESStore) IndexBatch(ctx context.Context, docs map[string]Doc) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for id, doc := range docs {
		meta := fmt.Sprintf(`{"index":{"_id":%q}}`, id)
		buf.WriteString(meta)
		buf.WriteByte('\n')

		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal doc %s: %w", id, err)
		}
		buf.Write(body)
		buf.WriteByte('\n')
	}

	res, err := s.client.Bulk(bytes.NewReader(buf.Bytes()),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithIndex(s.index))
	if err != nil {
		return fmt.Errorf("failed to bulk index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk index failed: %s", responseError(res))
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if bulkResp.Errors {
		return fmt.Errorf("bulk index reported item errors")
	}
	return nil
}

// Refresh makes recent writes searchable immediately
func (s *ESStore) Refresh(ctx context.Context) error {
	res, err := s.client.Indices.Refresh(
		s.client.Indices.Refresh.WithContext(ctx),
		s.client.Indices.Refresh.WithIndex(s.index))
	if err != nil {
		return fmt.Errorf("failed to refresh index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("refresh failed: %s", responseError(res))
	}
	return nil
}

// Search runs a BM25 multi-field query with the given filter
func (s *ESStore) Search(ctx context.Context, query string, filter Filter, topK int) ([]Hit, error) {
	must := []map[string]any{
		{
			"multi_match": map[string]any{
				"query":  query,
				"fields": []string{"content^3", "section_path", "doc_title"},
			},
		},
	}

	body := map[string]any{
		"size": topK,
		"query": map[string]any{
			"bool": map[string]any{
				"must":   must,
				"filter": encodeESFilter(filter),
			},
		},
	}
	return s.search(ctx, body)
}

// Neighbors fetches chunks of one document by sequence index
func (s *ESStore) Neighbors(ctx context.Context, docID string, indices []int) ([]Hit, error) {
	if len(indices) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"size": len(indices),
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"doc_id": docID}},
					{"terms": map[string]any{"chunk_index": indices}},
				},
			},
		},
		"sort": []map[string]any{{"chunk_index": map[string]any{"order": "asc"}}},
	}
	return s.search(ctx, body)
}

// ChunksByDocument fetches a document's chunks ordered by sequence
func (s *ESStore) ChunksByDocument(ctx context.Context, docID, sectionPath string, pages []int, limit int) ([]Hit, error) {
	filter := []map[string]any{
		{"term": map[string]any{"doc_id": docID}},
		{"term": map[string]any{"chunk_type": "text"}},
	}
	if sectionPath != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"section_path.keyword": sectionPath}})
	}
	if len(pages) > 0 {
		filter = append(filter, map[string]any{"terms": map[string]any{"page_numbers": pages}})
	}
	if limit <= 0 {
		limit = 100
	}

	body := map[string]any{
		"size": limit,
		"query": map[string]any{
			"bool": map[string]any{"filter": filter},
		},
		"sort": []map[string]any{{"chunk_index": map[string]any{"order": "asc"}}},
	}
	return s.search(ctx, body)
}

// SetLatest flips the is_latest flag on every chunk of a document
func (s *ESStore) SetLatest(ctx context.Context, docID string, isLatest bool) error {
	body := map[string]any{
		"query": map[string]any{"term": map[string]any{"doc_id": docID}},
		"script": map[string]any{
			"source": "ctx._source.is_latest = params.latest",
			"params": map[string]any{"latest": isLatest},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal update query: %w", err)
	}

	res, err := s.client.UpdateByQuery([]string{s.index},
		s.client.UpdateByQuery.WithContext(ctx),
		s.client.UpdateByQuery.WithBody(bytes.NewReader(payload)),
		s.client.UpdateByQuery.WithRefresh(true))
	if err != nil {
		return fmt.Errorf("failed to update is_latest: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("update is_latest failed: %s", responseError(res))
	}
	return nil
}

// DeleteByDocument removes all chunks of a document
func (s *ESStore) DeleteByDocument(ctx context.Context, docID string) error {
	body := fmt.Sprintf(`{"query":{"term":{"doc_id":%q}}}`, docID)

	res, err := s.client.DeleteByQuery([]string{s.index}, strings.NewReader(body),
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithRefresh(true))
	if err != nil {
		return fmt.Errorf("failed to delete by document: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("delete by document failed: %s", responseError(res))
	}
	return nil
}

func (s *ESStore) search(ctx context.Context, body map[string]any) ([]Hit, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search body: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(bytes.NewReader(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search failed: %s", responseError(res))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID     string  `json:"_id"`
				Score  float64 `json:"_score"`
				Source Doc     `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	hits := make([]Hit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score, Doc: h.Source})
	}
	return hits, nil
}

func encodeESFilter(f Filter) []map[string]any {
	var filter []map[string]any
	if f.LatestOnly {
		filter = append(filter, map[string]any{"term": map[string]any{"is_latest": true}})
	}
	if f.DocID != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"doc_id": f.DocID}})
	}
	if f.DocType != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"doc_type": f.DocType}})
	}
	if f.ChunkType != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"chunk_type": f.ChunkType}})
	}
	if f.GroupID != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"group_id": f.GroupID}})
	}
	if f.AccessibleDocIDs != nil {
		filter = append(filter, map[string]any{"terms": map[string]any{"doc_id": f.AccessibleDocIDs}})
	}
	return filter
}

func responseError(res *esapi.Response) string {
	body, _ := io.ReadAll(res.Body)
	return fmt.Sprintf("%s: %s", res.Status(), string(body))
}

// Ensure ESStore implements Store
var _ Store = (*ESStore)(nil)
