package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const scrollPageSize = 100

// QdrantStore talks to a Qdrant instance over its REST API.
type QdrantStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *logrus.Logger
}

// NewQdrantStore creates a store for the given Qdrant base URL. The API key
// is optional and sent as the api-key header when set.
func NewQdrantStore(baseURL, apiKey string, log *logrus.Logger) *QdrantStore {
	return &QdrantStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

type qdrantError struct {
	Status int
	Body   string
}

func (e *qdrantError) Error() string {
	return fmt.Sprintf("qdrant returned status %d: %s", e.Status, e.Body)
}

func (s *QdrantStore) request(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &qdrantError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	qerr, ok := err.(*qdrantError)
	return ok && qerr.Status == http.StatusNotFound
}

func (s *QdrantStore) createCollection(ctx context.Context, name string, dims int) error {
	body := map[string]any{
		"vectors": map[string]any{
			"default": map[string]any{
				"size":     dims,
				"distance": "Cosine",
			},
		},
	}
	if err := s.request(ctx, http.MethodPut, "/collections/"+name, body, nil); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	s.log.WithFields(logrus.Fields{"collection": name, "dims": dims}).Info("Created Qdrant collection")
	return nil
}

// EnsureCollection creates the collection when it does not exist yet.
func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, dims int) error {
	err := s.request(ctx, http.MethodGet, "/collections/"+name, nil, nil)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return err
	}
	return s.createCollection(ctx, name, dims)
}

// RecreateCollection drops the collection if it exists and creates it fresh.
func (s *QdrantStore) RecreateCollection(ctx context.Context, name string, dims int) error {
	if err := s.request(ctx, http.MethodDelete, "/collections/"+name, nil, nil); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	return s.createCollection(ctx, name, dims)
}

// Upsert writes points to the collection and waits for them to be indexed.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	payload := make([]map[string]any, 0, len(points))
	for _, p := range points {
		payload = append(payload, map[string]any{
			"id":      p.ID,
			"vector":  map[string]any{"default": p.Vector},
			"payload": p.Payload,
		})
	}
	body := map[string]any{"points": payload}
	if err := s.request(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil); err != nil {
		return fmt.Errorf("failed to upsert %d points: %w", len(points), err)
	}
	return nil
}

type searchResponse struct {
	Result []struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

// Search runs a nearest-neighbor query against the default vector.
func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, limit int) ([]ScoredPoint, error) {
	body := map[string]any{
		"vector": map[string]any{
			"name":   "default",
			"vector": vector,
		},
		"limit":        limit,
		"with_payload": true,
	}
	var resp searchResponse
	if err := s.request(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &resp); err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	hits := make([]ScoredPoint, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, ScoredPoint{ID: r.ID, Score: r.Score, Payload: toStringPayload(r.Payload)})
	}
	return hits, nil
}

type collectionInfoResponse struct {
	Result struct {
		PointsCount int `json:"points_count"`
	} `json:"result"`
}

// Count returns the number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context, collection string) (int, error) {
	var resp collectionInfoResponse
	if err := s.request(ctx, http.MethodGet, "/collections/"+collection, nil, &resp); err != nil {
		return 0, fmt.Errorf("failed to get collection info: %w", err)
	}
	return resp.Result.PointsCount, nil
}

type scrollResponse struct {
	Result struct {
		Points []struct {
			ID      json.RawMessage `json:"id"`
			Payload map[string]any  `json:"payload"`
		} `json:"points"`
		NextPageOffset json.RawMessage `json:"next_page_offset"`
	} `json:"result"`
}

// scanPayloads walks the whole collection page by page and hands each
// point's raw ID and payload to visit.
func (s *QdrantStore) scanPayloads(ctx context.Context, collection string, visit func(id json.RawMessage, payload map[string]string)) error {
	var offset json.RawMessage
	for {
		body := map[string]any{
			"limit":        scrollPageSize,
			"with_payload": true,
			"with_vector":  false,
		}
		if offset != nil {
			body["offset"] = offset
		}
		var resp scrollResponse
		if err := s.request(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body, &resp); err != nil {
			return fmt.Errorf("scroll failed: %w", err)
		}
		for _, p := range resp.Result.Points {
			visit(p.ID, toStringPayload(p.Payload))
		}
		if len(resp.Result.NextPageOffset) == 0 || string(resp.Result.NextPageOffset) == "null" {
			return nil
		}
		offset = resp.Result.NextPageOffset
	}
}

// Dates returns the distinct memory dates in the collection, newest first.
func (s *QdrantStore) Dates(ctx context.Context, collection string) ([]string, error) {
	seen := make(map[string]bool)
	err := s.scanPayloads(ctx, collection, func(_ json.RawMessage, payload map[string]string) {
		if d := payloadDate(payload); d != "" {
			seen[d] = true
		}
	})
	if err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// DeleteByDate removes every point recorded on the given date.
func (s *QdrantStore) DeleteByDate(ctx context.Context, collection string, date string) (int, error) {
	var ids []json.RawMessage
	err := s.scanPayloads(ctx, collection, func(id json.RawMessage, payload map[string]string) {
		if payloadDate(payload) == date {
			ids = append(ids, id)
		}
	})
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	body := map[string]any{"points": ids}
	if err := s.request(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil); err != nil {
		return 0, fmt.Errorf("failed to delete %d points: %w", len(ids), err)
	}
	return len(ids), nil
}

// Close is a no-op for the REST client.
func (s *QdrantStore) Close() error { return nil }

// toStringPayload flattens a JSON payload into strings. Values written by
// this service are already strings; anything else is re-encoded as JSON.
func toStringPayload(payload map[string]any) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		if str, ok := v.(string); ok {
			out[k] = str
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			out[k] = fmt.Sprint(v)
			continue
		}
		out[k] = string(data)
	}
	return out
}
