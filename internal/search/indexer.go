// internal/search/indexer.go
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/common/logger"
	"notification-service/internal/models"
)

// Indexer mirrors notifications into Elasticsearch for similarity lookups
// and delivery analytics. Indexing is best effort: callers log failures and
// keep going, since the record store stays authoritative.
type Indexer struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewIndexer(client *elasticsearch.Client, index string, log logger.Logger) *Indexer {
	return &Indexer{
		client: client,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "search-indexer"}),
	}
}

type notificationDocument struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Type      string    `json:"type"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	Channels  []string  `json:"channels"`
	CreatedAt time.Time `json:"createdAt"`
}

// IndexNotification writes or refreshes the search document for one
// notification, keyed by its id.
func (i *Indexer) IndexNotification(ctx context.Context, n *models.Notification) error {
	doc := notificationDocument{
		ID:        n.ID,
		UserID:    n.UserID,
		Title:     n.Title,
		Body:      n.Body,
		Type:      n.Type,
		Priority:  string(n.Priority),
		Status:    n.Status,
		CreatedAt: n.CreatedAt,
	}
	for _, ch := range n.Channels {
		doc.Channels = append(doc.Channels, string(ch))
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return stderrors.NewIndexWriteFailedError(err)
	}

	res, err := i.client.Index(
		i.index,
		bytes.NewReader(body),
		i.client.Index.WithDocumentID(n.ID),
		i.client.Index.WithContext(ctx),
	)
	if err != nil {
		return stderrors.NewIndexWriteFailedError(err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return stderrors.NewIndexWriteFailedError(fmt.Errorf("index response: %s", res.Status()))
	}
	return nil
}

// SimilarNotification is one fuzzy-match hit from FindSimilar.
type SimilarNotification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"createdAt"`
}

// FindSimilar returns notifications for the user whose title or body
// resembles the given text, newest first, created after since.
func (i *Indexer) FindSimilar(ctx context.Context, userID, title, body string, since time.Time, limit int) ([]SimilarNotification, error) {
	query := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []map[string]interface{}{
					{"term": map[string]interface{}{"userId": userID}},
					{
						"multi_match": map[string]interface{}{
							"query":     title + " " + body,
							"fields":    []string{"title^2", "body"},
							"fuzziness": "AUTO",
						},
					},
				},
				"filter": []map[string]interface{}{
					{"range": map[string]interface{}{"createdAt": map[string]interface{}{"gte": since}}},
				},
			},
		},
		"sort": []map[string]interface{}{
			{"createdAt": map[string]interface{}{"order": "desc"}},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, stderrors.NewSearchQueryFailedError("find similar", err)
	}

	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(i.index),
		i.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, stderrors.NewSearchQueryFailedError("find similar", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, stderrors.NewSearchQueryFailedError("find similar", fmt.Errorf("search response: %s", res.Status()))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Score  float64              `json:"_score"`
				Source notificationDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, stderrors.NewSearchQueryFailedError("decode similar hits", err)
	}

	var results []SimilarNotification
	for _, hit := range parsed.Hits.Hits {
		results = append(results, SimilarNotification{
			ID:        hit.Source.ID,
			Title:     hit.Source.Title,
			Score:     hit.Score,
			CreatedAt: hit.Source.CreatedAt,
		})
	}
	return results, nil
}

// StatusCounts aggregates indexed notifications by status for a user over a
// time range.
func (i *Indexer) StatusCounts(ctx context.Context, userID string, since time.Time) (map[string]int64, error) {
	query := map[string]interface{}{
		"size": 0,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []map[string]interface{}{
					{"term": map[string]interface{}{"userId": userID}},
				},
				"filter": []map[string]interface{}{
					{"range": map[string]interface{}{"createdAt": map[string]interface{}{"gte": since}}},
				},
			},
		},
		"aggs": map[string]interface{}{
			"by_status": map[string]interface{}{
				"terms": map[string]interface{}{"field": "status"},
			},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, stderrors.NewSearchQueryFailedError("status counts", err)
	}

	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(i.index),
		i.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, stderrors.NewSearchQueryFailedError("status counts", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, stderrors.NewSearchQueryFailedError("status counts", fmt.Errorf("search response: %s", res.Status()))
	}

	var parsed struct {
		Aggregations struct {
			ByStatus struct {
				Buckets []struct {
					Key      string `json:"key"`
					DocCount int64  `json:"doc_count"`
				} `json:"buckets"`
			} `json:"by_status"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, stderrors.NewSearchQueryFailedError("decode status counts", err)
	}

	counts := make(map[string]int64, len(parsed.Aggregations.ByStatus.Buckets))
	for _, bucket := range parsed.Aggregations.ByStatus.Buckets {
		counts[bucket.Key] = bucket.DocCount
	}
	return counts, nil
}
