// Package vectordb is a small Qdrant HTTP client used to retrieve chunks of
// the official documents.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-agents/chatbot/internal/circuitbreaker"
	"github.com/aegis-agents/chatbot/internal/metrics"
	"github.com/aegis-agents/chatbot/internal/tracing"
)

// ErrDisabled is returned when a search is attempted with retrieval disabled.
var ErrDisabled = errors.New("vectordb: disabled")

// Client is a minimal Qdrant HTTP client
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// New creates a client and fills config defaults.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Collection == "" {
		cfg.Collection = "official_docs"
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:   cfg,
		base:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", "vectordb", logger),
		log:   logger,
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// BreakerOpen reports whether Qdrant calls are currently being rejected.
func (c *Client) BreakerOpen() bool { return c.httpw.IsCircuitBreakerOpen() }

type qdrantQueryRequest struct {
	Query          []float32 `json:"query"`
	Limit          int       `json:"limit"`
	ScoreThreshold *float64  `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
	Status string        `json:"status"`
}

// qdrantQueryResponse for the /points/query endpoint which has nested structure
type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

func (c *Client) post(ctx context.Context, url string, body interface{}) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	return c.httpw.Do(req)
}

// search prefers /points/query and falls back to the legacy /points/search.
func (c *Client) search(ctx context.Context, vec []float32, limit int) ([]qdrantPoint, error) {
	if !c.cfg.Enabled {
		return nil, ErrDisabled
	}
	collection := c.cfg.Collection
	start := time.Now()
	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, urlQuery)
	defer span.End()

	fail := func(err error) ([]qdrantPoint, error) {
		metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}

	var thr *float64
	if c.cfg.Threshold > 0 {
		t := c.cfg.Threshold
		thr = &t
	}
	resp, err := c.post(ctx, urlQuery, qdrantQueryRequest{Query: vec, Limit: limit, ScoreThreshold: thr, WithPayload: true})
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var qr qdrantQueryResponse
		if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
			return fail(err)
		}
		metrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
		return qr.Result.Points, nil
	}

	legacy := map[string]interface{}{"vector": vec, "limit": limit, "with_payload": true}
	if thr != nil {
		legacy["score_threshold"] = *thr
	}
	resp2, err := c.post(ctx, fmt.Sprintf("%s/collections/%s/points/search", c.base, collection), legacy)
	if err != nil {
		return fail(fmt.Errorf("qdrant query/search failed: %w", err))
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		return fail(fmt.Errorf("qdrant status %d", resp2.StatusCode))
	}
	var sr qdrantSearchResponse
	if err := json.NewDecoder(resp2.Body).Decode(&sr); err != nil {
		return fail(err)
	}
	metrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
	return sr.Result, nil
}

// SearchDocuments returns the chunks nearest to vec. limit <= 0 uses TopK.
func (c *Client) SearchDocuments(ctx context.Context, vec []float32, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = c.cfg.TopK
	}
	points, err := c.search(ctx, vec, limit)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(points))
	for _, p := range points {
		doc := Document{Score: p.Score, Metadata: map[string]interface{}{}}
		if p.ID != nil {
			doc.ID = fmt.Sprintf("%v", p.ID)
		}
		// LangChain style payloads keep the text under page_content.
		for _, key := range []string{"page_content", "content", "text"} {
			if s, ok := p.Payload[key].(string); ok && s != "" {
				doc.Content = s
				break
			}
		}
		if md, ok := p.Payload["metadata"].(map[string]interface{}); ok {
			doc.Metadata = md
		}
		if src, ok := doc.Metadata["source"].(string); ok {
			doc.Source = src
		}
		if doc.Content == "" {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
