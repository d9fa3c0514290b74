package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// DimensionMismatchError reports a collection whose vector size differs from
// the embedding model's output.
type DimensionMismatchError struct {
	Collection string
	Want       int
	Got        int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("collection %s stores %d-dim vectors but embeddings are %d-dim; re-index or change the embedding model",
		e.Collection, e.Got, e.Want)
}

// ValidateEmbeddingDimensions compares the document collection's vector size
// with the configured embedding size. It is a no-op when disabled or when no
// size is configured.
func (c *Client) ValidateEmbeddingDimensions(ctx context.Context) error {
	if !c.cfg.Enabled || c.cfg.ExpectedEmbeddingDim <= 0 {
		return nil
	}
	info, err := c.CollectionInfo(ctx)
	if err != nil {
		return fmt.Errorf("inspect collection: %w", err)
	}
	if info.VectorSize != c.cfg.ExpectedEmbeddingDim {
		return DimensionMismatchError{Collection: info.Name, Want: c.cfg.ExpectedEmbeddingDim, Got: info.VectorSize}
	}
	c.log.Info("Document collection ready",
		zap.String("collection", info.Name),
		zap.String("status", info.Status),
		zap.Int("dimension", info.VectorSize),
		zap.Int64("points", info.PointsCount))
	return nil
}

type collectionResponse struct {
	Result struct {
		Status      string `json:"status"`
		PointsCount int64  `json:"points_count"`
		Config      struct {
			Params struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

// CollectionInfo fetches the document collection description. It doubles as
// the readiness probe for the vector store.
func (c *Client) CollectionInfo(ctx context.Context) (*CollectionInfo, error) {
	name := c.cfg.Collection
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/collections/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("collection %s: unexpected status %d", name, resp.StatusCode)
	}

	var body collectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode collection %s: %w", name, err)
	}
	return &CollectionInfo{
		Name:        name,
		Status:      body.Result.Status,
		VectorSize:  body.Result.Config.Params.Vectors.Size,
		PointsCount: body.Result.PointsCount,
	}, nil
}
