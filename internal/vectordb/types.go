package vectordb

import "time"

// Config controls Qdrant client behavior
type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Collection string        `mapstructure:"collection"`
	TopK       int           `mapstructure:"top_k"`
	Threshold  float64       `mapstructure:"threshold"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// ExpectedEmbeddingDim is checked against the collection at startup; 0 skips the check.
	ExpectedEmbeddingDim int `mapstructure:"expected_embedding_dim"`
}

// Document is one retrieved chunk of the official documents.
type Document struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Source   string                 `json:"source,omitempty"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// CollectionInfo holds basic information about a Qdrant collection
type CollectionInfo struct {
	Name        string
	Status      string
	VectorSize  int
	PointsCount int64
}
