package models

// SearchResult is a single ranked hit enriched with its record.
type SearchResult struct {
	ID              string   `json:"id"`
	Record          *Record  `json:"record"`
	SimilarityScore float64  `json:"similarity_score"`
	Distance        float64  `json:"distance"`
	Rank            int      `json:"rank"`
	Modality        Modality `json:"modality,omitempty"`
	// Score is the fused score for multi-modal and hybrid searches; equal to
	// SimilarityScore for plain vector searches.
	Score        float64 `json:"score"`
	KeywordScore float64 `json:"keyword_score,omitempty"`
	TextScore    float64 `json:"text_score,omitempty"`
	ImageScore   float64 `json:"image_score,omitempty"`

	row uint64
}

// Row returns the index row the result came from. Not serialized.
func (r *SearchResult) Row() uint64 { return r.row }

// SetRow records the originating row.
func (r *SearchResult) SetRow(row uint64) { r.row = row }

// SearchResponse wraps results with timing information.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	Total     int             `json:"total"`
	QueryTime int64           `json:"query_time_ms"`
	Modality  Modality        `json:"modality,omitempty"`
}

// Stats describes the current size of the engine's stores.
type Stats struct {
	Records        int64  `json:"records"`
	Vectors        int    `json:"vectors"`
	Tombstones     int    `json:"tombstones"`
	Bindings       int    `json:"bindings"`
	KeywordDocs    uint64 `json:"keyword_docs"`
	Dimensions     int    `json:"dimensions"`
	Generation     string `json:"generation"`
	DiskUsageBytes int64  `json:"disk_usage_bytes,omitempty"`
}
