package models

// IngestItem is one (identifier, embedding, record) triple submitted for indexing.
// Record.ID is overwritten with ID when they differ.
type IngestItem struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
	Record    *Record   `json:"record"`
}

// Rejection records why an item was not ingested.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// IngestReport summarizes one ingestion batch.
type IngestReport struct {
	BatchID  string       `json:"batch_id"`
	Inserted int          `json:"inserted"`
	Replaced int          `json:"replaced"`
	Rejected []*Rejection `json:"rejected"`
	// Aborted is set when the batch stopped early (cancellation, timeout, or an
	// all-or-nothing rollback). Counts still reflect what was committed.
	Aborted bool `json:"aborted,omitempty"`
}

// Reject appends a rejection for id.
func (r *IngestReport) Reject(id string, err error) {
	r.Rejected = append(r.Rejected, &Rejection{ID: id, Reason: ReasonOf(err), Err: err})
}

// Committed returns the number of items that were written.
func (r *IngestReport) Committed() int {
	return r.Inserted + r.Replaced
}

// DeleteReport summarizes an explicit deletion.
type DeleteReport struct {
	Deleted  int      `json:"deleted"`
	NotFound []string `json:"not_found,omitempty"`
}

// ReconcileReport summarizes a consistency pass over the three stores.
type ReconcileReport struct {
	MappingRebuilt   bool `json:"mapping_rebuilt"`
	RowsBound        int  `json:"rows_bound"`
	DanglingRows     int  `json:"dangling_rows_removed"`
	StaleBindings    int  `json:"stale_bindings_removed"`
	OrphanRecords    int  `json:"orphan_records_collected"`
	KeywordReindexed int  `json:"keyword_reindexed"`
}
