// Package cli provides the paperscope command line.
package cli

import (
	"fmt"
	"io"
	"strings"

	gojson "github.com/goccy/go-json"

	"github.com/hyperjump/paperscope/internal/models"
	"github.com/hyperjump/paperscope/internal/search"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one result per line.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// snippetLen bounds the text shown per result.
const snippetLen = 200

// ParseOutputFormat validates a --output value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := gojson.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return WriteJSON(w, response)
	case OutputCompact:
		writeSearchResultsCompact(w, response)
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d results in %dms", response.Total, response.QueryTime)
	if response.Modality != models.ModalityUnknown {
		fmt.Fprintf(w, " (%s query)", response.Modality)
	}
	fmt.Fprint(w, "\n\n")
	for _, result := range response.Results {
		writeOneResult(w, result)
	}
}

func writeOneResult(w io.Writer, result *models.SearchResult) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Rank: %d | Similarity: %.4f | Distance: %.4f", result.Rank, result.SimilarityScore, result.Distance)
	if result.KeywordScore > 0 {
		fmt.Fprintf(w, " | Keyword: %.4f", result.KeywordScore)
	}
	if result.TextScore > 0 || result.ImageScore > 0 {
		fmt.Fprintf(w, " | Text: %.4f, Image: %.4f", result.TextScore, result.ImageScore)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "ID: %s\n", result.ID)
	rec := result.Record
	if rec == nil {
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, "Paper: %s | Section: %s\n", rec.PaperID, rec.SectionName)
	if rec.Title != "" {
		fmt.Fprintf(w, "Title: %s\n", rec.Title)
	}
	if len(rec.Authors) > 0 {
		fmt.Fprintf(w, "Authors: %s\n", strings.Join(rec.Authors, ", "))
	}
	if snippet := search.Snippet(rec, snippetLen); snippet != "" {
		fmt.Fprintf(w, "\n%s\n", snippet)
	}
	fmt.Fprintln(w)
}

func writeSearchResultsCompact(w io.Writer, response *models.SearchResponse) {
	for _, result := range response.Results {
		title := ""
		if result.Record != nil {
			title = result.Record.Title
		}
		fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", result.Rank, result.SimilarityScore, result.ID, title)
	}
}

// WritePaper writes one paper and its sections.
func WritePaper(w io.Writer, paper *models.Paper, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, paper)
	}
	if format == OutputCompact {
		for _, rec := range paper.Sections {
			fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ID, rec.SectionName, paper.Title)
		}
		return nil
	}
	fmt.Fprintf(w, "Paper: %s\n", paper.PaperID)
	if paper.Title != "" {
		fmt.Fprintf(w, "Title: %s\n", paper.Title)
	}
	if len(paper.Authors) > 0 {
		fmt.Fprintf(w, "Authors: %s\n", strings.Join(paper.Authors, ", "))
	}
	if paper.SourceURL != "" {
		fmt.Fprintf(w, "URL: %s\n", paper.SourceURL)
	}
	fmt.Fprintf(w, "Sections: %d\n", len(paper.Sections))
	for _, rec := range paper.Sections {
		fmt.Fprintf(w, "  %s (%s)\n", rec.SectionName, rec.ID)
	}
	return nil
}

// WriteIngestReport writes a batch report.
func WriteIngestReport(w io.Writer, report *models.IngestReport, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, report)
	}
	fmt.Fprintf(w, "batch %s: inserted %d, replaced %d, rejected %d", report.BatchID, report.Inserted, report.Replaced, len(report.Rejected))
	if report.Aborted {
		fmt.Fprint(w, " (aborted)")
	}
	fmt.Fprintln(w)
	for _, rej := range report.Rejected {
		fmt.Fprintf(w, "  rejected %q: %s\n", rej.ID, rej.Reason)
	}
	return nil
}

// WriteStats writes engine statistics.
func WriteStats(w io.Writer, stats *models.Stats, indexType string, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, map[string]interface{}{"stats": stats, "vector_index_type": indexType})
	}
	fmt.Fprintf(w, "records:            %d   # stored metadata records\n", stats.Records)
	fmt.Fprintf(w, "vectors:            %d   # live rows in the vector index\n", stats.Vectors)
	fmt.Fprintf(w, "tombstones:         %d   # deleted rows awaiting compaction\n", stats.Tombstones)
	fmt.Fprintf(w, "bindings:           %d   # row to identifier mappings\n", stats.Bindings)
	fmt.Fprintf(w, "keyword_docs:       %d   # documents in the keyword index\n", stats.KeywordDocs)
	if stats.DiskUsageBytes > 0 {
		fmt.Fprintf(w, "disk_usage_bytes:   %d   # storage + indices on disk\n", stats.DiskUsageBytes)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "# index")
	fmt.Fprintf(w, "vector_index_type:  %s\n", indexType)
	fmt.Fprintf(w, "dimensions:         %d\n", stats.Dimensions)
	fmt.Fprintf(w, "generation:         %s\n", stats.Generation)
	return nil
}

// WriteReconcileReport writes the startup consistency report.
func WriteReconcileReport(w io.Writer, report *models.ReconcileReport, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, report)
	}
	fmt.Fprintf(w, "mapping_rebuilt:    %t\n", report.MappingRebuilt)
	fmt.Fprintf(w, "rows_bound:         %d\n", report.RowsBound)
	fmt.Fprintf(w, "dangling_rows:      %d\n", report.DanglingRows)
	fmt.Fprintf(w, "stale_bindings:     %d\n", report.StaleBindings)
	fmt.Fprintf(w, "orphan_records:     %d\n", report.OrphanRecords)
	fmt.Fprintf(w, "keyword_reindexed:  %d\n", report.KeywordReindexed)
	return nil
}
