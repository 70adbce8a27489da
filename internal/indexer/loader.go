package indexer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	gojson "github.com/goccy/go-json"

	"github.com/hyperjump/paperscope/internal/models"
)

// maxLineBytes bounds one JSON Lines record.
const maxLineBytes = 64 << 20

// SectionAbstract is the section name whose text is the paper abstract.
const SectionAbstract = "abstract"

// legacyPaper is one entry of the legacy papers file.
type legacyPaper struct {
	Title    string            `json:"title"`
	Abstract string            `json:"abstract"`
	Authors  []string          `json:"authors"`
	URL      string            `json:"url"`
	Sections map[string]string `json:"sections"`
}

// SectionID returns the identifier of one section of a paper.
func SectionID(paperID, section string) string {
	return paperID + "#" + section
}

// LoadLegacy reads the legacy layout: an embeddings file shaped
// {paper_id: {section_name: [floats]}} and a papers file shaped
// {paper_id: {title, abstract, authors, url, sections: {name: text}}}. Each embedded
// section becomes one item identified by "paper_id#section_name". Sections whose paper
// is missing from the papers file are returned in skipped. Items are ordered by
// paper id, then section name.
func LoadLegacy(embeddingsPath, papersPath string) (items []*models.IngestItem, skipped []string, err error) {
	var embeddings map[string]map[string][]float32
	if err := decodeFile(embeddingsPath, &embeddings); err != nil {
		return nil, nil, fmt.Errorf("read embeddings: %w", err)
	}
	var papers map[string]*legacyPaper
	if err := decodeFile(papersPath, &papers); err != nil {
		return nil, nil, fmt.Errorf("read papers: %w", err)
	}

	paperIDs := make([]string, 0, len(embeddings))
	for id := range embeddings {
		paperIDs = append(paperIDs, id)
	}
	sort.Strings(paperIDs)
	for _, paperID := range paperIDs {
		sections := embeddings[paperID]
		names := make([]string, 0, len(sections))
		for name := range sections {
			names = append(names, name)
		}
		sort.Strings(names)
		paper, ok := papers[paperID]
		for _, name := range names {
			id := SectionID(paperID, name)
			if !ok || paper == nil {
				skipped = append(skipped, id)
				continue
			}
			items = append(items, &models.IngestItem{
				ID:        id,
				Embedding: sections[name],
				Record:    legacyRecord(id, paperID, name, paper),
			})
		}
	}
	return items, skipped, nil
}

func legacyRecord(id, paperID, section string, p *legacyPaper) *models.Record {
	text := p.Sections[section]
	if section == SectionAbstract {
		text = p.Abstract
	}
	return &models.Record{
		ID:          id,
		PaperID:     paperID,
		SectionName: section,
		Title:       CleanText(p.Title),
		Abstract:    CleanText(p.Abstract),
		TextContent: CleanText(text),
		Authors:     p.Authors,
		SourceURL:   p.URL,
	}
}

func decodeFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gojson.NewDecoder(bufio.NewReader(f)).Decode(v)
}

// LoadBatchFile reads ingest items from a JSON array or a JSON Lines file.
func LoadBatchFile(path string) ([]*models.IngestItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	items, err := ReadBatch(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return items, nil
}

// ReadBatch decodes ingest items from r. The input is either one JSON array of items
// or a stream of item objects (JSON Lines).
func ReadBatch(r io.Reader) ([]*models.IngestItem, error) {
	br := bufio.NewReader(r)
	first, err := firstNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	if first == '[' {
		var items []*models.IngestItem
		if err := gojson.NewDecoder(br).Decode(&items); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		return items, nil
	}
	var items []*models.IngestItem
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for n := 1; scanner.Scan(); n++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var item models.IngestItem
		if err := gojson.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("decode line %d: %w", n, err)
		}
		items = append(items, &item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	return items, nil
}

// firstNonSpace peeks past leading whitespace and returns the next byte without consuming it.
func firstNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}
