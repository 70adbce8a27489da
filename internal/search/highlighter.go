package search

import (
	"strings"

	"github.com/hyperjump/paperscope/internal/models"
	"github.com/hyperjump/paperscope/pkg/utils"
)

// Snippet returns a single-line preview of the record's text, falling back to the
// abstract and then the title, truncated to maxLen runes.
func Snippet(rec *models.Record, maxLen int) string {
	if rec == nil {
		return ""
	}
	text := rec.TextContent
	if strings.TrimSpace(text) == "" {
		text = rec.Abstract
	}
	if strings.TrimSpace(text) == "" {
		text = rec.Title
	}
	return utils.Truncate(strings.Join(strings.Fields(text), " "), maxLen)
}
