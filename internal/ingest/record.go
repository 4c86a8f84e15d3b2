package ingest

import (
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
)

// Metadata keys attached to every record.
const (
	MetaSource      = "source"
	MetaLang        = "lang"
	MetaRawLength   = "raw_length"
	MetaCleanLength = "clean_length"
	MetaURL         = "url"
	MetaSummary     = "summary"
)

// Record is a cleaned, accepted page ready for import.
type Record struct {
	ExternalID string            `json:"external_id"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Summary    string            `json:"summary"`
	URL        string            `json:"url"`
	Category   string            `json:"category,omitempty"`
	Metadata   map[string]string `json:"metadata"`
}

// RawItem converts the record for knowledge.Store.ImportRaw. URL and summary
// travel as extra metadata.
func (r Record) RawItem() knowledge.RawItem {
	extra := make(map[string]string, len(r.Metadata)+2)
	for k, v := range r.Metadata {
		if k == MetaSource {
			continue
		}
		extra[k] = v
	}
	if r.URL != "" {
		extra[MetaURL] = r.URL
	}
	if r.Summary != "" {
		extra[MetaSummary] = r.Summary
	}
	return knowledge.RawItem{
		ExternalID: r.ExternalID,
		Title:      r.Title,
		Content:    r.Content,
		Category:   r.Category,
		Extra:      extra,
	}
}

// RawItems converts a batch.
func RawItems(records []Record) []knowledge.RawItem {
	out := make([]knowledge.RawItem, len(records))
	for i, r := range records {
		out[i] = r.RawItem()
	}
	return out
}

// ArticleURL joins base and title with spaces replaced by underscores.
func ArticleURL(base, title string) string {
	if base == "" {
		return ""
	}
	return base + strings.ReplaceAll(title, " ", "_")
}

func itoa(n int) string { return strconv.Itoa(n) }
