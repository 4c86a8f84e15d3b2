package ingest

import (
	"strings"
	"unicode/utf8"
)

// minParagraphRunes is the length a paragraph must exceed to be a summary.
const minParagraphRunes = 50

// ExtractSummary returns the first paragraph of cleaned text longer than 50
// runes. Paragraphs longer than max are cut at the last sentence end within
// max when there is one, otherwise hard cut with "...".
func ExtractSummary(text string, max int) string {
	if text == "" || max <= 0 {
		return ""
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if utf8.RuneCountInString(para) <= minParagraphRunes {
			continue
		}
		if utf8.RuneCountInString(para) <= max {
			return para
		}
		cut := string([]rune(para)[:max])
		if i := lastSentenceEnd(cut); i > 0 {
			return cut[:i]
		}
		return cut + "..."
	}
	return truncateRunes(text, max)
}

// lastSentenceEnd returns the byte offset just past the last "。" or ". " in
// s, or 0.
func lastSentenceEnd(s string) int {
	end := 0
	if i := strings.LastIndex(s, "。"); i >= 0 {
		end = i + len("。")
	}
	if i := strings.LastIndex(s, ". "); i >= 0 && i+1 > end {
		end = i + 1
	}
	return end
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
