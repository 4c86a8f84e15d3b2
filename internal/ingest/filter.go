package ingest

import (
	"strings"
	"unicode/utf8"
)

// redirectWindow is how many leading runes are inspected for a redirect marker.
const redirectWindow = 50

// Filter decides which pages are worth importing.
type Filter struct {
	// MetaPrefixes are title prefixes of non-article pages.
	MetaPrefixes []string
	// RedirectMarkers are matched case-insensitively at the start of the body.
	RedirectMarkers []string
	// MinContentLength is the minimum cleaned length in runes.
	MinContentLength int
}

// IsArticle reports whether title names a content page.
func (f Filter) IsArticle(title string) bool {
	if title == "" {
		return false
	}
	for _, p := range f.MetaPrefixes {
		if strings.HasPrefix(title, p) {
			return false
		}
	}
	return true
}

// IsRedirect reports whether text starts with a redirect marker.
func (f Filter) IsRedirect(text string) bool {
	if text == "" {
		return false
	}
	head := text
	if utf8.RuneCountInString(head) > redirectWindow {
		head = string([]rune(head)[:redirectWindow])
	}
	head = strings.ToUpper(strings.TrimSpace(head))
	for _, m := range f.RedirectMarkers {
		if strings.HasPrefix(head, strings.ToUpper(m)) {
			return true
		}
	}
	return false
}

// LongEnough reports whether cleaned content meets the minimum length.
func (f Filter) LongEnough(content string) bool {
	return utf8.RuneCountInString(content) >= f.MinContentLength
}
