package ingest

import (
	"regexp"
	"strings"
)

// Rule is one markup rewrite.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	// Replace uses regexp.Expand syntax (${1}).
	Replace string
}

// Cleaner turns wiki markup into plain text by applying its rules in order.
type Cleaner struct {
	rules []Rule
}

var multiSpace = regexp.MustCompile(` {2,}`)

// DefaultRules returns the wikitext cleanup sequence. Order matters: links
// to files must go before simple links, refs before tags.
func DefaultRules() []Rule {
	return []Rule{
		{"category_links", regexp.MustCompile(`(?i)\[\[(?:Category|カテゴリ):[^\]]+\]\]`), ""},
		{"file_links", regexp.MustCompile(`(?i)\[\[(?:File|ファイル|Image|画像):[^\]]+\]\]`), ""},
		{"templates", regexp.MustCompile(`\{\{[^}]+\}\}`), ""},
		{"tables", regexp.MustCompile(`(?s)\{\|[^}]+\|\}`), ""},
		{"refs", regexp.MustCompile(`(?s)<ref[^>]*>.*?</ref>`), ""},
		{"self_closing_refs", regexp.MustCompile(`<ref[^/>]*/>`), ""},
		{"comments", regexp.MustCompile(`(?s)<!--.*?-->`), ""},
		{"bold_italic", regexp.MustCompile(`'''?([^']+)'''?`), "${1}"},
		{"piped_links", regexp.MustCompile(`\[\[([^|\]]+)\|([^\]]+)\]\]`), "${2}"},
		{"simple_links", regexp.MustCompile(`\[\[([^\]]+)\]\]`), "${1}"},
		{"external_links", regexp.MustCompile(`\[https?://[^\s\]]+\s*([^\]]*)\]`), "${1}"},
		{"html_tags", regexp.MustCompile(`<[^>]+>`), ""},
		{"headings", regexp.MustCompile(`={2,}([^=]+)={2,}`), "${1}"},
		{"blank_lines", regexp.MustCompile(`\n{3,}`), "\n\n"},
		{"bullets", regexp.MustCompile(`(?m)^[ \t]*\*+[ \t]*`), ""},
		{"numbered", regexp.MustCompile(`(?m)^[ \t]*#+[ \t]*`), ""},
	}
}

// NewCleaner creates a cleaner. Nil rules means DefaultRules.
func NewCleaner(rules []Rule) *Cleaner {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Cleaner{rules: rules}
}

// Rules returns the rules in application order.
func (c *Cleaner) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Clean applies every rule in sequence, then trims and collapses runs of
// spaces.
func (c *Cleaner) Clean(text string) string {
	if text == "" {
		return ""
	}
	for _, r := range c.rules {
		text = r.Pattern.ReplaceAllString(text, r.Replace)
	}
	text = strings.TrimSpace(text)
	return multiSpace.ReplaceAllString(text, " ")
}
