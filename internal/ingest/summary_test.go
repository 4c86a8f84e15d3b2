package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSummary(t *testing.T) {
	long := strings.Repeat("x", 60)
	tests := []struct {
		name string
		text string
		max  int
		want string
	}{
		{"empty", "", 100, ""},
		{"skips short first paragraph", "Intro\n\n" + long + "\n\nrest", 100, long},
		{"japanese sentence cut", strings.Repeat("あ", 30) + "。" + strings.Repeat("い", 40) + "。", 50, strings.Repeat("あ", 30) + "。"},
		{"english sentence cut", strings.Repeat("a", 40) + ". " + strings.Repeat("b", 40), 60, strings.Repeat("a", 40) + "."},
		{"hard cut", strings.Repeat("z", 80), 60, strings.Repeat("z", 60) + "..."},
		{"no long paragraph falls back to prefix", "short\n\ntiny", 3, "sho"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSummary(tt.text, tt.max))
		})
	}
}
