package knowledge

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
	"github.com/stretchr/testify/assert"
)

func TestEntryPayload(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Entry{
		ID:      "id-1",
		Tier:    TierPrivate,
		OwnerID: "alice",
		Type:    "note",
		Content: "body",
		Metadata: Metadata{
			PendingEmbedding: true,
			Source:           "chat",
			Title:            "Title",
			Extra:            map[string]string{"lang": "ja"},
		},
		CreatedAt: created,
	}

	p := e.Payload()
	assert.Equal(t, true, p[KeyPendingEmbedding])
	assert.Equal(t, "ja", p["meta_lang"])
	assert.NotContains(t, p, KeyCategory, "empty facets are omitted")

	back := EntryFromPoint(vectorstore.Point{ID: "id-1", Payload: p})
	assert.Equal(t, e, back)
}

func TestMetadataFromPayload_Tolerant(t *testing.T) {
	m := MetadataFromPayload(map[string]any{
		KeyPendingEmbedding: "true",
		"meta_raw_length":   int64(1200),
		"unrelated":         "x",
	})
	assert.True(t, m.PendingEmbedding)
	assert.Equal(t, map[string]string{"raw_length": "1200"}, m.Extra)
}
