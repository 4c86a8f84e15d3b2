package knowledge

import (
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

// Payload keys. Extension metadata is stored under ExtraPrefix + key.
const (
	KeyContent          = "content"
	KeyVisibility       = "visibility"
	KeyOwnerID          = "owner_id"
	KeyType             = "type"
	KeyPendingEmbedding = "pending_embedding"
	KeySource           = "source"
	KeyTitle            = "title"
	KeyCategory         = "category"
	KeyCreatedAt        = "created_at"

	// KeyBackfillAttempts counts failed embedding attempts of a pending
	// entry. KeyBackfillExhausted is set once the count reaches the limit and
	// takes the entry out of the backfill scan; it stays pending.
	KeyBackfillAttempts  = "backfill_attempts"
	KeyBackfillExhausted = "backfill_exhausted"

	ExtraPrefix = "meta_"
)

// Tier is the visibility class of an entry.
type Tier string

const (
	TierPrivate Tier = "private"
	TierPublic  Tier = "public"
)

// DefaultEntryType is used when a writer does not name one.
const DefaultEntryType = "knowledge"

// Metadata is the typed part of an entry payload plus an open extension map.
type Metadata struct {
	PendingEmbedding bool              `json:"pending_embedding"`
	Source           string            `json:"source,omitempty"`
	Title            string            `json:"title,omitempty"`
	Category         string            `json:"category,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// Entry is one stored knowledge record.
type Entry struct {
	ID        string    `json:"id"`
	Tier      Tier      `json:"visibility"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// Payload encodes e for the vector store.
func (e Entry) Payload() map[string]any {
	p := map[string]any{
		KeyContent:          e.Content,
		KeyVisibility:       string(e.Tier),
		KeyType:             e.Type,
		KeyPendingEmbedding: e.Metadata.PendingEmbedding,
	}
	if e.Metadata.PendingEmbedding {
		p[KeyBackfillExhausted] = false
	}
	if e.OwnerID != "" {
		p[KeyOwnerID] = e.OwnerID
	}
	if e.Metadata.Source != "" {
		p[KeySource] = e.Metadata.Source
	}
	if e.Metadata.Title != "" {
		p[KeyTitle] = e.Metadata.Title
	}
	if e.Metadata.Category != "" {
		p[KeyCategory] = e.Metadata.Category
	}
	if !e.CreatedAt.IsZero() {
		p[KeyCreatedAt] = e.CreatedAt.UTC().Format(time.RFC3339)
	}
	for k, v := range e.Metadata.Extra {
		p[ExtraPrefix+k] = v
	}
	return p
}

// EntryFromPoint decodes a stored point.
func EntryFromPoint(pt vectorstore.Point) Entry {
	e := Entry{
		ID:       pt.ID,
		Tier:     Tier(str(pt.Payload[KeyVisibility])),
		OwnerID:  str(pt.Payload[KeyOwnerID]),
		Type:     str(pt.Payload[KeyType]),
		Content:  str(pt.Payload[KeyContent]),
		Metadata: MetadataFromPayload(pt.Payload),
	}
	if ts, err := time.Parse(time.RFC3339, str(pt.Payload[KeyCreatedAt])); err == nil {
		e.CreatedAt = ts
	}
	return e
}

// MetadataFromPayload extracts the typed metadata fields from a payload.
func MetadataFromPayload(p map[string]any) Metadata {
	m := Metadata{
		PendingEmbedding: boolean(p[KeyPendingEmbedding]),
		Source:           str(p[KeySource]),
		Title:            str(p[KeyTitle]),
		Category:         str(p[KeyCategory]),
	}
	for k, v := range p {
		if name, ok := strings.CutPrefix(k, ExtraPrefix); ok {
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[name] = str(v)
		}
	}
	return m
}

func str(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

func integer(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	default:
		return 0
	}
}

func boolean(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	default:
		return false
	}
}
