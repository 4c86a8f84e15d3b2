// Package collections derives vector collection names from embedding
// profiles.
//
// A collection holds vectors of exactly one (provider, model, dimension)
// triple. The name is a pure function of that triple, so the same profile
// resolves to the same collection across processes and restarts, and two
// distinct profiles never share one.
//
// Example:
//
//	name, err := collections.ProfileName("knowledge_base", "openai", "text-embedding-3-small", 1536)
//	// Result: "knowledge_base_openai_text_embedding_3_small_bde26a55_1536"
package collections

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxNameLength is the longest collection name accepted by every backend.
const MaxNameLength = 64

var (
	// ErrInvalidBase indicates an empty or malformed base name.
	ErrInvalidBase = errors.New("invalid base collection name")

	// ErrInvalidProfile indicates an empty provider or model, or a non-positive dimension.
	ErrInvalidProfile = errors.New("invalid embedding profile")

	// ErrInvalidCollectionName indicates a name outside [a-z0-9_]{1,64}.
	ErrInvalidCollectionName = errors.New("invalid collection name format")

	namePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
)

// ProfileName returns {base}_{provider}_{model}_{dim} with every segment
// sanitized to [a-z0-9_].
//
// When sanitizing loses information (case, punctuation) or a segment already
// contains the "_" separator, an 8 character hash of the unsanitized triple
// is inserted before the dimension, so "nomic-embed-text" and
// "nomic_embed_text" never share a collection. Names longer than
// MaxNameLength keep their base, provider and dimension and shorten the
// model segment.
func ProfileName(base, provider, model string, dim int) (string, error) {
	b := Sanitize(base)
	if b == "" || !namePattern.MatchString(b) {
		return "", fmt.Errorf("%w: %q", ErrInvalidBase, base)
	}
	p := Sanitize(provider)
	m := Sanitize(model)
	if p == "" || m == "" {
		return "", fmt.Errorf("%w: provider and model are required", ErrInvalidProfile)
	}
	if dim <= 0 {
		return "", fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidProfile, dim)
	}

	d := strconv.Itoa(dim)
	name := b + "_" + p + "_" + m + "_" + d
	if !ambiguous(provider, p) && !ambiguous(model, m) && len(name) <= MaxNameLength {
		return name, nil
	}

	sum := sha256.Sum256([]byte(provider + "\x00" + model + "\x00" + d))
	suffix := hex.EncodeToString(sum[:4])

	room := MaxNameLength - len(b) - len(p) - len(d) - len(suffix) - 4
	if room < 1 {
		return "", fmt.Errorf("%w: base and provider leave no room for the model", ErrInvalidCollectionName)
	}
	if len(m) > room {
		m = strings.TrimRight(m[:room], "_")
	}
	return b + "_" + p + "_" + m + "_" + suffix + "_" + d, nil
}

// ambiguous reports whether the sanitized segment could also be produced by
// another raw value.
func ambiguous(raw, sanitized string) bool {
	return raw != sanitized || strings.Contains(sanitized, "_")
}

// Sanitize lowercases s and maps every rune outside [a-z0-9] to a single
// underscore, trimming underscores at both ends.
func Sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	underscore := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			sb.WriteByte('_')
			underscore = true
		}
	}
	return strings.Trim(sb.String(), "_")
}

// Validate checks that name is a legal collection name.
func Validate(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must match [a-z0-9_]{1,64}", ErrInvalidCollectionName, name)
	}
	return nil
}
