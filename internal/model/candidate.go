package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ItemCandidate is a raw DOM fragment discovered while scrolling a listing
// page. Candidates live for exactly one pipeline run: the link discovery
// agent consumes them and they are never persisted.
type ItemCandidate struct {
	ID           string `json:"id"`
	RawContent   string `json:"raw_content"`
	ScrollDepth  int    `json:"scroll_depth"`
	ViewportHash string `json:"viewport_hash"`
}

// FragmentHash returns the hex-encoded SHA-256 of a fragment with runs of
// whitespace collapsed, so the same fragment sampled at different scroll
// offsets hashes identically.
func FragmentHash(raw string) string {
	collapsed := strings.Join(strings.Fields(raw), " ")
	sum := sha256.Sum256([]byte(collapsed))
	return hex.EncodeToString(sum[:])
}
