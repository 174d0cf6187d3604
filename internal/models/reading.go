package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Reading is one normalized weather observation moving through the pipeline.
// Payload is opaque to the queue; only the processor interprets it.
type Reading struct {
	SourceID   string         `json:"source_id"`
	ObservedAt time.Time      `json:"observed_at"`
	Payload    map[string]any `json:"payload"`
	DedupKey   string         `json:"dedup_key"`
}

// NewReading builds a Reading and derives its dedup key from source and observation time.
func NewReading(sourceID string, observedAt time.Time, payload map[string]any) Reading {
	observedAt = observedAt.UTC().Truncate(time.Second)
	return Reading{
		SourceID:   sourceID,
		ObservedAt: observedAt,
		Payload:    payload,
		DedupKey:   DedupKey(sourceID, observedAt),
	}
}

// DedupKey returns hex(sha256(sourceID + "|" + unix seconds)). Two readings of the same
// source observed in the same second share a key.
func DedupKey(sourceID string, observedAt time.Time) string {
	sum := sha256.Sum256([]byte(sourceID + "|" + strconv.FormatInt(observedAt.Unix(), 10)))
	return hex.EncodeToString(sum[:])
}
