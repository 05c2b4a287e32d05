package core

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Reason codes are fixed, wire-stable strings. Consumers must key on code,
// never on message text.
const (
	ReasonCollectFailed      = "COLLECT_FAILED"
	ReasonVolumeZero         = "VOLUME_ZERO"
	ReasonVolumeBelowMinimum = "VOLUME_BELOW_MINIMUM"
	ReasonVolumeDeviation    = "VOLUME_DEVIATION"
	ReasonDataStale          = "DATA_STALE"
)

// ReasonHash computes a stable digest over the ascending-sorted multiset of
// reason codes in reasons, encoded as a short hex string. Messages and
// details are deliberately excluded: two decisions with identical codes but
// different human text or structured details hash identically.
func ReasonHash(reasons []Reason) string {
	codes := make([]string, len(reasons))
	for i, r := range reasons {
		codes[i] = r.Code
	}
	sort.Strings(codes)
	sum := sha256.Sum256([]byte(strings.Join(codes, ",")))
	return hex.EncodeToString(sum[:])[:16]
}
