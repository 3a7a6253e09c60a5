// Package sha256 provides canonical hashing helpers.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// SumMap hashes a string map deterministically by sorting its keys
// before encoding. Used to detect configuration changes between
// session restarts.
func SumMap(values map[string]string) (string, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([][2]string, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, [2]string{k, values[k]})
	}
	payload, err := json.Marshal(ordered)
	if err != nil {
		return "", fmt.Errorf("marshal config values: %w", err)
	}
	return Sum(payload), nil
}
