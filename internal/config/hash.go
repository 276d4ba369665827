package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// hashOptions hashes device options; encoding/json sorts map keys, so key
// order in the file does not matter.
func hashOptions(opts map[string]any) uint64 {
	if len(opts) == 0 {
		return 0
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
