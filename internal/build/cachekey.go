package build

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ComputeCacheKey derives a deterministic key from the framework, the full
// dependency set and the build configuration. encoding/json sorts map keys,
// so identical inputs always produce identical keys regardless of insertion
// order.
func ComputeCacheKey(framework string, deps map[string]string, config map[string]string) (string, error) {
	payload := struct {
		Framework string            `json:"framework"`
		Deps      map[string]string `json:"deps"`
		Config    map[string]string `json:"config"`
	}{
		Framework: framework,
		Deps:      deps,
		Config:    config,
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize cache key input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
