package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// HashPrefix tags every digest this package produces.
const HashPrefix = "blake3:"

// Fingerprint returns the BLAKE3 digest of the canonical YAML rendering of cfg.
// Two processes report the same fingerprint exactly when they run the same
// effective configuration, wherever it was loaded from.
func Fingerprint(cfg *Config) (string, error) {
	canonical := *cfg
	// Include only records where values came from.
	canonical.Include = nil
	data, err := yaml.Marshal(&canonical)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	sum := blake3.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
