// Package collections implements collection lifecycle: the cluster
// manifest (parsed from JSON, as distributed by set_collections),
// per-partition manifests tracking each collection's open/deleting
// state, and the background purge task that reclaims a deleted
// collection's keys.
package collections

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	defaultCollectionName = "$default"
	minSeparatorLen       = 1
	maxSeparatorLen       = 250
)

// Manifest is the cluster-wide view distributed via set_collections:
// a revision, a separator, and the set of named collections.
type Manifest struct {
	Revision    uint64   `json:"revision"`
	Separator   string   `json:"separator"`
	Collections []string `json:"collections"`
}

// rawManifest mirrors the wire JSON shape before validation.
type rawManifest struct {
	Revision    uint64   `json:"revision"`
	Separator   string   `json:"separator"`
	Collections []string `json:"collections"`
}

// ParseManifest parses and validates a set_collections JSON payload.
// Validation rules (original_source/src/collections/manifest.cc
// validSeparator/validCollection): collection names non-empty, may not
// start with '_', may not start with '$' unless exactly "$default";
// separator length in [1, 250].
func ParseManifest(data []byte) (Manifest, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("collections: invalid json: %w", err)
	}

	if len(raw.Separator) < minSeparatorLen || len(raw.Separator) > maxSeparatorLen {
		return Manifest{}, fmt.Errorf("collections: separator length %d out of range [%d,%d]",
			len(raw.Separator), minSeparatorLen, maxSeparatorLen)
	}

	for _, name := range raw.Collections {
		if err := validateCollectionName(name); err != nil {
			return Manifest{}, err
		}
	}

	return Manifest{Revision: raw.Revision, Separator: raw.Separator, Collections: raw.Collections}, nil
}

func validateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("collections: collection name must not be empty")
	}
	if strings.HasPrefix(name, "_") {
		return fmt.Errorf("collections: collection name %q must not start with '_'", name)
	}
	if strings.HasPrefix(name, "$") && name != defaultCollectionName {
		return fmt.Errorf("collections: %q: '$' prefix reserved for %q", name, defaultCollectionName)
	}
	return nil
}

// Default returns the manifest every bucket starts with: revision 0,
// the "::" separator, containing only $default.
func Default() Manifest {
	return Manifest{Revision: 0, Separator: "::", Collections: []string{defaultCollectionName}}
}

// Contains reports whether name is present in the manifest.
func (m Manifest) Contains(name string) bool {
	for _, c := range m.Collections {
		if c == name {
			return true
		}
	}
	return false
}
