package crctable

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// snapshot is the on-disk record layout: a flat, YAML-friendly
// representation of every namespace's token map, following the
// teacher's marshal.go convention of defining an explicit wire/disk
// record distinct from the in-memory structure before handing it to an
// encoder.
type snapshot struct {
	Namespaces map[uint32]map[uint64]uint32 `yaml:"namespaces"`
}

// Save serialises the table's full namespace->lba->token state to path
// as YAML, so tests can persist expected state across process restarts.
func (t *Table) Save(path string) error {
	t.mu.Lock()
	snap := snapshot{Namespaces: make(map[uint32]map[uint64]uint32, len(t.namespaces))}
	for nsid, n := range t.namespaces {
		n.mu.Lock()
		m := make(map[uint64]uint32, len(n.tokens))
		for lba, token := range n.tokens {
			m[lba] = token
		}
		n.mu.Unlock()
		snap.Namespaces[nsid] = m
	}
	t.mu.Unlock()

	data, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("crctable: save: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("crctable: save: write %q: %w", path, err)
	}
	return nil
}

// Load restores token state from a snapshot written by Save. Namespaces
// not already registered via EnsureNamespace are created with lbaSize
// defaulting to 512 (callers that need a different LBA size should call
// EnsureNamespace first; Load only overwrites lbaSize for namespaces it
// must create).
func (t *Table) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("crctable: load: read %q: %w", path, err)
	}
	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("crctable: load: unmarshal: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for nsid, m := range snap.Namespaces {
		n, ok := t.namespaces[nsid]
		if !ok {
			n = newNSTable(512)
			t.namespaces[nsid] = n
		}
		n.mu.Lock()
		n.tokens = make(map[uint64]uint32, len(m))
		for lba, token := range m {
			n.tokens[lba] = token
		}
		n.mu.Unlock()
	}
	return nil
}
