package canon

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AllowlistEntry is one operator-maintained known person. The audit fields
// record who added the entry and why.
type AllowlistEntry struct {
	Name    string    `yaml:"name"`
	AddedBy string    `yaml:"added_by"`
	AddedAt time.Time `yaml:"added_at"`
	Reason  string    `yaml:"reason"`
}

type allowlistFile struct {
	Persons []AllowlistEntry `yaml:"persons"`
}

// Allowlist holds names that are always classified as Person.
type Allowlist struct {
	entries []AllowlistEntry
	keys    []string
}

// NewAllowlist builds an allowlist from entries. Entries without a name
// are ignored.
func NewAllowlist(entries ...AllowlistEntry) *Allowlist {
	a := &Allowlist{}
	for _, e := range entries {
		k := MatchKey(e.Name)
		if k == "" {
			continue
		}
		a.entries = append(a.entries, e)
		a.keys = append(a.keys, k)
	}
	return a
}

// LoadAllowlist reads a YAML allowlist file. An empty path yields an empty
// allowlist.
//
//	persons:
//	  - name: Engelbrecht-Bresges
//	    added_by: ops
//	    added_at: 2024-05-02T00:00:00Z
//	    reason: classified as company by the model
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return NewAllowlist(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	var f allowlistFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse allowlist %s: %w", path, err)
	}
	for i, e := range f.Persons {
		if strings.TrimSpace(e.AddedBy) == "" || strings.TrimSpace(e.Reason) == "" {
			return nil, fmt.Errorf("allowlist entry %d (%q) lacks added_by or reason", i, e.Name)
		}
	}
	return NewAllowlist(f.Persons...), nil
}

// Entries returns the loaded entries.
func (a *Allowlist) Entries() []AllowlistEntry {
	if a == nil {
		return nil
	}
	return append([]AllowlistEntry(nil), a.entries...)
}

// Contains reports whether name matches an entry. An entry matches when
// its tokens appear as a contiguous run in the name, so "Engelbrecht-Bresges"
// also matches "Winfried Engelbrecht-Bresges".
func (a *Allowlist) Contains(name string) bool {
	if a == nil || len(a.keys) == 0 {
		return false
	}
	k := " " + MatchKey(name) + " "
	for _, entry := range a.keys {
		if strings.Contains(k, " "+entry+" ") {
			return true
		}
	}
	return false
}
