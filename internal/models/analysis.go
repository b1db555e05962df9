package models

import (
	"reflect"
	"sort"
	"strings"
	"time"
)

// Entity kinds referenced by Testmo exports.
const (
	EntityKindConfigurations          = "configurations"
	EntityKindConfigurationCategories = "configurationCategories"
	EntityKindConfigurationVariants   = "configurationVariants"
	EntityKindStates                  = "states"
	EntityKindMilestones              = "milestones"
	EntityKindTags                    = "tags"
	EntityKindUsers                   = "users"
	EntityKindTemplates               = "templates"
	EntityKindFolders                 = "folders"
)

// NormalizeName is the comparison key for "the same name": trimmed, case-folded.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// EntityRef is a local entity offered for manual mapping.
type EntityRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AmbiguousEntity is a dataset reference matching more than one local entity.
type AmbiguousEntity struct {
	Name       string      `json:"name"`
	Candidates []EntityRef `json:"candidates"`
}

// MappingAnalysis is the cached reconciliation of a dataset against the catalog.
type MappingAnalysis struct {
	RequiredKinds     []string                     `json:"required_kinds"`
	AmbiguousEntities map[string][]AmbiguousEntity `json:"ambiguous_entities"`
	ExistingEntities  map[string][]EntityRef       `json:"existing_entities"`
	MissingEntities   map[string][]string          `json:"missing_entities"`
	ResolvedEntities  map[string]map[string]string `json:"resolved_entities"`
	CatalogRevision   uint64                       `json:"catalog_revision"`
	ComputedAt        time.Time                    `json:"computed_at"`
}

// IsComplete reports whether every kind has both an ambiguous and an existing section.
func (a *MappingAnalysis) IsComplete(kinds []string) bool {
	if a == nil || a.AmbiguousEntities == nil || a.ExistingEntities == nil {
		return false
	}
	for _, kind := range kinds {
		if _, ok := a.AmbiguousEntities[kind]; !ok {
			return false
		}
		if _, ok := a.ExistingEntities[kind]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (a *MappingAnalysis) Clone() *MappingAnalysis {
	if a == nil {
		return nil
	}
	c := &MappingAnalysis{
		RequiredKinds:     append([]string(nil), a.RequiredKinds...),
		AmbiguousEntities: make(map[string][]AmbiguousEntity, len(a.AmbiguousEntities)),
		ExistingEntities:  make(map[string][]EntityRef, len(a.ExistingEntities)),
		MissingEntities:   make(map[string][]string, len(a.MissingEntities)),
		ResolvedEntities:  make(map[string]map[string]string, len(a.ResolvedEntities)),
		CatalogRevision:   a.CatalogRevision,
		ComputedAt:        a.ComputedAt,
	}
	for k, v := range a.AmbiguousEntities {
		items := make([]AmbiguousEntity, len(v))
		for i, amb := range v {
			items[i] = AmbiguousEntity{Name: amb.Name, Candidates: append([]EntityRef{}, amb.Candidates...)}
		}
		c.AmbiguousEntities[k] = items
	}
	for k, v := range a.ExistingEntities {
		c.ExistingEntities[k] = append([]EntityRef{}, v...)
	}
	for k, v := range a.MissingEntities {
		c.MissingEntities[k] = append([]string{}, v...)
	}
	for k, v := range a.ResolvedEntities {
		m := make(map[string]string, len(v))
		for name, id := range v {
			m[name] = id
		}
		c.ResolvedEntities[k] = m
	}
	return c
}

// MappingAction says how one external reference is resolved on import.
type MappingAction string

const (
	MappingActionMap    MappingAction = "map"
	MappingActionCreate MappingAction = "create"
	MappingActionSkip   MappingAction = "skip"
)

// EntityMapping resolves one external name.
type EntityMapping struct {
	Action   MappingAction `json:"action" yaml:"action" validate:"required,oneof=map create skip"`
	TargetID string        `json:"target_id,omitempty" yaml:"target_id,omitempty" validate:"required_if=Action map"`
}

// ImportConfiguration maps entity kind -> normalized external name -> mapping.
type ImportConfiguration struct {
	Mappings      map[string]map[string]EntityMapping `json:"mappings" yaml:"mappings"`
	CreateMissing bool                                `json:"create_missing" yaml:"create_missing"`
	SavedAt       time.Time                           `json:"saved_at" yaml:"-"`
}

// Normalize rewrites mapping keys to their comparison form. Colliding keys
// are resolved in favour of the lexically first original name; callers
// validate first so that never happens silently.
func (c *ImportConfiguration) Normalize() {
	if c.Mappings == nil {
		c.Mappings = map[string]map[string]EntityMapping{}
		return
	}
	for kind, byName := range c.Mappings {
		names := make([]string, 0, len(byName))
		for name := range byName {
			names = append(names, name)
		}
		sort.Strings(names)
		normalized := make(map[string]EntityMapping, len(byName))
		for _, name := range names {
			key := NormalizeName(name)
			if _, ok := normalized[key]; ok {
				continue
			}
			normalized[key] = byName[name]
		}
		c.Mappings[kind] = normalized
	}
}

// Lookup finds the mapping for an external name of a kind.
func (c *ImportConfiguration) Lookup(kind, name string) (EntityMapping, bool) {
	if c == nil || c.Mappings == nil {
		return EntityMapping{}, false
	}
	m, ok := c.Mappings[kind][NormalizeName(name)]
	return m, ok
}

// Kinds returns the mapped entity kinds in sorted order.
func (c *ImportConfiguration) Kinds() []string {
	if c == nil {
		return nil
	}
	kinds := make([]string, 0, len(c.Mappings))
	for k := range c.Mappings {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Equivalent compares the user-authored content, ignoring SavedAt.
func (c *ImportConfiguration) Equivalent(other *ImportConfiguration) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.CreateMissing == other.CreateMissing && reflect.DeepEqual(c.Mappings, other.Mappings)
}

// Clone returns a deep copy.
func (c *ImportConfiguration) Clone() *ImportConfiguration {
	if c == nil {
		return nil
	}
	out := &ImportConfiguration{
		Mappings:      make(map[string]map[string]EntityMapping, len(c.Mappings)),
		CreateMissing: c.CreateMissing,
		SavedAt:       c.SavedAt,
	}
	for kind, byName := range c.Mappings {
		m := make(map[string]EntityMapping, len(byName))
		for name, mapping := range byName {
			m[name] = mapping
		}
		out.Mappings[kind] = m
	}
	return out
}
