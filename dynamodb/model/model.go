// Package model describes the entity registry consumed by schema generation.
// The registry is a read-only snapshot: how it was produced (YAML, code
// generation, reflection) is not this package's concern beyond the YAML
// loader in load.go.
package model

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/table"
)

// AttributeType is the inferred storage type of an entity attribute.
type AttributeType string

const (
	TypeString  AttributeType = "string"
	TypeNumber  AttributeType = "number"
	TypeBoolean AttributeType = "boolean"
	TypeBinary  AttributeType = "binary"
	TypeDate    AttributeType = "date"
	TypeList    AttributeType = "list"
	TypeMap     AttributeType = "map"
	TypeSet     AttributeType = "set"
)

// KeyKind returns the DynamoDB scalar type used when the attribute is copied
// verbatim into a key. Dates are stored as ISO-8601 strings.
func (t AttributeType) KeyKind() table.KeyKind {
	switch t {
	case TypeNumber:
		return table.KeyKindN
	case TypeBinary:
		return table.KeyKindB
	default:
		return table.KeyKindS
	}
}

// Scalar reports whether the attribute can be part of a key at all.
func (t AttributeType) Scalar() bool {
	switch t {
	case TypeList, TypeMap, TypeSet, TypeBoolean:
		return false
	}
	return true
}

type Attribute struct {
	Name     string        `yaml:"name" json:"name"`
	Type     AttributeType `yaml:"type" json:"type"`
	Required bool          `yaml:"required,omitempty" json:"required,omitempty"`
	Unique   bool          `yaml:"unique,omitempty" json:"unique,omitempty"`
	Nullable bool          `yaml:"nullable,omitempty" json:"nullable,omitempty"`
}

type RelationKind string

const (
	HasMany   RelationKind = "has_many"
	HasOne    RelationKind = "has_one"
	BelongsTo RelationKind = "belongs_to"
)

// Relationship links two entities. When RequiresGSI is set the generator
// allocates a secondary index slot so the relationship can be queried from
// the "one" side.
type Relationship struct {
	Kind       RelationKind `yaml:"kind" json:"kind"`
	Entity     string       `yaml:"entity" json:"entity"`
	ForeignKey string       `yaml:"foreignKey" json:"foreignKey"`

	RequiresGSI bool `yaml:"requiresGsi,omitempty" json:"requiresGsi,omitempty"`
	// GSIIndex is the 1-based index slot to use. Zero lets the generator pick.
	GSIIndex int `yaml:"gsiIndex,omitempty" json:"gsiIndex,omitempty"`

	// Optional overrides for the index key patterns. When empty the
	// generator derives "<OWNER>#{fk}" and "<ENTITY>#{id}".
	PartitionPattern string `yaml:"partitionPattern,omitempty" json:"partitionPattern,omitempty"`
	SortPattern      string `yaml:"sortPattern,omitempty" json:"sortPattern,omitempty"`
}

// LocalIndexTrait requests a local secondary index. LSIs can only be created
// together with the table, so requesting one on an existing table forces a
// table recreation.
type LocalIndexTrait struct {
	Slot             int      `yaml:"slot" json:"slot"`
	SortPattern      string   `yaml:"sortPattern" json:"sortPattern"`
	Projection       string   `yaml:"projection,omitempty" json:"projection,omitempty"`
	NonKeyAttributes []string `yaml:"nonKeyAttributes,omitempty" json:"nonKeyAttributes,omitempty"`
}

type Traits struct {
	GeneratedIDs bool             `yaml:"generatedIds,omitempty" json:"generatedIds,omitempty"`
	Timestamps   bool             `yaml:"timestamps,omitempty" json:"timestamps,omitempty"`
	SoftDeletes  bool             `yaml:"softDeletes,omitempty" json:"softDeletes,omitempty"`
	TTL          bool             `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	TTLAttribute string           `yaml:"ttlAttribute,omitempty" json:"ttlAttribute,omitempty"`
	Versioned    bool             `yaml:"versioned,omitempty" json:"versioned,omitempty"`
	LocalIndex   *LocalIndexTrait `yaml:"localIndex,omitempty" json:"localIndex,omitempty"`
}

// Entity is one logical entity type stored in the table.
type Entity struct {
	Name string `yaml:"name" json:"name"`
	// PartitionKey and SortKey are key patterns, e.g. "SITE#{id}" and "METADATA".
	PartitionKey  string         `yaml:"partitionKey" json:"partitionKey"`
	SortKey       string         `yaml:"sortKey,omitempty" json:"sortKey,omitempty"`
	Attributes    []Attribute    `yaml:"attributes" json:"attributes"`
	Relationships []Relationship `yaml:"relationships,omitempty" json:"relationships,omitempty"`
	Traits        Traits         `yaml:"traits,omitempty" json:"traits,omitempty"`
}

// Implicit attributes added by traits.
const (
	AttrID        = "id"
	AttrCreatedAt = "createdAt"
	AttrUpdatedAt = "updatedAt"
	AttrDeletedAt = "deletedAt"
	AttrVersion   = "version"
)

// Attribute looks up an attribute by name, including the implicit ones
// contributed by traits.
func (e Entity) Attribute(name string) (Attribute, bool) {
	for _, a := range e.AllAttributes() {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// AllAttributes returns the declared attributes followed by any implicit
// trait attributes that were not declared explicitly.
func (e Entity) AllAttributes() []Attribute {
	attrs := make([]Attribute, 0, len(e.Attributes)+4)
	attrs = append(attrs, e.Attributes...)
	declared := make(map[string]bool, len(e.Attributes))
	for _, a := range e.Attributes {
		declared[a.Name] = true
	}
	add := func(a Attribute) {
		if !declared[a.Name] {
			declared[a.Name] = true
			attrs = append(attrs, a)
		}
	}
	if e.Traits.GeneratedIDs {
		add(Attribute{Name: AttrID, Type: TypeString, Required: true, Unique: true})
	}
	if e.Traits.Timestamps {
		add(Attribute{Name: AttrCreatedAt, Type: TypeDate, Required: true})
		add(Attribute{Name: AttrUpdatedAt, Type: TypeDate, Required: true})
	}
	if e.Traits.SoftDeletes {
		add(Attribute{Name: AttrDeletedAt, Type: TypeDate, Nullable: true})
	}
	if e.Traits.Versioned {
		add(Attribute{Name: AttrVersion, Type: TypeNumber, Required: true})
	}
	if e.Traits.TTL && e.Traits.TTLAttribute != "" {
		add(Attribute{Name: e.Traits.TTLAttribute, Type: TypeNumber, Nullable: true})
	}
	return attrs
}

// Fingerprint is a stable hash of the entity description. Two descriptions
// with the same fingerprint produce the same items.
func (e Entity) Fingerprint() string {
	// Struct field order is fixed, so the encoding is stable.
	data, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Errorf("marshal entity %q: %w", e.Name, err))
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Registry is the set of entities sharing one table.
type Registry struct {
	Entities []Entity `yaml:"entities" json:"entities"`
}

// NewRegistry builds a registry and rejects duplicate or unnamed entities.
func NewRegistry(entities ...Entity) (Registry, error) {
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		if e.Name == "" {
			return Registry{}, fmt.Errorf("entity without name")
		}
		if seen[e.Name] {
			return Registry{}, fmt.Errorf("duplicate entity %q", e.Name)
		}
		seen[e.Name] = true
	}
	return Registry{Entities: entities}, nil
}

// Lookup finds an entity by name.
func (r Registry) Lookup(name string) (Entity, bool) {
	for _, e := range r.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// Names returns the entity names sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r.Entities))
	for _, e := range r.Entities {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

// Sorted returns the entities ordered by name.
func (r Registry) Sorted() []Entity {
	out := make([]Entity, len(r.Entities))
	copy(out, r.Entities)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fingerprints maps entity name to Fingerprint.
func (r Registry) Fingerprints() map[string]string {
	out := make(map[string]string, len(r.Entities))
	for _, e := range r.Entities {
		out[e.Name] = e.Fingerprint()
	}
	return out
}
