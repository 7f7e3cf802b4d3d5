// Package schema defines the canonical table schema derived from an entity
// registry. The same types are persisted with every applied migration, so
// every field carries yaml and json tags.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/table"
)

type ProjectionType string

const (
	ProjectAll      ProjectionType = "ALL"
	ProjectKeysOnly ProjectionType = "KEYS_ONLY"
	ProjectInclude  ProjectionType = "INCLUDE"
)

// Projection describes which attributes are copied into an index.
// NonKeyAttributes is only used with ProjectInclude.
type Projection struct {
	Type             ProjectionType `yaml:"type" json:"type"`
	NonKeyAttributes []string       `yaml:"nonKeyAttributes,omitempty" json:"nonKeyAttributes,omitempty"`
}

// Equal compares projections ignoring attribute order.
func (p Projection) Equal(o Projection) bool {
	if p.Type != o.Type || len(p.NonKeyAttributes) != len(o.NonKeyAttributes) {
		return false
	}
	a, b := sortedCopy(p.NonKeyAttributes), sortedCopy(o.NonKeyAttributes)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GSI describes a Global Secondary Index.
type GSI struct {
	Name         string        `yaml:"name" json:"name"`
	PartitionKey table.KeyDef  `yaml:"partitionKey" json:"partitionKey"`
	SortKey      *table.KeyDef `yaml:"sortKey,omitempty" json:"sortKey,omitempty"`
	Projection   Projection    `yaml:"projection" json:"projection"`
}

// KeyDefinition returns the index key schema.
func (g GSI) KeyDefinition() table.PrimaryKeyDefinition {
	def := table.PrimaryKeyDefinition{PartitionKey: g.PartitionKey}
	if g.SortKey != nil {
		def.SortKey = *g.SortKey
	}
	return def
}

// LSI describes a Local Secondary Index. It shares the table partition key.
type LSI struct {
	Name       string       `yaml:"name" json:"name"`
	SortKey    table.KeyDef `yaml:"sortKey" json:"sortKey"`
	Projection Projection   `yaml:"projection" json:"projection"`
}

type TTL struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	AttributeName string `yaml:"attributeName" json:"attributeName"`
}

type StreamViewType string

const (
	StreamKeysOnly        StreamViewType = "KEYS_ONLY"
	StreamNewImage        StreamViewType = "NEW_IMAGE"
	StreamOldImage        StreamViewType = "OLD_IMAGE"
	StreamNewAndOldImages StreamViewType = "NEW_AND_OLD_IMAGES"
)

type Stream struct {
	Enabled  bool           `yaml:"enabled" json:"enabled"`
	ViewType StreamViewType `yaml:"viewType,omitempty" json:"viewType,omitempty"`
}

type BillingMode string

const (
	PayPerRequest BillingMode = "PAY_PER_REQUEST"
	Provisioned   BillingMode = "PROVISIONED"
)

// Capacity is the billing configuration. Units are only meaningful in
// provisioned mode and apply to the table and every GSI.
type Capacity struct {
	Mode       BillingMode `yaml:"mode" json:"mode"`
	ReadUnits  int64       `yaml:"readUnits,omitempty" json:"readUnits,omitempty"`
	WriteUnits int64       `yaml:"writeUnits,omitempty" json:"writeUnits,omitempty"`
}

type TableClass string

const (
	TableClassStandard   TableClass = "STANDARD"
	TableClassInfrequent TableClass = "STANDARD_INFREQUENT_ACCESS"
)

// Table is the canonical description of the single table.
type Table struct {
	Name               string        `yaml:"name" json:"name"`
	PartitionKey       table.KeyDef  `yaml:"partitionKey" json:"partitionKey"`
	SortKey            *table.KeyDef `yaml:"sortKey,omitempty" json:"sortKey,omitempty"`
	GSIs               []GSI         `yaml:"gsis,omitempty" json:"gsis,omitempty"`
	LSIs               []LSI         `yaml:"lsis,omitempty" json:"lsis,omitempty"`
	TTL                *TTL          `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	Stream             *Stream       `yaml:"stream,omitempty" json:"stream,omitempty"`
	Capacity           Capacity      `yaml:"capacity" json:"capacity"`
	TableClass         TableClass    `yaml:"tableClass,omitempty" json:"tableClass,omitempty"`
	DeletionProtection bool          `yaml:"deletionProtection,omitempty" json:"deletionProtection,omitempty"`
}

// KeyDefinition returns the table key schema.
func (t Table) KeyDefinition() table.PrimaryKeyDefinition {
	def := table.PrimaryKeyDefinition{PartitionKey: t.PartitionKey}
	if t.SortKey != nil {
		def.SortKey = *t.SortKey
	}
	return def
}

// GSI finds a global index by name.
func (t Table) GSI(name string) (GSI, bool) {
	for _, g := range t.GSIs {
		if g.Name == name {
			return g, true
		}
	}
	return GSI{}, false
}

// IndexNames returns the names of all global and local indexes, sorted.
func (t Table) IndexNames() []string {
	names := make([]string, 0, len(t.GSIs)+len(t.LSIs))
	for _, g := range t.GSIs {
		names = append(names, g.Name)
	}
	for _, l := range t.LSIs {
		names = append(names, l.Name)
	}
	sort.Strings(names)
	return names
}

// TTLEnabled reports whether a TTL attribute is configured and on.
func (t Table) TTLEnabled() bool {
	return t.TTL != nil && t.TTL.Enabled
}

// StreamEnabled reports whether a change stream is configured and on.
func (t Table) StreamEnabled() bool {
	return t.Stream != nil && t.Stream.Enabled
}

// AttributeDefinitions returns every attribute used by the table or index
// key schemas, sorted by name. DynamoDB rejects definitions that no key
// schema references.
func (t Table) AttributeDefinitions() []table.KeyDef {
	seen := map[string]table.KeyDef{t.PartitionKey.Name: t.PartitionKey}
	if t.SortKey != nil {
		seen[t.SortKey.Name] = *t.SortKey
	}
	for _, g := range t.GSIs {
		seen[g.PartitionKey.Name] = g.PartitionKey
		if g.SortKey != nil {
			seen[g.SortKey.Name] = *g.SortKey
		}
	}
	for _, l := range t.LSIs {
		seen[l.SortKey.Name] = l.SortKey
	}
	defs := make([]table.KeyDef, 0, len(seen))
	for _, d := range seen {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Canonical returns a normalized deep copy: indexes sorted by name,
// projected attributes sorted, empty slices nil, and disabled optional
// specs dropped. Schemas that describe the same table are Canonical-equal.
func (t Table) Canonical() Table {
	c := t
	c.GSIs = nil
	for _, g := range t.GSIs {
		g.Projection = canonicalProjection(g.Projection)
		if g.SortKey != nil {
			sk := *g.SortKey
			g.SortKey = &sk
		}
		c.GSIs = append(c.GSIs, g)
	}
	sort.Slice(c.GSIs, func(i, j int) bool { return c.GSIs[i].Name < c.GSIs[j].Name })

	c.LSIs = nil
	for _, l := range t.LSIs {
		l.Projection = canonicalProjection(l.Projection)
		c.LSIs = append(c.LSIs, l)
	}
	sort.Slice(c.LSIs, func(i, j int) bool { return c.LSIs[i].Name < c.LSIs[j].Name })

	if t.SortKey != nil {
		sk := *t.SortKey
		c.SortKey = &sk
	}
	if t.TTLEnabled() {
		ttl := *t.TTL
		c.TTL = &ttl
	} else {
		c.TTL = nil
	}
	if t.StreamEnabled() {
		s := *t.Stream
		c.Stream = &s
	} else {
		c.Stream = nil
	}
	if c.Capacity.Mode == "" {
		c.Capacity.Mode = PayPerRequest
	}
	if c.Capacity.Mode == PayPerRequest {
		c.Capacity.ReadUnits, c.Capacity.WriteUnits = 0, 0
	}
	if c.TableClass == "" {
		c.TableClass = TableClassStandard
	}
	return c
}

func canonicalProjection(p Projection) Projection {
	if p.Type == "" {
		p.Type = ProjectAll
	}
	if p.Type != ProjectInclude || len(p.NonKeyAttributes) == 0 {
		p.NonKeyAttributes = nil
		return p
	}
	p.NonKeyAttributes = sortedCopy(p.NonKeyAttributes)
	return p
}

// Hash is a deterministic fingerprint of the canonical schema, used for
// cheap equality checks against persisted state.
func (t Table) Hash() string {
	data, err := json.Marshal(t.Canonical())
	if err != nil {
		panic(fmt.Errorf("marshal schema %q: %w", t.Name, err))
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Equal reports whether both schemas describe the same table.
func (t Table) Equal(o Table) bool {
	return t.Hash() == o.Hash()
}

func sortedCopy(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}
