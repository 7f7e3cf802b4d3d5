// Package schemagen derives the canonical table schema from an entity
// registry. Generation is pure: the same registry and config always produce
// the same schema, which is what makes hash comparison against the applied
// state meaningful.
package schemagen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/keys"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/model"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/table"
)

type Generator struct {
	cfg Config
}

// New returns a generator for cfg. The config is validated by Generate.
func New(cfg Config) *Generator {
	projections := make(map[string]schema.Projection, len(cfg.Projections))
	for k, v := range cfg.Projections {
		projections[k] = v
	}
	cfg.Projections = projections
	if cfg.Stream != nil {
		s := *cfg.Stream
		cfg.Stream = &s
	}
	return &Generator{cfg: cfg}
}

// Config returns the generator's configuration.
func (g *Generator) Config() Config {
	return g.cfg
}

// IndexMapping records how one entity populates one index. The backfill
// collaborator uses it to compute key attributes for existing items.
type IndexMapping struct {
	Index            string `yaml:"index" json:"index"`
	Entity           string `yaml:"entity" json:"entity"`
	PartitionKey     string `yaml:"partitionKey" json:"partitionKey"`
	PartitionPattern string `yaml:"partitionPattern" json:"partitionPattern"`
	SortKey          string `yaml:"sortKey,omitempty" json:"sortKey,omitempty"`
	SortPattern      string `yaml:"sortPattern,omitempty" json:"sortPattern,omitempty"`
}

// Layout is a generated schema together with the per-entity index mappings
// that justify it.
type Layout struct {
	Table    schema.Table
	Mappings []IndexMapping
}

// MappingsFor returns the mappings that populate the named index.
func (l Layout) MappingsFor(index string) []IndexMapping {
	var out []IndexMapping
	for _, m := range l.Mappings {
		if m.Index == index {
			out = append(out, m)
		}
	}
	return out
}

// Generate derives the canonical schema.
func (g *Generator) Generate(reg model.Registry) (schema.Table, error) {
	layout, err := g.GenerateLayout(reg)
	if err != nil {
		return schema.Table{}, err
	}
	return layout.Table, nil
}

// GenerateLayout derives the canonical schema and index mappings.
func (g *Generator) GenerateLayout(reg model.Registry) (Layout, error) {
	if err := g.cfg.Validate(); err != nil {
		return Layout{}, configErr("", "", "%v", err)
	}
	if len(reg.Entities) == 0 {
		return Layout{}, configErr("", "", "registry has no entities")
	}
	entities := reg.Sorted()

	tbl := schema.Table{
		Name:               g.cfg.TableName,
		Capacity:           g.cfg.Capacity,
		TableClass:         g.cfg.TableClass,
		DeletionProtection: g.cfg.DeletionProtection,
	}
	if tbl.Capacity.Mode == "" {
		tbl.Capacity.Mode = schema.PayPerRequest
	}
	if g.cfg.Stream != nil && g.cfg.Stream.Enabled {
		s := *g.cfg.Stream
		tbl.Stream = &s
	}

	if err := g.primaryKey(&tbl, entities); err != nil {
		return Layout{}, err
	}

	mappings, err := g.globalIndexes(&tbl, reg, entities)
	if err != nil {
		return Layout{}, err
	}
	if err := g.localIndexes(&tbl, entities); err != nil {
		return Layout{}, err
	}
	if err := g.timeToLive(&tbl, entities); err != nil {
		return Layout{}, err
	}
	return Layout{Table: tbl, Mappings: mappings}, nil
}

// parsedKey is a validated key pattern plus the scalar type it produces.
type parsedKey struct {
	tmpl keys.Template
	kind table.KeyKind
}

func parseKey(e model.Entity, index, pattern string) (parsedKey, error) {
	tmpl, err := keys.Parse(pattern)
	if err != nil {
		return parsedKey{}, configErr(e.Name, index, "%v", err)
	}
	known := func(f string) bool {
		_, ok := e.Attribute(f)
		return ok
	}
	if err := tmpl.Validate(known); err != nil {
		return parsedKey{}, configErr(e.Name, index, "%v", err)
	}
	kind := table.KeyKindS
	// Nested paths resolve inside a map or list and are stored as strings.
	if field, ok := tmpl.SingleField(); ok && !strings.Contains(field, ".") {
		attr, _ := e.Attribute(field)
		if !attr.Type.Scalar() {
			return parsedKey{}, configErr(e.Name, index, "field %q of type %s cannot be used in a key", field, attr.Type)
		}
		kind = attr.Type.KeyKind()
	}
	return parsedKey{tmpl: tmpl, kind: kind}, nil
}

func (g *Generator) primaryKey(tbl *schema.Table, entities []model.Entity) error {
	var (
		pkKind, skKind table.KeyKind
		first          string
		withSort       int
	)
	for _, e := range entities {
		if e.PartitionKey == "" {
			return configErr(e.Name, "", "partition key pattern is required")
		}
		pk, err := parseKey(e, "", e.PartitionKey)
		if err != nil {
			return err
		}
		if first == "" {
			first, pkKind = e.Name, pk.kind
		} else if pk.kind != pkKind {
			return configErr(e.Name, "", "partition key type %s conflicts with type %s used by %q", pk.kind, pkKind, first)
		}

		if e.SortKey == "" {
			continue
		}
		withSort++
		sk, err := parseKey(e, "", e.SortKey)
		if err != nil {
			return err
		}
		if skKind == "" {
			skKind = sk.kind
		} else if sk.kind != skKind {
			return configErr(e.Name, "", "sort key type %s conflicts with type %s used by other entities", sk.kind, skKind)
		}
	}
	if withSort > 0 && withSort < len(entities) {
		for _, e := range entities {
			if e.SortKey == "" {
				return configErr(e.Name, "", "sort key pattern is required because other entities in the table define one")
			}
		}
	}

	tbl.PartitionKey = table.KeyDef{Name: g.cfg.PartitionKeyName, Kind: pkKind}
	if withSort > 0 {
		if g.cfg.SortKeyName == "" {
			return configErr("", "", "entities define sort keys but no sort key name is configured")
		}
		tbl.SortKey = &table.KeyDef{Name: g.cfg.SortKeyName, Kind: skKind}
	}
	return nil
}

// gsiClaim is one entity's request for an index slot.
type gsiClaim struct {
	slot   int
	holder string
	pk     parsedKey
	sk     *parsedKey
}

func (c gsiClaim) key() string {
	k := c.holder + "\x00" + c.pk.tmpl.String()
	if c.sk != nil {
		k += "\x00" + c.sk.tmpl.String()
	}
	return k
}

// dedupeClaims merges claims with the same holder and key patterns, which a
// relationship declared on both of its sides produces. An explicit slot wins
// over an automatic one; two different explicit slots are an error.
func (g *Generator) dedupeClaims(claims []gsiClaim) ([]gsiClaim, error) {
	var out []gsiClaim
	seen := make(map[string]int, len(claims))
	for _, c := range claims {
		i, ok := seen[c.key()]
		if !ok {
			seen[c.key()] = len(out)
			out = append(out, c)
			continue
		}
		switch prev := out[i].slot; {
		case c.slot == 0 || c.slot == prev:
		case prev == 0:
			out[i].slot = c.slot
		default:
			return nil, configErr(c.holder, g.cfg.gsiName(c.slot), "relationship is also declared on %s", g.cfg.gsiName(prev))
		}
	}
	return out, nil
}

type gsiSlot struct {
	pkKind table.KeyKind
	skKind table.KeyKind // empty until a claim defines a sort key
	claims []gsiClaim
}

// conflict explains why c cannot join the slot, or returns "".
func (s *gsiSlot) conflict(c gsiClaim) string {
	if len(s.claims) == 0 {
		return ""
	}
	if s.pkKind != c.pk.kind {
		return fmt.Sprintf("slot is already claimed by %q with incompatible key types", s.claims[0].holder)
	}
	if c.sk != nil && s.skKind != "" && s.skKind != c.sk.kind {
		return fmt.Sprintf("slot is already claimed by %q with incompatible key types", s.claims[0].holder)
	}
	for _, existing := range s.claims {
		if existing.holder == c.holder {
			return "entity already maps different key patterns onto this slot"
		}
	}
	return ""
}

func (s *gsiSlot) add(c gsiClaim) {
	s.pkKind = c.pk.kind
	if c.sk != nil {
		s.skKind = c.sk.kind
	}
	s.claims = append(s.claims, c)
}

func (g *Generator) globalIndexes(tbl *schema.Table, reg model.Registry, entities []model.Entity) ([]IndexMapping, error) {
	var claims []gsiClaim
	for _, e := range entities {
		for _, rel := range e.Relationships {
			if !rel.RequiresGSI {
				continue
			}
			claim, err := g.claimFor(reg, e, rel)
			if err != nil {
				return nil, err
			}
			claims = append(claims, claim)
		}
	}
	claims, err := g.dedupeClaims(claims)
	if err != nil {
		return nil, err
	}
	var explicit, auto []gsiClaim
	for _, c := range claims {
		if c.slot == 0 {
			auto = append(auto, c)
		} else {
			explicit = append(explicit, c)
		}
	}

	slots := make([]gsiSlot, g.cfg.MaxGSIs+1) // 1-based
	for _, c := range explicit {
		s := &slots[c.slot]
		if reason := s.conflict(c); reason != "" {
			return nil, configErr(c.holder, g.cfg.gsiName(c.slot), "%s", reason)
		}
		s.add(c)
	}
	for _, c := range auto {
		assigned := false
		for n := 1; n <= g.cfg.MaxGSIs; n++ {
			if slots[n].conflict(c) == "" {
				c.slot = n
				slots[n].add(c)
				assigned = true
				break
			}
		}
		if !assigned {
			return nil, configErr(c.holder, "", "no free secondary index slot (max %d)", g.cfg.MaxGSIs)
		}
	}

	var mappings []IndexMapping
	for n := 1; n <= g.cfg.MaxGSIs; n++ {
		s := slots[n]
		if len(s.claims) == 0 {
			continue
		}
		name := g.cfg.gsiName(n)
		gsi := schema.GSI{
			Name:         name,
			PartitionKey: table.KeyDef{Name: g.cfg.gsiPK(n), Kind: s.pkKind},
			Projection:   schema.Projection{Type: schema.ProjectAll},
		}
		if s.skKind != "" {
			gsi.SortKey = &table.KeyDef{Name: g.cfg.gsiSK(n), Kind: s.skKind}
		}
		if p, ok := g.cfg.Projections[name]; ok {
			gsi.Projection = p
		}
		tbl.GSIs = append(tbl.GSIs, gsi)

		for _, c := range s.claims {
			m := IndexMapping{
				Index:            name,
				Entity:           c.holder,
				PartitionKey:     gsi.PartitionKey.Name,
				PartitionPattern: c.pk.tmpl.String(),
			}
			if c.sk != nil {
				m.SortKey = gsi.SortKey.Name
				m.SortPattern = c.sk.tmpl.String()
			}
			mappings = append(mappings, m)
		}
	}
	return mappings, nil
}

// claimFor resolves which entity carries the foreign key and derives the
// index key patterns for a relationship.
func (g *Generator) claimFor(reg model.Registry, e model.Entity, rel model.Relationship) (gsiClaim, error) {
	related, ok := reg.Lookup(rel.Entity)
	if !ok {
		return gsiClaim{}, configErr(e.Name, "", "relationship references unknown entity %q", rel.Entity)
	}
	if rel.GSIIndex < 0 || rel.GSIIndex > g.cfg.MaxGSIs {
		return gsiClaim{}, configErr(e.Name, "", "gsi index %d out of range 1..%d", rel.GSIIndex, g.cfg.MaxGSIs)
	}

	var holder, owner model.Entity
	switch rel.Kind {
	case model.BelongsTo:
		holder, owner = e, related
	case model.HasMany, model.HasOne:
		holder, owner = related, e
	default:
		return gsiClaim{}, configErr(e.Name, "", "unknown relationship kind %q", rel.Kind)
	}
	if rel.ForeignKey == "" {
		return gsiClaim{}, configErr(e.Name, "", "relationship to %q has no foreign key", rel.Entity)
	}
	if _, ok := holder.Attribute(rel.ForeignKey); !ok {
		return gsiClaim{}, configErr(holder.Name, "", "foreign key %q is not an attribute", rel.ForeignKey)
	}

	index := ""
	if rel.GSIIndex > 0 {
		index = g.cfg.gsiName(rel.GSIIndex)
	}

	pkPattern := rel.PartitionPattern
	if pkPattern == "" {
		pkPattern = strings.ToUpper(owner.Name) + "#{" + rel.ForeignKey + "}"
	}
	pk, err := parseKey(holder, index, pkPattern)
	if err != nil {
		return gsiClaim{}, err
	}

	skPattern := rel.SortPattern
	if skPattern == "" {
		skPattern = defaultSortPattern(holder)
	}
	sk, err := parseKey(holder, index, skPattern)
	if err != nil {
		return gsiClaim{}, err
	}
	return gsiClaim{slot: rel.GSIIndex, holder: holder.Name, pk: pk, sk: &sk}, nil
}

// defaultSortPattern is "<ENTITY>#{<first field of the partition pattern>}",
// or just "<ENTITY>" when the partition pattern is constant.
func defaultSortPattern(e model.Entity) string {
	prefix := strings.ToUpper(e.Name)
	tmpl, err := keys.Parse(e.PartitionKey)
	if err != nil {
		return prefix
	}
	refs := tmpl.FieldRefs()
	if len(refs) == 0 {
		return prefix
	}
	return prefix + "#{" + refs[0] + "}"
}

func (g *Generator) localIndexes(tbl *schema.Table, entities []model.Entity) error {
	type lsiSlot struct {
		owner string
		lsi   schema.LSI
	}
	slots := map[int]*lsiSlot{}
	for _, e := range entities {
		trait := e.Traits.LocalIndex
		if trait == nil {
			continue
		}
		if tbl.SortKey == nil {
			return configErr(e.Name, "", "local secondary indexes require a table sort key")
		}
		if trait.Slot < 1 || trait.Slot > maxLSILimit {
			return configErr(e.Name, "", "local index slot %d out of range 1..%d", trait.Slot, maxLSILimit)
		}
		name := g.cfg.lsiName(trait.Slot)
		sk, err := parseKey(e, name, trait.SortPattern)
		if err != nil {
			return err
		}
		proj := schema.Projection{Type: schema.ProjectionType(trait.Projection), NonKeyAttributes: trait.NonKeyAttributes}
		if proj.Type == "" {
			proj.Type = schema.ProjectAll
		}
		lsi := schema.LSI{
			Name:       name,
			SortKey:    table.KeyDef{Name: g.cfg.lsiSK(trait.Slot), Kind: sk.kind},
			Projection: proj,
		}
		if existing, ok := slots[trait.Slot]; ok {
			if existing.lsi.SortKey.Kind != lsi.SortKey.Kind || !existing.lsi.Projection.Equal(lsi.Projection) {
				return configErr(e.Name, name, "local index definition conflicts with %q", existing.owner)
			}
			continue
		}
		slots[trait.Slot] = &lsiSlot{owner: e.Name, lsi: lsi}
	}

	order := make([]int, 0, len(slots))
	for n := range slots {
		order = append(order, n)
	}
	sort.Ints(order)
	for _, n := range order {
		tbl.LSIs = append(tbl.LSIs, slots[n].lsi)
	}
	return nil
}

func (g *Generator) timeToLive(tbl *schema.Table, entities []model.Entity) error {
	var attr, owner string
	for _, e := range entities {
		if !e.Traits.TTL {
			continue
		}
		name := e.Traits.TTLAttribute
		if name == "" {
			name = g.cfg.TTLAttribute
		}
		if name == "" {
			return configErr(e.Name, "", "ttl trait set but no ttl attribute configured")
		}
		if attr != "" && attr != name {
			return configErr(e.Name, "", "ttl attribute %q conflicts with %q used by %q; a table has one ttl attribute", name, attr, owner)
		}
		attr, owner = name, e.Name
	}
	if attr != "" {
		tbl.TTL = &schema.TTL{Enabled: true, AttributeName: attr}
	}
	return nil
}
