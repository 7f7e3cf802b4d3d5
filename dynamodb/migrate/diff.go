package migrate

import (
	"fmt"
	"sort"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/model"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schemagen"
)

// Components of table-level changes.
const (
	componentTableName          = "table name"
	componentKeySchema          = "key schema"
	componentTableClass         = "table class"
	componentDeletionProtection = "deletion protection"
	componentTTL                = "ttl"
	componentStream             = "stream"
	componentCapacity           = "capacity"
)

// Differ compares the schema generated for a registry with applied state.
type Differ struct {
	gen *schemagen.Generator
}

func NewDiffer(gen *schemagen.Generator) *Differ {
	return &Differ{gen: gen}
}

// Diff generates the schema for reg and compares it with prev. A nil prev
// means the table was never created.
func (d *Differ) Diff(reg model.Registry, prev *State) (*DiffResult, error) {
	layout, err := d.gen.GenerateLayout(reg)
	if err != nil {
		return nil, err
	}
	res := DiffSchemas(layout.Table, reg, prev)
	res.Mappings = layout.Mappings
	return res, nil
}

// DiffSchemas compares current against the schema recorded in prev and
// plans the result.
func DiffSchemas(current schema.Table, reg model.Registry, prev *State) *DiffResult {
	current = current.Canonical()
	var changes []Change
	if prev == nil {
		changes = initialChanges(current, reg)
	} else {
		previous := prev.Schema.Canonical()
		changes = append(changes, diffKeySchema(previous, current)...)
		changes = append(changes, diffGSIs(previous, current)...)
		changes = append(changes, diffLSIs(previous, current)...)
		changes = append(changes, diffEntities(prev, reg)...)
		changes = append(changes, diffTableSettings(previous, current)...)
		changes = append(changes, diffTTL(previous, current)...)
		changes = append(changes, diffStream(previous, current)...)
		changes = append(changes, diffCapacity(previous, current)...)
	}

	res := aggregate(changes)
	res.Current = current
	if prev != nil {
		p := prev.Schema.Canonical()
		res.Previous = &p
	}
	res.Plan = Plan(changes, current)
	res.Summary.Steps = len(res.Plan)
	return res
}

func initialChanges(current schema.Table, reg model.Registry) []Change {
	changes := []Change{{
		Type:        ChangeTableCreate,
		Severity:    SeverityLow,
		Description: fmt.Sprintf("Create table %s", current.Name),
		Component:   current.Name,
		Current:     current,
	}}
	for _, g := range current.GSIs {
		changes = append(changes, Change{
			Type:        ChangeGSIAdd,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("Create global index %s with the table", g.Name),
			Component:   g.Name,
			Current:     g,
		})
	}
	for _, l := range current.LSIs {
		changes = append(changes, Change{
			Type:        ChangeLSIAdd,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("Create local index %s with the table", l.Name),
			Component:   l.Name,
			Current:     l,
		})
	}
	for _, name := range reg.Names() {
		changes = append(changes, Change{
			Type:        ChangeEntityAdd,
			Severity:    SeverityInfo,
			Description: fmt.Sprintf("Add entity type %s", name),
			Component:   name,
		})
	}
	return changes
}

func diffKeySchema(prev, cur schema.Table) []Change {
	var changes []Change
	if prev.Name != cur.Name {
		changes = append(changes, recreation(ChangeTableSettings, componentTableName,
			fmt.Sprintf("Table name changed from %s to %s", prev.Name, cur.Name), prev.Name, cur.Name))
	}
	if prev.KeyDefinition() != cur.KeyDefinition() {
		changes = append(changes, recreation(ChangeTableSettings, componentKeySchema,
			"Primary key schema changed", prev.KeyDefinition(), cur.KeyDefinition()))
	}
	return changes
}

func recreation(typ ChangeType, component, desc string, prev, cur any) Change {
	return Change{
		Type:                  typ,
		Severity:              SeverityCritical,
		Description:           desc,
		Component:             component,
		Previous:              prev,
		Current:               cur,
		RequiresDataMigration: true,
		IsBreaking:            true,
		SuggestedAction:       "Create a new table with the target schema and copy the data; this cannot be applied in place",
		recreate:              true,
	}
}

func diffGSIs(prev, cur schema.Table) []Change {
	var changes []Change
	for _, p := range prev.GSIs {
		if _, ok := cur.GSI(p.Name); !ok {
			changes = append(changes, Change{
				Type:            ChangeGSIRemove,
				Severity:        SeverityHigh,
				Description:     fmt.Sprintf("Remove global index %s", p.Name),
				Component:       p.Name,
				Previous:        p,
				IsBreaking:      true,
				SuggestedAction: fmt.Sprintf("Deploy code that no longer queries %s before applying", p.Name),
			})
		}
	}
	for _, c := range cur.GSIs {
		p, ok := prev.GSI(c.Name)
		if !ok {
			changes = append(changes, Change{
				Type:                  ChangeGSIAdd,
				Severity:              SeverityMedium,
				Description:           fmt.Sprintf("Add global index %s", c.Name),
				Component:             c.Name,
				Current:               c,
				RequiresDataMigration: true,
				SuggestedAction:       fmt.Sprintf("Existing items need %s key attributes to appear in the index", c.Name),
			})
			continue
		}
		if !gsiEqual(p, c) {
			changes = append(changes, Change{
				Type:                  ChangeGSIModify,
				Severity:              SeverityHigh,
				Description:           fmt.Sprintf("Recreate global index %s with a new definition", c.Name),
				Component:             c.Name,
				Previous:              p,
				Current:               c,
				RequiresDataMigration: true,
				IsBreaking:            true,
				SuggestedAction:       fmt.Sprintf("%s is unavailable between deletion and backfill of the new definition", c.Name),
			})
		}
	}
	return changes
}

func gsiEqual(a, b schema.GSI) bool {
	return a.KeyDefinition() == b.KeyDefinition() && a.Projection.Equal(b.Projection)
}

func diffLSIs(prev, cur schema.Table) []Change {
	byName := func(t schema.Table) map[string]schema.LSI {
		m := make(map[string]schema.LSI, len(t.LSIs))
		for _, l := range t.LSIs {
			m[l.Name] = l
		}
		return m
	}
	p, c := byName(prev), byName(cur)

	var changes []Change
	remove := func(l schema.LSI) {
		ch := recreation(ChangeLSIRemove, l.Name, fmt.Sprintf("Remove local index %s", l.Name), l, nil)
		changes = append(changes, ch)
	}
	add := func(l schema.LSI) {
		ch := recreation(ChangeLSIAdd, l.Name, fmt.Sprintf("Add local index %s", l.Name), nil, l)
		changes = append(changes, ch)
	}
	for _, name := range sortedKeys(p) {
		if _, ok := c[name]; !ok {
			remove(p[name])
		}
	}
	for _, name := range sortedKeys(c) {
		old, ok := p[name]
		switch {
		case !ok:
			add(c[name])
		case old.SortKey != c[name].SortKey || !old.Projection.Equal(c[name].Projection):
			remove(old)
			add(c[name])
		}
	}
	return changes
}

func diffEntities(prev *State, reg model.Registry) []Change {
	before := make(map[string]bool, len(prev.EntityTypes))
	for _, name := range prev.EntityTypes {
		before[name] = true
	}
	fingerprints := reg.Fingerprints()

	var changes []Change
	for _, name := range prev.EntityTypes {
		if _, ok := fingerprints[name]; !ok {
			changes = append(changes, Change{
				Type:            ChangeEntityRemove,
				Severity:        SeverityLow,
				Description:     fmt.Sprintf("Remove entity type %s", name),
				Component:       name,
				SuggestedAction: fmt.Sprintf("Items of type %s remain in the table until deleted", name),
			})
		}
	}
	for _, name := range reg.Names() {
		if !before[name] {
			changes = append(changes, Change{
				Type:        ChangeEntityAdd,
				Severity:    SeverityInfo,
				Description: fmt.Sprintf("Add entity type %s", name),
				Component:   name,
			})
			continue
		}
		old, ok := prev.EntityFingerprints[name]
		if ok && old != fingerprints[name] {
			changes = append(changes, Change{
				Type:        ChangeEntityModify,
				Severity:    SeverityInfo,
				Description: fmt.Sprintf("Entity type %s changed", name),
				Component:   name,
				Previous:    old,
				Current:     fingerprints[name],
			})
		}
	}
	return changes
}

func diffTableSettings(prev, cur schema.Table) []Change {
	var changes []Change
	if prev.TableClass != cur.TableClass {
		changes = append(changes, Change{
			Type:        ChangeTableSettings,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("Change table class from %s to %s", prev.TableClass, cur.TableClass),
			Component:   componentTableClass,
			Previous:    prev.TableClass,
			Current:     cur.TableClass,
		})
	}
	if prev.DeletionProtection != cur.DeletionProtection {
		ch := Change{
			Type:      ChangeTableSettings,
			Severity:  SeverityLow,
			Component: componentDeletionProtection,
			Previous:  prev.DeletionProtection,
			Current:   cur.DeletionProtection,
		}
		if cur.DeletionProtection {
			ch.Description = "Enable deletion protection"
		} else {
			ch.Severity = SeverityMedium
			ch.Description = "Disable deletion protection"
			ch.SuggestedAction = "The table can be deleted once this is applied"
		}
		changes = append(changes, ch)
	}
	return changes
}

func diffTTL(prev, cur schema.Table) []Change {
	if prev.TTLEnabled() == cur.TTLEnabled() && (!cur.TTLEnabled() || prev.TTL.AttributeName == cur.TTL.AttributeName) {
		return nil
	}
	ch := Change{
		Type:            ChangeTTL,
		Severity:        SeverityLow,
		Component:       componentTTL,
		SuggestedAction: "TTL changes can take up to one hour to propagate",
	}
	switch {
	case !cur.TTLEnabled():
		ch.Description = fmt.Sprintf("Disable TTL on %s", prev.TTL.AttributeName)
		ch.Previous = *prev.TTL
	case !prev.TTLEnabled():
		ch.Description = fmt.Sprintf("Enable TTL on %s", cur.TTL.AttributeName)
		ch.Current = *cur.TTL
	default:
		ch.Description = fmt.Sprintf("Move TTL from %s to %s", prev.TTL.AttributeName, cur.TTL.AttributeName)
		ch.Previous, ch.Current = *prev.TTL, *cur.TTL
	}
	return []Change{ch}
}

func diffStream(prev, cur schema.Table) []Change {
	switch {
	case !prev.StreamEnabled() && cur.StreamEnabled():
		return []Change{{
			Type:        ChangeStream,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("Enable stream (%s)", cur.Stream.ViewType),
			Component:   componentStream,
			Current:     *cur.Stream,
		}}
	case prev.StreamEnabled() && !cur.StreamEnabled():
		return []Change{{
			Type:            ChangeStream,
			Severity:        SeverityHigh,
			Description:     "Disable stream",
			Component:       componentStream,
			Previous:        *prev.Stream,
			IsBreaking:      true,
			SuggestedAction: "Stream consumers stop receiving records",
		}}
	case prev.StreamEnabled() && prev.Stream.ViewType != cur.Stream.ViewType:
		return []Change{{
			Type:            ChangeStream,
			Severity:        SeverityMedium,
			Description:     fmt.Sprintf("Change stream view type from %s to %s", prev.Stream.ViewType, cur.Stream.ViewType),
			Component:       componentStream,
			Previous:        *prev.Stream,
			Current:         *cur.Stream,
			IsBreaking:      true,
			SuggestedAction: "Update stream consumers for the new record shape",
		}}
	}
	return nil
}

func diffCapacity(prev, cur schema.Table) []Change {
	p, c := prev.Capacity, cur.Capacity
	switch {
	case p.Mode != c.Mode:
		return []Change{{
			Type:            ChangeCapacity,
			Severity:        SeverityMedium,
			Description:     fmt.Sprintf("Switch billing mode from %s to %s", p.Mode, c.Mode),
			Component:       componentCapacity,
			Previous:        p,
			Current:         c,
			SuggestedAction: "Billing mode can be switched once every 24 hours",
		}}
	case p != c:
		return []Change{{
			Type:        ChangeCapacity,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("Change provisioned capacity from %d/%d to %d/%d RCU/WCU", p.ReadUnits, p.WriteUnits, c.ReadUnits, c.WriteUnits),
			Component:   componentCapacity,
			Previous:    p,
			Current:     c,
		}}
	}
	return nil
}

func aggregate(changes []Change) *DiffResult {
	res := &DiffResult{
		Changes:    changes,
		HasChanges: len(changes) > 0,
		BySeverity: map[Severity][]Change{},
		ByType:     map[ChangeType][]Change{},
		Summary: Summary{
			Total:      len(changes),
			BySeverity: map[Severity]int{},
			ByType:     map[ChangeType]int{},
		},
	}
	for _, ch := range changes {
		res.BySeverity[ch.Severity] = append(res.BySeverity[ch.Severity], ch)
		res.ByType[ch.Type] = append(res.ByType[ch.Type], ch)
		res.Summary.BySeverity[ch.Severity]++
		res.Summary.ByType[ch.Type]++
		if ch.IsBreaking {
			res.HasBreakingChanges = true
			res.Summary.Breaking++
		}
		if ch.RequiresDataMigration {
			res.RequiresDataMigration = true
			res.Summary.DataMigration++
		}
		if ch.recreate {
			res.RequiresRecreation = true
		}
	}
	return res
}

// bySeverity orders changes from most to least severe, keeping detection
// order within a severity.
func bySeverity(changes []Change) []Change {
	out := make([]Change, len(changes))
	copy(out, changes)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity > out[j].Severity })
	return out
}
