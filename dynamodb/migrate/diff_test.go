package migrate

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/model"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/model/modeltest"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/table"
)

func TestDiff_InitialCreation(t *testing.T) {
	reg := modeltest.Blog()
	res, err := NewDiffer(testGenerator()).Diff(reg, nil)
	require.NoError(t, err)

	assert.True(t, res.HasChanges)
	assert.False(t, res.HasBreakingChanges)
	assert.Nil(t, res.Previous)
	require.Len(t, res.ByType[ChangeTableCreate], 1)
	assert.Len(t, res.ByType[ChangeGSIAdd], 2)
	assert.Len(t, res.ByType[ChangeEntityAdd], 3)
	for _, ch := range res.ByType[ChangeGSIAdd] {
		assert.Equal(t, SeverityLow, ch.Severity)
	}
	for _, ch := range res.ByType[ChangeEntityAdd] {
		assert.Equal(t, SeverityInfo, ch.Severity)
	}

	assert.Equal(t, []Operation{OpCreateTable, OpWait, OpUpdateTTL}, operations(res.Plan))
	assert.Equal(t, WaitTableActive, res.Plan[1].Params.WaitTarget)
	assert.Equal(t, []int{1}, res.Plan[1].DependsOn)
	assert.Len(t, res.Mappings, 2)
}

func TestDiff_NoChanges(t *testing.T) {
	reg := modeltest.Blog()
	d := NewDiffer(testGenerator())
	tbl, err := testGenerator().Generate(reg)
	require.NoError(t, err)

	res, err := d.Diff(reg, stateFor(t, tbl, reg))
	require.NoError(t, err)
	assert.False(t, res.HasChanges)
	assert.Empty(t, res.Changes)
	assert.Empty(t, res.Plan)
}

func TestDiff_AddGSI3(t *testing.T) {
	prev := baseTable(gsi(1), gsi(2))
	cur := baseTable(gsi(1), gsi(2), gsi(3))

	res := DiffSchemas(cur, model.Registry{}, stateFor(t, prev, model.Registry{}))

	require.Len(t, res.Changes, 1)
	ch := res.Changes[0]
	assert.Equal(t, ChangeGSIAdd, ch.Type)
	assert.Equal(t, SeverityMedium, ch.Severity)
	assert.True(t, ch.RequiresDataMigration)
	assert.False(t, ch.IsBreaking)
	assert.Equal(t, "GSI3", ch.Component)

	require.Len(t, res.Plan, 3)
	assert.Equal(t, []Operation{OpCreateGSI, OpWait, OpBackfillData}, operations(res.Plan))
	assert.Equal(t, "GSI3", res.Plan[0].Params.GSI.Name)
	assert.Equal(t, "gsi3pk", res.Plan[0].Params.GSI.PartitionKey.Name)
	assert.Equal(t, WaitIndexActive, res.Plan[1].Params.WaitTarget)
	assert.Equal(t, "GSI3", res.Plan[2].Params.Index)
	assert.Nil(t, res.Plan[0].DependsOn)
	assert.Equal(t, []int{1}, res.Plan[1].DependsOn)
	assert.Equal(t, []int{2}, res.Plan[2].DependsOn)
}

func TestDiff_RemoveGSI2(t *testing.T) {
	prev := baseTable(gsi(1), gsi(2))
	cur := baseTable(gsi(1))

	res := DiffSchemas(cur, model.Registry{}, stateFor(t, prev, model.Registry{}))

	require.Len(t, res.Changes, 1)
	ch := res.Changes[0]
	assert.Equal(t, ChangeGSIRemove, ch.Type)
	assert.Equal(t, SeverityHigh, ch.Severity)
	assert.True(t, ch.IsBreaking)
	assert.False(t, ch.RequiresDataMigration)
	assert.True(t, res.HasBreakingChanges)

	assert.Equal(t, []Operation{OpDeleteGSI, OpWait}, operations(res.Plan))
	assert.Equal(t, "GSI2", res.Plan[0].Params.Index)
	assert.Equal(t, WaitIndexDeleted, res.Plan[1].Params.WaitTarget)
}

func TestDiff_ModifyGSI(t *testing.T) {
	changed := gsi(2)
	changed.Projection = schema.Projection{Type: schema.ProjectKeysOnly}
	prev := baseTable(gsi(1), gsi(2))
	cur := baseTable(gsi(1), changed)

	res := DiffSchemas(cur, model.Registry{}, stateFor(t, prev, model.Registry{}))

	require.Len(t, res.Changes, 1)
	ch := res.Changes[0]
	assert.Equal(t, ChangeGSIModify, ch.Type)
	assert.Equal(t, SeverityHigh, ch.Severity)
	assert.True(t, ch.IsBreaking)
	assert.True(t, ch.RequiresDataMigration)

	assert.Equal(t, []Operation{OpDeleteGSI, OpWait, OpCreateGSI, OpWait, OpBackfillData}, operations(res.Plan))
	assert.Equal(t, schema.ProjectKeysOnly, res.Plan[2].Params.GSI.Projection.Type)
	assert.Nil(t, res.Plan[2].DependsOn, "additions start a new phase")
}

func TestDiff_BillingModeSwitch(t *testing.T) {
	prev := baseTable(gsi(1))
	cur := baseTable(gsi(1))
	cur.Capacity = schema.Capacity{Mode: schema.Provisioned, ReadUnits: 10, WriteUnits: 5}

	res := DiffSchemas(cur, model.Registry{}, stateFor(t, prev, model.Registry{}))

	require.Len(t, res.Changes, 1)
	ch := res.Changes[0]
	assert.Equal(t, ChangeCapacity, ch.Type)
	assert.Equal(t, SeverityMedium, ch.Severity)
	assert.False(t, ch.IsBreaking)

	require.Len(t, res.Plan, 1)
	step := res.Plan[0]
	assert.Equal(t, OpUpdateTable, step.Operation)
	assert.False(t, step.WaitForCompletion)
	assert.Equal(t, cur.Capacity, *step.Params.Capacity)
}

func TestDiff_ProvisionedUnits(t *testing.T) {
	prev := baseTable()
	prev.Capacity = schema.Capacity{Mode: schema.Provisioned, ReadUnits: 5, WriteUnits: 5}
	cur := baseTable()
	cur.Capacity = schema.Capacity{Mode: schema.Provisioned, ReadUnits: 20, WriteUnits: 5}

	res := DiffSchemas(cur, model.Registry{}, stateFor(t, prev, model.Registry{}))
	require.Len(t, res.Changes, 1)
	assert.Equal(t, SeverityLow, res.Changes[0].Severity)
}

func TestDiff_Stream(t *testing.T) {
	newImage := &schema.Stream{Enabled: true, ViewType: schema.StreamNewImage}
	both := &schema.Stream{Enabled: true, ViewType: schema.StreamNewAndOldImages}

	tests := []struct {
		name     string
		prev     *schema.Stream
		cur      *schema.Stream
		severity Severity
		breaking bool
	}{
		{name: "enable", cur: newImage, severity: SeverityLow},
		{name: "disable", prev: newImage, severity: SeverityHigh, breaking: true},
		{name: "view type", prev: newImage, cur: both, severity: SeverityMedium, breaking: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev, cur := baseTable(), baseTable()
			prev.Stream, cur.Stream = tt.prev, tt.cur

			res := DiffSchemas(cur, model.Registry{}, stateFor(t, prev, model.Registry{}))
			require.Len(t, res.Changes, 1)
			ch := res.Changes[0]
			assert.Equal(t, ChangeStream, ch.Type)
			assert.Equal(t, tt.severity, ch.Severity)
			assert.Equal(t, tt.breaking, ch.IsBreaking)
			assert.Equal(t, []Operation{OpUpdateStream}, operations(res.Plan))
		})
	}
}

func TestDiff_TTL(t *testing.T) {
	on := func(attr string) *schema.TTL { return &schema.TTL{Enabled: true, AttributeName: attr} }

	tests := []struct {
		name  string
		prev  *schema.TTL
		cur   *schema.TTL
		steps []bool // enabled flag of each update_ttl step
	}{
		{name: "enable", cur: on("ttl"), steps: []bool{true}},
		{name: "disable", prev: on("ttl"), steps: []bool{false}},
		{name: "move", prev: on("ttl"), cur: on("expiresAt"), steps: []bool{false, true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev, cur := baseTable(), baseTable()
			prev.TTL, cur.TTL = tt.prev, tt.cur

			res := DiffSchemas(cur, model.Registry{}, stateFor(t, prev, model.Registry{}))
			require.Len(t, res.Changes, 1)
			ch := res.Changes[0]
			assert.Equal(t, ChangeTTL, ch.Type)
			assert.Equal(t, SeverityLow, ch.Severity)
			assert.False(t, ch.IsBreaking)
			assert.Contains(t, ch.SuggestedAction, "one hour")

			require.Len(t, res.Plan, len(tt.steps))
			for i, enabled := range tt.steps {
				assert.Equal(t, OpUpdateTTL, res.Plan[i].Operation)
				assert.Equal(t, enabled, res.Plan[i].Params.TTL.Enabled)
			}
		})
	}
}

func TestDiff_TableSettings(t *testing.T) {
	prev, cur := baseTable(), baseTable()
	cur.TableClass = schema.TableClassInfrequent
	cur.DeletionProtection = true

	res := DiffSchemas(cur, model.Registry{}, stateFor(t, prev, model.Registry{}))
	require.Len(t, res.Changes, 2)
	assert.Equal(t, SeverityMedium, res.Changes[0].Severity)
	assert.Equal(t, SeverityLow, res.Changes[1].Severity)
	require.Len(t, res.Plan, 2)
	assert.Equal(t, schema.TableClassInfrequent, res.Plan[0].Params.TableClass)
	assert.True(t, *res.Plan[1].Params.DeletionProtection)

	// Turning protection off is riskier than turning it on.
	res = DiffSchemas(prev, model.Registry{}, stateFor(t, cur, model.Registry{}))
	assert.Equal(t, SeverityMedium, res.ByType[ChangeTableSettings][1].Severity)
}

func TestDiff_KeySchemaRequiresRecreation(t *testing.T) {
	prev := baseTable()
	cur := baseTable()
	cur.PartitionKey.Kind = table.KeyKindN

	res := DiffSchemas(cur, model.Registry{}, stateFor(t, prev, model.Registry{}))
	require.Len(t, res.Changes, 1)
	assert.Equal(t, SeverityCritical, res.Changes[0].Severity)
	assert.True(t, res.RequiresRecreation)
	assert.Empty(t, res.Plan)
}

func TestDiff_Entities(t *testing.T) {
	reg := modeltest.Blog()
	tbl, err := testGenerator().Generate(reg)
	require.NoError(t, err)
	prev := stateFor(t, tbl, reg)

	changed := modeltest.With(reg, "User", func(e *model.Entity) {
		e.Attributes = append(e.Attributes, model.Attribute{Name: "avatar", Type: model.TypeString})
	})
	var kept []model.Entity
	for _, e := range changed.Entities {
		if e.Name != "Post" {
			kept = append(kept, e)
		}
	}
	changed.Entities = append(kept, model.Entity{
		Name:         "Tag",
		PartitionKey: "TAG#{name}",
		SortKey:      "METADATA",
		Attributes:   []model.Attribute{{Name: "name", Type: model.TypeString}},
	})
	// Only entity bookkeeping differs when the generated table is unchanged.
	res := DiffSchemas(tbl, changed, prev)

	assert.Equal(t, []Change{{
		Type:            ChangeEntityRemove,
		Severity:        SeverityLow,
		Description:     "Remove entity type Post",
		Component:       "Post",
		SuggestedAction: "Items of type Post remain in the table until deleted",
	}}, res.ByType[ChangeEntityRemove])
	require.Len(t, res.ByType[ChangeEntityAdd], 1)
	assert.Equal(t, "Tag", res.ByType[ChangeEntityAdd][0].Component)
	require.Len(t, res.ByType[ChangeEntityModify], 1)
	assert.Equal(t, "User", res.ByType[ChangeEntityModify][0].Component)

	assert.False(t, res.HasBreakingChanges)
	assert.Empty(t, res.Plan, "entity changes are not structural")
}

func TestDiff_Summary(t *testing.T) {
	prev := baseTable(gsi(1), gsi(2))
	cur := baseTable(gsi(1), gsi(3))
	cur.Capacity = schema.Capacity{Mode: schema.Provisioned, ReadUnits: 1, WriteUnits: 1}

	res := DiffSchemas(cur, model.Registry{}, stateFor(t, prev, model.Registry{}))
	assert.Equal(t, Summary{
		Total:         3,
		BySeverity:    map[Severity]int{SeverityHigh: 1, SeverityMedium: 2},
		ByType:        map[ChangeType]int{ChangeGSIRemove: 1, ChangeGSIAdd: 1, ChangeCapacity: 1},
		Breaking:      1,
		DataMigration: 1,
		Steps:         6,
	}, res.Summary)
	assert.True(t, res.RequiresDataMigration)
	assert.Len(t, res.BySeverity[SeverityMedium], 2)
}

// lsiSet builds local indexes from per-slot codes: 0 absent, 1 ALL,
// 2 KEYS_ONLY, 3 numeric sort key.
func lsiSet(codes []int) []schema.LSI {
	var out []schema.LSI
	for i, code := range codes {
		if code == 0 {
			continue
		}
		l := schema.LSI{
			Name:       fmt.Sprintf("LSI%d", i+1),
			SortKey:    table.KeyDef{Name: fmt.Sprintf("lsi%dsk", i+1), Kind: table.KeyKindS},
			Projection: schema.Projection{Type: schema.ProjectAll},
		}
		switch code {
		case 2:
			l.Projection.Type = schema.ProjectKeysOnly
		case 3:
			l.SortKey.Kind = table.KeyKindN
		}
		out = append(out, l)
	}
	return out
}

// gsiSet builds global indexes from per-slot codes like lsiSet.
func gsiSet(codes []int) []schema.GSI {
	var out []schema.GSI
	for i, code := range codes {
		if code == 0 {
			continue
		}
		g := gsi(i + 1)
		switch code {
		case 2:
			g.Projection.Type = schema.ProjectKeysOnly
		case 3:
			g.SortKey = nil
		}
		out = append(out, g)
	}
	return out
}

func TestProperty_Diff(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	differ := NewDiffer(testGenerator())
	slots := gen.SliceOfN(5, gen.IntRange(0, 3))

	properties.Property("applied schema diffs to no changes", prop.ForAll(
		func(reg model.Registry) bool {
			tbl, err := testGenerator().Generate(reg)
			if err != nil {
				return false
			}
			s, err := NewState(tbl, reg, nil, testNow)
			if err != nil {
				return false
			}
			res, err := differ.Diff(reg, s)
			return err == nil && !res.HasChanges && len(res.Plan) == 0
		},
		modeltest.GenRegistry(),
	))

	properties.Property("initial diff creates the table and nothing else", prop.ForAll(
		func(reg model.Registry) bool {
			res, err := differ.Diff(reg, nil)
			if err != nil || len(res.ByType[ChangeTableCreate]) != 1 || res.HasBreakingChanges {
				return false
			}
			ops := operations(res.Plan)
			if res.Current.TTLEnabled() {
				return len(ops) == 3 && ops[0] == OpCreateTable && ops[1] == OpWait && ops[2] == OpUpdateTTL
			}
			return len(ops) == 2 && ops[0] == OpCreateTable && ops[1] == OpWait
		},
		modeltest.GenRegistry(),
	))

	properties.Property("index removals precede additions and every mutation is followed by a wait", prop.ForAll(
		func(prevCodes, curCodes []int) bool {
			prev, cur := baseTable(gsiSet(prevCodes)...), baseTable(gsiSet(curCodes)...)
			res := DiffSchemas(cur, model.Registry{}, &State{Schema: prev})

			seenCreate := false
			for i, s := range res.Plan {
				switch s.Operation {
				case OpCreateGSI:
					seenCreate = true
				case OpDeleteGSI:
					if seenCreate {
						return false
					}
				default:
					continue
				}
				if i+1 >= len(res.Plan) || res.Plan[i+1].Operation != OpWait {
					return false
				}
			}
			for i, s := range res.Plan {
				if s.Order != i+1 {
					return false
				}
				if len(s.DependsOn) > 0 && s.DependsOn[0] != s.Order-1 {
					return false
				}
			}
			return true
		},
		slots, slots,
	))

	properties.Property("local index changes are critical and breaking", prop.ForAll(
		func(prevCodes, curCodes []int) bool {
			prev, cur := baseTable(), baseTable()
			prev.LSIs, cur.LSIs = lsiSet(prevCodes), lsiSet(curCodes)
			res := DiffSchemas(cur, model.Registry{}, &State{Schema: prev})

			differs := prev.Hash() != cur.Hash()
			if differs != res.HasChanges {
				return false
			}
			for _, ch := range res.Changes {
				if ch.Severity != SeverityCritical || !ch.IsBreaking || !ch.RequiresDataMigration {
					return false
				}
			}
			return res.RequiresRecreation == differs && len(res.Plan) == 0
		},
		slots, slots,
	))

	properties.TestingRun(t)
}
