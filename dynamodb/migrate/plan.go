package migrate

import (
	"fmt"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
)

// Plan orders changes into steps DynamoDB will accept.
//
// A new table is created with all its indexes inline. Otherwise steps run in
// five phases: index removals, removal half of index modifications, index
// additions (create, wait, backfill), then table-level updates. DynamoDB
// allows one index mutation in flight per table, so every index mutation is
// followed by a wait and nothing is ever planned in parallel. Within a phase
// each step depends on its predecessor.
//
// Changes that require recreating the table produce no steps.
func Plan(changes []Change, current schema.Table) []Step {
	p := &planner{table: current.Name}
	for _, ch := range changes {
		if ch.Type == ChangeTableCreate {
			p.planCreate(current)
			return p.steps
		}
	}

	var removes, modifies, adds []Change
	var settings []Change
	for _, ch := range changes {
		if ch.recreate {
			continue
		}
		switch ch.Type {
		case ChangeGSIRemove:
			removes = append(removes, ch)
		case ChangeGSIModify:
			modifies = append(modifies, ch)
		case ChangeGSIAdd:
			adds = append(adds, ch)
		case ChangeCapacity, ChangeStream, ChangeTTL, ChangeTableSettings:
			settings = append(settings, ch)
		}
	}

	p.startPhase()
	for _, ch := range removes {
		p.deleteIndex(ch.Component)
	}

	p.startPhase()
	for _, ch := range modifies {
		p.deleteIndex(ch.Component)
	}

	p.startPhase()
	for _, ch := range append(adds, modifies...) {
		g, ok := ch.Current.(schema.GSI)
		if !ok {
			g, _ = current.GSI(ch.Component)
		}
		p.createIndex(g)
	}

	for _, ch := range settings {
		p.startPhase()
		p.planSetting(ch, current)
	}
	return p.steps
}

type planner struct {
	table string
	steps []Step
	// prev is the order of the last step in the current phase, 0 at a phase start.
	prev int
}

func (p *planner) startPhase() {
	p.prev = 0
}

func (p *planner) add(op Operation, desc string, params StepParams, wait bool) {
	params.TableName = p.table
	step := Step{
		Order:             len(p.steps) + 1,
		Operation:         op,
		Description:       desc,
		Params:            params,
		WaitForCompletion: wait,
	}
	if p.prev > 0 {
		step.DependsOn = []int{p.prev}
	}
	p.steps = append(p.steps, step)
	p.prev = step.Order
}

func (p *planner) planCreate(current schema.Table) {
	t := current
	p.add(OpCreateTable, fmt.Sprintf("Create table %s", t.Name), StepParams{Table: &t}, false)
	p.add(OpWait, fmt.Sprintf("Wait for table %s to become active", t.Name), StepParams{WaitTarget: WaitTableActive}, true)
	if t.TTLEnabled() {
		ttl := *t.TTL
		p.add(OpUpdateTTL, fmt.Sprintf("Enable TTL on %s", ttl.AttributeName), StepParams{TTL: &ttl}, false)
	}
}

func (p *planner) deleteIndex(name string) {
	p.add(OpDeleteGSI, fmt.Sprintf("Delete global index %s", name), StepParams{Index: name}, false)
	p.add(OpWait, fmt.Sprintf("Wait for index %s to be deleted", name), StepParams{Index: name, WaitTarget: WaitIndexDeleted}, true)
}

func (p *planner) createIndex(g schema.GSI) {
	p.add(OpCreateGSI, fmt.Sprintf("Create global index %s", g.Name), StepParams{Index: g.Name, GSI: &g}, false)
	p.add(OpWait, fmt.Sprintf("Wait for index %s to become active", g.Name), StepParams{Index: g.Name, WaitTarget: WaitIndexActive}, true)
	p.add(OpBackfillData, fmt.Sprintf("Backfill %s key attributes on existing items", g.Name), StepParams{Index: g.Name, GSI: &g}, true)
}

func (p *planner) planSetting(ch Change, current schema.Table) {
	switch ch.Type {
	case ChangeCapacity:
		c := current.Capacity
		p.add(OpUpdateTable, ch.Description, StepParams{Capacity: &c}, false)
	case ChangeStream:
		s := schema.Stream{Enabled: false}
		if current.StreamEnabled() {
			s = *current.Stream
		}
		p.add(OpUpdateStream, ch.Description, StepParams{Stream: &s}, false)
	case ChangeTTL:
		// DynamoDB cannot move TTL between attributes; disable first.
		if prev, ok := ch.Previous.(schema.TTL); ok {
			off := schema.TTL{Enabled: false, AttributeName: prev.AttributeName}
			p.add(OpUpdateTTL, fmt.Sprintf("Disable TTL on %s", prev.AttributeName), StepParams{TTL: &off}, false)
		}
		if current.TTLEnabled() {
			on := *current.TTL
			p.add(OpUpdateTTL, fmt.Sprintf("Enable TTL on %s", on.AttributeName), StepParams{TTL: &on}, false)
		}
	case ChangeTableSettings:
		switch ch.Component {
		case componentTableClass:
			p.add(OpUpdateTable, ch.Description, StepParams{TableClass: current.TableClass}, false)
		case componentDeletionProtection:
			enabled := current.DeletionProtection
			p.add(OpUpdateTable, ch.Description, StepParams{DeletionProtection: &enabled}, false)
		}
	}
}
