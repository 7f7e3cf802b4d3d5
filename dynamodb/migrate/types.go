// Package migrate compares a generated schema with the last applied one,
// plans the structural changes in an order DynamoDB accepts, and executes
// the plan against a control-plane client.
package migrate

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/constraints"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/model"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schemagen"
)

// Severity ranks the operational risk of a change.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"info", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

func (s Severity) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(severityNames) {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(severityNames[s]), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	for i, name := range severityNames {
		if name == string(text) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", text)
}

// Severities lists every severity from most to least severe.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

type ChangeType string

const (
	ChangeTableCreate   ChangeType = "table_create"
	ChangeTableSettings ChangeType = "table_settings"
	ChangeGSIAdd        ChangeType = "gsi_add"
	ChangeGSIRemove     ChangeType = "gsi_remove"
	ChangeGSIModify     ChangeType = "gsi_modify"
	ChangeLSIAdd        ChangeType = "lsi_add"
	ChangeLSIRemove     ChangeType = "lsi_remove"
	ChangeEntityAdd     ChangeType = "entity_add"
	ChangeEntityRemove  ChangeType = "entity_remove"
	ChangeEntityModify  ChangeType = "entity_modify"
	ChangeCapacity      ChangeType = "capacity_change"
	ChangeStream        ChangeType = "stream_change"
	ChangeTTL           ChangeType = "ttl_change"
)

// Change is one difference between the applied and the generated schema.
// Previous and Current hold the compared values, e.g. two schema.GSI.
type Change struct {
	Type                  ChangeType `yaml:"type" json:"type"`
	Severity              Severity   `yaml:"severity" json:"severity"`
	Description           string     `yaml:"description" json:"description"`
	Component             string     `yaml:"component" json:"component"`
	Previous              any        `yaml:"previous,omitempty" json:"previous,omitempty"`
	Current               any        `yaml:"current,omitempty" json:"current,omitempty"`
	RequiresDataMigration bool       `yaml:"requiresDataMigration" json:"requiresDataMigration"`
	IsBreaking            bool       `yaml:"isBreaking" json:"isBreaking"`
	SuggestedAction       string     `yaml:"suggestedAction,omitempty" json:"suggestedAction,omitempty"`

	// recreate marks changes DynamoDB can only apply by recreating the table.
	recreate bool
}

// Operation is a control-plane action. The set is closed: every value below
// numOperations has a handler in the Runner.
type Operation int

const (
	OpCreateTable Operation = iota
	OpUpdateTable
	OpDeleteTable
	OpCreateGSI
	OpDeleteGSI
	OpUpdateTTL
	OpUpdateStream
	OpBackfillData
	OpWait

	numOperations
)

var operationNames = [numOperations]string{
	OpCreateTable:  "create_table",
	OpUpdateTable:  "update_table",
	OpDeleteTable:  "delete_table",
	OpCreateGSI:    "create_gsi",
	OpDeleteGSI:    "delete_gsi",
	OpUpdateTTL:    "update_ttl",
	OpUpdateStream: "update_stream",
	OpBackfillData: "backfill_data",
	OpWait:         "wait",
}

func (o Operation) String() string {
	if o < 0 || o >= numOperations {
		return fmt.Sprintf("operation(%d)", int(o))
	}
	return operationNames[o]
}

func (o Operation) MarshalText() ([]byte, error) {
	if o < 0 || o >= numOperations {
		return nil, fmt.Errorf("invalid operation %d", int(o))
	}
	return []byte(operationNames[o]), nil
}

func (o *Operation) UnmarshalText(text []byte) error {
	for i, name := range operationNames {
		if name == string(text) {
			*o = Operation(i)
			return nil
		}
	}
	return fmt.Errorf("unknown operation %q", text)
}

// WaitTarget is the condition a wait step polls for.
type WaitTarget string

const (
	WaitTableActive  WaitTarget = "table_active"
	WaitTableDeleted WaitTarget = "table_deleted"
	WaitIndexActive  WaitTarget = "index_active"
	WaitIndexDeleted WaitTarget = "index_deleted"
)

// StepParams is the payload of a step. Which fields are set depends on the
// operation.
type StepParams struct {
	TableName string `yaml:"tableName" json:"tableName"`

	Table *schema.Table `yaml:"table,omitempty" json:"table,omitempty"` // create_table
	Index string        `yaml:"index,omitempty" json:"index,omitempty"`
	GSI   *schema.GSI   `yaml:"gsi,omitempty" json:"gsi,omitempty"` // create_gsi, backfill_data

	Capacity           *schema.Capacity  `yaml:"capacity,omitempty" json:"capacity,omitempty"`
	Stream             *schema.Stream    `yaml:"stream,omitempty" json:"stream,omitempty"`
	TTL                *schema.TTL       `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	TableClass         schema.TableClass `yaml:"tableClass,omitempty" json:"tableClass,omitempty"`
	DeletionProtection *bool             `yaml:"deletionProtection,omitempty" json:"deletionProtection,omitempty"`

	WaitTarget WaitTarget `yaml:"waitTarget,omitempty" json:"waitTarget,omitempty"`
	// Timeout overrides the runner's default budget for a wait step.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Step is one entry of a migration plan.
type Step struct {
	Order             int        `yaml:"order" json:"order"`
	Operation         Operation  `yaml:"operation" json:"operation"`
	Description       string     `yaml:"description" json:"description"`
	Params            StepParams `yaml:"params" json:"params"`
	WaitForCompletion bool       `yaml:"waitForCompletion,omitempty" json:"waitForCompletion,omitempty"`
	DependsOn         []int      `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
}

// State is the record of a successfully applied schema.
type State struct {
	Version            string            `yaml:"version" json:"version"`
	PreviousVersion    string            `yaml:"previousVersion,omitempty" json:"previousVersion,omitempty"`
	AppliedAt          time.Time         `yaml:"appliedAt" json:"appliedAt"`
	SchemaHash         string            `yaml:"schemaHash" json:"schemaHash"`
	Schema             schema.Table      `yaml:"schema" json:"schema"`
	EntityTypes        []string          `yaml:"entityTypes" json:"entityTypes"`
	EntityFingerprints map[string]string `yaml:"entityFingerprints,omitempty" json:"entityFingerprints,omitempty"`
	IndexNames         []string          `yaml:"indexNames,omitempty" json:"indexNames,omitempty"`
}

// NewState records tbl as applied for reg. prev may be nil.
func NewState(tbl schema.Table, reg model.Registry, prev *State, now time.Time) (*State, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate state version: %w", err)
	}
	canonical := tbl.Canonical()
	s := &State{
		Version:            id.String(),
		AppliedAt:          now.UTC(),
		SchemaHash:         canonical.Hash(),
		Schema:             canonical,
		EntityTypes:        reg.Names(),
		EntityFingerprints: reg.Fingerprints(),
		IndexNames:         canonical.IndexNames(),
	}
	if prev != nil {
		s.PreviousVersion = prev.Version
	}
	return s, nil
}

// Summary counts changes and steps per category.
type Summary struct {
	Total         int                `yaml:"total" json:"total"`
	BySeverity    map[Severity]int   `yaml:"bySeverity" json:"bySeverity"`
	ByType        map[ChangeType]int `yaml:"byType" json:"byType"`
	Breaking      int                `yaml:"breaking" json:"breaking"`
	DataMigration int                `yaml:"dataMigration" json:"dataMigration"`
	Steps         int                `yaml:"steps" json:"steps"`
}

// DiffResult is the outcome of comparing a registry against applied state.
type DiffResult struct {
	HasChanges            bool `yaml:"hasChanges" json:"hasChanges"`
	HasBreakingChanges    bool `yaml:"hasBreakingChanges" json:"hasBreakingChanges"`
	RequiresDataMigration bool `yaml:"requiresDataMigration" json:"requiresDataMigration"`

	// RequiresRecreation is set when a change can only be applied by
	// recreating the table, e.g. any local index change. No steps are
	// planned for such changes.
	RequiresRecreation bool `yaml:"requiresRecreation" json:"requiresRecreation"`

	Changes    []Change                 `yaml:"changes" json:"changes"`
	BySeverity map[Severity][]Change    `yaml:"-" json:"-"`
	ByType     map[ChangeType][]Change  `yaml:"-" json:"-"`
	Summary    Summary                  `yaml:"summary" json:"summary"`
	Plan       []Step                   `yaml:"plan" json:"plan"`
	Current    schema.Table             `yaml:"current" json:"current"`
	Previous   *schema.Table            `yaml:"previous,omitempty" json:"previous,omitempty"`
	Mappings   []schemagen.IndexMapping `yaml:"mappings,omitempty" json:"mappings,omitempty"`
}

// Phase is the runner's position in its state machine.
type Phase string

const (
	PhaseLoadingModels        Phase = "loading_models"
	PhaseDiffing              Phase = "diffing"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseExecuting            Phase = "executing"
	PhaseSavingState          Phase = "saving_state"
	PhaseDone                 Phase = "done"
	PhaseFailed               Phase = "failed"
)

// StepOutcome is the result of one executed step.
type StepOutcome struct {
	Step     Step          `yaml:"step" json:"step"`
	Success  bool          `yaml:"success" json:"success"`
	Skipped  bool          `yaml:"skipped,omitempty" json:"skipped,omitempty"`
	Duration time.Duration `yaml:"duration" json:"duration"`
	Error    string        `yaml:"error,omitempty" json:"error,omitempty"`
}

// Result is the outcome of a Run. Steps lists every attempted step; only
// the ones with Success set are live against the table.
type Result struct {
	Success       bool          `yaml:"success" json:"success"`
	DryRun        bool          `yaml:"dryRun" json:"dryRun"`
	Phase         Phase         `yaml:"phase" json:"phase"`
	StepsExecuted int           `yaml:"stepsExecuted" json:"stepsExecuted"`
	StepsTotal    int           `yaml:"stepsTotal" json:"stepsTotal"`
	Steps         []StepOutcome `yaml:"steps" json:"steps"`
	Errors        []error       `yaml:"-" json:"-"`
	Diff          *DiffResult   `yaml:"-" json:"-"`
	NewState      *State        `yaml:"newState,omitempty" json:"newState,omitempty"`
	Duration      time.Duration `yaml:"duration" json:"duration"`
}

func sortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
