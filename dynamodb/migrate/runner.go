package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/ddbctl"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/model"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schemagen"
)

// StateStore persists applied states. GetState returns nil without error
// when nothing was applied yet. GetHistory is ordered oldest first.
type StateStore interface {
	GetState(ctx context.Context) (*State, error)
	SaveState(ctx context.Context, s *State) error
	GetHistory(ctx context.Context) ([]*State, error)
}

// BackfillRequest asks for the key attributes of a new index to be written
// to existing items.
type BackfillRequest struct {
	TableName string
	Index     schema.GSI
	Mappings  []schemagen.IndexMapping
}

// Backfiller populates new index keys on existing items.
type Backfiller interface {
	Backfill(ctx context.Context, req BackfillRequest) error
}

// BackfillFunc adapts a function to Backfiller.
type BackfillFunc func(ctx context.Context, req BackfillRequest) error

func (f BackfillFunc) Backfill(ctx context.Context, req BackfillRequest) error {
	return f(ctx, req)
}

// Timeouts bounds wait steps.
type Timeouts struct {
	Table time.Duration `yaml:"table"`
	// Index covers creation including DynamoDB's own backfill, which scales
	// with table size.
	Index        time.Duration `yaml:"index"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Table:        5 * time.Minute,
		Index:        2 * time.Hour,
		PollInterval: 5 * time.Second,
	}
}

// RunOptions controls a single Run.
type RunOptions struct {
	DryRun bool
	// Force skips confirmation of breaking changes.
	Force bool
	// Confirm is asked to approve breaking changes. A nil Confirm denies.
	Confirm func(ctx context.Context, diff *DiffResult) (bool, error)
}

// Runner diffs a registry against the stored state and applies the plan.
// Runs are sequential; a Runner must not execute two runs at once.
type Runner struct {
	client     ddbctl.Client
	store      StateStore
	differ     *Differ
	backfiller Backfiller
	logger     zerolog.Logger
	now        func() time.Time
	sleep      func(time.Duration)
	timeouts   Timeouts
	handlers   [numOperations]stepHandler
}

type RunnerOption func(*Runner)

func WithLogger(l zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithBackfiller sets the collaborator for backfill steps. Without one,
// backfill steps are recorded as skipped.
func WithBackfiller(b Backfiller) RunnerOption {
	return func(r *Runner) { r.backfiller = b }
}

// WithClock sets the time source for state timestamps, step durations and
// index wait deadlines.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithTimeouts overrides the non-zero fields of DefaultTimeouts.
func WithTimeouts(t Timeouts) RunnerOption {
	return func(r *Runner) {
		if t.Table > 0 {
			r.timeouts.Table = t.Table
		}
		if t.Index > 0 {
			r.timeouts.Index = t.Index
		}
		if t.PollInterval > 0 {
			r.timeouts.PollInterval = t.PollInterval
		}
	}
}

func NewRunner(client ddbctl.Client, store StateStore, gen *schemagen.Generator, opts ...RunnerOption) *Runner {
	r := &Runner{
		client:   client,
		store:    store,
		differ:   NewDiffer(gen),
		logger:   zerolog.Nop(),
		now:      time.Now,
		sleep:    time.Sleep,
		timeouts: DefaultTimeouts(),
	}
	r.handlers = [numOperations]stepHandler{
		OpCreateTable:  r.createTable,
		OpUpdateTable:  r.updateTable,
		OpDeleteTable:  r.deleteTable,
		OpCreateGSI:    r.createGSI,
		OpDeleteGSI:    r.deleteGSI,
		OpUpdateTTL:    r.updateTTL,
		OpUpdateStream: r.updateStream,
		OpBackfillData: r.backfill,
		OpWait:         r.wait,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Preview diffs reg against the stored state without executing anything.
func (r *Runner) Preview(ctx context.Context, reg model.Registry) (*DiffResult, error) {
	prev, err := r.store.GetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load migration state: %w", err)
	}
	return r.differ.Diff(reg, prev)
}

// Status returns the last applied state, or nil.
func (r *Runner) Status(ctx context.Context) (*State, error) {
	s, err := r.store.GetState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load migration state: %w", err)
	}
	return s, nil
}

// History returns all applied states, oldest first.
func (r *Runner) History(ctx context.Context) ([]*State, error) {
	h, err := r.store.GetHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("load migration history: %w", err)
	}
	return h, nil
}

// Rollback never changes the table. Structural changes cannot be reversed
// automatically; it only confirms that version exists.
func (r *Runner) Rollback(ctx context.Context, version string) error {
	history, err := r.History(ctx)
	if err != nil {
		return err
	}
	for _, s := range history {
		if s.Version == version {
			return &UnsupportedOperationError{
				Operation: "rollback",
				Reason:    fmt.Sprintf("structural changes cannot be reversed automatically (target %s, schema %s)", version, s.SchemaHash),
				Hint:      "restore the models of that version and plan a forward migration",
			}
		}
	}
	return fmt.Errorf("rollback to %s: %w", version, ErrStateNotFound)
}

// run tracks a single Run.
type run struct {
	result *Result
	diff   *DiffResult
	log    zerolog.Logger
}

func (x *run) enter(p Phase) {
	x.result.Phase = p
	x.log.Debug().Str("phase", string(p)).Msg("migration phase")
}

func (x *run) fail(err error) (*Result, error) {
	x.result.Errors = append(x.result.Errors, err)
	x.enter(PhaseFailed)
	return x.result, err
}

// Run applies the plan for reg. The returned Result is never nil; on
// failure it tells which steps were applied before the error.
func (r *Runner) Run(ctx context.Context, reg model.Registry, opts RunOptions) (*Result, error) {
	start := r.now()
	x := &run{
		result: &Result{DryRun: opts.DryRun},
		log:    r.logger.With().Bool("dry_run", opts.DryRun).Logger(),
	}
	defer func() { x.result.Duration = r.now().Sub(start) }()

	x.enter(PhaseLoadingModels)
	prev, err := r.store.GetState(ctx)
	if err != nil {
		return x.fail(fmt.Errorf("load migration state: %w", err))
	}

	x.enter(PhaseDiffing)
	diff, err := r.differ.Diff(reg, prev)
	if err != nil {
		return x.fail(err)
	}
	x.diff = diff
	x.result.Diff = diff
	x.result.StepsTotal = len(diff.Plan)
	x.log.Info().
		Int("changes", len(diff.Changes)).
		Int("breaking", diff.Summary.Breaking).
		Int("steps", len(diff.Plan)).
		Str("schema_hash", diff.Current.Hash()).
		Msg("schema diff")

	if !diff.HasChanges {
		x.result.Success = true
		x.enter(PhaseDone)
		return x.result, nil
	}
	if diff.RequiresRecreation && !opts.DryRun {
		return x.fail(&UnsupportedOperationError{
			Operation: "recreate table",
			Reason:    "the schema changes the key schema or a local index, which DynamoDB only sets at table creation",
			Hint:      "create a new table and copy the data",
		})
	}
	if diff.HasBreakingChanges && !opts.Force && !opts.DryRun {
		x.enter(PhaseAwaitingConfirmation)
		ok := false
		if opts.Confirm != nil {
			ok, err = opts.Confirm(ctx, diff)
			if err != nil {
				return x.fail(fmt.Errorf("confirm: %w", err))
			}
		}
		if !ok {
			return x.fail(&ConfirmationDeniedError{Breaking: diff.Summary.Breaking})
		}
	}

	x.enter(PhaseExecuting)
	if err := r.execute(ctx, x, opts.DryRun); err != nil {
		return x.fail(err)
	}

	if opts.DryRun {
		x.result.Success = true
		x.enter(PhaseDone)
		return x.result, nil
	}

	x.enter(PhaseSavingState)
	state, err := NewState(diff.Current, reg, prev, r.now())
	if err != nil {
		return x.fail(err)
	}
	if err := r.store.SaveState(ctx, state); err != nil {
		return x.fail(fmt.Errorf("save migration state: %w", err))
	}
	x.result.NewState = state
	x.result.Success = true
	x.enter(PhaseDone)
	x.log.Info().Str("version", state.Version).Str("schema_hash", state.SchemaHash).Msg("migration applied")
	return x.result, nil
}

// execute runs the plan in order and stops at the first failure.
// Cancellation is only observed between steps: a step that started is
// carried to completion.
func (r *Runner) execute(ctx context.Context, x *run, dryRun bool) error {
	stepCtx := context.WithoutCancel(ctx)
	for _, step := range x.diff.Plan {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stopped before step %d: %w", step.Order, err)
		}
		log := x.log.With().Int("step", step.Order).Str("op", step.Operation.String()).Logger()
		log.Info().Msg(step.Description)

		started := r.now()
		outcome := StepOutcome{Step: step}
		var err error
		switch {
		case dryRun:
		case step.Operation < 0 || step.Operation >= numOperations:
			err = fmt.Errorf("unknown operation %d", int(step.Operation))
		default:
			var skipped bool
			skipped, err = r.handlers[step.Operation](stepCtx, x, step)
			outcome.Skipped = skipped
		}
		outcome.Duration = r.now().Sub(started)

		if err != nil {
			outcome.Error = err.Error()
			x.result.Steps = append(x.result.Steps, outcome)
			log.Error().Err(err).Dur("took", outcome.Duration).Msg("step failed")
			var timeout *TimeoutError
			if errors.As(err, &timeout) {
				return err
			}
			return &StepExecutionError{Order: step.Order, Operation: step.Operation, Err: err}
		}
		outcome.Success = true
		x.result.Steps = append(x.result.Steps, outcome)
		x.result.StepsExecuted++
		log.Debug().Dur("took", outcome.Duration).Bool("skipped", outcome.Skipped).Msg("step done")
	}
	return nil
}

// stepHandler executes one operation. skipped reports a step that had
// nothing to do.
type stepHandler func(ctx context.Context, x *run, step Step) (skipped bool, err error)

func (r *Runner) createTable(ctx context.Context, _ *run, step Step) (bool, error) {
	if step.Params.Table == nil {
		return false, errors.New("create_table step without table")
	}
	return false, r.client.CreateTable(ctx, *step.Params.Table)
}

func (r *Runner) updateTable(ctx context.Context, _ *run, step Step) (bool, error) {
	p := step.Params
	return false, r.client.UpdateTable(ctx, ddbctl.TableUpdate{
		TableName:          p.TableName,
		Capacity:           p.Capacity,
		TableClass:         p.TableClass,
		DeletionProtection: p.DeletionProtection,
	})
}

func (r *Runner) deleteTable(ctx context.Context, _ *run, step Step) (bool, error) {
	return false, r.client.DeleteTable(ctx, step.Params.TableName)
}

func (r *Runner) createGSI(ctx context.Context, _ *run, step Step) (bool, error) {
	if step.Params.GSI == nil {
		return false, errors.New("create_gsi step without index definition")
	}
	return false, r.client.UpdateTable(ctx, ddbctl.TableUpdate{
		TableName: step.Params.TableName,
		CreateGSI: step.Params.GSI,
	})
}

func (r *Runner) deleteGSI(ctx context.Context, _ *run, step Step) (bool, error) {
	return false, r.client.UpdateTable(ctx, ddbctl.TableUpdate{
		TableName: step.Params.TableName,
		DeleteGSI: step.Params.Index,
	})
}

func (r *Runner) updateTTL(ctx context.Context, _ *run, step Step) (bool, error) {
	ttl := step.Params.TTL
	if ttl == nil {
		return false, errors.New("update_ttl step without ttl")
	}
	return false, r.client.UpdateTimeToLive(ctx, ddbctl.TTLUpdate{
		TableName:     step.Params.TableName,
		AttributeName: ttl.AttributeName,
		Enabled:       ttl.Enabled,
	})
}

func (r *Runner) updateStream(ctx context.Context, _ *run, step Step) (bool, error) {
	if step.Params.Stream == nil {
		return false, errors.New("update_stream step without stream")
	}
	return false, r.client.UpdateTable(ctx, ddbctl.TableUpdate{
		TableName: step.Params.TableName,
		Stream:    step.Params.Stream,
	})
}

func (r *Runner) backfill(ctx context.Context, x *run, step Step) (bool, error) {
	if r.backfiller == nil {
		x.log.Warn().Str("index", step.Params.Index).Msg("no backfiller configured, existing items are not indexed")
		return true, nil
	}
	req := BackfillRequest{TableName: step.Params.TableName}
	if step.Params.GSI != nil {
		req.Index = *step.Params.GSI
	}
	for _, m := range x.diff.Mappings {
		if m.Index == step.Params.Index {
			req.Mappings = append(req.Mappings, m)
		}
	}
	if err := r.backfiller.Backfill(ctx, req); err != nil {
		return false, fmt.Errorf("backfill %s: %w", step.Params.Index, err)
	}
	return false, nil
}

func (r *Runner) wait(ctx context.Context, _ *run, step Step) (bool, error) {
	p := step.Params
	timeout := p.Timeout
	if timeout <= 0 {
		switch p.WaitTarget {
		case WaitTableActive, WaitTableDeleted:
			timeout = r.timeouts.Table
		default:
			timeout = r.timeouts.Index
		}
	}

	var (
		ok     bool
		err    error
		target string
	)
	switch p.WaitTarget {
	case WaitTableActive:
		target = fmt.Sprintf("table %s active", p.TableName)
		ok, err = r.client.WaitForTableActive(ctx, p.TableName, timeout)
	case WaitTableDeleted:
		target = fmt.Sprintf("table %s deleted", p.TableName)
		ok, err = r.client.WaitForTableDeleted(ctx, p.TableName, timeout)
	case WaitIndexActive:
		target = fmt.Sprintf("index %s active", p.Index)
		ok, err = r.pollIndex(ctx, p.TableName, p.Index, timeout, func(idx ddbctl.IndexDescription, found bool) bool {
			return found && idx.Status == ddbctl.StatusActive && !idx.Backfilling
		})
	case WaitIndexDeleted:
		target = fmt.Sprintf("index %s deleted", p.Index)
		ok, err = r.pollIndex(ctx, p.TableName, p.Index, timeout, func(_ ddbctl.IndexDescription, found bool) bool {
			return !found
		})
	default:
		return false, fmt.Errorf("unknown wait target %q", p.WaitTarget)
	}
	if err != nil {
		return false, err
	}
	if !ok {
		return false, &TimeoutError{Order: step.Order, Operation: step.Operation, Target: target, Timeout: timeout}
	}
	return false, nil
}

func (r *Runner) pollIndex(ctx context.Context, tableName, index string, timeout time.Duration, done func(ddbctl.IndexDescription, bool) bool) (bool, error) {
	deadline := r.now().Add(timeout)
	for {
		desc, err := r.client.DescribeTable(ctx, tableName)
		if err != nil {
			return false, err
		}
		if desc == nil {
			return false, fmt.Errorf("describe table %s: %w", tableName, ddbctl.ErrTableNotFound)
		}
		idx, found := desc.Index(index)
		if done(idx, found) {
			return true, nil
		}
		if r.now().After(deadline) {
			return false, nil
		}
		r.sleep(r.timeouts.PollInterval)
	}
}
