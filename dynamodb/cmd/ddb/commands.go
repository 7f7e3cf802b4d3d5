package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sts"
	"gopkg.in/yaml.v3"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/migrate"
)

// command is one ddb subcommand.
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"plan", "Show the changes and plan for the current models", runPlan},
	{"migrate", "Apply the plan to the table", runMigrate},
	{"status", "Show the last applied migration", runStatus},
	{"history", "List applied migrations, oldest first", runHistory},
	{"rollback", "Check a previous version (structural rollback is not supported)", runRollback},
	{"schema", "Print the generated table schema and index mappings", runSchema},
	{"whoami", "Show the AWS identity migrations run as", runWhoami},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func newFlagSet(name, usage string, common *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	common.register(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "ddb %s - %s\n\nUsage:\n  ddb %s [flags]\n\nFlags:\n", name, usage, name)
		fs.PrintDefaults()
	}
	return fs
}

func checkFormat(format string) error {
	if format != "text" && format != "yaml" {
		return fmt.Errorf("unknown format %q: want text or yaml", format)
	}
	return nil
}

func runPlan(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("plan", "show the changes and plan for the current models", &common)
	format := fs.String("format", "text", "output format: text or yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := checkFormat(*format); err != nil {
		return err
	}

	e, err := newEnv(ctx, common)
	if err != nil {
		return err
	}
	defer e.Close()

	reg, err := e.registry()
	if err != nil {
		return err
	}
	r, err := e.runner()
	if err != nil {
		return err
	}
	diff, err := r.Preview(ctx, reg)
	if err != nil {
		return err
	}
	return writeReport(e.out, *format, diff, nil)
}

func runMigrate(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("migrate", "apply the plan to the table", &common)
	var (
		dryRun     = fs.Bool("dry-run", false, "plan and record steps without calling DynamoDB")
		force      = fs.Bool("force", false, "apply breaking changes without confirmation")
		yes        = fs.Bool("yes", false, "answer yes to the confirmation prompt")
		format     = fs.String("format", "text", "output format: text or yaml")
		checkPerms = fs.Bool("check-permissions", false, "simulate the caller's IAM policy before migrating")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := checkFormat(*format); err != nil {
		return err
	}

	e, err := newEnv(ctx, common)
	if err != nil {
		return err
	}
	defer e.Close()

	reg, err := e.registry()
	if err != nil {
		return err
	}
	if *checkPerms && !*dryRun {
		if err := e.checkPermissions(ctx); err != nil {
			return err
		}
	}
	r, err := e.runner()
	if err != nil {
		return err
	}

	p := prompter{in: os.Stdin, out: os.Stderr, table: e.cfg.Table.TableName, yes: *yes}
	if !*yes && !*force && !*dryRun {
		p.target = e.target(ctx)
	}
	res, runErr := r.Run(ctx, reg, migrate.RunOptions{
		DryRun:  *dryRun,
		Force:   *force,
		Confirm: p.confirm,
	})
	if res != nil {
		if err := writeReport(e.out, *format, res.Diff, res); err != nil {
			return err
		}
	}
	var denied *migrate.ConfirmationDeniedError
	if errors.As(runErr, &denied) {
		return errors.New("migration cancelled")
	}
	return runErr
}

// target describes where a migration runs for the confirmation prompt.
func (e *env) target(ctx context.Context) string {
	if e.cfg.Endpoint != "" {
		return e.cfg.Endpoint
	}
	id, err := callerIdentity(ctx, sts.NewFromConfig(e.aws))
	if err != nil {
		e.logger.Debug().Err(err).Msg("caller identity unavailable")
		return e.aws.Region
	}
	return fmt.Sprintf("account %s, %s", id.Account, e.aws.Region)
}

func writeReport(w io.Writer, format string, diff *migrate.DiffResult, res *migrate.Result) error {
	if format == "yaml" {
		out, err := migrate.MarshalReport(diff, res)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	}
	if diff != nil {
		if err := migrate.RenderDiff(w, diff); err != nil {
			return err
		}
	}
	if res != nil {
		return migrate.RenderResult(w, res)
	}
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("status", "show the last applied migration", &common)
	format := fs.String("format", "text", "output format: text or yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := checkFormat(*format); err != nil {
		return err
	}

	e, err := newEnv(ctx, common)
	if err != nil {
		return err
	}
	defer e.Close()
	r, err := e.runner()
	if err != nil {
		return err
	}
	s, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if s == nil {
		fmt.Fprintf(e.out, "No migrations applied to %s.\n", e.cfg.Table.TableName)
		return nil
	}
	if *format == "yaml" {
		return yaml.NewEncoder(e.out).Encode(s)
	}
	return writeStatus(e.out, s)
}

func writeStatus(w io.Writer, s *migrate.State) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Table:\t%s\n", s.Schema.Name)
	fmt.Fprintf(tw, "Version:\t%s\n", s.Version)
	if s.PreviousVersion != "" {
		fmt.Fprintf(tw, "Previous:\t%s\n", s.PreviousVersion)
	}
	fmt.Fprintf(tw, "Applied:\t%s\n", s.AppliedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Schema hash:\t%s\n", s.SchemaHash)
	fmt.Fprintf(tw, "Entities:\t%v\n", s.EntityTypes)
	fmt.Fprintf(tw, "Indexes:\t%v\n", s.IndexNames)
	return tw.Flush()
}

func runHistory(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("history", "list applied migrations, oldest first", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := newEnv(ctx, common)
	if err != nil {
		return err
	}
	defer e.Close()
	r, err := e.runner()
	if err != nil {
		return err
	}
	h, err := r.History(ctx)
	if err != nil {
		return err
	}
	return writeHistory(e.out, h)
}

func writeHistory(w io.Writer, h []*migrate.State) error {
	if len(h) == 0 {
		_, err := fmt.Fprintln(w, "No migrations applied.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tAPPLIED\tHASH\tENTITIES\tINDEXES")
	for _, s := range h {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
			s.Version, s.AppliedAt.Format(time.RFC3339), s.SchemaHash, len(s.EntityTypes), len(s.IndexNames))
	}
	return tw.Flush()
}

func runRollback(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("rollback", "check a previous version", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: ddb rollback [flags] <version>")
	}

	e, err := newEnv(ctx, common)
	if err != nil {
		return err
	}
	defer e.Close()
	r, err := e.runner()
	if err != nil {
		return err
	}
	return r.Rollback(ctx, fs.Arg(0))
}

func runWhoami(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("whoami", "show the AWS identity migrations run as", &common)
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := newEnv(ctx, common)
	if err != nil {
		return err
	}
	defer e.Close()
	id, err := callerIdentity(ctx, sts.NewFromConfig(e.aws))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Account:\t%s\n", id.Account)
	fmt.Fprintf(tw, "ARN:\t%s\n", id.ARN)
	fmt.Fprintf(tw, "Principal:\t%s\n", principalARN(id.ARN))
	fmt.Fprintf(tw, "Region:\t%s\n", e.aws.Region)
	return tw.Flush()
}
