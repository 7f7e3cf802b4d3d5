package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/ddbctl"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/ddbstate"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/migrate"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/model"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schemagen"
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// commonFlags are shared by every migration command.
type commonFlags struct {
	models    listFlag
	table     string
	region    string
	endpoint  string
	profile   string
	state     string
	statePath string
	verbose   bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.Var(&c.models, "models", "registry file or glob (repeatable)")
	fs.StringVar(&c.table, "table", "", "table name")
	fs.StringVar(&c.region, "region", "", "AWS region")
	fs.StringVar(&c.endpoint, "endpoint", "", "DynamoDB endpoint, e.g. http://localhost:8000")
	fs.StringVar(&c.profile, "profile", "", "AWS shared config profile")
	fs.StringVar(&c.state, "state", "", "state backend: table, badger, sqlite or memory")
	fs.StringVar(&c.statePath, "state-path", "", "badger directory or sqlite file")
	fs.BoolVar(&c.verbose, "verbose", false, "debug logging")
}

// env is everything a command needs, built from config and flags.
type env struct {
	cfg    MigrateConfig
	flags  commonFlags
	logger zerolog.Logger
	out    io.Writer

	aws    aws.Config
	closer []func() error
}

func newEnv(ctx context.Context, flags commonFlags) (*env, error) {
	cfg, err := LoadMigrateConfig()
	if err != nil {
		return nil, err
	}
	if flags.table != "" {
		cfg.Table.TableName = flags.table
	}
	if flags.region != "" {
		cfg.Region = flags.region
	}
	if flags.endpoint != "" {
		cfg.Endpoint = flags.endpoint
	}
	if flags.profile != "" {
		cfg.Profile = flags.profile
	}
	if flags.state != "" {
		cfg.State.Backend = flags.state
	}
	if flags.statePath != "" {
		cfg.State.Path = flags.statePath
	} else {
		cfg.State.Path = cfg.resolve(cfg.State.Path)
	}

	e := &env{cfg: cfg, flags: flags, logger: newLogger(os.Stderr, flags.verbose), out: os.Stdout}
	if e.aws, err = loadAWSConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return e, nil
}

func newLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// loadAWSConfig uses the default credential chain. A local endpoint without
// credentials in the environment gets static dummy credentials, which
// DynamoDB Local accepts.
func loadAWSConfig(ctx context.Context, cfg MigrateConfig) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if isLocalEndpoint(cfg.Endpoint) && os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")),
			config.WithRegion(orDefault(cfg.Region, "us-east-1")),
		)
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func isLocalEndpoint(endpoint string) bool {
	return strings.Contains(endpoint, "localhost") || strings.Contains(endpoint, "127.0.0.1")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (e *env) dynamo() *dynamodb.Client {
	return dynamodb.NewFromConfig(e.aws, func(o *dynamodb.Options) {
		if e.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(e.cfg.Endpoint)
		}
	})
}

func (e *env) generator() (*schemagen.Generator, error) {
	if e.cfg.Table.TableName == "" {
		return nil, fmt.Errorf("table name is required: pass --table or set table.tableName in %s", configFilename)
	}
	return schemagen.New(e.cfg.Table), nil
}

func (e *env) registry() (model.Registry, error) {
	reg, files, err := loadRegistry(e.cfg, e.flags.models)
	if err != nil {
		return model.Registry{}, err
	}
	e.logger.Debug().Strs("files", files).Int("entities", len(reg.Entities)).Msg("loaded models")
	return reg, nil
}

func (e *env) stateStore() (migrate.StateStore, error) {
	table := e.cfg.Table.TableName
	switch e.cfg.State.Backend {
	case "", "table":
		return ddbstate.NewTable(e.dynamo(), ddbstate.TableOptions{
			TableName:    table,
			PartitionKey: e.cfg.Table.PartitionKeyName,
			SortKey:      e.cfg.Table.SortKeyName,
		}), nil
	case "badger":
		path := orDefault(e.cfg.State.Path, ".ddb/state")
		store, err := ddbstate.OpenBadger(ddbstate.BadgerOptions{Path: path}, table)
		if err != nil {
			return nil, err
		}
		e.closer = append(e.closer, store.Close)
		return store, nil
	case "sqlite":
		path := orDefault(e.cfg.State.Path, ".ddb/state.db")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		store, err := ddbstate.OpenSQLite(path, table)
		if err != nil {
			return nil, err
		}
		e.closer = append(e.closer, store.Close)
		return store, nil
	case "memory":
		return ddbstate.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", e.cfg.State.Backend)
	}
}

func (e *env) runner(opts ...migrate.RunnerOption) (*migrate.Runner, error) {
	gen, err := e.generator()
	if err != nil {
		return nil, err
	}
	store, err := e.stateStore()
	if err != nil {
		return nil, err
	}
	client := ddbctl.NewAWS(e.dynamo(), ddbctl.AWSOptions{Logger: e.logger})
	opts = append([]migrate.RunnerOption{
		migrate.WithLogger(e.logger),
		migrate.WithTimeouts(e.cfg.Timeouts),
	}, opts...)
	return migrate.NewRunner(client, store, gen, opts...), nil
}

func (e *env) Close() {
	for _, c := range e.closer {
		if err := c(); err != nil {
			e.logger.Warn().Err(err).Msg("close state store")
		}
	}
}
