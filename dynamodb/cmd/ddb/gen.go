package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schemagen"
)

// schemaDocument is the YAML written by ddb schema.
type schemaDocument struct {
	Table    schema.Table             `yaml:"table"`
	Hash     string                   `yaml:"hash"`
	Mappings []schemagen.IndexMapping `yaml:"mappings,omitempty"`
}

func runSchema(ctx context.Context, args []string) error {
	var common commonFlags
	fs := newFlagSet("schema", "print the generated table schema and index mappings", &common)
	output := fs.String("output", "", "write to this file instead of stdout")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), `ddb schema - Print the generated table schema and index mappings

Usage:
  ddb schema [flags]

Flags:`)
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), `
Examples:
  ddb schema --table app                       # Discover *.ddbmodel.yaml files
  ddb schema --models 'models/*.yaml'          # Explicit registry files
  ddb schema --output schema_dynamodb.yaml     # Write to a file

Nothing is read from or written to DynamoDB.`)
	}
	if err := fs.Parse(args); err != nil {
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
	gen, err := e.generator()
	if err != nil {
		return err
	}
	layout, err := gen.GenerateLayout(reg)
	if err != nil {
		return err
	}
	tbl := layout.Table.Canonical()
	out, err := yaml.Marshal(schemaDocument{Table: tbl, Hash: tbl.Hash(), Mappings: layout.Mappings})
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if *output == "" {
		_, err = e.out.Write(out)
		return err
	}
	if err := os.WriteFile(*output, out, 0o644); err != nil {
		return err
	}
	e.logger.Info().Str("file", *output).Int("indexes", len(tbl.IndexNames())).Msg("schema written")
	return nil
}
