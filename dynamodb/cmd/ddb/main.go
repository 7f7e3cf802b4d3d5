// ddb plans and applies schema migrations for single-table DynamoDB designs.
//
// # Installation
//
//	go install github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/cmd/ddb@latest
//
// # Commands
//
//	ddb plan       Show the changes and plan for the current models
//	ddb migrate    Apply the plan to the table
//	ddb status     Show the last applied migration
//	ddb history    List applied migrations
//	ddb rollback   Check a previous version
//	ddb schema     Print the generated table schema
//	ddb whoami     Show the AWS identity migrations run as
//
// # Quick Start
//
// Describe entities in *.ddbmodel.yaml files and add ddb.migrate.yaml:
//
//	table:
//	  tableName: app
//	state:
//	  backend: table
//
// Review and apply:
//
//	ddb plan
//	ddb migrate
//
// Against DynamoDB Local:
//
//	ddb migrate --endpoint http://localhost:8000 --state badger
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	name := os.Args[1]
	switch name {
	case "help", "-h", "--help":
		printUsage()
		return
	case "version", "-v", "--version":
		fmt.Printf("ddb version %s\n", version)
		return
	}

	cmd, ok := lookupCommand(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "ddb: unknown command %q\n\n", name)
		printUsage()
		os.Exit(1)
	}

	// Interrupts stop the run after the current step.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.run(ctx, os.Args[2:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ddb %s: %v\n", name, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`ddb - DynamoDB schema migrations

Usage:
  ddb <command> [flags]

Commands:
`)
	for _, c := range commands {
		fmt.Printf("  %-9s %s\n", c.name, c.summary)
	}
	fmt.Println(`  version   Print the version

Examples:
  # Preview against the applied state:
  ddb plan --table app

  # Apply, prompting for breaking changes:
  ddb migrate --table app

  # Local development:
  ddb migrate --endpoint http://localhost:8000 --state badger --yes

Configuration (optional):
  Create ddb.migrate.yaml for defaults:

    models: [models/*.ddbmodel.yaml]
    region: eu-west-1
    table:
      tableName: app
    state:
      backend: table    # table, badger, sqlite or memory
    timeouts:
      index: 6h

Run 'ddb <command> --help' for more information on a command.`)
}
