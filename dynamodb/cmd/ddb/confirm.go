package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/migrate"
)

// prompter asks for approval of breaking changes on a terminal.
type prompter struct {
	in    io.Reader
	out   io.Writer
	table string
	// target names where the migration runs, e.g. an account or endpoint.
	target string
	// yes approves without asking.
	yes bool
}

func (p prompter) confirm(_ context.Context, diff *migrate.DiffResult) (bool, error) {
	if p.yes {
		return true, nil
	}
	fmt.Fprintf(p.out, "\n%d breaking change(s) will be applied to %s", diff.Summary.Breaking, p.table)
	if p.target != "" {
		fmt.Fprintf(p.out, " (%s)", p.target)
	}
	fmt.Fprint(p.out, ".\nContinue? [y/N] ")

	line, err := bufio.NewReader(p.in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
