package schemagen

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a registry that cannot be mapped onto the
// table, e.g. two entities claiming the same index slot with incompatible
// key types. It is raised before any diffing takes place.
type ConfigurationError struct {
	Entity string
	Index  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("schema configuration")
	if e.Entity != "" {
		fmt.Fprintf(&b, ": entity %q", e.Entity)
	}
	if e.Index != "" {
		fmt.Fprintf(&b, ": index %q", e.Index)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func configErr(entity, index, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Entity: entity, Index: index, Reason: fmt.Sprintf(format, args...)}
}
