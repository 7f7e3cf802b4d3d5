// Package keys models the key patterns used in single-table designs.
//
// A pattern is a sequence of literal segments and field references:
//   - "PROFILE"           → constant string
//   - "{count}"           → single field reference
//   - "USER#{id}"         → composite with field
//   - "ORDER#{a}#{b}"     → multiple field references
//   - "{user.id}"         → nested field reference (dot notation)
//
// Patterns are parsed once, so malformed patterns surface when the schema is
// generated instead of when an item is written.
package keys

import (
	"fmt"
	"regexp"
	"strings"
)

// Segment is one token of a Template.
type Segment struct {
	Field bool   // false for literal text
	Value string // the literal text, or the field path (e.g. "user.id")
}

// Template is a parsed key pattern.
type Template struct {
	raw      string
	segments []Segment
}

// fieldRefRegex matches {fieldName} or {nested.field.path}, including empty braces so they can be rejected.
var fieldRefRegex = regexp.MustCompile(`\{([^}]*)\}`)

// Parse parses a key pattern.
func Parse(raw string) (Template, error) {
	if raw == "" {
		return Template{}, fmt.Errorf("pattern cannot be empty")
	}
	t := Template{raw: raw}

	matches := fieldRefRegex.FindAllStringSubmatchIndex(raw, -1)
	lastEnd := 0
	for _, match := range matches {
		start, end := match[0], match[1]
		fieldStart, fieldEnd := match[2], match[3]

		if start > lastEnd {
			if err := checkLiteral(raw[lastEnd:start]); err != nil {
				return Template{}, fmt.Errorf("pattern %q: %w", raw, err)
			}
			t.segments = append(t.segments, Segment{Value: raw[lastEnd:start]})
		}

		ref := raw[fieldStart:fieldEnd]
		if ref == "" {
			return Template{}, fmt.Errorf("pattern %q: empty field reference at position %d", raw, start)
		}
		for i, part := range strings.Split(ref, ".") {
			if part == "" {
				return Template{}, fmt.Errorf("pattern %q: invalid field path %q: empty component at position %d", raw, ref, i)
			}
		}
		t.segments = append(t.segments, Segment{Field: true, Value: ref})
		lastEnd = end
	}
	if lastEnd < len(raw) {
		if err := checkLiteral(raw[lastEnd:]); err != nil {
			return Template{}, fmt.Errorf("pattern %q: %w", raw, err)
		}
		t.segments = append(t.segments, Segment{Value: raw[lastEnd:]})
	}
	return t, nil
}

// MustParse is like Parse but panics on an invalid pattern.
func MustParse(raw string) Template {
	t, err := Parse(raw)
	if err != nil {
		panic(fmt.Sprintf("keys.MustParse: %v", err))
	}
	return t
}

// Unbalanced braces are left over by the regex and always indicate a typo.
func checkLiteral(s string) error {
	if i := strings.IndexAny(s, "{}"); i >= 0 {
		return fmt.Errorf("unbalanced brace in literal %q", s)
	}
	return nil
}

// String returns the raw pattern.
func (t Template) String() string {
	return t.raw
}

// IsZero reports whether the template was never parsed.
func (t Template) IsZero() bool {
	return t.raw == ""
}

// Segments returns a copy of the parsed tokens.
func (t Template) Segments() []Segment {
	out := make([]Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// IsConstant reports whether the pattern has no field references.
func (t Template) IsConstant() bool {
	return len(t.FieldRefs()) == 0
}

// SingleField returns the field path when the pattern is exactly one field
// reference with no literal text, e.g. "{createdAt}".
func (t Template) SingleField() (string, bool) {
	if len(t.segments) == 1 && t.segments[0].Field {
		return t.segments[0].Value, true
	}
	return "", false
}

// FieldRefs returns all field references in order.
// For "ORDER#{tenant}#{id}", returns ["tenant", "id"].
func (t Template) FieldRefs() []string {
	var refs []string
	for _, s := range t.segments {
		if s.Field {
			refs = append(refs, s.Value)
		}
	}
	return refs
}

// Validate checks every field reference against known. Only the first
// component of a nested path is checked.
func (t Template) Validate(known func(field string) bool) error {
	for _, ref := range t.FieldRefs() {
		root, _, _ := strings.Cut(ref, ".")
		if !known(root) {
			return fmt.Errorf("pattern %q references unknown field %q", t.raw, ref)
		}
	}
	return nil
}

// Resolve renders the pattern with the given field values.
func (t Template) Resolve(values map[string]string) (string, error) {
	var b strings.Builder
	for _, s := range t.segments {
		if !s.Field {
			b.WriteString(s.Value)
			continue
		}
		v, ok := values[s.Value]
		if !ok {
			return "", fmt.Errorf("pattern %q: missing value for field %q", t.raw, s.Value)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}
