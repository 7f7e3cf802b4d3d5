// Package ddbstate persists applied migration states. Every store keeps the
// full history of one table and accepts a new state only when it follows the
// current head, so two concurrent runs cannot both record their result.
package ddbstate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/migrate"
)

// ErrConflict is returned by SaveState when the state does not follow the
// stored head, i.e. another run saved a state in between.
var ErrConflict = errors.New("migration state changed concurrently")

var (
	_ migrate.StateStore = (*Memory)(nil)
	_ migrate.StateStore = (*Badger)(nil)
	_ migrate.StateStore = (*Table)(nil)
	_ migrate.StateStore = (*SQLite)(nil)
)

// checkHead verifies that s follows head, which may be nil.
func checkHead(head, s *migrate.State) error {
	if s == nil || s.Version == "" {
		return errors.New("state without version")
	}
	want := ""
	if head != nil {
		want = head.Version
	}
	if s.PreviousVersion != want {
		return fmt.Errorf("state %s follows %q, head is %q: %w", s.Version, s.PreviousVersion, want, ErrConflict)
	}
	return nil
}

func encodeState(s *migrate.State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state %s: %w", s.Version, err)
	}
	return data, nil
}

func decodeState(data []byte) (*migrate.State, error) {
	var s migrate.State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &s, nil
}
