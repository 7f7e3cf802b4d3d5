package ddbstate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/migrate"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/model/modeltest"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schemagen"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// nextState builds the state a run would save after prev.
func nextState(t *testing.T, prev *migrate.State, offset time.Duration) *migrate.State {
	t.Helper()
	reg := modeltest.Blog()
	tbl, err := schemagen.New(schemagen.DefaultConfig("app")).Generate(reg)
	require.NoError(t, err)
	s, err := migrate.NewState(tbl, reg, prev, testNow.Add(offset))
	require.NoError(t, err)
	return s
}

// testStateStore checks the behavior every store shares.
func testStateStore(t *testing.T, newStore func(t *testing.T) migrate.StateStore) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		store := newStore(t)
		s, err := store.GetState(ctx)
		require.NoError(t, err)
		assert.Nil(t, s)
		h, err := store.GetHistory(ctx)
		require.NoError(t, err)
		assert.Empty(t, h)
	})

	t.Run("round trip and history order", func(t *testing.T) {
		store := newStore(t)
		var saved []*migrate.State
		var prev *migrate.State
		for i := 0; i < 3; i++ {
			s := nextState(t, prev, time.Duration(i)*time.Minute)
			require.NoError(t, store.SaveState(ctx, s))
			saved = append(saved, s)
			prev = s
		}

		head, err := store.GetState(ctx)
		require.NoError(t, err)
		assert.Equal(t, saved[2], head)

		h, err := store.GetHistory(ctx)
		require.NoError(t, err)
		require.Len(t, h, 3)
		for i := range saved {
			assert.Equal(t, saved[i].Version, h[i].Version)
			assert.Equal(t, saved[i].Schema, h[i].Schema)
			assert.True(t, saved[i].AppliedAt.Equal(h[i].AppliedAt))
		}
		assert.Equal(t, h[0].Version, h[1].PreviousVersion)
	})

	t.Run("conflict", func(t *testing.T) {
		store := newStore(t)
		first := nextState(t, nil, 0)
		require.NoError(t, store.SaveState(ctx, first))

		a := nextState(t, first, time.Minute)
		b := nextState(t, first, 2*time.Minute)
		require.NoError(t, store.SaveState(ctx, a))
		assert.ErrorIs(t, store.SaveState(ctx, b), ErrConflict)

		stale := nextState(t, nil, 3*time.Minute)
		assert.ErrorIs(t, store.SaveState(ctx, stale), ErrConflict)

		h, err := store.GetHistory(ctx)
		require.NoError(t, err)
		assert.Len(t, h, 2)
	})
}

func TestMemory(t *testing.T) {
	testStateStore(t, func(*testing.T) migrate.StateStore { return NewMemory() })
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	s := nextState(t, nil, 0)
	require.NoError(t, store.SaveState(ctx, s))

	got, err := store.GetState(ctx)
	require.NoError(t, err)
	got.EntityTypes[0] = "Mutated"

	again, err := store.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.EntityTypes, again.EntityTypes)
}

func TestBadger(t *testing.T) {
	testStateStore(t, func(t *testing.T) migrate.StateStore {
		store, err := OpenBadger(BadgerOptions{InMemory: true}, "app")
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestBadger_TablesShareDatabase(t *testing.T) {
	ctx := context.Background()
	owner, err := OpenBadger(BadgerOptions{InMemory: true}, "app")
	require.NoError(t, err)
	t.Cleanup(func() { owner.Close() })
	other := NewBadger(owner.db, "app-archive")

	require.NoError(t, owner.SaveState(ctx, nextState(t, nil, 0)))
	s, err := other.GetState(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)
	require.NoError(t, other.Close(), "closing a shared store leaves the database open")

	h, err := owner.GetHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, h, 1)
}

func TestBadger_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := nextState(t, nil, 0)

	store, err := OpenBadger(BadgerOptions{Path: dir}, "app")
	require.NoError(t, err)
	require.NoError(t, store.SaveState(ctx, s))
	require.NoError(t, store.Close())

	store, err = OpenBadger(BadgerOptions{Path: dir}, "app")
	require.NoError(t, err)
	defer store.Close()
	got, err := store.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.Version, got.Version)
}

func TestSQLite(t *testing.T) {
	testStateStore(t, func(t *testing.T) migrate.StateStore {
		store, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"), "app")
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}
