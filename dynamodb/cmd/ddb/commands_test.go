package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/migrate"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/model/modeltest"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schemagen"
)

func TestLookupCommand(t *testing.T) {
	for _, name := range []string{"plan", "migrate", "status", "history", "rollback", "schema", "whoami"} {
		c, ok := lookupCommand(name)
		require.True(t, ok, name)
		assert.NotNil(t, c.run)
	}
	_, ok := lookupCommand("ui")
	assert.False(t, ok)
}

func TestCheckFormat(t *testing.T) {
	assert.NoError(t, checkFormat("text"))
	assert.NoError(t, checkFormat("yaml"))
	assert.ErrorContains(t, checkFormat("json"), "unknown format")
}

func blogDiff(t *testing.T) *migrate.DiffResult {
	t.Helper()
	d, err := migrate.NewDiffer(schemagen.New(schemagen.DefaultConfig("app"))).Diff(modeltest.Blog(), nil)
	require.NoError(t, err)
	return d
}

func TestWriteReport(t *testing.T) {
	diff := blogDiff(t)

	var text bytes.Buffer
	require.NoError(t, writeReport(&text, "text", diff, nil))
	assert.Contains(t, text.String(), "create_table")

	var doc bytes.Buffer
	require.NoError(t, writeReport(&doc, "yaml", diff, nil))
	var rep struct {
		Diff struct {
			HasChanges bool `yaml:"hasChanges"`
		} `yaml:"diff"`
	}
	require.NoError(t, yaml.Unmarshal(doc.Bytes(), &rep))
	assert.True(t, rep.Diff.HasChanges)
}

func TestWriteHistory(t *testing.T) {
	var empty bytes.Buffer
	require.NoError(t, writeHistory(&empty, nil))
	assert.Equal(t, "No migrations applied.\n", empty.String())

	diff := blogDiff(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := migrate.NewState(diff.Current, modeltest.Blog(), nil, now)
	require.NoError(t, err)
	second, err := migrate.NewState(diff.Current, modeltest.Blog(), first, now.Add(time.Hour))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, writeHistory(&out, []*migrate.State{first, second}))
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "VERSION")
	assert.Contains(t, string(lines[1]), first.Version)
	assert.Contains(t, string(lines[2]), "2024-03-01T13:00:00Z")

	var status bytes.Buffer
	require.NoError(t, writeStatus(&status, second))
	assert.Contains(t, status.String(), "Previous:")
	assert.Contains(t, status.String(), first.Version)
	assert.Contains(t, status.String(), second.SchemaHash)
}
