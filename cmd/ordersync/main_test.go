package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)

	assert.Contains(t, out, "catalog")
	assert.Contains(t, out, "order")
	assert.Contains(t, out, "migrate")
}

func TestMigrateRejectsUnknownService(t *testing.T) {
	_, err := execute(t, "migrate", "billing")
	assert.Error(t, err)
}

func TestMigrateRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, "migrate", "order")
	assert.ErrorIs(t, err, errMissingDatabaseURL)
}

func TestServiceCommandsTakeNoArgs(t *testing.T) {
	_, err := execute(t, "catalog", "extra")
	assert.Error(t, err)
}
