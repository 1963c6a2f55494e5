package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/cmd/access/cli"
	"github.com/odyssey-erp/odyssey-access/internal/app"
)

func TestRootCommandTree(t *testing.T) {
	code := cli.ExitOK
	root := newRootCommand(&app.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), &code)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "check", "create-user", "jobs"})

	check, _, err := root.Find([]string{"check"})
	require.NoError(t, err)
	for _, flag := range []string{"identity", "feature", "action", "module", "timeout", "json"} {
		assert.NotNil(t, check.Flags().Lookup(flag), flag)
	}
}

func TestJobsTriggerRequiresTask(t *testing.T) {
	code := cli.ExitOK
	root := newRootCommand(&app.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), &code)
	var stderr bytes.Buffer
	root.SetErr(&stderr)
	root.SetArgs([]string{"jobs", "trigger"})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "accepts 1 arg")
}
