package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mobiletoly/go-offsync/offsqlite"
	"github.com/mobiletoly/go-offsync/offsync"
	"github.com/mobiletoly/go-offsync/server"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCLI_EnqueueListDiscard(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--config", filepath.Join(dir, "none.yaml"), "--db", filepath.Join(dir, "local.db")}

	out, err := runCLI(t, "", append(base, "enqueue", "create", "jobs", `{"title":"Replace impeller"}`)...)
	require.NoError(t, err)
	var first offsync.PendingAction
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	require.Equal(t, offsync.ActionCreate, first.Type)
	id, ok := offsync.ExtractID(first.Data)
	require.True(t, ok)
	require.Equal(t, first.ID, id)

	_, err = runCLI(t, `{"id":"v-1","status":"in_port"}`, append(base, "enqueue", "update", "vessels", "-")...)
	require.NoError(t, err)

	out, err = runCLI(t, "", append(base, "list")...)
	require.NoError(t, err)
	var listed []offsync.PendingAction
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 2)
	require.Equal(t, first.ID, listed[0].ID)
	require.Equal(t, "vessels", listed[1].Table)

	_, err = runCLI(t, "", append(base, "discard", first.ID)...)
	require.NoError(t, err)

	out, err = runCLI(t, "", append(base, "list", "jobs")...)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Empty(t, listed)
}

func TestCLI_RetryReleasesConflictedAction(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "local.db")
	base := []string{"--config", filepath.Join(dir, "none.yaml"), "--db", dbPath}

	out, err := runCLI(t, "", append(base, "enqueue", "update", "jobs", `{"id":"j1","status":"done"}`)...)
	require.NoError(t, err)
	var action offsync.PendingAction
	require.NoError(t, json.Unmarshal([]byte(out), &action))

	db, err := offsqlite.Open(dbPath)
	require.NoError(t, err)
	q, err := offsqlite.NewQueue(db, nil)
	require.NoError(t, err)
	require.NoError(t, q.MarkConflict(context.Background(), action.ID, "stale version"))
	require.NoError(t, db.Close())

	out, err = runCLI(t, "", append(base, "retry", action.ID)...)
	require.NoError(t, err)
	require.Contains(t, out, "released "+action.ID)

	out, err = runCLI(t, "", append(base, "list")...)
	require.NoError(t, err)
	var listed []offsync.PendingAction
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	require.False(t, listed[0].Conflict)

	_, err = runCLI(t, "", append(base, "retry", "missing")...)
	require.ErrorIs(t, err, offsync.ErrNotFound)
}

func TestCLI_EnqueueRejectsInvalidInput(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--config", filepath.Join(dir, "none.yaml"), "--db", filepath.Join(dir, "local.db")}

	_, err := runCLI(t, "", append(base, "enqueue", "upsert", "jobs", `{}`)...)
	require.Error(t, err)

	_, err = runCLI(t, "", append(base, "enqueue", "create", "jobs", `{"title":`)...)
	require.ErrorIs(t, err, offsync.ErrBadPayload)

	_, err = runCLI(t, "", append(base, "enqueue", "create", "jobs", `{"priority":"urgent","title":"x"}`)...)
	require.ErrorIs(t, err, offsync.ErrBadPayload)

	_, err = runCLI(t, "", append(base, "enqueue", "create", "cargo", `{"id":"c1"}`)...)
	require.ErrorIs(t, err, offsync.ErrUnknownTable)
}

func TestCLI_Token(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	dir := t.TempDir()

	out, err := runCLI(t, "", "--config", filepath.Join(dir, "none.yaml"), "token", "--user", "captain", "--tenant", "fleet-a")
	require.NoError(t, err)

	claims, err := server.NewJWTAuth("cli-secret").ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, "captain", claims.Subject)
	require.Equal(t, "fleet-a", claims.TenantID)

	_, err = runCLI(t, "", "--config", filepath.Join(dir, "none.yaml"), "token", "--user", "captain")
	require.Error(t, err)
}

func TestCLI_CacheGetEmpty(t *testing.T) {
	dir := t.TempDir()
	out, err := runCLI(t, "", "--config", filepath.Join(dir, "none.yaml"), "--db", filepath.Join(dir, "local.db"), "cache", "get", "routes")
	require.NoError(t, err)
	require.JSONEq(t, `[]`, out)
}
