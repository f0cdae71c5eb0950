package pgremote

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mobiletoly/go-offsync/offsync"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	require.NoError(t, classify("create", "jobs", "", nil))

	err := classify("update", "jobs", "j1", &pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	require.True(t, offsync.IsRetryable(err))

	err = classify("create", "jobs", "j1", &pgconn.PgError{Code: "23505", Message: "duplicate key"})
	var ce *offsync.ConflictError
	require.ErrorAs(t, err, &ce)
	require.Contains(t, ce.Reason, "23505")
	require.False(t, offsync.IsRetryable(err))

	orig := &offsync.ConflictError{Table: "jobs", ID: "j1", Reason: "not found", Err: offsync.ErrNotFound}
	require.Same(t, orig, classify("delete", "jobs", "j1", orig))

	err = classify("fetch", "jobs", "", errors.New("conn closed"))
	require.True(t, offsync.IsRetryable(err))
}

func TestSplitDocument(t *testing.T) {
	doc, version, err := splitDocument([]byte(`{"id":"j1","version":3,"updated_at":"x","title":"A"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"A"}`, string(doc))
	require.NotNil(t, version)
	require.Equal(t, int64(3), *version)

	_, version, err = splitDocument([]byte(`{"title":"A"}`))
	require.NoError(t, err)
	require.Nil(t, version)

	_, _, err = splitDocument([]byte(`{"version":"three"}`))
	require.Error(t, err)
}
