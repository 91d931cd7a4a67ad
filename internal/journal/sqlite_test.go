package journal

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalAppendAndQuery(t *testing.T) {
	j, err := NewSQLiteJournal(":memory:")
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	ctx := t.Context()
	at := time.Unix(1700000000, 42)
	require.NoError(t, j.Append(ctx, Event{RequestID: "r1", Digest: "d1", Phase: "requested", At: at}))
	require.NoError(t, j.Append(ctx, Event{RequestID: "r1", Digest: "d1", Phase: "trying_repo", Repository: "http://repo/index.gz"}))
	require.NoError(t, j.Append(ctx, Event{RequestID: "r2", Digest: "d2", Phase: "requested", Detail: "second"}))

	events, err := j.ByDigest(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "requested", events[0].Phase)
	assert.True(t, at.Equal(events[0].At))
	assert.Equal(t, "http://repo/index.gz", events[1].Repository)
	assert.False(t, events[1].At.IsZero())

	recent, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d2", recent[0].Digest)
	assert.Equal(t, "second", recent[0].Detail)

	none, err := j.ByDigest(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJournalPersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewSQLiteJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(t.Context(), Event{RequestID: "r", Digest: "d", Phase: "delivered"}))
	require.NoError(t, j.Close())

	j, err = NewSQLiteJournal(path)
	require.NoError(t, err)
	defer func() { _ = j.Close() }()
	events, err := j.ByDigest(t.Context(), "d")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestJournalInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO events").WillReturnError(fmt.Errorf("disk I/O error"))
	mock.ExpectQuery("SELECT id, request_id").WillReturnError(fmt.Errorf("database is locked"))
	mock.ExpectClose()

	j, err := NewWithDB(db)
	require.NoError(t, err)

	err = j.Append(t.Context(), Event{RequestID: "r", Digest: "d", Phase: "requested"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert event")

	_, err = j.ByDigest(t.Context(), "d")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query events")

	require.NoError(t, j.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalSchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnError(fmt.Errorf("read-only database"))
	_, err = NewWithDB(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize schema")
}

func TestNop(t *testing.T) {
	var j Journal = Nop{}
	require.NoError(t, j.Append(t.Context(), Event{}))
	events, err := j.Recent(t.Context(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, j.Close())
}
