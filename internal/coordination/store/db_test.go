package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiswarm/swarmd/internal/coordination/domain"
)

// newTestDB opens a fresh database under a temp directory.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(filepath.Join(t.TempDir(), ".aiswarm", DBFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDefaultPath(t *testing.T) {
	require.Equal(t, filepath.Join("/work", ".aiswarm", "coordination.db"), DefaultPath("/work"))
}

func TestNewDB_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := DefaultPath(dir)

	db, err := NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	require.True(t, info.IsDir())
	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}

	_, err = os.Stat(path)
	require.NoError(t, err, "database file should exist")
}

func TestNewDB_BacksUpExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	path := DefaultPath(dir)

	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// No backup on first open.
	_, err = os.Stat(path + ".bak")
	require.True(t, os.IsNotExist(err))

	db, err = NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = os.Stat(path + ".bak")
	require.NoError(t, err, "reopening should write a .bak copy")
}

func TestNewDB_SchemaIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := DefaultPath(dir)

	for i := 0; i < 3; i++ {
		db, err := NewDB(path)
		require.NoError(t, err, "open %d", i)
		require.NoError(t, db.Close())
	}
}

func TestNewDB_Pragmas(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.Connection().QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	require.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, db.Connection().QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, db.Connection().QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	require.Equal(t, 5000, busyTimeout)
}

func TestWrite_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	agent := &domain.Agent{
		ID:               "agent-rollback",
		PersonaID:        "implementer",
		WorkingDirectory: "/work",
		Status:           domain.AgentStarting,
		RegisteredAt:     time.Unix(1700000000, 0),
		LastHeartbeat:    time.Unix(1700000000, 0),
	}

	boom := fmt.Errorf("boom")
	err := db.Write(ctx, func(ws *WriteScope) error {
		if err := ws.Agents.Insert(ctx, agent); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = db.Read().Agents.GetByID(ctx, "agent-rollback")
	require.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestWrite_CommitsOnNil(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	agent := &domain.Agent{
		ID:               "agent-commit",
		PersonaID:        "implementer",
		WorkingDirectory: "/work",
		Status:           domain.AgentStarting,
		RegisteredAt:     time.Unix(1700000000, 0),
		LastHeartbeat:    time.Unix(1700000000, 0),
	}

	require.NoError(t, db.Write(ctx, func(ws *WriteScope) error {
		return ws.Agents.Insert(ctx, agent)
	}))

	got, err := db.Read().Agents.GetByID(ctx, "agent-commit")
	require.NoError(t, err)
	require.Equal(t, "implementer", got.PersonaID)
}
