package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice/pairsync/internal/language"
	"github.com/manpreetbhatti/lattice/pairsync/internal/room"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "data", "test.db")
	db, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDatabaseCreation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	db, err := New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(dir)
	require.NoError(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "whatever")
	require.Error(t, err)
}

func TestArchiveAndListRecords(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.ArchiveRoom(ctx, room.Snapshot{RoomID: 42, Text: "print(1)", Language: language.PythonThree, ClosedAt: base}))
	require.NoError(t, db.ArchiveRoom(ctx, room.Snapshot{RoomID: 42, Text: "fn main() {}", Language: language.Rust, Auto: true, ClosedAt: base.Add(time.Minute)}))
	require.NoError(t, db.ArchiveRoom(ctx, room.Snapshot{RoomID: 7, Text: "other", Language: language.Go, ClosedAt: base}))

	records, err := db.ListRecords(ctx, 42, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "fn main() {}", records[0].Code)
	require.Equal(t, language.Rust, records[0].Language)
	require.True(t, records[0].IsAuto)
	require.True(t, records[0].ClosedAt.Equal(base.Add(time.Minute)))
	require.Equal(t, "print(1)", records[1].Code)
	require.False(t, records[1].IsAuto)
	require.Len(t, records[1].ContentHash, 64)

	page, err := db.ListRecords(ctx, 42, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, records[1].ID, page[0].ID)

	latest, err := db.LatestRecord(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, records[0].ID, latest.ID)

	latest, err = db.LatestRecord(ctx, 999)
	require.NoError(t, err)
	require.Nil(t, latest)

	count, err := db.RecordCount(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	rec, err := db.GetRecord(ctx, records[1].ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "print(1)", rec.Code)
	require.Equal(t, int64(42), rec.RoomID)

	rec, err = db.GetRecord(ctx, 12345)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestAutoRecordRetention(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	db.SetAutoRecordRetention(2)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.ArchiveRoom(ctx, room.Snapshot{RoomID: 1, Text: "manual", Language: language.Go, ClosedAt: base}))
	for i := 1; i <= 4; i++ {
		require.NoError(t, db.ArchiveRoom(ctx, room.Snapshot{
			RoomID:   1,
			Text:     "auto",
			Language: language.Go,
			Auto:     true,
			ClosedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := db.ListRecords(ctx, 1, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.False(t, records[2].IsAuto)
	require.True(t, records[0].ClosedAt.Equal(base.Add(4*time.Minute)))
}

func TestPreferredLanguage(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	lang, err := db.PreferredLanguage(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, lang)

	require.NoError(t, db.SetPreferredLanguage(ctx, "alice", language.Rust))
	require.NoError(t, db.SetPreferredLanguage(ctx, "alice", language.Kotlin))

	lang, err = db.PreferredLanguage(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, language.Kotlin, lang)

	lookup := db.LanguageLookup("alice")
	require.NotNil(t, lookup)
	resolved, err := language.Resolve(ctx, lookup)
	require.NoError(t, err)
	require.Equal(t, language.Kotlin, resolved)

	require.Nil(t, db.LanguageLookup(""))
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	require.NoError(t, db.ArchiveRoom(ctx, room.Snapshot{RoomID: 1, Text: "a", Language: language.Go}))
	require.NoError(t, db.ArchiveRoom(ctx, room.Snapshot{RoomID: 1, Text: "b", Language: language.Go}))
	require.NoError(t, db.ArchiveRoom(ctx, room.Snapshot{RoomID: 2, Text: "c", Language: language.Go}))
	require.NoError(t, db.SetPreferredLanguage(ctx, "bob", language.Java))

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats["record_count"])
	require.Equal(t, 2, stats["archived_room_count"])
	require.Equal(t, 1, stats["user_settings_count"])
	require.Equal(t, DriverSQLite, stats["driver"])
}

func TestRebind(t *testing.T) {
	pg := &Database{driver: DriverPostgres}
	require.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &Database{driver: DriverSQLite}
	require.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("PAIRSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PAIRSYNC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(DriverPostgres, dsn)
	require.NoError(t, err)
	defer db.Close()

	roomID := time.Now().UnixNano()
	require.NoError(t, db.ArchiveRoom(ctx, room.Snapshot{RoomID: roomID, Text: "pg", Language: language.Go}))
	latest, err := db.LatestRecord(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, "pg", latest.Code)
}
