package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/lattice/pairsync/internal/language"
	"github.com/manpreetbhatti/lattice/pairsync/internal/logger"
	"github.com/manpreetbhatti/lattice/pairsync/internal/room"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Database struct {
	db     *sql.DB
	driver string

	// keepAuto bounds the auto-close records kept per room; 0 keeps all.
	keepAuto int
}

// Record is the final state of a room, written when the room closes.
type Record struct {
	ID          int64             `json:"id"`
	RoomID      int64             `json:"room_id"`
	Code        string            `json:"code"`
	Language    language.Language `json:"language"`
	ContentHash string            `json:"content_hash"`
	IsAuto      bool              `json:"is_auto"` // Auto-closed vs explicit close
	ClosedAt    time.Time         `json:"closed_at"`
}

// New opens a SQLite database at dbPath, creating the file and its
// directory when missing.
func New(dbPath string) (*Database, error) {
	return Open(DriverSQLite, dbPath)
}

// Open connects to the database. For sqlite dsn is a file path; for
// postgres it is a connection string.
func Open(driver, dsn string) (*Database, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, err
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// Enable WAL mode for better concurrency
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, err
		}
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	d := &Database{db: db, driver: driver}
	if err := d.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("Database initialized (%s)", driver)
	return d, nil
}

func (d *Database) createTables() error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "DATETIME"
	if d.driver == DriverPostgres {
		id = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS room_records (
			id ` + id + `,
			room_id BIGINT NOT NULL,
			code TEXT NOT NULL,
			language TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			is_auto BOOLEAN NOT NULL DEFAULT FALSE,
			closed_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_room_records_room_id ON room_records(room_id, closed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id TEXT PRIMARY KEY,
			preferred_language TEXT NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// rebind rewrites ? placeholders to $1, $2, ... for postgres.
func (d *Database) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Room records

// SetAutoRecordRetention makes ArchiveRoom keep only the newest n
// auto-close records of each room.
func (d *Database) SetAutoRecordRetention(n int) {
	d.keepAuto = n
}

// ArchiveRoom stores the snapshot of a closing room.
func (d *Database) ArchiveRoom(ctx context.Context, snap room.Snapshot) error {
	if _, err := d.SaveRecord(ctx, snap); err != nil {
		return err
	}
	if snap.Auto && d.keepAuto > 0 {
		n, err := d.DeleteOldAutoRecords(ctx, snap.RoomID, d.keepAuto)
		if err != nil {
			// The snapshot itself is safe; pruning can wait for the next close.
			logger.Warnf("prune auto records of room %d: %v", snap.RoomID, err)
		} else if n > 0 {
			logger.Debugf("pruned %d auto records of room %d", n, snap.RoomID)
		}
	}
	return nil
}

func (d *Database) SaveRecord(ctx context.Context, snap room.Snapshot) (*Record, error) {
	closedAt := snap.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	rec := Record{
		RoomID:      snap.RoomID,
		Code:        snap.Text,
		Language:    snap.Language,
		ContentHash: contentHash(snap.Text),
		IsAuto:      snap.Auto,
		ClosedAt:    closedAt,
	}
	err := d.db.QueryRowContext(ctx, d.rebind(`
		INSERT INTO room_records (room_id, code, language, content_hash, is_auto, closed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`), rec.RoomID, rec.Code, string(rec.Language), rec.ContentHash, rec.IsAuto, rec.ClosedAt).Scan(&rec.ID)
	if err != nil {
		return nil, fmt.Errorf("save record for room %d: %w", snap.RoomID, err)
	}
	return &rec, nil
}

// ListRecords returns the records of a room, newest first.
func (d *Database) ListRecords(ctx context.Context, roomID int64, limit, offset int) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, d.rebind(`
		SELECT id, room_id, code, language, content_hash, is_auto, closed_at
		FROM room_records
		WHERE room_id = ?
		ORDER BY closed_at DESC, id DESC
		LIMIT ? OFFSET ?
	`), roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// GetRecord returns the record with the given ID, or nil if there is none.
func (d *Database) GetRecord(ctx context.Context, id int64) (*Record, error) {
	row := d.db.QueryRowContext(ctx, d.rebind(`
		SELECT id, room_id, code, language, content_hash, is_auto, closed_at
		FROM room_records
		WHERE id = ?
	`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// LatestRecord returns the most recent record of a room, or nil if it was
// never closed.
func (d *Database) LatestRecord(ctx context.Context, roomID int64) (*Record, error) {
	row := d.db.QueryRowContext(ctx, d.rebind(`
		SELECT id, room_id, code, language, content_hash, is_auto, closed_at
		FROM room_records
		WHERE room_id = ?
		ORDER BY closed_at DESC, id DESC
		LIMIT 1
	`), roomID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (d *Database) RecordCount(ctx context.Context, roomID int64) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, d.rebind("SELECT COUNT(*) FROM room_records WHERE room_id = ?"), roomID).Scan(&count)
	return count, err
}

// DeleteOldAutoRecords removes old auto-close records of a room, keeping
// the most recent keep.
func (d *Database) DeleteOldAutoRecords(ctx context.Context, roomID int64, keep int) (int64, error) {
	res, err := d.db.ExecContext(ctx, d.rebind(`
		DELETE FROM room_records
		WHERE room_id = ? AND is_auto = TRUE AND id NOT IN (
			SELECT id FROM room_records
			WHERE room_id = ? AND is_auto = TRUE
			ORDER BY closed_at DESC, id DESC
			LIMIT ?
		)
	`), roomID, roomID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec  Record
		lang string
	)
	if err := s.Scan(&rec.ID, &rec.RoomID, &rec.Code, &lang, &rec.ContentHash, &rec.IsAuto, &rec.ClosedAt); err != nil {
		return nil, err
	}
	rec.Language = language.Language(lang)
	return &rec, nil
}

func contentHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// User settings

// PreferredLanguage returns the user's stored language, or the empty
// Language when there is none.
func (d *Database) PreferredLanguage(ctx context.Context, userID string) (language.Language, error) {
	var lang string
	err := d.db.QueryRowContext(ctx, d.rebind(
		"SELECT preferred_language FROM user_settings WHERE user_id = ?",
	), userID).Scan(&lang)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("preferred language of %s: %w", userID, err)
	}
	return language.Language(lang), nil
}

func (d *Database) SetPreferredLanguage(ctx context.Context, userID string, lang language.Language) error {
	_, err := d.db.ExecContext(ctx, d.rebind(`
		INSERT INTO user_settings (user_id, preferred_language, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			preferred_language = excluded.preferred_language,
			updated_at = excluded.updated_at
	`), userID, string(lang), time.Now().UTC())
	return err
}

// LanguageLookup adapts PreferredLanguage for room language resolution.
func (d *Database) LanguageLookup(userID string) language.Lookup {
	if userID == "" {
		return nil
	}
	return func(ctx context.Context) (language.Language, error) {
		return d.PreferredLanguage(ctx, userID)
	}
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var recordCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_records").Scan(&recordCount); err != nil {
		return nil, err
	}
	stats["record_count"] = recordCount

	var archivedRooms int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT room_id) FROM room_records").Scan(&archivedRooms); err != nil {
		return nil, err
	}
	stats["archived_room_count"] = archivedRooms

	var userCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM user_settings").Scan(&userCount); err != nil {
		return nil, err
	}
	stats["user_settings_count"] = userCount

	stats["driver"] = d.driver
	return stats, nil
}
