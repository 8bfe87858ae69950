package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice/pairsync/internal/auth"
	"github.com/manpreetbhatti/lattice/pairsync/internal/crdt"
	"github.com/manpreetbhatti/lattice/pairsync/internal/db"
	"github.com/manpreetbhatti/lattice/pairsync/internal/language"
	"github.com/manpreetbhatti/lattice/pairsync/internal/room"
	"github.com/manpreetbhatti/lattice/pairsync/internal/sync"
)

type nopConn struct{ id string }

func (c nopConn) ID() string         { return c.id }
func (c nopConn) Send(_ []byte) bool { return true }

type testAPI struct {
	reg      *room.Registry
	database *db.Database
	router   http.Handler
}

func setupTestAPI(t *testing.T, opts room.Options, withDB bool) *testAPI {
	t.Helper()

	var database *db.Database
	if withDB {
		var err error
		database, err = db.New(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
		if opts.Archiver == nil {
			opts.Archiver = database
		}
	}

	reg := room.NewRegistry(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)

	a := New(reg, database)
	r := chi.NewRouter()
	r.Get("/health", a.HealthHandler)
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(nil).Handle)
		a.Mount(r)
	})

	return &testAPI{reg: reg, database: database, router: r}
}

func (ta *testAPI) do(t *testing.T, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)

	var response map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	}
	return w, response
}

// openRoom joins a connection to roomID and types text into the room.
func (ta *testAPI) openRoom(t *testing.T, roomID int64, text string) {
	t.Helper()
	ctx := context.Background()
	conn := nopConn{id: fmt.Sprintf("conn-%d", roomID)}
	require.NoError(t, ta.reg.Join(ctx, roomID, conn))

	doc := crdt.New(crdt.WithClientID(uint64(roomID)))
	require.NoError(t, ta.reg.HandleFrame(ctx, roomID, conn, sync.Update(doc.Insert(0, text))))
	require.Eventually(t, func() bool {
		info, err := ta.reg.Room(ctx, roomID)
		return err == nil && info.Text == text
	}, time.Second, 5*time.Millisecond)
}

func TestHealthHandler(t *testing.T) {
	ta := setupTestAPI(t, room.Options{}, false)

	w, response := ta.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", response["status"])
}

func TestStatsHandler(t *testing.T) {
	ta := setupTestAPI(t, room.Options{}, true)
	ta.openRoom(t, 1, "x = 1")

	w, response := ta.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, response["active_rooms"])
	require.EqualValues(t, 1, response["active_connections"])
	require.EqualValues(t, 0, response["total_records"])
}

func TestRoomLifecycle(t *testing.T) {
	ta := setupTestAPI(t, room.Options{}, true)
	ta.openRoom(t, 7, "print('hi')")

	w, response := ta.do(t, http.MethodGet, "/api/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rooms := response["rooms"].([]any)
	require.Len(t, rooms, 1)
	listed := rooms[0].(map[string]any)
	require.EqualValues(t, 7, listed["id"])
	require.Equal(t, "active", listed["state"])
	require.NotContains(t, listed, "text")

	w, response = ta.do(t, http.MethodGet, "/api/rooms/7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "print('hi')", response["text"])
	require.EqualValues(t, 1, response["connections"])

	w, response = ta.do(t, http.MethodPost, "/api/rooms/7/close", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "print('hi')", response["code"])
	require.Equal(t, string(language.Default), response["language"])

	w, _ = ta.do(t, http.MethodGet, "/api/rooms/7", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w, _ = ta.do(t, http.MethodPost, "/api/rooms/7/close", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w, response = ta.do(t, http.MethodGet, "/api/rooms/7/records", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, response["total"])
	records := response["records"].([]any)
	require.Len(t, records, 1)
	listedRecord := records[0].(map[string]any)
	require.NotContains(t, listedRecord, "code")
	require.Equal(t, false, listedRecord["is_auto"])

	recordID := int64(listedRecord["id"].(float64))
	w, response = ta.do(t, http.MethodGet, fmt.Sprintf("/api/records/%d", recordID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "print('hi')", response["code"])
}

func TestCloseArchiveFailure(t *testing.T) {
	failing := room.ArchiverFunc(func(context.Context, room.Snapshot) error {
		return errors.New("disk full")
	})
	ta := setupTestAPI(t, room.Options{Archiver: failing}, false)
	ta.openRoom(t, 3, "a")

	w, _ := ta.do(t, http.MethodPost, "/api/rooms/3/close", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)

	w, response := ta.do(t, http.MethodGet, "/api/rooms/3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "active", response["state"])
	require.Equal(t, "a", response["text"])
}

func TestInvalidRoomID(t *testing.T) {
	ta := setupTestAPI(t, room.Options{}, true)

	for _, target := range []string{"/api/rooms/abc", "/api/rooms/0", "/api/rooms/-4"} {
		w, _ := ta.do(t, http.MethodGet, target, nil)
		require.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestRoomLanguage(t *testing.T) {
	ta := setupTestAPI(t, room.Options{}, true)

	w, _ := ta.do(t, http.MethodPut, "/api/me/language?user=alice", LanguageRequest{Language: "rust"})
	require.Equal(t, http.StatusOK, w.Code)

	// The first reader's preference decides.
	w, response := ta.do(t, http.MethodGet, "/api/rooms/5/language?user=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "RUST", response["language"])

	w, response = ta.do(t, http.MethodGet, "/api/rooms/5/language?user=bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "RUST", response["language"])

	w, _ = ta.do(t, http.MethodPut, "/api/rooms/5/language", LanguageRequest{Language: "go"})
	require.Equal(t, http.StatusOK, w.Code)

	w, response = ta.do(t, http.MethodGet, "/api/rooms/5/language", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "GO", response["language"])

	w, _ = ta.do(t, http.MethodPut, "/api/rooms/5/language", LanguageRequest{Language: "brainfuck"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, response = ta.do(t, http.MethodPut, "/api/rooms/5/language", LanguageRequest{Language: "cobol"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "COBOL", response["language"])
}

func TestRoomLanguageWithoutPreference(t *testing.T) {
	ta := setupTestAPI(t, room.Options{}, true)

	w, response := ta.do(t, http.MethodGet, "/api/rooms/9/language?user=carol", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, string(language.Default), response["language"])
}

func TestPreferredLanguageRequiresUser(t *testing.T) {
	ta := setupTestAPI(t, room.Options{}, true)

	w, _ := ta.do(t, http.MethodPut, "/api/me/language", LanguageRequest{Language: "rust"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRecordsWithoutDatabase(t *testing.T) {
	ta := setupTestAPI(t, room.Options{}, false)

	w, _ := ta.do(t, http.MethodGet, "/api/rooms/1/records", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w, _ = ta.do(t, http.MethodGet, "/api/records/1", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDiffRecords(t *testing.T) {
	ta := setupTestAPI(t, room.Options{}, true)
	ctx := context.Background()

	first, err := ta.database.SaveRecord(ctx, room.Snapshot{RoomID: 2, Text: "a\nb\nc", Language: language.Go})
	require.NoError(t, err)
	second, err := ta.database.SaveRecord(ctx, room.Snapshot{RoomID: 2, Text: "a\nc\nd", Language: language.Go})
	require.NoError(t, err)

	w, response := ta.do(t, http.MethodGet, fmt.Sprintf("/api/records/diff?from=%d&to=%d", first.ID, second.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, response["diff"].([]any), 4)

	w, _ = ta.do(t, http.MethodGet, fmt.Sprintf("/api/records/diff?from=%d&to=999", first.ID), nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w, _ = ta.do(t, http.MethodGet, "/api/records/diff?from=x&to=1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDiffRecordCode(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		want     []DiffLine
	}{
		{
			name: "identical",
			old:  "a\nb",
			new:  "a\nb",
			want: []DiffLine{
				{Type: "unchanged", Content: "a", OldLine: 1, NewLine: 1},
				{Type: "unchanged", Content: "b", OldLine: 2, NewLine: 2},
			},
		},
		{
			name: "replace middle line",
			old:  "a\nb\nc",
			new:  "a\nx\nc",
			want: []DiffLine{
				{Type: "unchanged", Content: "a", OldLine: 1, NewLine: 1},
				{Type: "removed", Content: "b", OldLine: 2},
				{Type: "added", Content: "x", NewLine: 2},
				{Type: "unchanged", Content: "c", OldLine: 3, NewLine: 3},
			},
		},
		{
			name: "append",
			old:  "a",
			new:  "a\nb",
			want: []DiffLine{
				{Type: "unchanged", Content: "a", OldLine: 1, NewLine: 1},
				{Type: "added", Content: "b", NewLine: 2},
			},
		},
		{
			name: "insert keeps trailing line numbers",
			old:  "def f():\n    pass\nf()",
			new:  "import os\ndef f():\n    return 1\nf()",
			want: []DiffLine{
				{Type: "added", Content: "import os", NewLine: 1},
				{Type: "unchanged", Content: "def f():", OldLine: 1, NewLine: 2},
				{Type: "removed", Content: "    pass", OldLine: 2},
				{Type: "added", Content: "    return 1", NewLine: 3},
				{Type: "unchanged", Content: "f()", OldLine: 3, NewLine: 4},
			},
		},
		{
			name: "move line down",
			old:  "x\na\nb",
			new:  "a\nb\nx",
			want: []DiffLine{
				{Type: "removed", Content: "x", OldLine: 1},
				{Type: "unchanged", Content: "a", OldLine: 2, NewLine: 1},
				{Type: "unchanged", Content: "b", OldLine: 3, NewLine: 2},
				{Type: "added", Content: "x", NewLine: 3},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from := db.Record{RoomID: 1, Code: tt.old, Language: language.Python}
			to := db.Record{RoomID: 1, Code: tt.new, Language: language.Python}
			require.Equal(t, tt.want, diffRecords(from, to))
		})
	}
}
