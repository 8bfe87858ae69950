package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manpreetbhatti/lattice/pairsync/internal/auth"
	"github.com/manpreetbhatti/lattice/pairsync/internal/db"
	"github.com/manpreetbhatti/lattice/pairsync/internal/language"
	"github.com/manpreetbhatti/lattice/pairsync/internal/logger"
	"github.com/manpreetbhatti/lattice/pairsync/internal/room"
)

type API struct {
	rooms    *room.Registry
	database *db.Database
}

// New returns the HTTP API. database may be nil, in which case the record
// and preference endpoints answer 503.
func New(rooms *room.Registry, database *db.Database) *API {
	return &API{
		rooms:    rooms,
		database: database,
	}
}

// Mount registers the /api routes on r.
func (a *API) Mount(r chi.Router) {
	r.Get("/api/stats", a.StatsHandler)

	r.Route("/api/rooms", func(r chi.Router) {
		r.Get("/", a.ListRoomsHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.GetRoomHandler)
			r.Post("/close", a.CloseRoomHandler)
			r.Get("/language", a.GetLanguageHandler)
			r.Put("/language", a.SetLanguageHandler)
			r.Get("/records", a.ListRecordsHandler)
		})
	})

	r.Get("/api/records/diff", a.DiffRecordsHandler)
	r.Get("/api/records/{id}", a.GetRecordHandler)

	r.Put("/api/me/language", a.SetPreferredLanguageHandler)
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (a *API) requireDatabase(w http.ResponseWriter) bool {
	if a.database == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Persistence is not configured")
		return false
	}
	return true
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	infos, err := a.rooms.Rooms(r.Context())
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "Room registry unavailable")
		return
	}

	active, connections := 0, 0
	for _, info := range infos {
		if info.State == room.StateActive {
			active++
		}
		connections += info.Connections
	}

	stats := map[string]interface{}{
		"active_rooms":       active,
		"active_connections": connections,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats(r.Context())
		if err == nil {
			stats["total_records"] = dbStats["record_count"]
			stats["archived_rooms"] = dbStats["archived_room_count"]
		} else {
			logger.Warnf("db stats: %v", err)
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID              int64             `json:"id"`
	State           room.State        `json:"state"`
	Connections     int               `json:"connections"`
	Language        language.Language `json:"language,omitempty"`
	AwarenessStates int               `json:"awareness_states"`
	Text            string            `json:"text,omitempty"` // Omit in list view
	Length          int               `json:"length"`
	RecordCount     int               `json:"record_count,omitempty"`
}

func roomResponse(info room.Info) RoomResponse {
	return RoomResponse{
		ID:              info.ID,
		State:           info.State,
		Connections:     info.Connections,
		Language:        info.Language,
		AwarenessStates: info.AwarenessStates,
		Length:          info.Document.Length,
	}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	infos, err := a.rooms.Rooms(r.Context())
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "Room registry unavailable")
		return
	}

	response := make([]RoomResponse, len(infos))
	for i, info := range infos {
		response[i] = roomResponse(info)
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": response,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r)
	if !ok {
		errorResponse(w, http.StatusBadRequest, "Invalid room ID")
		return
	}

	info, err := a.rooms.Room(r.Context(), roomID)
	if errors.Is(err, room.ErrRoomNotFound) {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "Room registry unavailable")
		return
	}

	response := roomResponse(info)
	response.Text = info.Text
	if a.database != nil {
		response.RecordCount, _ = a.database.RecordCount(r.Context(), roomID)
	}

	jsonResponse(w, http.StatusOK, response)
}

type CloseResponse struct {
	RoomID   int64             `json:"room_id"`
	Code     string            `json:"code"`
	Language language.Language `json:"language"`
	ClosedAt time.Time         `json:"closed_at"`
}

// CloseRoomHandler is the explicit room-close event.
func (a *API) CloseRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r)
	if !ok {
		errorResponse(w, http.StatusBadRequest, "Invalid room ID")
		return
	}

	snap, err := a.rooms.Close(r.Context(), roomID)
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	case errors.Is(err, room.ErrRoomClosing):
		errorResponse(w, http.StatusConflict, "Room is already closing")
		return
	case errors.Is(err, room.ErrRegistryStopped):
		errorResponse(w, http.StatusServiceUnavailable, "Room registry unavailable")
		return
	case err != nil:
		logger.Errorf("close room %d: %v", roomID, err)
		errorResponse(w, http.StatusBadGateway, "Failed to archive room")
		return
	}

	jsonResponse(w, http.StatusOK, CloseResponse{
		RoomID:   snap.RoomID,
		Code:     snap.Text,
		Language: snap.Language,
		ClosedAt: snap.ClosedAt,
	})
}

// Language handlers

type LanguageRequest struct {
	Language string `json:"language"`
}

func decodeLanguage(r *http.Request) (language.Language, error) {
	var req LanguageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", err
	}
	return language.Parse(req.Language)
}

// GetLanguageHandler returns the room's language, initializing it from the
// caller's stored preference on first access.
func (a *API) GetLanguageHandler(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r)
	if !ok {
		errorResponse(w, http.StatusBadRequest, "Invalid room ID")
		return
	}

	var lookup language.Lookup
	if userID, ok := auth.UserID(r.Context()); ok && a.database != nil {
		lookup = a.database.LanguageLookup(userID)
	}

	lang, err := a.rooms.Language(r.Context(), roomID, lookup)
	if errors.Is(err, room.ErrRoomClosing) {
		errorResponse(w, http.StatusConflict, "Room is closing")
		return
	}
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "Room registry unavailable")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room_id":  roomID,
		"language": lang,
	})
}

func (a *API) SetLanguageHandler(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r)
	if !ok {
		errorResponse(w, http.StatusBadRequest, "Invalid room ID")
		return
	}

	lang, err := decodeLanguage(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid language")
		return
	}

	err = a.rooms.SetLanguage(r.Context(), roomID, lang, nil)
	if errors.Is(err, room.ErrRoomClosing) {
		errorResponse(w, http.StatusConflict, "Room is closing")
		return
	}
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, "Room registry unavailable")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room_id":  roomID,
		"language": lang,
	})
}

// SetPreferredLanguageHandler stores the caller's language for rooms they
// open from now on.
func (a *API) SetPreferredLanguageHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		errorResponse(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	if !a.requireDatabase(w) {
		return
	}

	lang, err := decodeLanguage(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid language")
		return
	}

	if err := a.database.SetPreferredLanguage(r.Context(), userID, lang); err != nil {
		logger.Errorf("save preferred language of %s: %v", userID, err)
		errorResponse(w, http.StatusInternalServerError, "Failed to save preference")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"language": lang,
	})
}

// Record handlers

type RecordResponse struct {
	ID          int64             `json:"id"`
	RoomID      int64             `json:"room_id"`
	Code        string            `json:"code,omitempty"` // Omit in list view
	Language    language.Language `json:"language"`
	ContentHash string            `json:"content_hash"`
	IsAuto      bool              `json:"is_auto"`
	ClosedAt    time.Time         `json:"closed_at"`
}

func recordResponse(rec db.Record) RecordResponse {
	return RecordResponse{
		ID:          rec.ID,
		RoomID:      rec.RoomID,
		Language:    rec.Language,
		ContentHash: rec.ContentHash,
		IsAuto:      rec.IsAuto,
		ClosedAt:    rec.ClosedAt,
	}
}

// ListRecordsHandler returns the archived records of a room, newest first.
func (a *API) ListRecordsHandler(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(r)
	if !ok {
		errorResponse(w, http.StatusBadRequest, "Invalid room ID")
		return
	}
	if !a.requireDatabase(w) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	records, err := a.database.ListRecords(r.Context(), roomID, limit, offset)
	if err != nil {
		logger.Errorf("list records of room %d: %v", roomID, err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list records")
		return
	}

	response := make([]RecordResponse, len(records))
	for i, rec := range records {
		response[i] = recordResponse(rec)
	}

	total, _ := a.database.RecordCount(r.Context(), roomID)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"records": response,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// GetRecordHandler retrieves one record with its full code.
func (a *API) GetRecordHandler(w http.ResponseWriter, r *http.Request) {
	recordID, ok := pathID(r)
	if !ok {
		errorResponse(w, http.StatusBadRequest, "Invalid record ID")
		return
	}
	if !a.requireDatabase(w) {
		return
	}

	rec, err := a.database.GetRecord(r.Context(), recordID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get record")
		return
	}
	if rec == nil {
		errorResponse(w, http.StatusNotFound, "Record not found")
		return
	}

	response := recordResponse(*rec)
	response.Code = rec.Code
	jsonResponse(w, http.StatusOK, response)
}

// DiffRecordsHandler computes the line diff between two records.
func (a *API) DiffRecordsHandler(w http.ResponseWriter, r *http.Request) {
	if !a.requireDatabase(w) {
		return
	}

	fromID, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'from' record ID")
		return
	}

	toID, err := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'to' record ID")
		return
	}

	from, err := a.database.GetRecord(r.Context(), fromID)
	if err != nil || from == nil {
		errorResponse(w, http.StatusNotFound, "From record not found")
		return
	}

	to, err := a.database.GetRecord(r.Context(), toID)
	if err != nil || to == nil {
		errorResponse(w, http.StatusNotFound, "To record not found")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"from": recordResponse(*from),
		"to":   recordResponse(*to),
		"diff": diffRecords(*from, *to),
	})
}

// DiffLine represents a single line in a diff
type DiffLine struct {
	Type    string `json:"type"` // "added", "removed", "unchanged"
	Content string `json:"content"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

// diffRecords returns the line diff that turns from's code into to's.
func diffRecords(from, to db.Record) []DiffLine {
	return diffLines(strings.Split(from.Code, "\n"), strings.Split(to.Code, "\n"))
}

// diffLines emits lines in order. Shared leading and trailing lines are
// matched directly; only the middle goes through the LCS table, which
// keeps the table small for the usual case of an archive differing from
// its predecessor in a few places.
func diffLines(oldLines, newLines []string) []DiffLine {
	diff := make([]DiffLine, 0, max(len(oldLines), len(newLines)))

	head := 0
	for head < len(oldLines) && head < len(newLines) && oldLines[head] == newLines[head] {
		diff = append(diff, DiffLine{Type: "unchanged", Content: oldLines[head], OldLine: head + 1, NewLine: head + 1})
		head++
	}

	tail := 0
	for tail < len(oldLines)-head && tail < len(newLines)-head &&
		oldLines[len(oldLines)-1-tail] == newLines[len(newLines)-1-tail] {
		tail++
	}

	a := oldLines[head : len(oldLines)-tail]
	b := newLines[head : len(newLines)-tail]
	suffix := commonSuffixLengths(a, b)

	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case i < len(a) && j < len(b) && a[i] == b[j]:
			diff = append(diff, DiffLine{Type: "unchanged", Content: a[i], OldLine: head + i + 1, NewLine: head + j + 1})
			i++
			j++
		case i < len(a) && (j == len(b) || suffix[i+1][j] >= suffix[i][j+1]):
			diff = append(diff, DiffLine{Type: "removed", Content: a[i], OldLine: head + i + 1})
			i++
		default:
			diff = append(diff, DiffLine{Type: "added", Content: b[j], NewLine: head + j + 1})
			j++
		}
	}

	for k := 0; k < tail; k++ {
		oi, ni := len(oldLines)-tail+k, len(newLines)-tail+k
		diff = append(diff, DiffLine{Type: "unchanged", Content: oldLines[oi], OldLine: oi + 1, NewLine: ni + 1})
	}
	return diff
}

// commonSuffixLengths returns t where t[i][j] is the LCS length of a[i:]
// and b[j:].
func commonSuffixLengths(a, b []string) [][]int {
	t := make([][]int, len(a)+1)
	for i := range t {
		t[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				t[i][j] = t[i+1][j+1] + 1
			} else {
				t[i][j] = max(t[i+1][j], t[i][j+1])
			}
		}
	}
	return t
}
