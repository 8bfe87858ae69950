package ws

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/lattice/pairsync/internal/auth"
	"github.com/manpreetbhatti/lattice/pairsync/internal/language"
	"github.com/manpreetbhatti/lattice/pairsync/internal/logger"
	"github.com/manpreetbhatti/lattice/pairsync/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/pairsync/internal/room"
)

const (
	connectsPerSecond = 2
	connectBurst      = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Rooms is the part of the room registry a connection talks to.
type Rooms interface {
	Join(ctx context.Context, roomID int64, conn room.Conn) error
	Leave(ctx context.Context, roomID int64, conn room.Conn) error
	HandleFrame(ctx context.Context, roomID int64, conn room.Conn, data []byte) error
	Language(ctx context.Context, roomID int64, lookup language.Lookup) (language.Language, error)
	SetLanguage(ctx context.Context, roomID int64, lang language.Language, from room.Conn) error
}

// Preferences resolves a user's stored language preference.
type Preferences interface {
	LanguageLookup(userID string) language.Lookup
}

type Server struct {
	rooms    Rooms
	prefs    Preferences
	connects *ratelimit.ClientLimiters
}

// NewServer returns the WebSocket endpoint. prefs may be nil.
func NewServer(rooms Rooms, prefs Preferences) *Server {
	return &Server{
		rooms:    rooms,
		prefs:    prefs,
		connects: ratelimit.NewClientLimiters(connectsPerSecond, connectBurst),
	}
}

func (s *Server) Close() {
	s.connects.Stop()
}

// ServeHTTP upgrades GET /ws?room=<id> and attaches the connection to the
// room.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(r.URL.Query().Get("room"), 10, 64)
	if err != nil || roomID <= 0 {
		http.Error(w, "room must be a positive integer", http.StatusBadRequest)
		return
	}

	userID, _ := auth.UserID(r.Context())
	key := userID
	if key == "" {
		key = remoteHost(r)
	}
	if !s.connects.Allow(key) {
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("Upgrade error: %v", err)
		return
	}

	client := newClient(s, conn, roomID, userID)
	go client.writePump()

	if err := s.rooms.Join(r.Context(), roomID, client); err != nil {
		logger.Warnf("%s could not join room %d: %v", client.clientID, roomID, err)
		client.Detach(roomID)
		return
	}
	go client.readPump()
}

func (s *Server) languageLookup(userID string) language.Lookup {
	if s.prefs == nil {
		return nil
	}
	return s.prefs.LanguageLookup(userID)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
