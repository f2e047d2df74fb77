package http

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/claude-relay/internal/bridge"
	"github.com/user/claude-relay/internal/history"
	"github.com/user/claude-relay/internal/index"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The relay sits behind a single-user PSK; origin checks add nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// safeConn serializes data-frame writes to a websocket connection.
// gorilla/websocket permits only one concurrent WriteMessage caller;
// WriteControl and Close are safe to call concurrently and pass straight
// through without the mutex.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (sc *safeConn) ReadMessage() (int, []byte, error) {
	return sc.conn.ReadMessage()
}

func (sc *safeConn) WriteMessage(messageType int, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(messageType, data)
}

func (sc *safeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return sc.conn.WriteControl(messageType, data, deadline)
}

func (sc *safeConn) SetPongHandler(h func(string) error) {
	sc.conn.SetPongHandler(h)
}

func (sc *safeConn) Close() error {
	return sc.conn.Close()
}

// handleTerminal serves the WebSocket terminal endpoint. Authentication
// happens after the upgrade so the client sees a close code instead of an
// opaque handshake failure.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/terminal/")
	if !uuidPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, codeInvalidSessionID,
			"Session id must be a lowercase UUID",
			"Use the ws_url returned by the attach endpoint")
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade %s: %v", id, err)
		return
	}
	sock := &safeConn{conn: raw}

	if !s.checkPSK(bearerToken(r)) {
		log.Printf("ws: unauthorized terminal connection for %s from %s", id, r.RemoteAddr)
		bridge.CloseWith(sock, bridge.CloseUnauthorized, "Invalid or missing token")
		return
	}

	cols, _ := strconv.Atoi(r.URL.Query().Get("cols"))
	rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))
	if cols <= 0 {
		cols = s.cfg.Tmux.DefaultCols
	}
	if rows <= 0 {
		rows = s.cfg.Tmux.DefaultRows
	}

	tabName := s.mgr.TabName(id)
	if err := s.br.Attach(id, tabName, sock, cols, rows); err != nil {
		// The bridge has already closed the socket with the right code.
		log.Printf("ws: attach %s: %v", id, err)
		return
	}

	s.idx.SetMuxStatus(id, index.MuxActive)
	s.record(r.Context(), id, history.KindAttach, "websocket")
}
