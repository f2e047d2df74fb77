package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/user/claude-relay/internal/bridge"
	"github.com/user/claude-relay/internal/config"
	"github.com/user/claude-relay/internal/history"
	"github.com/user/claude-relay/internal/index"
	"github.com/user/claude-relay/internal/tmux"
)

// uuidPattern matches the lowercase 8-4-4-4-12 session id form.
var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

const attachWindow = 5 * time.Second

// Server is the authenticated HTTP + WebSocket surface of the relay.
type Server struct {
	cfg     *config.Config
	idx     *index.Index
	mgr     *tmux.Manager
	br      *bridge.Service
	hist    *history.Store
	version string
	started time.Time
	mux     *http.ServeMux

	rateMu     sync.Mutex
	lastAttach map[string]time.Time
}

func NewServer(cfg *config.Config, idx *index.Index, mgr *tmux.Manager, br *bridge.Service, hist *history.Store, version string) *Server {
	s := &Server{
		cfg:        cfg,
		idx:        idx,
		mgr:        mgr,
		br:         br,
		hist:       hist,
		version:    version,
		started:    time.Now(),
		mux:        http.NewServeMux(),
		lastAttach: make(map[string]time.Time),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Status is the only unauthenticated REST endpoint.
	s.mux.HandleFunc("/api/status", s.handleStatus)

	s.mux.HandleFunc("/api/sessions", s.authMiddleware(s.handleSessions))
	s.mux.HandleFunc("/api/sessions/", s.authMiddleware(s.handleSession))
	s.mux.HandleFunc("/api/projects", s.authMiddleware(s.handleProjects))
	s.mux.HandleFunc("/api/history", s.authMiddleware(s.handleHistory))

	// The terminal endpoint authenticates after the upgrade so the client
	// receives a proper close code.
	s.mux.HandleFunc("/terminal/", s.handleTerminal)
}

// checkPSK compares a presented token against the configured pre-shared key
// in constant time. Unequal lengths are rejected without byte comparison.
func (s *Server) checkPSK(token string) bool {
	psk := []byte(s.cfg.Auth.PSK)
	presented := []byte(token)
	if len(presented) != len(psk) {
		return false
	}
	return subtle.ConstantTimeCompare(presented, psk) == 1
}

// bearerToken extracts the credential from the Authorization header or,
// failing that, the token query parameter.
func bearerToken(r *http.Request) string {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == r.Header.Get("Authorization") {
		token = ""
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkPSK(bearerToken(r)) {
			log.Printf("http: unauthorized request to %s from %s", r.URL.Path, r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, codeUnauthorized,
				"Missing or invalid credentials",
				"Provide the relay PSK as a bearer token")
			return
		}
		next(w, r)
	}
}

// sessionView is the wire form of a session, with the derived project name.
type sessionView struct {
	index.SessionMeta
	ProjectName string `json:"project_name"`
}

func toView(meta index.SessionMeta) sessionView {
	name := ""
	if meta.ProjectPath != "" {
		name = filepath.Base(meta.ProjectPath)
	}
	return sessionView{SessionMeta: meta, ProjectName: name}
}

// tabStatuses returns a fresh map of session id to attached state for our
// tabs.
func (s *Server) tabStatuses(ctx context.Context) map[string]bool {
	statuses := make(map[string]bool)
	tabs, err := s.mgr.ListOurs(ctx)
	if err != nil {
		log.Printf("http: list tabs: %v", err)
		return statuses
	}
	for _, tab := range tabs {
		if id, ok := s.mgr.SessionID(tab.Name); ok {
			statuses[id] = tab.Attached
		}
	}
	return statuses
}

func muxStatusFrom(statuses map[string]bool, id string) index.MuxStatus {
	attached, ok := statuses[id]
	switch {
	case !ok:
		return index.MuxNone
	case attached:
		return index.MuxActive
	default:
		return index.MuxDetached
	}
}

// handleStatus serves GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET")
		return
	}

	type tabView struct {
		ID       string    `json:"id"`
		Attached bool      `json:"attached"`
		Created  time.Time `json:"created"`
	}
	var tabViews []tabView
	if tabs, err := s.mgr.ListOurs(r.Context()); err == nil {
		for _, tab := range tabs {
			if id, ok := s.mgr.SessionID(tab.Name); ok {
				tabViews = append(tabViews, tabView{ID: id, Attached: tab.Attached, Created: tab.Created})
			}
		}
	}

	cliVersion := ""
	for _, meta := range s.idx.List() {
		if meta.CLIVersion != "" {
			cliVersion = meta.CLIVersion
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":         s.version,
		"cli_version":     cliVersion,
		"active_sessions": s.br.ActiveCount(),
		"tabs":            tabViews,
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
	})
}

// handleSessions serves GET /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET")
		return
	}

	statuses := s.tabStatuses(r.Context())
	metas := s.idx.List()
	views := make([]sessionView, 0, len(metas))
	for _, meta := range metas {
		status := muxStatusFrom(statuses, meta.ID)
		s.idx.SetMuxStatus(meta.ID, status)
		meta.MultiplexerStatus = status
		views = append(views, toView(meta))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleSession serves GET /api/sessions/{id} and POST
// /api/sessions/{id}/attach.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, action, _ := strings.Cut(rest, "/")

	if !uuidPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, codeInvalidSessionID,
			"Session id must be a lowercase UUID",
			"Use an id from GET /api/sessions")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, "GET")
			return
		}
		s.handleSessionGet(w, r, id)
	case "attach":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, "POST")
			return
		}
		s.handleAttach(w, r, id)
	default:
		writeError(w, http.StatusNotFound, codeNotFound,
			"Unknown session action", "Use GET /api/sessions/{id} or POST /api/sessions/{id}/attach")
	}
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request, id string) {
	meta, ok := s.idx.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound,
			"No session with this id", "Refresh the session list")
		return
	}

	statuses := s.tabStatuses(r.Context())
	status := muxStatusFrom(statuses, id)
	s.idx.SetMuxStatus(id, status)
	meta.MultiplexerStatus = status

	writeJSON(w, http.StatusOK, struct {
		sessionView
		HasActiveConnection bool `json:"has_active_connection"`
	}{toView(meta), s.br.HasActive(id)})
}

// allowAttach enforces the per-session attach rate limit.
func (s *Server) allowAttach(id string) bool {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	now := time.Now()
	for other, at := range s.lastAttach {
		if now.Sub(at) > attachWindow {
			delete(s.lastAttach, other)
		}
	}
	if at, ok := s.lastAttach[id]; ok && now.Sub(at) <= attachWindow {
		return false
	}
	s.lastAttach[id] = now
	return true
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := s.idx.Get(id); !ok {
		writeError(w, http.StatusNotFound, codeNotFound,
			"No session with this id", "Refresh the session list")
		return
	}

	if !s.allowAttach(id) {
		writeError(w, http.StatusTooManyRequests, codeRateLimited,
			"Session was attached too recently",
			"Wait a few seconds before retrying")
		return
	}

	tabName, existed, err := s.mgr.Attach(r.Context(), id)
	if err != nil {
		s.writeAttachError(w, r, id, err)
		return
	}

	if !existed {
		s.idx.SetMuxStatus(id, index.MuxDetached)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ws_url":   "/terminal/" + id,
		"tab_name": tabName,
		"existed":  existed,
	})
}

func (s *Server) writeAttachError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, tmux.ErrSessionAttached):
		writeError(w, http.StatusConflict, codeSessionAttached,
			"Session already has an active terminal connection",
			"Detach the other client first")
	case errors.Is(err, tmux.ErrSessionConflict):
		s.record(r.Context(), id, history.KindConflict, "host-side process")
		writeError(w, http.StatusConflict, codeSessionConflict,
			"Session is in use by another process on this machine",
			"Close the local CLI using this session and retry")
	case errors.Is(err, tmux.ErrMaxSessions):
		writeError(w, http.StatusConflict, codeMaxSessions,
			"Maximum number of relay sessions reached",
			"Detach or kill an existing session first")
	default:
		log.Printf("http: attach %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, codeInternal,
			"Attach failed", "Check the relay logs")
	}
}

// handleProjects serves GET /api/projects.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET")
		return
	}

	type projectView struct {
		ProjectPath     string    `json:"project_path"`
		ProjectName     string    `json:"project_name"`
		SessionCount    int       `json:"session_count"`
		LatestTimestamp time.Time `json:"latest_timestamp"`
	}

	var views []projectView
	for key, metas := range s.idx.ByProject() {
		if len(metas) == 0 {
			continue
		}
		views = append(views, projectView{
			ProjectPath:     key,
			ProjectName:     filepath.Base(key),
			SessionCount:    len(metas),
			LatestTimestamp: metas[0].Timestamp,
		})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].LatestTimestamp.After(views[j].LatestTimestamp)
	})
	if views == nil {
		views = []projectView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// handleHistory serves GET /api/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, "GET")
		return
	}
	if s.hist == nil {
		writeJSON(w, http.StatusOK, []history.Event{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		log.Printf("http: history: %v", err)
		writeError(w, http.StatusInternalServerError, codeInternal,
			"Failed to read history", "Check the relay logs")
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// record writes a history event, best effort.
func (s *Server) record(ctx context.Context, id, kind, detail string) {
	if s.hist == nil {
		return
	}
	if err := s.hist.Record(ctx, id, kind, detail); err != nil {
		log.Printf("http: record history: %v", err)
	}
}
