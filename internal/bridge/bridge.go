package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
)

const (
	batchInterval = 16 * time.Millisecond
	// bufferLimit bounds buffered PTY output per connection. Exceeding it
	// drops the buffered backlog in favor of the newest output.
	bufferLimit = 1 << 20
	// backpressureBytes is the nominal pending-send threshold; flush does not
	// consult it. Socket writes are synchronous, so at most one frame is ever
	// pending; a flush that finds a write still in progress re-arms instead
	// of sending another (see flush). That one frame can hold up to
	// bufferLimit bytes.
	backpressureBytes = 64 << 10
	killDelay         = 5 * time.Second
	reapEvery         = 60 * time.Second
)

// WebSocket close codes used on the terminal endpoint.
const (
	CloseUnauthorized  = 4401
	CloseSessionBusy   = 4409
	CloseInternalError = 4500
)

// ErrSessionBusy is returned by Attach when the session already has a live
// bridge.
var ErrSessionBusy = errors.New("session already has an active terminal connection")

// Socket is the narrow view of a websocket connection the bridge needs.
// Implementations must serialize their own writes.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// CloseWith sends a close frame with the given code and reason, then closes
// the socket.
func CloseWith(sock Socket, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = sock.Close()
}

// controlMessage is the JSON payload of a text frame. Resize is the only
// recognized type; anything else is a no-op.
type controlMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type teardownReason int

const (
	reasonSocket teardownReason = iota
	reasonPTYExit
	reasonReap
	reasonStop
)

// Bridge owns one (PTY, socket) pair for the duration of one attachment.
type Bridge struct {
	id        string
	sock      Socket
	ptmx      *os.File
	cmd       *exec.Cmd
	createdAt time.Time

	mu         sync.Mutex
	buf        [][]byte
	buffered   int
	flushTimer *time.Timer
	flushing   bool
	cleanedUp  bool

	missedPongs atomic.Int32
	sockClosed  atomic.Bool

	procDone chan struct{}
	stop     chan struct{}
}

// Service tracks all live bridges. Its active map is the single source of
// truth for the manager's already-attached conflict check.
type Service struct {
	heartbeat      time.Duration
	maxMissedPongs int

	mu     sync.Mutex
	active map[string]*Bridge

	// OnDetach, when set before Start, is invoked after each teardown with
	// the session id. Used to refresh advisory status and the history log.
	OnDetach func(id string)

	reapStop chan struct{}
	wg       sync.WaitGroup
}

func NewService(heartbeatSeconds, maxMissedPongs int) *Service {
	if heartbeatSeconds <= 0 {
		heartbeatSeconds = 30
	}
	return &Service{
		heartbeat:      time.Duration(heartbeatSeconds) * time.Second,
		maxMissedPongs: maxMissedPongs,
		active:         make(map[string]*Bridge),
		reapStop:       make(chan struct{}),
	}
}

// Start installs the periodic reaper.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(reapEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.reap()
			case <-s.reapStop:
				return
			}
		}
	}()
}

// Stop tears down the reaper and every live bridge.
func (s *Service) Stop() {
	close(s.reapStop)
	s.wg.Wait()

	s.mu.Lock()
	bridges := make([]*Bridge, 0, len(s.active))
	for _, b := range s.active {
		bridges = append(bridges, b)
	}
	s.mu.Unlock()

	for _, b := range bridges {
		s.teardown(b, reasonStop)
	}
}

// HasActive reports whether a session has a live bridge.
func (s *Service) HasActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// ActiveCount returns the number of live bridges.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Attach installs a bridge between the socket and a PTY running the
// multiplexer attach command. It returns once the bridge is wired; the
// pumps run until any termination event.
func (s *Service) Attach(id, tabName string, sock Socket, cols, rows int) error {
	b := &Bridge{
		id:        id,
		sock:      sock,
		createdAt: time.Now(),
		procDone:  make(chan struct{}),
		stop:      make(chan struct{}),
	}

	s.mu.Lock()
	if _, ok := s.active[id]; ok {
		s.mu.Unlock()
		CloseWith(sock, CloseSessionBusy, "Session already has an active terminal connection")
		return ErrSessionBusy
	}
	s.active[id] = b
	s.mu.Unlock()

	cmd := exec.Command("tmux", "attach-session", "-t", tabName)
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	} else {
		cmd.Dir = "/"
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		s.mu.Lock()
		delete(s.active, id)
		b.cleanedUp = true
		s.mu.Unlock()
		CloseWith(sock, CloseInternalError, "Failed to open terminal")
		return fmt.Errorf("spawn pty for %s: %w", tabName, err)
	}
	b.cmd = cmd
	b.ptmx = ptmx

	sock.SetPongHandler(func(string) error {
		b.missedPongs.Store(0)
		return nil
	})

	go s.ptyPump(b)
	go s.readPump(b)
	go s.heartbeatLoop(b)
	go func() {
		_ = cmd.Wait()
		close(b.procDone)
		s.teardown(b, reasonPTYExit)
	}()

	log.Printf("bridge: attached session %s (tab %s)", id, tabName)
	return nil
}

// ptyPump reads PTY output and enqueues it for batched delivery.
func (s *Service) ptyPump(b *Bridge) {
	buf := make([]byte, 32*1024)
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.enqueue(b, chunk)
		}
		if err != nil {
			// EIO here means the tmux client exited.
			s.teardown(b, reasonPTYExit)
			return
		}
	}
}

// enqueue appends a chunk to the output buffer and arms the batch timer.
// When the backlog would exceed the limit, the buffered output is dropped
// so memory stays bounded and the newest bytes win.
func (s *Service) enqueue(b *Bridge, chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleanedUp {
		return
	}
	if b.buffered+len(chunk) > bufferLimit {
		b.buf = nil
		b.buffered = 0
	}
	b.buf = append(b.buf, chunk)
	b.buffered += len(chunk)
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(batchInterval, func() { s.flush(b) })
	}
}

// flush concatenates the buffered chunks and writes one binary frame.
// Writes are synchronous, so a flush already in progress means the peer is
// not keeping up; the timer simply re-arms and the buffer keeps absorbing
// (and, past the limit, dropping) output in the meantime.
func (s *Service) flush(b *Bridge) {
	b.mu.Lock()
	b.flushTimer = nil
	if b.cleanedUp || b.buffered == 0 {
		b.mu.Unlock()
		return
	}
	if b.flushing {
		b.flushTimer = time.AfterFunc(batchInterval, func() { s.flush(b) })
		b.mu.Unlock()
		return
	}
	payload := bytes.Join(b.buf, nil)
	b.buf = nil
	b.buffered = 0
	b.flushing = true
	b.mu.Unlock()

	err := b.sock.WriteMessage(websocket.BinaryMessage, payload)

	b.mu.Lock()
	b.flushing = false
	if err == nil && b.buffered > 0 && b.flushTimer == nil && !b.cleanedUp {
		b.flushTimer = time.AfterFunc(batchInterval, func() { s.flush(b) })
	}
	b.mu.Unlock()

	if err != nil {
		b.sockClosed.Store(true)
		s.teardown(b, reasonSocket)
	}
}

// readPump forwards socket input to the PTY. Binary frames are terminal
// bytes; text frames carry control messages.
func (s *Service) readPump(b *Bridge) {
	for {
		msgType, data, err := b.sock.ReadMessage()
		if err != nil {
			b.sockClosed.Store(true)
			s.teardown(b, reasonSocket)
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if _, err := b.ptmx.Write(data); err != nil {
				s.teardown(b, reasonPTYExit)
				return
			}
		case websocket.TextMessage:
			var ctrl controlMessage
			if err := json.Unmarshal(data, &ctrl); err != nil {
				continue
			}
			if ctrl.Type == "resize" && ctrl.Cols > 0 && ctrl.Rows > 0 {
				_ = pty.Setsize(b.ptmx, &pty.Winsize{
					Cols: uint16(ctrl.Cols),
					Rows: uint16(ctrl.Rows),
				})
			}
		}
	}
}

// heartbeatLoop pings the peer and tears the bridge down when too many
// pongs go missing.
func (s *Service) heartbeatLoop(b *Bridge) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if b.sockClosed.Load() {
				s.teardown(b, reasonSocket)
				return
			}
			missed := b.missedPongs.Add(1)
			if int(missed) > s.maxMissedPongs {
				log.Printf("bridge: session %s missed %d pongs, terminating", b.id, missed)
				b.sockClosed.Store(true)
				s.teardown(b, reasonSocket)
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := b.sock.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				b.sockClosed.Store(true)
				s.teardown(b, reasonSocket)
				return
			}
		case <-b.stop:
			return
		}
	}
}

// reap tears down bridges whose socket died without a close callback.
func (s *Service) reap() {
	s.mu.Lock()
	var dead []*Bridge
	for _, b := range s.active {
		if b.sockClosed.Load() {
			dead = append(dead, b)
		}
	}
	s.mu.Unlock()

	for _, b := range dead {
		log.Printf("bridge: reaping session %s", b.id)
		s.teardown(b, reasonReap)
	}
}

// teardown releases everything a bridge holds. It is idempotent and safe to
// call from any of the termination paths, concurrently.
func (s *Service) teardown(b *Bridge, reason teardownReason) {
	s.mu.Lock()
	if b.cleanedUp || s.active[b.id] != b {
		s.mu.Unlock()
		return
	}
	b.cleanedUp = true
	delete(s.active, b.id)
	s.mu.Unlock()

	close(b.stop)

	b.mu.Lock()
	b.cleanedUp = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.buf = nil
	b.buffered = 0
	b.mu.Unlock()

	if b.cmd != nil && b.cmd.Process != nil {
		_ = b.cmd.Process.Signal(syscall.SIGTERM)
		proc := b.cmd.Process
		done := b.procDone
		time.AfterFunc(killDelay, func() {
			select {
			case <-done:
			default:
				_ = proc.Kill()
			}
		})
	}
	if b.ptmx != nil {
		_ = b.ptmx.Close()
	}

	if reason == reasonPTYExit && !b.sockClosed.Load() {
		CloseWith(b.sock, websocket.CloseNormalClosure, "Terminal session ended")
	} else {
		_ = b.sock.Close()
	}
	log.Printf("bridge: detached session %s", b.id)

	if s.OnDetach != nil {
		s.OnDetach(b.id)
	}
}
