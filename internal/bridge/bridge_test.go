package bridge

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testID = "11111111-1111-1111-1111-111111111111"

type fakeMsg struct {
	msgType int
	data    []byte
	err     error
}

// fakeSocket implements Socket in memory.
type fakeSocket struct {
	mu       sync.Mutex
	writes   [][]byte
	controls []fakeMsg
	closed   int
	reads    chan fakeMsg
	pong     func(string) error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{reads: make(chan fakeMsg, 16)}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.reads
	if !ok {
		return 0, nil, io.EOF
	}
	return msg.msgType, msg.data, msg.err
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.writes = append(f.writes, buf)
	return nil
}

func (f *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.controls = append(f.controls, fakeMsg{msgType: messageType, data: buf})
	return nil
}

func (f *fakeSocket) SetPongHandler(h func(string) error) {
	f.pong = h
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSocket) closeFrames() []fakeMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var frames []fakeMsg
	for _, c := range f.controls {
		if c.msgType == websocket.CloseMessage {
			frames = append(frames, c)
		}
	}
	return frames
}

func closeCode(frame []byte) int {
	if len(frame) < 2 {
		return 0
	}
	return int(binary.BigEndian.Uint16(frame[:2]))
}

func newTestBridge(sock Socket) *Bridge {
	return &Bridge{
		id:        testID,
		sock:      sock,
		createdAt: time.Now(),
		procDone:  make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

func register(s *Service, b *Bridge) {
	s.mu.Lock()
	s.active[b.id] = b
	s.mu.Unlock()
}

func TestAttach_SecondConnectionRejected(t *testing.T) {
	s := NewService(30, 3)
	first := newTestBridge(newFakeSocket())
	register(s, first)

	sock := newFakeSocket()
	err := s.Attach(testID, "claude-"+testID, sock, 120, 40)
	if err != ErrSessionBusy {
		t.Fatalf("err = %v, want ErrSessionBusy", err)
	}

	frames := sock.closeFrames()
	if len(frames) != 1 {
		t.Fatalf("close frames = %d, want 1", len(frames))
	}
	if code := closeCode(frames[0].data); code != CloseSessionBusy {
		t.Errorf("close code = %d, want %d", code, CloseSessionBusy)
	}
	if !s.HasActive(testID) {
		t.Error("rejection must not evict the first bridge")
	}
}

func TestEnqueue_BoundsBufferedBytes(t *testing.T) {
	s := NewService(30, 3)
	b := newTestBridge(newFakeSocket())
	register(s, b)

	big := make([]byte, bufferLimit)
	s.enqueue(b, big)
	s.enqueue(b, []byte("newest"))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}
	if b.buffered > bufferLimit {
		t.Errorf("buffered = %d, exceeds limit %d", b.buffered, bufferLimit)
	}
	// The overflowing enqueue drops the backlog; only the newest chunk
	// survives.
	if len(b.buf) != 1 || string(b.buf[0]) != "newest" {
		t.Errorf("buffer = %d chunks, want just the newest", len(b.buf))
	}
}

func TestFlush_SendsOneConcatenatedFrame(t *testing.T) {
	s := NewService(30, 3)
	sock := newFakeSocket()
	b := newTestBridge(sock)
	register(s, b)

	s.enqueue(b, []byte("foo"))
	s.enqueue(b, []byte("bar"))
	b.mu.Lock()
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.mu.Unlock()

	s.flush(b)

	sock.mu.Lock()
	defer sock.mu.Unlock()
	if len(sock.writes) != 1 {
		t.Fatalf("writes = %d, want 1 batched frame", len(sock.writes))
	}
	if !bytes.Equal(sock.writes[0], []byte("foobar")) {
		t.Errorf("frame = %q, want %q", sock.writes[0], "foobar")
	}
}

func TestTeardown_Idempotent(t *testing.T) {
	s := NewService(30, 3)
	sock := newFakeSocket()
	b := newTestBridge(sock)
	register(s, b)

	s.teardown(b, reasonSocket)
	s.teardown(b, reasonSocket)

	if s.HasActive(testID) {
		t.Error("bridge still active after teardown")
	}
	sock.mu.Lock()
	closed := sock.closed
	sock.mu.Unlock()
	if closed != 1 {
		t.Errorf("socket closed %d times, want 1", closed)
	}
}

func TestTeardown_PTYExitClosesNormally(t *testing.T) {
	s := NewService(30, 3)
	sock := newFakeSocket()
	b := newTestBridge(sock)
	register(s, b)

	s.teardown(b, reasonPTYExit)

	frames := sock.closeFrames()
	if len(frames) != 1 {
		t.Fatalf("close frames = %d, want 1", len(frames))
	}
	if code := closeCode(frames[0].data); code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want 1000", code)
	}
	if !bytes.Contains(frames[0].data, []byte("Terminal session ended")) {
		t.Error("close reason missing")
	}
}

func TestTeardown_NewerBridgeUntouched(t *testing.T) {
	s := NewService(30, 3)
	old := newTestBridge(newFakeSocket())
	newer := newTestBridge(newFakeSocket())
	register(s, newer)

	// The stale bridge is no longer the one in the map; teardown must not
	// evict its successor.
	s.teardown(old, reasonSocket)

	if !s.HasActive(testID) {
		t.Error("teardown of a superseded bridge evicted the live one")
	}
}

func TestTeardown_InvokesOnDetach(t *testing.T) {
	s := NewService(30, 3)
	detached := make(chan string, 1)
	s.OnDetach = func(id string) { detached <- id }
	b := newTestBridge(newFakeSocket())
	register(s, b)

	s.teardown(b, reasonSocket)

	select {
	case id := <-detached:
		if id != testID {
			t.Errorf("OnDetach id = %q", id)
		}
	default:
		t.Error("OnDetach not invoked")
	}
}

func TestReadPump_ForwardsBinaryToPTY(t *testing.T) {
	s := NewService(30, 3)
	sock := newFakeSocket()
	b := newTestBridge(sock)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	b.ptmx = w
	register(s, b)

	sock.reads <- fakeMsg{msgType: websocket.BinaryMessage, data: []byte("keys")}
	sock.reads <- fakeMsg{msgType: websocket.TextMessage, data: []byte("not json")}
	close(sock.reads)

	done := make(chan struct{})
	go func() {
		s.readPump(b)
		close(done)
	}()

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "keys" {
		t.Errorf("pty received %q, want %q", buf[:n], "keys")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readPump did not exit on socket error")
	}
	if s.HasActive(testID) {
		t.Error("socket error must tear the bridge down")
	}
}

func TestControlMessage_Parsing(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		resize  bool
	}{
		{"valid", `{"type":"resize","cols":80,"rows":24}`, true},
		{"zero cols", `{"type":"resize","cols":0,"rows":24}`, false},
		{"zero rows", `{"type":"resize","cols":80,"rows":0}`, false},
		{"unknown type", `{"type":"scroll","cols":80,"rows":24}`, false},
		{"malformed", `{"type":`, false},
	}
	for _, tt := range tests {
		var ctrl controlMessage
		err := json.Unmarshal([]byte(tt.payload), &ctrl)
		ok := err == nil && ctrl.Type == "resize" && ctrl.Cols > 0 && ctrl.Rows > 0
		if ok != tt.resize {
			t.Errorf("%s: resize = %v, want %v", tt.name, ok, tt.resize)
		}
	}
}

func TestHeartbeat_TerminatesAfterMissedPongs(t *testing.T) {
	s := NewService(1, 0)
	sock := newFakeSocket()
	b := newTestBridge(sock)
	register(s, b)

	go s.heartbeatLoop(b)

	deadline := time.Now().Add(5 * time.Second)
	for s.HasActive(testID) {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never terminated a silent peer")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStop_TearsDownAllBridges(t *testing.T) {
	s := NewService(30, 3)
	s.Start()
	sock := newFakeSocket()
	b := newTestBridge(sock)
	register(s, b)

	s.Stop()

	if s.HasActive(testID) {
		t.Error("Stop left a live bridge")
	}
	if s.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after Stop", s.ActiveCount())
	}
}
