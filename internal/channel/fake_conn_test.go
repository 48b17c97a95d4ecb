package channel

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type fakeFrame struct {
	typ  int
	data []byte
}

// fakeConn is an in-memory Conn. Reads come from frames; writes are recorded.
type fakeConn struct {
	frames chan fakeFrame
	closed chan struct{}

	closeOnce sync.Once

	mu         sync.Mutex
	written    [][]byte
	closeCodes []int
	block      chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan fakeFrame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) push(typ int, data string) {
	f.frames <- fakeFrame{typ: typ, data: []byte(data)}
}

func (f *fakeConn) NextReader() (int, io.Reader, error) {
	select {
	case fr := <-f.frames:
		return fr.typ, bytes.NewReader(fr.data), nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-f.closed:
			return net.ErrClosed
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType != websocket.CloseMessage {
		return nil
	}
	code := websocket.CloseNoStatusReceived
	if len(data) >= 2 {
		code = int(binary.BigEndian.Uint16(data))
	}
	f.mu.Lock()
	f.closeCodes = append(f.closeCodes, code)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error     { return nil }
func (f *fakeConn) SetPongHandler(func(appData string) error) {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) closeCodesSnapshot() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.closeCodes...)
}
