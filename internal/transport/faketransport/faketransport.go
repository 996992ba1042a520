// Package faketransport provides an in-memory transport.Socket for tests,
// grounded on the teacher's agent_hub_test.go fake-connection patterns:
// no real network I/O, just a buffer of written frames and a closed flag.
package faketransport

import (
	"net"
	"sync"

	"github.com/streamspace-dev/qihub/internal/errs"
)

// Socket is an in-memory transport.Socket implementation for tests.
type Socket struct {
	mu       sync.Mutex
	Written  [][]byte
	closed   bool
	WriteErr error
	Addr     net.Addr
}

// New returns a fake Socket, optionally failing every write with writeErr.
func New(writeErr error) *Socket {
	return &Socket{WriteErr: writeErr, Addr: fakeAddr("fake:0")}
}

func (s *Socket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.Transport(net.ErrClosed)
	}
	if s.WriteErr != nil {
		return errs.Transport(s.WriteErr)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.Written = append(s.Written, cp)
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Socket) RemoteAddr() net.Addr {
	return s.Addr
}

// Closed reports whether Close has been called.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Messages returns a copy of every frame written so far.
func (s *Socket) Messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Written))
	copy(out, s.Written)
	return out
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }
