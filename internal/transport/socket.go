// Package transport defines the Socket boundary the core consumes, so the
// Connection Manager and Message Bus never import gorilla/websocket
// directly (spec §1 treats the transport server as an external
// collaborator; this interface is that seam).
package transport

import (
	"net"

	"github.com/gorilla/websocket"
)

// Socket is the minimal surface the bus needs from a live connection:
// write a text frame, close it, and report the peer address for logging.
type Socket interface {
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// GorillaSocket adapts a *websocket.Conn to Socket, the concrete
// implementation used by the real accept loop in cmd/qihubd.
type GorillaSocket struct {
	Conn *websocket.Conn
}

// NewGorillaSocket wraps an already-upgraded connection.
func NewGorillaSocket(conn *websocket.Conn) *GorillaSocket {
	return &GorillaSocket{Conn: conn}
}

func (s *GorillaSocket) WriteMessage(data []byte) error {
	return s.Conn.WriteMessage(websocket.TextMessage, data)
}

func (s *GorillaSocket) Close() error {
	return s.Conn.Close()
}

func (s *GorillaSocket) RemoteAddr() net.Addr {
	return s.Conn.RemoteAddr()
}

// Close codes from spec §6.
const (
	CloseAbnormalHandshake    = 4000
	CloseInvalidSession       = 4401
	CloseInternalRegistration = 4500
)
