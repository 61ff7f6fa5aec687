// Package socket exposes the transport surface as integer handles over the
// TCP and UDP engines. Every call is non-blocking: callers poll for
// completion between ticks, the way the stack's single-threaded model
// requires.
package socket

import (
	"net/netip"

	"firestige.xyz/hostnet/internal/core"
	"firestige.xyz/hostnet/internal/tcp"
	"firestige.xyz/hostnet/internal/udp"
)

// Handle identifies one socket. Zero is never a valid handle.
type Handle int

// InvalidHandle is returned where no socket is available, together with a
// nil error when that is an expected outcome (empty accept queue).
const InvalidHandle Handle = 0

type entry struct {
	conn     *tcp.Conn
	listener *tcp.Listener
	ep       *udp.Endpoint
}

// Table maps handles to transport endpoints.
type Table struct {
	tcp     *tcp.Engine
	udp     *udp.Engine
	next    Handle
	entries map[Handle]*entry
}

// NewTable creates the handle table over the two transport engines.
func NewTable(t *tcp.Engine, u *udp.Engine) *Table {
	return &Table{tcp: t, udp: u, next: 1, entries: make(map[Handle]*entry)}
}

func (s *Table) insert(e *entry) Handle {
	h := s.next
	s.next++
	s.entries[h] = e
	return h
}

// Open starts an active TCP connect. The handle is usable immediately;
// Send buffers until the handshake completes, Err reports a failed
// connect.
func (s *Table) Open(remote netip.Addr, port uint16, opt tcp.OpenOptions) (Handle, error) {
	c, err := s.tcp.Open(remote, port, opt)
	if err != nil {
		return InvalidHandle, err
	}
	return s.insert(&entry{conn: c}), nil
}

// Listen binds a TCP listener.
func (s *Table) Listen(port uint16, backlog int) (Handle, error) {
	l, err := s.tcp.Listen(port, backlog)
	if err != nil {
		return InvalidHandle, err
	}
	return s.insert(&entry{listener: l}), nil
}

// Accept dequeues one established connection from a listener handle.
// Returns InvalidHandle with a nil error when nothing is pending.
func (s *Table) Accept(h Handle) (Handle, error) {
	e, ok := s.entries[h]
	if !ok {
		return InvalidHandle, core.ErrBadHandle
	}
	if e.listener == nil {
		return InvalidHandle, core.ErrNotListener
	}
	c := e.listener.Accept()
	if c == nil {
		return InvalidHandle, nil
	}
	return s.insert(&entry{conn: c}), nil
}

// Send queues data on a connection handle.
func (s *Table) Send(h Handle, data []byte) (int, error) {
	e, ok := s.entries[h]
	if !ok || e.conn == nil {
		return 0, core.ErrBadHandle
	}
	return e.conn.Send(data)
}

// Recv copies received data from a connection handle. 0, nil means no data
// yet; 0, ErrConnClosed means the peer finished sending.
func (s *Table) Recv(h Handle, buf []byte) (int, error) {
	e, ok := s.entries[h]
	if !ok || e.conn == nil {
		return 0, core.ErrBadHandle
	}
	return e.conn.Recv(buf)
}

// State reports the TCP state of a connection handle.
func (s *Table) State(h Handle) (tcp.State, error) {
	e, ok := s.entries[h]
	if !ok || e.conn == nil {
		return tcp.StateClosed, core.ErrBadHandle
	}
	return e.conn.State(), nil
}

// Err reports the terminal error of a connection handle, nil while the
// connection is healthy.
func (s *Table) Err(h Handle) error {
	e, ok := s.entries[h]
	if !ok {
		return core.ErrBadHandle
	}
	if e.conn != nil {
		return e.conn.Err()
	}
	return nil
}

// Close releases a handle: orderly FIN for connections, unbind for
// listeners and UDP endpoints.
func (s *Table) Close(h Handle) error {
	e, ok := s.entries[h]
	if !ok {
		return core.ErrBadHandle
	}
	delete(s.entries, h)
	switch {
	case e.conn != nil:
		return e.conn.Close()
	case e.listener != nil:
		e.listener.Close()
	case e.ep != nil:
		e.ep.Close()
	}
	return nil
}

// Abort resets a connection handle immediately.
func (s *Table) Abort(h Handle) error {
	e, ok := s.entries[h]
	if !ok {
		return core.ErrBadHandle
	}
	delete(s.entries, h)
	if e.conn != nil {
		e.conn.Abort()
	}
	return nil
}

// BindUDP claims a UDP port as a datagram handle.
func (s *Table) BindUDP(port uint16) (Handle, error) {
	ep, err := s.udp.Bind(port)
	if err != nil {
		return InvalidHandle, err
	}
	return s.insert(&entry{ep: ep}), nil
}

// SendTo transmits one datagram from a UDP handle.
func (s *Table) SendTo(h Handle, dst netip.Addr, port uint16, payload []byte) error {
	e, ok := s.entries[h]
	if !ok || e.ep == nil {
		return core.ErrBadHandle
	}
	return e.ep.Send(dst, port, payload)
}

// RecvFrom dequeues one datagram from a UDP handle.
func (s *Table) RecvFrom(h Handle) (udp.Datagram, bool, error) {
	e, ok := s.entries[h]
	if !ok || e.ep == nil {
		return udp.Datagram{}, false, core.ErrBadHandle
	}
	d, ok := e.ep.Recv()
	return d, ok, nil
}
