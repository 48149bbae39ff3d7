package uds

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc processes one decoded request and returns the response to
// write back. Handlers run on the connection goroutine.
type HandlerFunc func(req *Request) *Response

// Server owns the daemon side of the socket. Each accepted connection gets
// its own goroutine and may carry any number of request/response exchanges
// before the client hangs up; the CLI does one exchange per connection, a
// long-lived UI can keep its connection open.
type Server struct {
	socketPath  string
	connTimeout time.Duration

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

func NewServer(socketPath string) *Server {
	return &Server{
		socketPath:  socketPath,
		connTimeout: 30 * time.Second,
		handlers:    make(map[string]HandlerFunc),
		conns:       make(map[net.Conn]struct{}),
	}
}

// SetConnTimeout bounds how long the server waits on an idle connection
// before dropping it.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// Handle registers the handler for a command name.
func (s *Server) Handle(command string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Start binds the socket and begins accepting connections. A socket file
// left by a crashed daemon is removed first; the daemon lock, not the
// socket, is what prevents two live instances.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	// Socket access is the only authentication there is.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.closed = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serve(ln)
	return nil
}

// Stop closes the listener, wakes every connection blocked in a read, and
// waits for the session goroutines to drain before removing the socket
// file. A response already being written still reaches its client.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	now := time.Now()
	for conn := range s.conns {
		conn.SetReadDeadline(now)
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("uds: accept: %v", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.session(conn)
	}
}

// session serves exchanges until the client hangs up, the idle timeout
// passes, or the server stops.
func (s *Server) session(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	for {
		if !s.armRead(conn) {
			return
		}

		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				log.Printf("uds: read request: %v", err)
			}
			return
		}

		if err := WriteFrame(conn, s.dispatch(&req)); err != nil {
			if !s.isClosed() {
				log.Printf("uds: write response: %v", err)
			}
			return
		}
	}
}

// dispatch routes one request to its handler. A handler panic is contained
// here: the client gets an internal error response and the connection
// stays usable.
func (s *Server) dispatch(req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("uds: handler panic on %q: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, "internal error")
		}
	}()

	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d",
				req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.Lock()
	h, ok := s.handlers[req.Command]
	s.mu.Unlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	return h(req)
}

// armRead sets the idle deadline for the next read. It holds the same lock
// as Stop so a session cannot re-arm a connection Stop has already woken.
func (s *Server) armRead(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	conn.SetDeadline(time.Now().Add(s.connTimeout))
	return true
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
