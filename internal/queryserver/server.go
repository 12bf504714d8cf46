// Package queryserver is a scripted in-process query server used by the
// test suites. It speaks just enough of the wire protocol to exercise a
// client: a fixed banner on accept, a pluggable responder for inbound
// command lines, and the ability to push unsolicited lines at any time.
package queryserver

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/zap"
)

// Banner is sent, one line at a time, to every accepted connection before
// any command is answered.
var Banner = []string{
	"QUERYLINE",
	"Welcome to the queryline test server.",
	"Type a command and terminate it with a newline.",
}

// Responder maps one inbound command line to the raw lines to send back.
// Returning nil leaves the command unanswered, which is how tests create
// pending requests. A Responder may block to control answer timing.
type Responder func(line string) []string

// OkResponder answers every command with a bare success trailer.
func OkResponder(string) []string {
	return []string{"error id=0 msg=ok"}
}

type Server struct {
	ln  net.Listener
	log *zap.Logger

	respond Responder

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	received []string

	loopWaiter sync.WaitGroup
}

// Start listens on an ephemeral localhost port. A nil responder defaults
// to OkResponder.
func Start(log *zap.Logger, respond Responder) (*Server, error) {
	if respond == nil {
		respond = OkResponder
	}

	ln, err := reuseport.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		ln:      ln,
		log:     log,
		respond: respond,
		conns:   make(map[net.Conn]struct{}),
	}

	s.loopWaiter.Add(1)
	go func() {
		defer s.loopWaiter.Done()
		s.acceptLoop()
	}()

	return s, nil
}

// Host and Port of the listening socket.
func (s *Server) Host() string {
	return "127.0.0.1"
}

func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Received returns every command line read so far, in arrival order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, len(s.received))
	copy(lines, s.received)

	return lines
}

// Push writes raw lines to every open connection, outside of any
// request/response exchange. Used to inject notifications and stray
// responses.
func (s *Server) Push(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		for _, line := range lines {
			if _, err := conn.Write([]byte(line + "\n")); err != nil {
				s.log.Warn("Failed to push line", zap.Error(err))
			}
		}
	}
}

// DropConns closes every open connection without closing the listener,
// simulating a transport failure under the client.
func (s *Server) DropConns() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
}

func (s *Server) Close() error {
	err := s.ln.Close()
	s.DropConns()
	s.loopWaiter.Wait()

	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("Accept failed", zap.Error(err))
			}
			return
		}

		s.addConn(conn)

		s.loopWaiter.Add(1)
		go func() {
			defer s.loopWaiter.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.removeConn(conn)

	for _, line := range Banner {
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			return
		}
	}

	r := bufio.NewReader(conn)

	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			return
		}

		line := strings.TrimRight(raw, "\r\n")

		s.mu.Lock()
		s.received = append(s.received, line)
		s.mu.Unlock()

		for _, reply := range s.respond(line) {
			if _, err := conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}
}

func (s *Server) addConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns[conn] = struct{}{}
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[conn]; ok {
		conn.Close()
		delete(s.conns, conn)
	}
}
