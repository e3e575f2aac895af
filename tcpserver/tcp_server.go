// Package tcpserver is the remote end of a device link: it accepts device
// connections and exchanges length-prefixed frames with them. It is used by
// the development peer and as the endpoint in tests.
package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/devlink/channel"
	"github.com/cyberinferno/devlink/idgenerator"
	"github.com/cyberinferno/devlink/logger"
	"github.com/cyberinferno/devlink/safemap"
)

// TCPServer accepts connections and runs a framed read loop for each one in
// its own goroutine. Hooks are optional and must be set before Start.
type TCPServer struct {
	Logger       logger.Logger
	Name         string
	Addr         string
	MaxFrameSize uint32
	IdGenerator  *idgenerator.IdGenerator

	// OnConnect runs in the accept goroutine before the read loop starts.
	OnConnect func(s *Session)
	// OnFrame runs in the session's read goroutine for every non-empty frame.
	OnFrame func(s *Session, content []byte)
	// OnDisconnect runs once when the read loop ends.
	OnDisconnect func(s *Session)

	sessions safemap.SafeMap[uint64, *Session]
	wg       sync.WaitGroup

	// mu orders session admission against Stop: a session is only added
	// while running is true, and Stop clears running under mu before it
	// snapshots the sessions to close.
	mu       sync.Mutex
	running  atomic.Bool
	listener net.Listener
}

// Start binds Addr and begins accepting connections in a goroutine.
//
// Returns:
//   - An error if the server is already running or if listening on Addr fails
func (s *TCPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		s.Logger.Error("server already running")
		return fmt.Errorf("server %s already running", s.Name)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("server %s failed to start: %w", s.Name, err)
	}

	if s.IdGenerator == nil {
		s.IdGenerator = idgenerator.NewIdGenerator(0)
	}
	if s.MaxFrameSize == 0 {
		s.MaxFrameSize = channel.DefaultMaxFrameSize
	}

	s.listener = ln
	s.sessions.Clear()
	s.running.Store(true)

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})

	s.wg.Add(1)
	go s.acceptLoop(ln)

	return nil
}

// Stop closes the listener and every active session, then waits for all
// server goroutines to exit. Connections accepted while Stop runs are closed
// without being served. Safe to call when the server is not running.
func (s *TCPServer) Stop() {
	s.mu.Lock()
	if !s.running.CompareAndSwap(true, false) {
		s.mu.Unlock()
		return
	}
	ln := s.listener
	sessions := s.sessions.Values()
	s.mu.Unlock()

	_ = ln.Close()
	for _, sess := range sessions {
		_ = sess.Close()
	}

	s.wg.Wait()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// ListenAddr returns the bound address, which differs from Addr when Addr
// uses port 0. It returns an empty string before Start.
func (s *TCPServer) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GetSession returns the session for the given id, if present.
func (s *TCPServer) GetSession(id uint64) (*Session, bool) {
	return s.sessions.Load(id)
}

// Sessions returns the active sessions ordered by id.
func (s *TCPServer) Sessions() []*Session {
	return safemap.SortedValues(&s.sessions)
}

// Broadcast sends content as one frame to every active session.
//
// Returns:
//   - The number of sessions the frame was written to
func (s *TCPServer) Broadcast(content []byte) int {
	sent := 0
	for _, sess := range s.Sessions() {
		if err := sess.Send(content); err != nil {
			s.Logger.Warn("broadcast failed", logger.Field{Key: "session", Value: sess.ID()}, logger.Field{Key: "error", Value: err.Error()})
			continue
		}
		sent++
	}

	return sent
}

func (s *TCPServer) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name), logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		sess := newSession(s.IdGenerator.Id(), conn, s)
		if !s.addSession(sess) {
			_ = sess.Close()
			return
		}

		if s.OnConnect != nil {
			s.OnConnect(sess)
		}

		go func() {
			defer s.wg.Done()
			sess.Handle()
		}()
	}
}

// addSession registers sess and reserves its read goroutine in wg. It
// reports false once Stop has begun.
func (s *TCPServer) addSession(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.sessions.Store(sess.id, sess)
	s.wg.Add(1)
	return true
}

func (s *TCPServer) removeSession(id uint64) {
	s.sessions.Delete(id)
}
