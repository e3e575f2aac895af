package tcpserver

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/devlink/channel"
	"github.com/cyberinferno/devlink/logger"
)

// ErrSessionClosed is returned by Send after Close.
var ErrSessionClosed = errors.New("tcpserver: session closed")

// Session is one accepted connection. Send and Close are safe for
// concurrent use.
type Session struct {
	id     uint64
	conn   net.Conn
	server *TCPServer
	logger logger.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newSession(id uint64, conn net.Conn, server *TCPServer) *Session {
	return &Session{
		id:     id,
		conn:   conn,
		server: server,
		logger: server.Logger.With(logger.Field{Key: "peer_session", Value: id}, logger.Field{Key: "remote", Value: conn.RemoteAddr().String()}),
	}
}

// ID returns the session's server-assigned identifier.
func (s *Session) ID() uint64 {
	return s.id
}

// RemoteAddr returns the address of the connected device.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Send writes content as one length-prefixed frame.
func (s *Session) Send(content []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := channel.WriteFrame(s.conn, content)
	return err
}

// SendRaw writes b to the connection without framing.
func (s *Session) SendRaw(b []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.Write(b)
	return err
}

// Close closes the connection. It is safe to call multiple times.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	return s.conn.Close()
}

// Handle reads frames until the connection ends, passing each non-empty
// frame to the server's OnFrame hook.
func (s *Session) Handle() {
	defer func() {
		_ = s.Close()
		s.server.removeSession(s.id)
		if s.server.OnDisconnect != nil {
			s.server.OnDisconnect(s)
		}
		s.logger.Debug("peer session ended")
	}()

	for {
		content, err := channel.ReadFrame(s.conn, s.server.MaxFrameSize)
		if errors.Is(err, channel.ErrEmptyFrame) {
			continue
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("peer read failed", logger.Field{Key: "error", Value: err.Error()})
			}
			return
		}

		if s.server.OnFrame != nil {
			s.server.OnFrame(s, content)
		}
	}
}
