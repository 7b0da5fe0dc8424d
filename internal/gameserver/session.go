package gameserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateConnected
	stateDisconnecting
	stateDisconnected
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateDisconnecting:
		return "disconnecting"
	case stateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// session is the server-side handle for one client connection. Ids are
// assigned from a monotonic counter and never reused; everything that cares
// about a session's identity compares ids, never pointers.
//
// One goroutine per session runs readLoop; all other state lives on the
// server's event goroutine, except the connection state, which is atomic so
// the send path can consult it from either side of a teardown.
type session struct {
	id   uint64
	key  addrKey
	conn net.Conn

	state     atomic.Int32
	closeOnce sync.Once

	logger *log.Logger
}

func newSession(id uint64, conn net.Conn, logger *log.Logger) *session {
	s := &session{
		id:     id,
		key:    makeAddrKey(conn.RemoteAddr()),
		conn:   conn,
		logger: logger,
	}
	s.setState(stateConnecting)
	return s
}

func (s *session) State() sessionState {
	return sessionState(s.state.Load())
}

func (s *session) setState(state sessionState) {
	s.state.Store(int32(state))
}

func (s *session) connected() bool {
	return s.State() == stateConnected
}

// close is the single idempotent disconnect entry point, safe from any
// goroutine. Closing the connection unblocks the read loop, which then
// reports the closure to the event goroutine for recovery.
func (s *session) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(stateDisconnecting)
		err = s.conn.Close()
	})
	return err
}

// sendBytes writes one wire message. A failed write tears the session down
// and is reported to the caller, unless a teardown is already underway, in
// which case the failure is expected and swallowed.
func (s *session) sendBytes(bytes []byte) error {
	s.logger.Debug().
		Uint64("session", s.id).
		Str("bytes", fmt.Sprintf("%v", bytes)).
		Msg("send")

	_, err := s.conn.Write(bytes)
	if err != nil {
		if s.State() != stateConnecting && s.State() != stateConnected {
			return nil
		}
		s.close()
		return fmt.Errorf("could not write to session %d: %w", s.id, err)
	}
	return nil
}

// readLoop delivers inbound bytes to the event channel one at a time, in
// arrival order, and reports the closure when the transport fails or the
// peer hangs up. It is the only reader of the connection.
func (s *session) readLoop(ctx context.Context, events chan<- event) {
	buf := make([]byte, 1)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			break
		}
		if n == 0 {
			continue
		}
		select {
		case events <- event{kind: evInput, sess: s, b: buf[0]}:
		case <-ctx.Done():
			return
		}
	}

	s.close()
	select {
	case events <- event{kind: evClosed, sess: s}:
	case <-ctx.Done():
	}
}
