// Package gameserver pairs connected clients into two-player tic-tac-toe
// matches over TCP: it owns the connection lifecycle, the FIFO matchmaking
// queue, turn and legality enforcement, win/tie detection, the per-winner
// streak, and the wire exchange defined in internal/protocol.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"
)

type addrKey uint64

func makeAddrKey(addr net.Addr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

type eventKind int

const (
	evConnected eventKind = iota
	evInput
	evClosed
)

type event struct {
	kind eventKind
	sess *session
	b    byte
}

// Server accepts connections and funnels everything that happens on them
// into a single event goroutine owning the registry and the match, so all
// game state transitions execute strictly sequentially.
type Server struct {
	listener net.Listener
	logger   *log.Logger

	events chan event
	nextID atomic.Uint64
	wg     sync.WaitGroup

	sessions map[addrKey]*session
	registry *registry
	match    *match
}

// NewServer listens on address ("tcp", "host:port"). A nil logger (which
// might be true in tests) falls back to a silenced default.
func NewServer(network, address string, logger *log.Logger) (*Server, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}

	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	reg := &registry{}
	s := &Server{
		listener: listener,
		logger:   logger,

		events: make(chan event),

		sessions: make(map[addrKey]*session),
		registry: reg,
		match:    newMatch(reg, logger),
	}

	return s, nil
}

// Addr can be useful to retrieve the server's address when the Server was
// constructed with ":0".
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Run serves until ctx is cancelled, then closes the listener and every
// remaining session before returning.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return s.listener.Close()
	})
	g.Go(func() error {
		return s.runAccept(gctx)
	})
	g.Go(func() error {
		return s.runEvents(gctx)
	})

	err := g.Wait()
	if closeErr := s.closeSessions(); closeErr != nil {
		err = multierror.Append(err, closeErr).ErrorOrNil()
	}
	s.wg.Wait()
	return err
}

func (s *Server) runAccept(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Error().Msgf("could not accept: %v", err)
			continue
		}

		sess := newSession(s.nextID.Add(1), conn, s.logger)
		select {
		case s.events <- event{kind: evConnected, sess: sess}:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.readLoop(ctx, s.events)
		}()
	}
}

func (s *Server) runEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			switch ev.kind {
			case evConnected:
				s.handleConnect(ev.sess)
			case evInput:
				s.match.handleInput(ev.sess, ev.b)
			case evClosed:
				s.handleDisconnect(ev.sess)
			}
		}
	}
}

func (s *Server) handleConnect(sess *session) {
	if _, ok := s.sessions[sess.key]; ok {
		s.logger.Warn().
			Uint64("session", sess.id).
			Msgf("duplicate connection from %s, rejecting", sess.conn.RemoteAddr())
		sess.close()
		return
	}
	s.sessions[sess.key] = sess
	sess.setState(stateConnected)

	s.logger.Info().
		Uint64("session", sess.id).
		Msgf("client connected: %s", sess.conn.RemoteAddr())

	s.match.handleConnect(sess)
}

func (s *Server) handleDisconnect(sess *session) {
	if existing, ok := s.sessions[sess.key]; ok && existing.id == sess.id {
		delete(s.sessions, sess.key)
	}

	s.logger.Info().
		Uint64("session", sess.id).
		Msgf("%s disconnected: %s", s.match.label(sess), sess.conn.RemoteAddr())

	s.match.handleDisconnect(sess)
	sess.setState(stateDisconnected)
}

// closeSessions tears down every remaining session, aggregating close
// errors. Only called after the event goroutine has stopped, which makes
// the session table safe to walk.
func (s *Server) closeSessions() error {
	var errs error
	for key, sess := range s.sessions {
		if err := sess.close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		delete(s.sessions, key)
	}
	return errs
}
