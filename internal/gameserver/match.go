package gameserver

import (
	"encoding"
	"math/rand"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
	"github.com/pointfeev/tictactoe/internal/debug"
	"github.com/pointfeev/tictactoe/internal/protocol"
)

type matchState int

const (
	matchInitializing matchState = iota
	matchWaitingForPlayers
	matchPlaying
	matchWaitingOnWinner
)

func (s matchState) String() string {
	switch s {
	case matchInitializing:
		return "initializing"
	case matchWaitingForPlayers:
		return "waiting for players"
	case matchPlaying:
		return "playing"
	case matchWaitingOnWinner:
		return "waiting on winner"
	}
	return "unknown"
}

// match is the game state machine: the single active game plus the
// matchmaking around it. It is created once per server and cycles through
// its states for the life of the process.
//
// Every method runs on the server's event goroutine, so there is no lock;
// connects, disconnects and inbound bytes arrive strictly sequentially.
// Attempted pairing happens after each event that can change eligibility,
// which replaces a polling matchmaker.
type match struct {
	logger   *log.Logger
	registry *registry
	rand     *rand.Rand

	state matchState
	board protocol.Board
	turn  int // even -> X moves, odd -> O moves

	playerX *session
	playerO *session

	// pending is the lone front-of-queue session holding a provisionally
	// assigned role while an opponent is awaited.
	pending     *session
	pendingRole protocol.Role

	lastWinner *session
	streak     int
}

func newMatch(reg *registry, logger *log.Logger) *match {
	m := &match{
		logger:   logger,
		registry: reg,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		state:    matchInitializing,
	}
	m.enterWaiting()
	return m
}

// roleOf resolves a session's role in the active game by id, never by
// pointer identity.
func (m *match) roleOf(sess *session) protocol.Role {
	switch {
	case m.playerX != nil && m.playerX.id == sess.id:
		return protocol.RoleX
	case m.playerO != nil && m.playerO.id == sess.id:
		return protocol.RoleO
	}
	return protocol.RoleNone
}

// label is the session's display role, computed on demand so it always
// matches present game state. Advisory only, used in logs.
func (m *match) label(sess *session) string {
	switch m.roleOf(sess) {
	case protocol.RoleX:
		return "Player X"
	case protocol.RoleO:
		return "Player O"
	}
	if m.state == matchWaitingOnWinner && m.lastWinner != nil && m.lastWinner.id == sess.id {
		return "Winner"
	}
	return "Client"
}

func (m *match) turnPlayer() *session {
	if m.turn%2 == 0 {
		return m.playerX
	}
	return m.playerO
}

func (m *match) otherPlayer(sess *session) *session {
	if m.playerX != nil && m.playerX.id == sess.id {
		return m.playerO
	}
	return m.playerX
}

func (m *match) sendTo(sess *session, msg encoding.BinaryMarshaler) error {
	bytes, err := msg.MarshalBinary()
	debug.Assert(err == nil)
	return m.sendBytesTo(sess, bytes)
}

func (m *match) sendBytesTo(sess *session, bytes []byte) error {
	if err := sess.sendBytes(bytes); err != nil {
		m.logger.Error().
			Uint64("session", sess.id).
			Msgf("could not send to %s: %v", m.label(sess), err)
		return err
	}
	return nil
}

// handleConnect registers a freshly connected session with the queue. When
// a game is already in progress the newcomer immediately learns its
// position in line.
func (m *match) handleConnect(sess *session) {
	added := m.registry.add(sess)
	debug.Assert(added)

	if m.state == matchPlaying || m.state == matchWaitingOnWinner {
		_ = m.sendTo(sess, &protocol.QueuePosition{Ahead: m.registry.index(sess)})
	}

	m.tryStartGame()
}

// handleInput dispatches one inbound byte from a session. Bytes that make
// no sense for the sender or the current state are dropped, never fatal.
func (m *match) handleInput(sess *session, b byte) {
	in := protocol.ParseInput(b)
	switch in.Kind {
	case protocol.InputMove:
		m.playTurn(sess, in.Square)
	case protocol.InputYes:
		m.playAgain(sess, true)
	case protocol.InputNo:
		m.playAgain(sess, false)
	case protocol.InputQuit:
		m.logger.Info().
			Uint64("session", sess.id).
			Msgf("%s requested disconnect", m.label(sess))
		sess.close()
	default:
		m.logger.Warn().
			Uint64("session", sess.id).
			Msgf("received unrecognized byte from %s: %v", m.label(sess), b)
	}
}

// handleDisconnect runs disconnect recovery for sess, whatever its role:
// an active player forfeits to their opponent, an unanswered winner counts
// as "no", and a queued session just leaves the line (with position updates
// for everyone behind it).
func (m *match) handleDisconnect(sess *session) {
	if m.pending != nil && m.pending.id == sess.id {
		m.pending = nil
		m.pendingRole = protocol.RoleNone
	}

	switch {
	case m.state == matchPlaying && m.roleOf(sess) == protocol.RoleX:
		m.playerX = nil
		m.endGame(m.playerO)
	case m.state == matchPlaying && m.roleOf(sess) == protocol.RoleO:
		m.playerO = nil
		m.endGame(m.playerX)
	case m.state == matchWaitingOnWinner && m.lastWinner != nil && m.lastWinner.id == sess.id:
		m.logger.Info().
			Uint64("session", sess.id).
			Msg("winner disconnected before answering, starting next match")
		m.enterWaiting()
	default:
		if i := m.registry.index(sess); i >= 0 {
			m.registry.remove(sess)
			m.sendQueueUpdates(i)
		}
	}

	m.tryStartGame()
}

// tryStartGame pairs the two front-most connected sessions. A lone eligible
// front session gets a provisional role by fair coin and is told to wait,
// exactly once per waiting period.
func (m *match) tryStartGame() {
	if m.state != matchWaitingForPlayers {
		return
	}

	first := m.registry.at(0)
	if first == nil || !first.connected() {
		return
	}
	second := m.registry.at(1)
	secondReady := second != nil && second.connected()

	if m.pending == nil || m.pending.id != first.id {
		m.pending = first
		if m.rand.Intn(2) == 0 {
			m.pendingRole = protocol.RoleX
		} else {
			m.pendingRole = protocol.RoleO
		}

		if !secondReady {
			m.logger.Info().
				Uint64("session", first.id).
				Msg("waiting for a second player")
			_ = m.sendBytesTo(first, protocol.Waiting())
			return
		}
	}
	if !secondReady {
		return
	}

	if m.pendingRole == protocol.RoleX {
		m.playerX, m.playerO = first, second
	} else {
		m.playerO, m.playerX = first, second
	}
	m.pending = nil
	m.pendingRole = protocol.RoleNone

	m.registry.remove(first)
	m.registry.remove(second)

	m.startGame()
}

func (m *match) startGame() {
	m.sendQueueUpdates(0)

	m.board = protocol.NewBoard()
	m.turn = 0
	m.state = matchPlaying

	m.logger.Info().
		Uint64("playerX", m.playerX.id).
		Uint64("playerO", m.playerO.id).
		Msg("game started")

	_ = m.sendTo(m.playerX, &protocol.Assign{Role: protocol.RoleX, Board: m.board, YourTurn: true})
	_ = m.sendTo(m.playerO, &protocol.Assign{Role: protocol.RoleO, Board: m.board, YourTurn: false})
}

// sendQueueUpdates pushes fresh positions to every connected queued session
// at index from or later.
func (m *match) sendQueueUpdates(from int) {
	for i := m.registry.len() - 1; i >= from; i-- {
		queued := m.registry.at(i)
		if queued.connected() {
			_ = m.sendTo(queued, &protocol.QueuePosition{Ahead: i})
		}
	}
}

// playTurn applies one move attempt. Moves from anyone but the current
// mover, or outside an active game, are silently dropped; a move onto an
// occupied cell earns the mover an illegal-move notice and nothing else.
func (m *match) playTurn(sess *session, square int) {
	if m.state != matchPlaying {
		return
	}

	mover := m.turnPlayer()
	if mover == nil || !mover.connected() || mover.id != sess.id {
		return
	}
	other := m.otherPlayer(mover)
	if other == nil || !other.connected() {
		return
	}

	if m.board[square] != protocol.CellEmpty {
		_ = m.sendBytesTo(mover, protocol.Illegal())
		return
	}

	role := m.roleOf(mover)
	m.board[square] = role.Cell()
	m.turn++

	m.logger.Info().
		Uint64("session", mover.id).
		Msgf("%s played square %d", m.label(mover), square+1)

	won := winningMove(&m.board, square)
	if won || m.board.Full() {
		// final board first, then the outcome messages
		boardBytes, err := m.board.MarshalBinary()
		debug.Assert(err == nil)

		var errs error
		if err := m.sendBytesTo(mover, boardBytes); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := m.sendBytesTo(other, boardBytes); err != nil {
			errs = multierror.Append(errs, err)
		}
		if errs != nil {
			m.logger.Error().Msgf("could not send final board: %v", errs)
		}

		if won {
			m.endGame(mover)
		} else {
			m.endGame(nil)
		}
		return
	}

	_ = m.sendTo(mover, &protocol.BoardUpdate{Board: m.board, YourTurn: false})
	_ = m.sendTo(other, &protocol.BoardUpdate{Board: m.board, YourTurn: true})
}

// endGame settles the outcome. A nil winner means a tie. On a win the loser
// re-queues at the back immediately while the winner is held out of the
// queue until they answer the play-again question; on a tie both re-queue
// and matchmaking resumes at once.
func (m *match) endGame(winner *session) {
	if m.state != matchPlaying {
		return
	}

	if winner == nil || m.lastWinner == nil || winner.id != m.lastWinner.id {
		m.streak = 0
	}
	m.lastWinner = winner

	if winner != nil && winner.connected() {
		m.streak++
		if m.streak > 1 {
			m.logger.Info().
				Uint64("session", winner.id).
				Msgf("game over, %s wins, %d in a row", m.label(winner), m.streak)
		} else {
			m.logger.Info().
				Uint64("session", winner.id).
				Msgf("game over, %s wins", m.label(winner))
		}

		loser := m.otherPlayer(winner)
		winMsg := &protocol.Win{Streak: m.streak}

		m.playerX, m.playerO = nil, nil
		m.state = matchWaitingOnWinner

		_ = m.sendTo(winner, winMsg)
		if loser != nil && loser.connected() {
			m.registry.add(loser)
			_ = m.sendBytesTo(loser, protocol.Loss())
		}

		m.logger.Info().
			Uint64("session", winner.id).
			Msg("waiting on winner to respond")
		return
	}

	m.logger.Info().Msg("game over, it's a tie")

	for _, player := range []*session{m.playerX, m.playerO} {
		if player != nil && player.connected() {
			m.registry.add(player)
			_ = m.sendBytesTo(player, protocol.Tie())
		}
	}

	m.enterWaiting()
}

// playAgain handles the winner's answer; answers from anyone else, or
// outside the waiting-on-winner state, are ignored.
func (m *match) playAgain(sess *session, again bool) {
	if m.state != matchWaitingOnWinner {
		return
	}
	if m.lastWinner == nil || m.lastWinner.id != sess.id {
		return
	}

	if again {
		m.logger.Info().
			Uint64("session", sess.id).
			Msg("winner will play again")
		m.registry.add(sess)
	} else if sess.connected() {
		m.logger.Info().
			Uint64("session", sess.id).
			Msg("winner will not play again")
		sess.close()
	}

	m.enterWaiting()
}

// enterWaiting resets per-game assignments and resumes matchmaking.
func (m *match) enterWaiting() {
	m.playerX = nil
	m.playerO = nil
	m.pending = nil
	m.pendingRole = protocol.RoleNone
	m.state = matchWaitingForPlayers

	m.logger.Info().Msg("waiting for players")

	m.tryStartGame()
}

// winningMove reports whether the mark just placed on square completed a
// line of three. Only the row, the column, and the diagonals through the
// square are examined; for every reachable position this agrees with a
// full-board scan.
func winningMove(board *protocol.Board, square int) bool {
	mark := board[square]
	row := square / 3 * 3
	col := square % 3

	if board[row] == mark && board[row+1] == mark && board[row+2] == mark {
		return true
	}
	if board[col] == mark && board[col+3] == mark && board[col+6] == mark {
		return true
	}
	if square%2 == 1 {
		// squares 1, 3, 5, 7 lie on no diagonal
		return false
	}
	if board[0] == mark && board[4] == mark && board[8] == mark {
		return true
	}
	return board[2] == mark && board[4] == mark && board[6] == mark
}
