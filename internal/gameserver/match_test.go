package gameserver

import (
	"bytes"
	"io"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/phuslu/log"
	"github.com/pointfeev/tictactoe/internal/protocol"
)

func testLogger() *log.Logger {
	logger := log.DefaultLogger
	logger.Writer = &log.IOWriter{Writer: io.Discard}
	return &logger
}

type testAddr string

func (a testAddr) Network() string { return "test" }
func (a testAddr) String() string  { return string(a) }

// recordConn is a net.Conn that records everything written to it, so tests
// can assert the exact bytes a session was sent.
type recordConn struct {
	addr testAddr

	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *recordConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *recordConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(b)
}

func (c *recordConn) Close() error                     { return nil }
func (c *recordConn) LocalAddr() net.Addr              { return testAddr("local") }
func (c *recordConn) RemoteAddr() net.Addr             { return c.addr }
func (c *recordConn) SetDeadline(time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(time.Time) error { return nil }

func (c *recordConn) take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]byte(nil), c.buf.Bytes()...)
	c.buf.Reset()
	return out
}

// fixture drives a match directly on the test goroutine, standing in for
// the server's event goroutine.
type fixture struct {
	m     *match
	reg   *registry
	conns map[uint64]*recordConn
	next  uint64
}

func newFixture() *fixture {
	reg := &registry{}
	return &fixture{
		m:     newMatch(reg, testLogger()),
		reg:   reg,
		conns: make(map[uint64]*recordConn),
	}
}

func (f *fixture) connect() *session {
	f.next++
	conn := &recordConn{addr: testAddr(string(rune('A' + f.next)))}
	sess := newSession(f.next, conn, testLogger())
	f.conns[sess.id] = conn
	sess.setState(stateConnected)
	f.m.handleConnect(sess)
	return sess
}

func (f *fixture) disconnect(sess *session) {
	sess.close()
	f.m.handleDisconnect(sess)
	sess.setState(stateDisconnected)
}

func (f *fixture) sent(sess *session) []byte {
	return f.conns[sess.id].take()
}

func (f *fixture) move(sess *session, square int) {
	f.m.handleInput(sess, protocol.MoveByte(square))
}

// pair connects two sessions and returns them as (playerX, playerO),
// draining the setup bytes.
func (f *fixture) pair(t *testing.T) (*session, *session) {
	t.Helper()
	is := is.New(t)

	f.connect()
	f.connect()
	is.Equal(f.m.state, matchPlaying)

	x, o := f.m.playerX, f.m.playerO
	f.sent(x)
	f.sent(o)
	return x, o
}

// playWin drives a complete game in which winner takes the top row.
func (f *fixture) playWin(t *testing.T, winner *session) {
	t.Helper()
	is := is.New(t)
	is.Equal(f.m.state, matchPlaying)

	x, o := f.m.playerX, f.m.playerO
	if winner.id == x.id {
		for _, mv := range []struct {
			sess   *session
			square int
		}{{x, 0}, {o, 3}, {x, 1}, {o, 4}, {x, 2}} {
			f.move(mv.sess, mv.square)
		}
	} else {
		is.Equal(winner.id, o.id)
		for _, mv := range []struct {
			sess   *session
			square int
		}{{x, 3}, {o, 0}, {x, 4}, {o, 1}, {x, 8}, {o, 2}} {
			f.move(mv.sess, mv.square)
		}
	}
	is.Equal(f.m.state, matchWaitingOnWinner)
}

func TestPairingAssignsComplementaryRoles(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	a := f.connect()
	is.Equal(f.m.state, matchWaitingForPlayers)
	is.Equal(f.sent(a), protocol.Waiting()) // lone client is told to wait, once

	b := f.connect()
	is.Equal(f.m.state, matchPlaying)
	is.Equal(f.reg.len(), 0) // both players left the queue

	x, o := f.m.playerX, f.m.playerO
	is.True(x.id == a.id || x.id == b.id)
	is.True(o.id != x.id)

	fresh := protocol.NewBoard()
	wantX, err := (&protocol.Assign{Role: protocol.RoleX, Board: fresh, YourTurn: true}).MarshalBinary()
	is.NoErr(err)
	wantO, err := (&protocol.Assign{Role: protocol.RoleO, Board: fresh, YourTurn: false}).MarshalBinary()
	is.NoErr(err)
	is.Equal(f.sent(x), wantX)
	is.Equal(f.sent(o), wantO)
}

func TestMoveFromWrongSessionIgnored(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	x, o := f.pair(t)

	boardBefore := f.m.board
	f.move(o, 0) // not O's turn
	is.Equal(f.m.board, boardBefore)
	is.Equal(f.m.turn, 0)
	is.Equal(len(f.sent(o)), 0)
	is.Equal(len(f.sent(x)), 0)

	spectator := f.connect()
	f.sent(spectator)
	f.move(spectator, 0)
	is.Equal(f.m.board, boardBefore)
	is.Equal(f.m.turn, 0)
	is.Equal(len(f.sent(spectator)), 0)
}

func TestMoveToOccupiedCellRejected(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	x, o := f.pair(t)

	f.move(x, 4)
	f.sent(x)
	f.sent(o)

	boardBefore := f.m.board
	f.move(o, 4)
	is.Equal(f.m.board, boardBefore)
	is.Equal(f.m.turn, 1)
	is.Equal(f.sent(o), protocol.Illegal()) // exactly one notice, to the mover
	is.Equal(len(f.sent(x)), 0)
}

func TestTopRowWin(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	x, o := f.pair(t)

	for _, mv := range []struct {
		sess   *session
		square int
	}{{x, 0}, {o, 4}, {x, 1}, {o, 5}} {
		f.move(mv.sess, mv.square)
	}
	f.sent(x)
	f.sent(o)

	f.move(x, 2)
	is.Equal(f.m.state, matchWaitingOnWinner)

	finalBoard := []byte("XXX OO   ")
	winBytes, err := (&protocol.Win{Streak: 1}).MarshalBinary()
	is.NoErr(err)

	is.Equal(f.sent(x), append(append([]byte(nil), finalBoard...), winBytes...))
	is.Equal(f.sent(o), append(append([]byte(nil), finalBoard...), protocol.Loss()...))

	// the loser re-queued immediately; the winner is held out until they answer
	is.Equal(f.reg.index(o), 0)
	is.Equal(f.reg.index(x), -1)
}

func TestStreakAcrossGames(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	winner, _ := f.pair(t)
	f.playWin(t, winner)
	f.sent(winner)

	f.m.handleInput(winner, protocol.ByteYes)
	is.Equal(f.m.state, matchPlaying) // loser and winner re-paired at once

	f.sent(f.m.playerX)
	f.sent(f.m.playerO)
	f.playWin(t, winner)

	sent := f.sent(winner)
	// board updates during the game, then the final board, then 'W' with
	// streak 2 as the last two bytes
	is.True(len(sent) >= protocol.BoardLen+protocol.WinLen)
	is.Equal(sent[len(sent)-protocol.WinLen], protocol.TagWin)
	is.Equal(sent[len(sent)-1], byte(2))
}

func TestTieResetsStreakAndRequeuesBoth(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	winner, _ := f.pair(t)
	f.playWin(t, winner)
	f.sent(winner)
	f.m.handleInput(winner, protocol.ByteYes)

	x, o := f.m.playerX, f.m.playerO
	f.sent(x)
	f.sent(o)

	// a full board with no three-in-a-row
	for _, mv := range []struct {
		sess   *session
		square int
	}{{x, 0}, {o, 1}, {x, 2}, {o, 4}, {x, 3}, {o, 5}, {x, 7}, {o, 6}} {
		f.move(mv.sess, mv.square)
	}
	f.sent(x)
	f.sent(o)
	f.move(x, 8)

	is.Equal(f.m.streak, 0)
	is.Equal(f.m.lastWinner, (*session)(nil))

	xSent := f.sent(x)
	oSent := f.sent(o)
	is.Equal(xSent, append([]byte("XOXXOOOXX"), assignBytesFor(t, f.m, x)...))
	is.Equal(oSent, append([]byte("XOXXOOOXX"), assignBytesFor(t, f.m, o)...))
}

// assignBytesFor reconstructs the bytes a player was sent when the next
// game started straight after a tie: tie tag followed by their new assign.
func assignBytesFor(t *testing.T, m *match, sess *session) []byte {
	t.Helper()
	is := is.New(t)
	is.Equal(m.state, matchPlaying) // a tie re-pairs both players immediately

	role := m.roleOf(sess)
	assign := &protocol.Assign{
		Role:     role,
		Board:    protocol.NewBoard(),
		YourTurn: role == protocol.RoleX,
	}
	assignBytes, err := assign.MarshalBinary()
	is.NoErr(err)
	return append(append([]byte(nil), protocol.Tie()...), assignBytes...)
}

func TestDisconnectDuringGameForfeits(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	x, o := f.pair(t)

	f.disconnect(x)
	is.Equal(f.m.state, matchWaitingOnWinner)

	winBytes, err := (&protocol.Win{Streak: 1}).MarshalBinary()
	is.NoErr(err)
	is.Equal(f.sent(o), winBytes) // no final board on a forfeit, just the win
	is.Equal(len(f.sent(x)), 0)   // nothing to the leaver
	is.Equal(f.reg.index(x), -1)  // and no re-queue either
}

func TestWinnerDisconnectCountsAsNo(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	winner, loser := f.pair(t)
	f.playWin(t, winner)
	f.sent(winner)
	f.sent(loser)

	f.disconnect(winner)
	is.Equal(f.m.state, matchWaitingForPlayers)
	is.Equal(f.reg.index(loser), 0)
	is.Equal(f.sent(loser), protocol.Waiting()) // loser is now the lone client
}

func TestAnswerFromNonWinnerIgnored(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	winner, loser := f.pair(t)
	f.playWin(t, winner)

	f.m.handleInput(loser, protocol.ByteNo)
	is.Equal(f.m.state, matchWaitingOnWinner)
	is.Equal(loser.State(), stateConnected)
}

func TestWinnerDeclinesAndIsDisconnected(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	winner, _ := f.pair(t)
	f.playWin(t, winner)

	f.m.handleInput(winner, protocol.ByteNo)
	is.Equal(winner.State(), stateDisconnecting)
	is.Equal(f.m.state, matchWaitingForPlayers)
	is.Equal(f.reg.index(winner), -1)
}

func TestQueuePositionOnConnectDuringGame(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	f.pair(t)

	c := f.connect()
	queueBytes, err := (&protocol.QueuePosition{Ahead: 0}).MarshalBinary()
	is.NoErr(err)
	is.Equal(f.sent(c), queueBytes)

	d := f.connect()
	queueBytes, err = (&protocol.QueuePosition{Ahead: 1}).MarshalBinary()
	is.NoErr(err)
	is.Equal(f.sent(d), queueBytes)
}

func TestQueueShiftsOnDisconnect(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	f.pair(t)
	c := f.connect()
	d := f.connect()
	f.sent(c)
	f.sent(d)

	f.disconnect(c)
	queueBytes, err := (&protocol.QueuePosition{Ahead: 0}).MarshalBinary()
	is.NoErr(err)
	is.Equal(f.sent(d), queueBytes) // d moved up
}

func TestWinnerRequeuesBehindWaitingClient(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	winner, loser := f.pair(t)
	c := f.connect()
	f.sent(c)

	f.playWin(t, winner)
	is.Equal(f.reg.index(c), 0)
	is.Equal(f.reg.index(loser), 1)

	f.m.handleInput(winner, protocol.ByteYes)
	// c leapfrogs the winner: the next game is c against the loser
	is.Equal(f.m.state, matchPlaying)
	is.Equal(f.m.roleOf(winner), protocol.RoleNone)
	is.Equal(f.reg.index(winner), 0)
}

func TestUnrecognizedByteIgnored(t *testing.T) {
	is := is.New(t)
	f := newFixture()

	x, o := f.pair(t)

	f.m.handleInput(x, 'z')
	f.m.handleInput(x, 0)
	is.Equal(f.m.state, matchPlaying)
	is.Equal(f.m.turn, 0)
	is.Equal(x.State(), stateConnected)
	is.Equal(len(f.sent(x)), 0)
	is.Equal(len(f.sent(o)), 0)
}

func fullScanWin(board *protocol.Board, mark byte) bool {
	lines := [8][3]int{
		{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
		{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
		{0, 4, 8}, {2, 4, 6},
	}
	for _, line := range lines {
		if board[line[0]] == mark && board[line[1]] == mark && board[line[2]] == mark {
			return true
		}
	}
	return false
}

func TestWinningMoveMatchesFullScan(t *testing.T) {
	is := is.New(t)
	rng := rand.New(rand.NewSource(42))

	marks := [2]byte{protocol.CellX, protocol.CellO}
	for game := 0; game < 500; game++ {
		board := protocol.NewBoard()
		for turn := 0; ; turn++ {
			var empties []int
			for i, cell := range board {
				if cell == protocol.CellEmpty {
					empties = append(empties, i)
				}
			}
			if len(empties) == 0 {
				break
			}

			square := empties[rng.Intn(len(empties))]
			board[square] = marks[turn%2]

			won := winningMove(&board, square)
			is.Equal(won, fullScanWin(&board, board[square]))
			if won {
				break
			}
		}
	}
}

func TestTieIsFullBoardWithoutWin(t *testing.T) {
	is := is.New(t)

	drawn := protocol.Board{}
	copy(drawn[:], "XOXXOOOXX")
	is.True(drawn.Full())
	is.True(!fullScanWin(&drawn, protocol.CellX))
	is.True(!fullScanWin(&drawn, protocol.CellO))

	partial := drawn
	partial[4] = protocol.CellEmpty
	is.True(!partial.Full())
}
