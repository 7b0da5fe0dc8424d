// Package gameclient speaks the client side of the wire protocol: it
// decodes the server's tagged, fixed-length messages into typed events and
// carries the player's inputs back.
package gameclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/phuslu/log"
	"github.com/pointfeev/tictactoe/internal/protocol"
)

// EventKind identifies what the server just told us.
type EventKind uint8

const (
	EventWaitingForOpponent EventKind = iota
	EventQueuePosition
	EventGameStarting
	EventBoard
	EventIllegalMove
	EventWon
	EventLost
	EventTied
)

func (k EventKind) String() string {
	switch k {
	case EventWaitingForOpponent:
		return "waiting for opponent"
	case EventQueuePosition:
		return "queue position"
	case EventGameStarting:
		return "game starting"
	case EventBoard:
		return "board"
	case EventIllegalMove:
		return "illegal move"
	case EventWon:
		return "won"
	case EventLost:
		return "lost"
	case EventTied:
		return "tied"
	}
	return "unknown"
}

// Event is one decoded server message. Role is set from EventGameStarting
// onward; Board and YourTurn accompany EventGameStarting and EventBoard;
// Final marks the game-over board that precedes a won/lost/tied event;
// Streak accompanies EventWon and Ahead accompanies EventQueuePosition.
type Event struct {
	Kind     EventKind
	Role     protocol.Role
	Board    protocol.Board
	YourTurn bool
	Final    bool
	Streak   int
	Ahead    int
}

type clientState int

const (
	clientInitializing clientState = iota
	clientWaitingForPlayers
	clientPlaying
	clientWaitingOnWinner
)

// Client is one connection to the game server. Run decodes the inbound
// stream onto the Events channel; the Play/PlayAgain/Quit methods are safe
// to call from another goroutine since the transport is an ordered byte
// stream and every outbound message is a single byte.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *log.Logger

	events chan Event

	state clientState
	role  protocol.Role
}

// Dial connects to the game server.
func Dial(network, address string, logger *log.Logger) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not dial: %w", err)
	}
	return NewClient(conn, logger), nil
}

// NewClient wraps an established connection. A nil logger (which might be
// true in tests) falls back to a silenced default.
func NewClient(conn net.Conn, logger *log.Logger) *Client {
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: logger,

		events: make(chan Event, 16),

		state: clientInitializing,
	}
}

// Events is the stream of decoded server messages. It closes when Run
// returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Run decodes the server stream until the connection drops or ctx is
// cancelled. Transport closure on the server's initiative (for example
// after answering 'N') is a normal return, not an error.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.Close()
	})
	defer stop()

	for {
		ev, err := c.readEvent()
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ev == nil {
			continue
		}

		select {
		case c.events <- *ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// readEvent decodes one server message. The board push carries no tag, so
// a leading board cell means 8 more cells follow; the byte after them is
// either a turn flag or, when the game just ended, the first byte of the
// win/loss/tie message, which stays in the buffer for the next read.
func (c *Client) readEvent() (*Event, error) {
	tag, err := c.reader.ReadByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case protocol.TagWaiting:
		c.state = clientWaitingForPlayers
		return &Event{Kind: EventWaitingForOpponent}, nil

	case protocol.TagQueue:
		pos, err := c.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		c.state = clientWaitingForPlayers
		return &Event{Kind: EventQueuePosition, Ahead: int(pos)}, nil

	case protocol.TagAssignX, protocol.TagAssignO:
		buf := make([]byte, protocol.AssignLen)
		buf[0] = tag
		if _, err := io.ReadFull(c.reader, buf[1:]); err != nil {
			return nil, err
		}
		assign := protocol.Assign{}
		if err := assign.UnmarshalBinary(buf); err != nil {
			return nil, fmt.Errorf("could not decode assign: %w", err)
		}
		c.state = clientPlaying
		c.role = assign.Role
		return &Event{
			Kind:     EventGameStarting,
			Role:     assign.Role,
			Board:    assign.Board,
			YourTurn: assign.YourTurn,
		}, nil

	case protocol.TagIllegal:
		return &Event{Kind: EventIllegalMove, Role: c.role}, nil

	case protocol.TagWin:
		streak, err := c.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		c.state = clientWaitingOnWinner
		return &Event{Kind: EventWon, Role: c.role, Streak: int(streak)}, nil

	case protocol.TagLoss:
		c.state = clientWaitingForPlayers
		return &Event{Kind: EventLost, Role: c.role}, nil

	case protocol.TagTie:
		c.state = clientWaitingForPlayers
		return &Event{Kind: EventTied, Role: c.role}, nil

	case protocol.CellX, protocol.CellO, protocol.CellEmpty:
		return c.readBoardPush(tag)
	}

	c.logger.Warn().Msgf("received unrecognized byte from server: %v", tag)
	return nil, nil
}

func (c *Client) readBoardPush(first byte) (*Event, error) {
	if c.role == protocol.RoleNone {
		// board state before a role assignment breaks the contract
		return nil, fmt.Errorf("received board state before role assignment")
	}

	buf := make([]byte, protocol.BoardLen)
	buf[0] = first
	if _, err := io.ReadFull(c.reader, buf[1:]); err != nil {
		return nil, err
	}
	board := protocol.Board{}
	if err := board.UnmarshalBinary(buf); err != nil {
		return nil, fmt.Errorf("could not decode board: %w", err)
	}

	// distinguish a mid-game push from the final board by what follows
	next, err := c.reader.Peek(1)
	if err != nil {
		return nil, err
	}
	switch next[0] {
	case protocol.FlagYourTurn, protocol.FlagTheirTurn:
		flag, err := c.reader.ReadByte()
		if err != nil {
			return nil, err
		}
		return &Event{
			Kind:     EventBoard,
			Role:     c.role,
			Board:    board,
			YourTurn: flag == protocol.FlagYourTurn,
		}, nil
	default:
		// game over; the outcome tag stays buffered for the next read
		return &Event{Kind: EventBoard, Role: c.role, Board: board, Final: true}, nil
	}
}

// Play sends a move for the 0-based square.
func (c *Client) Play(square int) error {
	if square < 0 || square >= protocol.BoardLen {
		return fmt.Errorf("invalid square: %d", square)
	}
	return c.sendByte(protocol.MoveByte(square))
}

// PlayAgain answers the play-again question after a win.
func (c *Client) PlayAgain(again bool) error {
	return c.sendByte(protocol.PlayAgainByte(again))
}

// Quit announces a voluntary disconnect and closes the transport.
func (c *Client) Quit() error {
	_ = c.sendByte(protocol.ByteQuit)
	return c.conn.Close()
}

func (c *Client) sendByte(b byte) error {
	c.logger.Debug().Msgf("send %v", b)

	if _, err := c.conn.Write([]byte{b}); err != nil {
		return fmt.Errorf("could not write: %w", err)
	}
	return nil
}
