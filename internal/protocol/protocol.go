// Package protocol defines the byte-exact message grammar spoken between the
// game server and its clients.
//
// Every message starts with a single tag byte and carries a fixed number of
// trailing payload bytes implied by that tag; there are no length prefixes.
// The one exception is the board push, which has no tag at all: mid-game it
// is the 9 board cells followed by a turn flag, and on game over it is the
// bare 9 cells immediately followed by a win/loss/tie message.
package protocol

import (
	"encoding"
	"fmt"

	"github.com/pointfeev/tictactoe/internal/debug"
)

// Server -> client tags.
const (
	TagWaiting byte = 'w' // alone in the queue, waiting for an opponent
	TagAssignX byte = 'x' // game starting, recipient plays X
	TagAssignO byte = 'o' // game starting, recipient plays O
	TagQueue   byte = 'Q' // queue position follows in one byte
	TagIllegal byte = 'I' // last move was illegal, mover must resend
	TagWin     byte = 'W' // recipient won, streak follows in one byte
	TagLoss    byte = 'L' // recipient lost
	TagTie     byte = 'T' // recipient tied
)

// Client -> server bytes that are not moves. Moves are the numeric values
// 1..9 (not ASCII digits) and play square value-1.
const (
	ByteYes  byte = 'Y'
	ByteNo   byte = 'N'
	ByteQuit byte = 'Q'
)

// Turn flag trailing an assign or board push: '1' means the recipient moves
// next, '0' means the opponent does.
const (
	FlagYourTurn  byte = '1'
	FlagTheirTurn byte = '0'
)

// QueueCap is the largest literal queue position on the wire; it doubles as
// the "this many or more" marker. Win streaks share the same cap.
const QueueCap = 255

// Board cells, also the bytes that cross the wire.
const (
	CellEmpty byte = ' '
	CellX     byte = 'X'
	CellO     byte = 'O'
)

// BoardLen is the number of cells, row-major, 0 = top-left, 8 = bottom-right.
const BoardLen = 9

// Board is the 3x3 grid as it appears on the wire.
type Board [BoardLen]byte

var (
	_ encoding.BinaryMarshaler   = (*Board)(nil)
	_ encoding.BinaryUnmarshaler = (*Board)(nil)
)

// NewBoard returns an all-empty board.
func NewBoard() Board {
	b := Board{}
	for i := range b {
		b[i] = CellEmpty
	}
	return b
}

// Full reports whether every cell is occupied.
func (b *Board) Full() bool {
	for _, cell := range b {
		if cell == CellEmpty {
			return false
		}
	}
	return true
}

func (b *Board) MarshalBinary() ([]byte, error) {
	out := make([]byte, BoardLen)
	copy(out, b[:])
	return out, nil
}

func (b *Board) UnmarshalBinary(data []byte) error {
	if len(data) != BoardLen {
		return fmt.Errorf("invalid board size (got %d; want %d)", len(data), BoardLen)
	}
	for i, cell := range data {
		if cell != CellEmpty && cell != CellX && cell != CellO {
			return fmt.Errorf("invalid board cell at %d: %q", i, cell)
		}
		b[i] = cell
	}
	return nil
}

func (b *Board) String() string {
	return string(b[0:3]) + "/" + string(b[3:6]) + "/" + string(b[6:9])
}

// Role is a player's mark assignment.
type Role byte

const (
	RoleNone Role = 0
	RoleX    Role = Role(TagAssignX)
	RoleO    Role = Role(TagAssignO)
)

// Cell is the board byte the role plays.
func (r Role) Cell() byte {
	switch r {
	case RoleX:
		return CellX
	case RoleO:
		return CellO
	}
	debug.Assert(false, fmt.Sprintf("no cell for role %d", r))
	return 0
}

// Other returns the complementary role.
func (r Role) Other() Role {
	switch r {
	case RoleX:
		return RoleO
	case RoleO:
		return RoleX
	}
	debug.Assert(false, fmt.Sprintf("no complement for role %d", r))
	return RoleNone
}

func (r Role) String() string {
	switch r {
	case RoleX:
		return "X"
	case RoleO:
		return "O"
	}
	return "none"
}

func flagByte(yourTurn bool) byte {
	if yourTurn {
		return FlagYourTurn
	}
	return FlagTheirTurn
}

func parseFlag(b byte) (bool, error) {
	switch b {
	case FlagYourTurn:
		return true, nil
	case FlagTheirTurn:
		return false, nil
	}
	return false, fmt.Errorf("invalid turn flag: %q", b)
}

// Assign tells a player the game is starting, which mark they play, the
// fresh board, and whether they move first. 11 bytes on the wire.
type Assign struct {
	Role     Role
	Board    Board
	YourTurn bool
}

// AssignLen is the wire size of an Assign message.
const AssignLen = 1 + BoardLen + 1

var (
	_ encoding.BinaryMarshaler   = (*Assign)(nil)
	_ encoding.BinaryUnmarshaler = (*Assign)(nil)
)

func (a *Assign) MarshalBinary() ([]byte, error) {
	debug.Assert(a.Role == RoleX || a.Role == RoleO)

	out := make([]byte, 0, AssignLen)
	out = append(out, byte(a.Role))
	out = append(out, a.Board[:]...)
	out = append(out, flagByte(a.YourTurn))
	return out, nil
}

func (a *Assign) UnmarshalBinary(data []byte) error {
	if len(data) != AssignLen {
		return fmt.Errorf("invalid assign size (got %d; want %d)", len(data), AssignLen)
	}
	switch data[0] {
	case TagAssignX:
		a.Role = RoleX
	case TagAssignO:
		a.Role = RoleO
	default:
		return fmt.Errorf("invalid assign tag: %q", data[0])
	}
	if err := a.Board.UnmarshalBinary(data[1 : 1+BoardLen]); err != nil {
		return err
	}
	yourTurn, err := parseFlag(data[AssignLen-1])
	if err != nil {
		return err
	}
	a.YourTurn = yourTurn
	return nil
}

// BoardUpdate is the untagged mid-game board push: 9 cells plus the turn
// flag, sent to both players after every accepted move.
type BoardUpdate struct {
	Board    Board
	YourTurn bool
}

// BoardUpdateLen is the wire size of a BoardUpdate message.
const BoardUpdateLen = BoardLen + 1

var (
	_ encoding.BinaryMarshaler   = (*BoardUpdate)(nil)
	_ encoding.BinaryUnmarshaler = (*BoardUpdate)(nil)
)

func (u *BoardUpdate) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, BoardUpdateLen)
	out = append(out, u.Board[:]...)
	out = append(out, flagByte(u.YourTurn))
	return out, nil
}

func (u *BoardUpdate) UnmarshalBinary(data []byte) error {
	if len(data) != BoardUpdateLen {
		return fmt.Errorf("invalid board update size (got %d; want %d)", len(data), BoardUpdateLen)
	}
	if err := u.Board.UnmarshalBinary(data[0:BoardLen]); err != nil {
		return err
	}
	yourTurn, err := parseFlag(data[BoardLen])
	if err != nil {
		return err
	}
	u.YourTurn = yourTurn
	return nil
}

// QueuePosition tells a queued client how many sessions are ahead of it.
// Positions of 255 or more all collapse to 255 on the wire.
type QueuePosition struct {
	Ahead int
}

// QueuePositionLen is the wire size of a QueuePosition message.
const QueuePositionLen = 2

var (
	_ encoding.BinaryMarshaler   = (*QueuePosition)(nil)
	_ encoding.BinaryUnmarshaler = (*QueuePosition)(nil)
)

func (q *QueuePosition) MarshalBinary() ([]byte, error) {
	debug.Assert(q.Ahead >= 0)

	ahead := q.Ahead
	if ahead > QueueCap {
		ahead = QueueCap
	}
	return []byte{TagQueue, byte(ahead)}, nil
}

func (q *QueuePosition) UnmarshalBinary(data []byte) error {
	if len(data) != QueuePositionLen {
		return fmt.Errorf("invalid queue position size (got %d; want %d)", len(data), QueuePositionLen)
	}
	if data[0] != TagQueue {
		return fmt.Errorf("invalid queue position tag: %q", data[0])
	}
	q.Ahead = int(data[1])
	return nil
}

// Win tells the winner the game is over and how long their streak is. The
// wire byte caps at 255 even when the in-memory streak exceeds it.
type Win struct {
	Streak int
}

// WinLen is the wire size of a Win message.
const WinLen = 2

var (
	_ encoding.BinaryMarshaler   = (*Win)(nil)
	_ encoding.BinaryUnmarshaler = (*Win)(nil)
)

func (w *Win) MarshalBinary() ([]byte, error) {
	debug.Assert(w.Streak >= 1)

	streak := w.Streak
	if streak > QueueCap {
		streak = QueueCap
	}
	return []byte{TagWin, byte(streak)}, nil
}

func (w *Win) UnmarshalBinary(data []byte) error {
	if len(data) != WinLen {
		return fmt.Errorf("invalid win size (got %d; want %d)", len(data), WinLen)
	}
	if data[0] != TagWin {
		return fmt.Errorf("invalid win tag: %q", data[0])
	}
	w.Streak = int(data[1])
	return nil
}

// Waiting is the single-byte "waiting for a second player" message.
func Waiting() []byte { return []byte{TagWaiting} }

// Illegal is the single-byte rejection of a move to an occupied cell.
func Illegal() []byte { return []byte{TagIllegal} }

// Loss is the single-byte "you lost" message.
func Loss() []byte { return []byte{TagLoss} }

// Tie is the single-byte "you tied" message.
func Tie() []byte { return []byte{TagTie} }

// InputKind classifies a client byte.
type InputKind uint8

const (
	InputUnknown InputKind = iota
	InputMove
	InputYes
	InputNo
	InputQuit
)

// Input is one decoded client byte. Square is only meaningful for
// InputMove and is 0-based.
type Input struct {
	Kind   InputKind
	Square int
}

// ParseInput decodes a single client byte. Anything outside the grammar
// comes back as InputUnknown; the caller logs and moves on.
func ParseInput(b byte) Input {
	if b >= 1 && b <= BoardLen {
		return Input{Kind: InputMove, Square: int(b) - 1}
	}
	switch b {
	case ByteYes:
		return Input{Kind: InputYes}
	case ByteNo:
		return Input{Kind: InputNo}
	case ByteQuit:
		return Input{Kind: InputQuit}
	}
	return Input{Kind: InputUnknown}
}

// MoveByte encodes a 0-based square as the wire move byte.
func MoveByte(square int) byte {
	debug.Assert(square >= 0 && square < BoardLen)
	return byte(square + 1)
}

// PlayAgainByte encodes the winner's answer to "play again?".
func PlayAgainByte(again bool) byte {
	if again {
		return ByteYes
	}
	return ByteNo
}
