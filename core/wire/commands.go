// commands.go - Link protocol commands and framing.
// Copyright (C) 2025  Stillpost Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package wire implements the link protocol commands that Stillpost nodes
// exchange, framed at a fixed size derived from the Sphinx geometry.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/stillpost/stillpost/core/sphinx/geo"
	"github.com/stillpost/stillpost/core/utils"
)

const (
	cmdOverhead = 1 + 1 + 4

	// MaxMsgLen is the maximum frame length we are willing to exchange
	// on a link.
	MaxMsgLen = 40000000

	// Generic commands.
	noOp       commandID = 0
	disconnect commandID = 1
	sendPacket commandID = 2
)

// ErrIncompleteFrame is the error returned when a buffer holds fewer bytes
// than a complete frame.  The caller needs to read more before retrying.
var ErrIncompleteFrame = errors.New("wire: incomplete frame")

// MalformedCommandError is the error returned when a peer sends a frame
// that can never parse.  The connection that produced it is beyond
// recovery and must be torn down.
type MalformedCommandError struct {
	Reason string
}

func (e *MalformedCommandError) Error() string {
	return "wire: malformed command: " + e.Reason
}

type commandID byte

// Command is the common interface exposed by all link command structures.
type Command interface {
	// ToBytes serializes the command and returns the resulting slice.
	ToBytes() []byte
}

// Commands encapsulates the link protocol commands so that it can pass
// around a sphinx geometry where needed.
type Commands struct {
	geo *geo.Geometry
}

// NewCommands returns a Commands given a sphinx geometry.
func NewCommands(g *geo.Geometry) *Commands {
	c := &Commands{
		geo: g,
	}
	if c.FrameLength() > MaxMsgLen {
		panic("wire: frame length exceeds MaxMsgLen")
	}
	return c
}

// FrameLength returns the fixed length of every frame on the link.  All
// commands pad to this size so that the traffic profile does not betray
// command boundaries.
func (c *Commands) FrameLength() int {
	return cmdOverhead + c.geo.PacketLength
}

// NoOp is a de-serialized noop command.
type NoOp struct {
	Cmds *Commands
}

// ToBytes serializes the NoOp and returns the resulting slice.
func (c *NoOp) ToBytes() []byte {
	out := make([]byte, cmdOverhead)
	out[0] = byte(noOp)
	return padToFrameLength(out, c.Cmds.FrameLength())
}

// Disconnect is a de-serialized disconnect command.
type Disconnect struct {
	Cmds *Commands
}

// ToBytes serializes the Disconnect and returns the resulting slice.
func (c *Disconnect) ToBytes() []byte {
	out := make([]byte, cmdOverhead)
	out[0] = byte(disconnect)
	return padToFrameLength(out, c.Cmds.FrameLength())
}

// SendPacket is a de-serialized send_packet command.
type SendPacket struct {
	SphinxPacket []byte
	Cmds         *Commands
}

// ToBytes serializes the SendPacket and returns the resulting slice.
func (c *SendPacket) ToBytes() []byte {
	out := make([]byte, cmdOverhead, cmdOverhead+len(c.SphinxPacket))
	out[0] = byte(sendPacket)
	binary.BigEndian.PutUint32(out[2:6], uint32(len(c.SphinxPacket)))
	out = append(out, c.SphinxPacket...)
	return padToFrameLength(out, c.Cmds.FrameLength())
}

func sendPacketFromBytes(b []byte, cmds *Commands) (Command, error) {
	r := new(SendPacket)
	r.SphinxPacket = make([]byte, 0, len(b))
	r.SphinxPacket = append(r.SphinxPacket, b...)
	r.Cmds = cmds
	return r, nil
}

// FromBytes de-serializes the frame in the buffer b, returning a Command or
// an error.
func (c *Commands) FromBytes(b []byte) (Command, error) {
	if len(b) < c.FrameLength() {
		return nil, ErrIncompleteFrame
	}
	b = b[:c.FrameLength()]

	// Parse the common header.
	id := b[0]
	if b[1] != 0 {
		return nil, &MalformedCommandError{"reserved byte is set"}
	}
	cmdLen := binary.BigEndian.Uint32(b[2:6])
	b = b[cmdOverhead:]
	if uint32(len(b)) < cmdLen {
		return nil, &MalformedCommandError{"length exceeds frame"}
	}
	padding := b[cmdLen:]

	// Ensure that it is zero padded.
	if !utils.CtIsZero(padding) {
		return nil, &MalformedCommandError{"padding is not zero"}
	}
	b = b[:cmdLen]

	switch commandID(id) {
	case noOp:
		if cmdLen != 0 {
			return nil, &MalformedCommandError{"noop with payload"}
		}
		return &NoOp{Cmds: c}, nil
	case disconnect:
		if cmdLen != 0 {
			return nil, &MalformedCommandError{"disconnect with payload"}
		}
		return &Disconnect{Cmds: c}, nil
	case sendPacket:
		if int(cmdLen) != c.geo.PacketLength {
			return nil, &MalformedCommandError{fmt.Sprintf("send_packet length %d, expected %d", cmdLen, c.geo.PacketLength)}
		}
		return sendPacketFromBytes(b, c)
	default:
		return nil, &MalformedCommandError{fmt.Sprintf("unknown command 0x%02x", id)}
	}
}

// Decode parses the first complete frame in b, returning the command and
// the unconsumed remainder.  ErrIncompleteFrame means more bytes are
// needed; any other error is fatal to the link.
func (c *Commands) Decode(b []byte) (Command, []byte, error) {
	if len(b) < c.FrameLength() {
		return nil, b, ErrIncompleteFrame
	}
	cmd, err := c.FromBytes(b[:c.FrameLength()])
	if err != nil {
		return nil, nil, err
	}
	return cmd, b[c.FrameLength():], nil
}

// ReadCommand reads and parses exactly one frame from r.
func (c *Commands) ReadCommand(r io.Reader) (Command, error) {
	frame := make([]byte, c.FrameLength())
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return c.FromBytes(frame)
}

// WriteCommand serializes and writes exactly one frame to w.
func (c *Commands) WriteCommand(w io.Writer, cmd Command) error {
	b := cmd.ToBytes()
	if len(b) != c.FrameLength() {
		return &MalformedCommandError{fmt.Sprintf("serialized command is %d bytes, frame is %d", len(b), c.FrameLength())}
	}
	_, err := w.Write(b)
	return err
}

// padToFrameLength takes a slice of bytes representing a serialized command
// and pads it to frameLength.
func padToFrameLength(data []byte, frameLength int) []byte {
	paddingSize := frameLength - len(data)
	if paddingSize <= 0 {
		return data
	}

	padding := make([]byte, paddingSize)
	return append(data, padding...)
}
