// Package control implements the External API Server: a UNIX stream
// socket speaking a fixed-size frame protocol compatible in shape with
// the legacy /dev/initctl record (magic sentinel, command enum, runlevel
// byte, fixed data buffer), grounded on the teacher's pkg/control framing
// discipline — WritePacket/ReadPacket's length-prefixed header — adapted
// from the teacher's variable-length TLV payload to the spec's fixed-size
// frame, since compatibility with the legacy record format is an explicit
// wire requirement here rather than an implementation choice.
package control

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic is the sentinel every frame starts with, chosen to match the
// classic /dev/initctl request magic so tooling written against that
// legacy record layout can still frame-sync against this protocol.
const Magic uint32 = 0x03091969

// DataSize is the fixed payload buffer carried by every frame.
const DataSize = 128

// FrameSize is the total wire size of one frame: magic(4) + cmd(1) +
// runlevel(1) + datalen(2) + data(DataSize).
const FrameSize = 4 + 1 + 1 + 2 + DataSize

// Command identifies a client request.
type Command uint8

const (
	CmdRunlevelChange Command = iota
	CmdReload
	CmdDebugToggle
	CmdEmitEvent
	CmdStart
	CmdStop
	CmdRestart
	CmdQuery
	CmdEnumerate
	CmdFind
	CmdGetRunlevel
	CmdInetdQuery
	CmdWatchdogHandover
)

// Reply identifies a server response; it occupies the same wire field as
// Command, since a reply frame "replaces" the command byte with an ACK or
// NACK enum per the wire protocol description.
type Reply uint8

const (
	ReplyACK Reply = 200 + iota
	ReplyNACK
	ReplyRecord // one streamed record snapshot during an Enumerate response
	ReplyEnd    // terminates an Enumerate stream
)

// Frame is one fixed-size wire message, usable for both requests
// (Cmd holds a Command) and responses (Cmd holds a Reply).
type Frame struct {
	Cmd      uint8
	Runlevel uint8
	DataLen  uint16
	Data     [DataSize]byte
}

// SetPayload copies s into the frame's data buffer, truncating if
// necessary — callers needing the untruncated value should keep it
// server-side rather than round-tripping through the wire.
func (f *Frame) SetPayload(s string) {
	n := copy(f.Data[:], s)
	f.DataLen = uint16(n)
}

// Payload returns the frame's data buffer as a string, trimmed to DataLen.
func (f *Frame) Payload() string {
	n := f.DataLen
	if int(n) > len(f.Data) {
		n = uint16(len(f.Data))
	}
	return string(f.Data[:n])
}

// WriteFrame serializes f to w as Magic + Cmd + Runlevel + DataLen + Data.
func WriteFrame(w io.Writer, f *Frame) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	hdr[4] = f.Cmd
	hdr[5] = f.Runlevel
	binary.LittleEndian.PutUint16(hdr[6:8], f.DataLen)
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	if _, err := w.Write(f.Data[:]); err != nil {
		return errors.Wrap(err, "writing frame payload")
	}
	return nil
}

// ReadFrame deserializes one frame from r, validating the magic sentinel.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != Magic {
		return nil, errors.Errorf("bad frame magic: %#x", magic)
	}
	f := &Frame{
		Cmd:      hdr[4],
		Runlevel: hdr[5],
		DataLen:  binary.LittleEndian.Uint16(hdr[6:8]),
	}
	if _, err := io.ReadFull(r, f.Data[:]); err != nil {
		return nil, errors.Wrap(err, "reading frame payload")
	}
	if int(f.DataLen) > len(f.Data) {
		return nil, errors.Errorf("declared data length %d exceeds buffer", f.DataLen)
	}
	return f, nil
}

// ack builds a bare ACK reply frame.
func ack() *Frame { return &Frame{Cmd: uint8(ReplyACK)} }

// nack builds a NACK reply frame carrying a short reason string.
func nack(reason string) *Frame {
	f := &Frame{Cmd: uint8(ReplyNACK)}
	f.SetPayload(reason)
	return f
}
