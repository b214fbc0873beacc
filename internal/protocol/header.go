// Package protocol implements the coordinator↔worker wire format of
// spec §6.1-6.3: a fixed 16-byte big-endian header followed by a JSON
// payload, framed over a reliable, ordered, bidirectional connection
// (a Unix domain socket locally, TCP remotely).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Version is the current wire version. A mismatched peer disconnects.
const Version = 0x04

// ErrVersionMismatch is wrapped by ReadFrame when a peer's header.version
// byte doesn't match Version (spec §6.2: "mismatch → disconnect"). The
// returned Header is still populated so a caller that wants to reply
// with an ERR(protocol_error) frame before closing can do so.
var ErrVersionMismatch = errors.New("protocol version mismatch")

// HeaderSize is the fixed byte length of every frame header.
const HeaderSize = 16

// Opcode identifies the kind of frame, per §6.3.
type Opcode uint8

const (
	OpIdentify    Opcode = 1
	OpDispatch    Opcode = 2
	OpAbort       Opcode = 3
	OpHeartbeat   Opcode = 4
	OpConclude    Opcode = 5
	OpErr         Opcode = 6
	OpReload      Opcode = 7
	OpPrepareEnv  Opcode = 8
	OpEnvReady    Opcode = 9
	OpDeploy      Opcode = 10
	OpReceipt     Opcode = 11
)

func (o Opcode) String() string {
	switch o {
	case OpIdentify:
		return "IDENTIFY"
	case OpDispatch:
		return "DISPATCH"
	case OpAbort:
		return "ABORT"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpConclude:
		return "CONCLUDE"
	case OpErr:
		return "ERR"
	case OpReload:
		return "RELOAD"
	case OpPrepareEnv:
		return "PREPARE_ENV"
	case OpEnvReady:
		return "ENV_READY"
	case OpDeploy:
		return "DEPLOY"
	case OpReceipt:
		return "RECEIPT"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// Header is the fixed frame prefix described in §6.2.
type Header struct {
	Version    uint8
	Opcode     Opcode
	JobID      uint64
	PayloadLen uint32
}

// Encode writes the 16-byte wire representation of h into buf, which
// must be at least HeaderSize long.
func (h Header) Encode(buf []byte) {
	_ = buf[:HeaderSize]
	buf[0] = h.Version
	buf[1] = uint8(h.Opcode)
	buf[2] = 0
	buf[3] = 0
	binary.BigEndian.PutUint64(buf[4:12], h.JobID)
	binary.BigEndian.PutUint32(buf[12:16], h.PayloadLen)
}

// DecodeHeader parses a 16-byte buffer into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("decode header: need %d bytes, got %d", HeaderSize, len(buf))
	}
	h := Header{
		Version:    buf[0],
		Opcode:     Opcode(buf[1]),
		JobID:      binary.BigEndian.Uint64(buf[4:12]),
		PayloadLen: binary.BigEndian.Uint32(buf[12:16]),
	}
	if buf[2] != 0 || buf[3] != 0 {
		return Header{}, fmt.Errorf("decode header: reserved bytes must be zero")
	}
	return h, nil
}

// WriteFrame writes a header followed by its JSON-encoded payload to w.
// A nil payload writes a zero-length body (used by ABORT and RELOAD).
func WriteFrame(w io.Writer, opcode Opcode, jobID uint64, payload any) error {
	body, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", opcode, err)
	}
	h := Header{Version: Version, Opcode: opcode, JobID: jobID, PayloadLen: uint32(len(body))}
	var buf [HeaderSize]byte
	h.Encode(buf[:])
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write %s header: %w", opcode, err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("write %s payload: %w", opcode, err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r: a 16-byte header and exactly
// header.PayloadLen bytes of payload. It rejects a version mismatch
// before reading the payload, per §6.2.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var hbuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		return Header{}, nil, err
	}
	h, err := DecodeHeader(hbuf[:])
	if err != nil {
		return Header{}, nil, err
	}
	if h.Version != Version {
		return h, nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, Version)
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Header{}, nil, fmt.Errorf("read %s payload: %w", h.Opcode, err)
		}
	}
	return h, payload, nil
}
