// Package guestproto implements the worker↔guest IPC frame format of
// spec §6.4: a lightweight header (no job id — the guest process only
// ever has one job, passed as a CLI argument) followed by a JSON
// payload, framed over the local socket the worker creates per job.
package guestproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// FrameKind identifies a guest→worker IPC message. Frames flow one way
// only: the worker never writes a frame back to the guest.
type FrameKind uint8

const (
	KindBatch         FrameKind = 1
	KindProgress      FrameKind = 2
	KindConcludeGuest FrameKind = 3
)

func (k FrameKind) String() string {
	switch k {
	case KindBatch:
		return "BATCH"
	case KindProgress:
		return "PROGRESS"
	case KindConcludeGuest:
		return "CONCLUDE_GUEST"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// headerSize is kind (1 byte) + payload length (4 bytes, big-endian).
const headerSize = 5

// WriteFrame writes one IPC frame: kind, payload length, JSON payload.
func WriteFrame(w io.Writer, kind FrameKind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	var header [headerSize]byte
	header[0] = uint8(kind)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write %s header: %w", kind, err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write %s payload: %w", kind, err)
	}
	return nil
}

// ReadFrame reads one IPC frame and returns its kind and raw JSON body.
func ReadFrame(r io.Reader) (FrameKind, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	kind := FrameKind(header[0])
	length := binary.BigEndian.Uint32(header[1:5])
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("read %s payload: %w", kind, err)
		}
	}
	return kind, body, nil
}
