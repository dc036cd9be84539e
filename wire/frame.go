package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the hard ceiling on a single frame's payload, independent
// of any configured value: 256 KiB, matching the protocol's wire bound.
// config.Config.MaxFrameSize may tighten this further per deployment but
// never loosen it.
const MaxFrameSize = 256 * 1024

// ReadFrame reads one length-prefixed frame from r: a little-endian u32
// byte count followed by that many payload bytes. It mirrors the teacher's
// packet_listener.go read loop (opd-ai/toxcore net/packet_listener.go),
// generalized from a fixed-size UDP packet to a streaming length-prefixed
// frame suitable for the connection fabric's persistent TCP streams.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 || maxSize > MaxFrameSize {
		maxSize = MaxFrameSize
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size == 0 {
		return nil, nil
	}
	if int(size) > maxSize {
		return nil, fmt.Errorf("%w: frame size %d exceeds %d", ErrTooLong, size, maxSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload to w prefixed by its little-endian u32 length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds %d", ErrTooLong, len(payload), MaxFrameSize)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
