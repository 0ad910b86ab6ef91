package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds how much a single frame may ask us to buffer.
// Payment envelopes and handshake messages are all well under this; the
// cap exists to bound memory against a malicious peer.
const DefaultMaxFrameSize = 1 << 20

var (
	// ErrFrameTooLarge indicates a frame length prefix above the limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrTruncatedFrame indicates the stream ended before a full frame.
	ErrTruncatedFrame = errors.New("truncated frame")
)

// WriteFrame writes payload prefixed with its length as a 4-byte
// big-endian unsigned integer. The same framing carries handshake
// messages and ciphertext; the codec does not know which.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A stream that closes before
// the full payload arrives fails with ErrTruncatedFrame rather than
// returning a short buffer; a length above maxSize fails with
// ErrFrameTooLarge before any payload is read. maxSize zero selects
// DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: stream closed mid-header", ErrTruncatedFrame)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, length, maxSize)
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: stream closed mid-payload", ErrTruncatedFrame)
		}
		return nil, err
	}
	return payload, nil
}
