package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameHeaderSize is the length prefix in front of every envelope on stream
// transports: Length(4), big-endian.
const FrameHeaderSize = 4

// DefaultMaxFrame bounds a single envelope on stream transports.
const DefaultMaxFrame = 1 << 20

// ErrFrameTooLarge is returned when a length prefix exceeds the limit.
var ErrFrameTooLarge = errors.New("frame too large")

// AppendFrame appends the length-prefixed form of body to dst.
func AppendFrame(dst, body []byte) []byte {
	var hdr [FrameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}

// WriteFrame writes body with its length prefix in a single Write call.
func WriteFrame(w io.Writer, body []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, FrameHeaderSize+len(body)), body))
	return err
}

// ReadFrame reads one length-prefixed envelope. maxSize <= 0 selects
// DefaultMaxFrame.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrame
	}
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, size, maxSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}
