// Package mavlink walks raw mavlink v1/v2 frames and rewrites their system id
// without needing message definitions.
package mavlink

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout constants.
//
//	v1: magic(0xFE) len seq sysid compid msgid           payload crc(2)
//	v2: magic(0xFD) len incompat compat seq sysid compid msgid(3) payload crc(2) [signature(13)]
const (
	MagicV1 = 0xFE
	MagicV2 = 0xFD

	v1HeaderLen  = 6
	v2HeaderLen  = 10
	checksumLen  = 2
	signatureLen = 13

	v1SysIDOffset = 3
	v2SysIDOffset = 5

	flagSigned = 0x01
)

var (
	// ErrNotMavlink is returned when a buffer does not start with a frame magic.
	ErrNotMavlink = errors.New("not a mavlink frame")
	// ErrTruncated is returned when a frame is shorter than its header claims.
	ErrTruncated = errors.New("truncated mavlink frame")
)

// Frame is a view of one frame inside a larger buffer.
type Frame struct {
	Version int
	Raw     []byte // the whole frame, signature included

	sysIDOffset int
	crcOffset   int
}

// SysID returns the system id of the sender.
func (f Frame) SysID() uint8 { return f.Raw[f.sysIDOffset] }

// ComponentID returns the component id of the sender.
func (f Frame) ComponentID() uint8 { return f.Raw[f.sysIDOffset+1] }

// MessageID returns the message id.
func (f Frame) MessageID() uint32 {
	if f.Version == 1 {
		return uint32(f.Raw[5])
	}
	return uint32(f.Raw[7]) | uint32(f.Raw[8])<<8 | uint32(f.Raw[9])<<16
}

// Signed reports whether a v2 frame carries a signature.
func (f Frame) Signed() bool { return f.Version == 2 && f.Raw[2]&flagSigned != 0 }

// Checksum returns the stored CRC.
func (f Frame) Checksum() uint16 {
	return binary.LittleEndian.Uint16(f.Raw[f.crcOffset:])
}

// Parse reads the frame at the start of b and returns the number of bytes it
// occupies.
func Parse(b []byte) (Frame, int, error) {
	if len(b) < 2 {
		return Frame{}, 0, ErrTruncated
	}
	var f Frame
	var total int
	payloadLen := int(b[1])

	switch b[0] {
	case MagicV1:
		f.Version = 1
		f.sysIDOffset = v1SysIDOffset
		f.crcOffset = v1HeaderLen + payloadLen
		total = f.crcOffset + checksumLen
	case MagicV2:
		if len(b) < 3 {
			return Frame{}, 0, ErrTruncated
		}
		f.Version = 2
		f.sysIDOffset = v2SysIDOffset
		f.crcOffset = v2HeaderLen + payloadLen
		total = f.crcOffset + checksumLen
		if b[2]&flagSigned != 0 {
			total += signatureLen
		}
	default:
		return Frame{}, 0, fmt.Errorf("%w: magic 0x%02x", ErrNotMavlink, b[0])
	}

	if len(b) < total {
		return Frame{}, 0, fmt.Errorf("%w: have %d bytes, need %d", ErrTruncated, len(b), total)
	}
	f.Raw = b[:total]
	return f, total, nil
}

// Walk calls fn for every frame in b. Frames are views into b.
func Walk(b []byte, fn func(Frame) error) error {
	for len(b) > 0 {
		f, n, err := Parse(b)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// RewriteSysID returns a copy of pkt in which every frame carries sysID and a
// checksum that matches the rewritten bytes. pkt itself is left untouched.
func RewriteSysID(pkt []byte, sysID uint8) ([]byte, error) {
	out := append([]byte(nil), pkt...)
	err := Walk(out, func(f Frame) error {
		old := f.Raw[f.sysIDOffset]
		if old == sysID {
			return nil
		}
		f.Raw[f.sysIDOffset] = sysID
		patchChecksum(f, old^sysID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// patchChecksum updates the CRC after the sysid byte changed by delta.
//
// The X.25 accumulator is linear over GF(2), so for two inputs of the same
// length crc(a) ^ crc(b) == crc0(a ^ b), where crc0 starts from zero. The
// inputs differ in one byte only; the trailing CRC_EXTRA byte is identical on
// both sides and contributes a zero to the difference.
func patchChecksum(f Frame, delta byte) {
	diff := make([]byte, f.crcOffset-f.sysIDOffset+1)
	diff[0] = delta
	crc := f.Checksum() ^ accumulate(0, diff)
	binary.LittleEndian.PutUint16(f.Raw[f.crcOffset:], crc)
}
