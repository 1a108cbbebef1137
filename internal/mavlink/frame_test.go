package mavlink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// heartbeatExtra is the CRC_EXTRA of HEARTBEAT (#0).
const heartbeatExtra = 50

// buildV1 assembles a v1 frame with a valid checksum.
func buildV1(t *testing.T, sysID, compID, msgID byte, payload []byte, extra byte) []byte {
	t.Helper()
	raw := []byte{MagicV1, byte(len(payload)), 0x11, sysID, compID, msgID}
	raw = append(raw, payload...)
	raw = append(raw, 0, 0)
	return seal(t, raw, extra)
}

// buildV2 assembles a v2 frame with a valid checksum and an optional
// (opaque) signature block.
func buildV2(t *testing.T, sysID byte, msgID uint32, payload []byte, extra byte, signed bool) []byte {
	t.Helper()
	var incompat byte
	if signed {
		incompat = flagSigned
	}
	raw := []byte{MagicV2, byte(len(payload)), incompat, 0, 0x22, sysID, 1,
		byte(msgID), byte(msgID >> 8), byte(msgID >> 16)}
	raw = append(raw, payload...)
	raw = append(raw, 0, 0)
	if signed {
		raw = append(raw, bytes.Repeat([]byte{0x5A}, signatureLen)...)
	}
	return seal(t, raw, extra)
}

func seal(t *testing.T, raw []byte, extra byte) []byte {
	t.Helper()
	f, n, err := Parse(raw)
	if err != nil || n != len(raw) {
		t.Fatalf("Parse(%d bytes) = %d, %v", len(raw), n, err)
	}
	binary.LittleEndian.PutUint16(raw[f.crcOffset:], Checksum(f, extra))
	return raw
}

func TestAccumulateCheckValue(t *testing.T) {
	// CRC-16/MCRF4XX check value.
	if got := accumulate(crcInit, []byte("123456789")); got != 0x6F91 {
		t.Fatalf("crc = 0x%04X, want 0x6F91", got)
	}
}

// TestRewriteSysIDRecomputesChecksum is the relay property: after a rewrite
// every frame carries the new sysid and a checksum equal to a full
// recomputation, and no other byte changes.
func TestRewriteSysIDRecomputesChecksum(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}

	testCases := []struct {
		name  string
		frame []byte
		extra byte
	}{
		{"v1 heartbeat", buildV1(t, 1, 1, 0, payload, heartbeatExtra), heartbeatExtra},
		{"v2 extended id", buildV2(t, 1, 0x01_02_03, payload, 0x7C, false), 0x7C},
		{"v2 signed", buildV2(t, 200, 33, payload, 104, true), 104},
		{"v1 empty payload", buildV1(t, 9, 1, 4, nil, 237), 237},
	}

	for _, tc := range testCases {
		for _, sys := range []uint8{0, 2, 42, 255} {
			out, err := RewriteSysID(tc.frame, sys)
			if err != nil {
				t.Fatalf("%s: RewriteSysID: %v", tc.name, err)
			}
			f, _, err := Parse(out)
			if err != nil {
				t.Fatalf("%s: Parse: %v", tc.name, err)
			}
			if f.SysID() != sys {
				t.Errorf("%s: sysid = %d, want %d", tc.name, f.SysID(), sys)
			}
			if want := Checksum(f, tc.extra); f.Checksum() != want {
				t.Errorf("%s -> %d: checksum = 0x%04X, want 0x%04X", tc.name, sys, f.Checksum(), want)
			}
			for i := range out {
				if i == f.sysIDOffset || i == f.crcOffset || i == f.crcOffset+1 {
					continue
				}
				if out[i] != tc.frame[i] {
					t.Fatalf("%s: byte %d changed (0x%02x -> 0x%02x)", tc.name, i, tc.frame[i], out[i])
				}
			}
		}
	}
}

func TestRewriteSysIDMultipleFrames(t *testing.T) {
	a := buildV1(t, 1, 1, 0, []byte{0xAA}, heartbeatExtra)
	b := buildV2(t, 3, 30, []byte{0xBB, 0xCC}, 39, false)
	buf := append(append([]byte{}, a...), b...)
	orig := append([]byte{}, buf...)

	out, err := RewriteSysID(buf, 8)
	if err != nil {
		t.Fatalf("RewriteSysID: %v", err)
	}
	if !bytes.Equal(buf, orig) {
		t.Fatal("input buffer was modified")
	}

	var sysIDs []uint8
	if err := Walk(out, func(f Frame) error {
		sysIDs = append(sysIDs, f.SysID())
		return nil
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(sysIDs) != 2 || sysIDs[0] != 8 || sysIDs[1] != 8 {
		t.Fatalf("sysids = %v, want [8 8]", sysIDs)
	}
}

func TestParseErrors(t *testing.T) {
	if _, _, err := Parse([]byte{0x00, 0x01, 0x02}); !errors.Is(err, ErrNotMavlink) {
		t.Errorf("bad magic: err = %v", err)
	}
	frame := buildV1(t, 1, 1, 0, []byte{1, 2, 3}, heartbeatExtra)
	if _, _, err := Parse(frame[:len(frame)-1]); !errors.Is(err, ErrTruncated) {
		t.Errorf("short frame: err = %v", err)
	}
	if _, err := RewriteSysID(frame[:4], 2); err == nil {
		t.Error("RewriteSysID accepted a truncated frame")
	}
}

func TestFrameAccessors(t *testing.T) {
	f, _, err := Parse(buildV2(t, 7, 0x0A0B0C, nil, 1, true))
	if err != nil {
		t.Fatal(err)
	}
	if f.Version != 2 || f.SysID() != 7 || f.ComponentID() != 1 || f.MessageID() != 0x0A0B0C || !f.Signed() {
		t.Fatalf("unexpected frame view: v%d sys=%d comp=%d msg=%#x signed=%v",
			f.Version, f.SysID(), f.ComponentID(), f.MessageID(), f.Signed())
	}
}
