package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
)

func TestFrameRoundTripOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	bodies := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xAB}, 4096)}

	go func() {
		for _, b := range bodies {
			if err := WriteFrame(client, b); err != nil {
				t.Errorf("WriteFrame: %v", err)
				return
			}
		}
	}()

	for i, want := range bodies {
		got, err := ReadFrame(server, 0)
		if err != nil {
			t.Fatalf("frame %d: ReadFrame: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestReadFrameLimits(t *testing.T) {
	oversized := AppendFrame(nil, make([]byte, 64))
	if _, err := ReadFrame(bytes.NewReader(oversized), 16); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("error = %v, want ErrFrameTooLarge", err)
	}

	truncated := AppendFrame(nil, []byte("hello"))[:6]
	if _, err := ReadFrame(bytes.NewReader(truncated), 0); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("error = %v, want io.ErrUnexpectedEOF", err)
	}

	if _, err := ReadFrame(bytes.NewReader(nil), 0); !errors.Is(err, io.EOF) {
		t.Fatalf("error = %v, want io.EOF", err)
	}
}
