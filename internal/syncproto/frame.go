package syncproto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned by ReadFrame when the advertised frame
// length exceeds maxFrameBytes, protecting a peer from a malicious or
// corrupt length prefix driving an unbounded allocation.
var ErrFrameTooLarge = errors.New("syncproto: frame exceeds configured maximum size")

const defaultMaxFrameBytes = 4 * 1024 * 1024

// WriteFrame encodes env as a 4-byte big-endian length prefix followed
// by its JSON encoding, and writes it to w in a single call.
func WriteFrame(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("syncproto: marshal envelope: %w", err)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("syncproto: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("syncproto: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes its
// envelope. maxFrameBytes bounds the advertised length; pass 0 to use
// defaultMaxFrameBytes.
func ReadFrame(r io.Reader, maxFrameBytes uint32) (Envelope, error) {
	if maxFrameBytes == 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Envelope{}, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameBytes {
		return Envelope{}, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("syncproto: read frame body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("syncproto: unmarshal envelope: %w", err)
	}
	return env, nil
}
