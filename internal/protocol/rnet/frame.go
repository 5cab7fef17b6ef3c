// Package rnet implements the rNET tunnel framing used when a target cannot
// be reached directly: each frame is the magic "rNET", a little-endian uint32
// payload length and a JSON OverTheWireRequest.
package rnet

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Magic starts every frame.
var Magic = [4]byte{'r', 'N', 'E', 'T'}

// MaxPayload bounds a single frame's payload.
const MaxPayload = 64 << 20

var (
	// ErrBadMagic is returned when a frame does not start with "rNET".
	ErrBadMagic = errors.New("bad rNET magic")
	// ErrBadLength is returned for a zero, negative or oversized payload length.
	ErrBadLength = errors.New("bad rNET payload length")
	// ErrUnexpectedEOF is returned when the stream ends inside a frame.
	ErrUnexpectedEOF = errors.New("unexpected end of rNET stream")
)

// OverTheWireRequest is the tunnelled form of both requests and responses.
type OverTheWireRequest struct {
	RequestId       int
	QueryString     map[string]string
	UrlAbsolutePath string
	Body            string
}

// Encode renders m as one frame.
func Encode(m *OverTheWireRequest) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("payload %d bytes: %w", len(payload), ErrBadLength)
	}

	var b bytes.Buffer
	b.Grow(8 + len(payload))
	b.Write(Magic[:])
	binary.Write(&b, binary.LittleEndian, uint32(len(payload)))
	b.Write(payload)
	return b.Bytes(), nil
}

// WriteFrame encodes m and writes it in one call.
func WriteFrame(w io.Writer, m *OverTheWireRequest) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame. A stream that ends before the first
// byte returns io.EOF.
func ReadFrame(r io.Reader) (*OverTheWireRequest, error) {
	var hdr [8]byte
	n, err := io.ReadFull(r, hdr[:4])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, readErr("magic", err)
	}
	if !bytes.Equal(hdr[:4], Magic[:]) {
		return nil, fmt.Errorf("got %q: %w", hdr[:4], ErrBadMagic)
	}

	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		return nil, readErr("length", err)
	}
	// The length is a signed 32-bit value on the wire.
	length := int32(binary.LittleEndian.Uint32(hdr[4:]))
	if length <= 0 || length > MaxPayload {
		return nil, fmt.Errorf("length %d: %w", length, ErrBadLength)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, readErr("payload", err)
	}

	var m OverTheWireRequest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return &m, nil
}

func readErr(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read %s: %w", what, ErrUnexpectedEOF)
	}
	return fmt.Errorf("read %s: %w", what, err)
}
