package simplehttp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxHeaderBytes bounds the header block so a peer that never sends the
// terminator cannot grow our buffer without limit.
const maxHeaderBytes = 64 << 10

// ReadMessage copies exactly one framed message from r to w. It reads the
// header byte by byte until the blank line, then Content-Length body bytes,
// so nothing belonging to the next message is consumed when r is shared.
//
// A stream that ends before the first byte returns io.EOF. A stream that ends
// inside a message returns ErrUnexpectedEOF.
func ReadMessage(r io.Reader, w io.Writer) error {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}

	var header bytes.Buffer
	for !bytes.HasSuffix(header.Bytes(), headerEnd) {
		c, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if header.Len() == 0 {
					return io.EOF
				}
				return fmt.Errorf("read header: %w", ErrUnexpectedEOF)
			}
			return fmt.Errorf("read header: %w", err)
		}
		header.WriteByte(c)
		if header.Len() > maxHeaderBytes {
			return fmt.Errorf("header exceeds %d bytes: %w", maxHeaderBytes, ErrMalformedMessage)
		}
	}

	n, err := contentLength(header.Bytes())
	if err != nil {
		return err
	}
	if _, err := w.Write(header.Bytes()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if n == 0 {
		return nil
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(asReader(br, r), body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("read body: %w", ErrUnexpectedEOF)
		}
		return fmt.Errorf("read body: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

func contentLength(header []byte) (int, error) {
	for _, line := range strings.Split(string(header), "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("content-length %q: %w", v, ErrMalformedMessage)
		}
		return n, nil
	}
	return 0, nil
}

// asReader returns the reader that follows br's position: br itself when it
// is also an io.Reader (bufio.Reader), else the original stream.
func asReader(br io.ByteReader, r io.Reader) io.Reader {
	if rr, ok := br.(io.Reader); ok {
		return rr
	}
	return r
}

type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	for {
		n, err := b.r.Read(b.buf[:])
		if n == 1 {
			return b.buf[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}

func (b *byteReader) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// ReadRequest reads and parses one request.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	var buf bytes.Buffer
	if err := ReadMessage(r, &buf); err != nil {
		return nil, err
	}
	req, consumed := TryParseRequest(buf.Bytes())
	if consumed == 0 {
		return nil, fmt.Errorf("parse request %q: %w", truncate(buf.Bytes()), ErrMalformedMessage)
	}
	return req, nil
}

// ReadResponse reads and parses one response.
func ReadResponse(r *bufio.Reader) (*Response, error) {
	var buf bytes.Buffer
	if err := ReadMessage(r, &buf); err != nil {
		return nil, err
	}
	resp, consumed := TryParseResponse(buf.Bytes())
	if consumed == 0 {
		return nil, fmt.Errorf("parse response %q: %w", truncate(buf.Bytes()), ErrMalformedMessage)
	}
	return resp, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
