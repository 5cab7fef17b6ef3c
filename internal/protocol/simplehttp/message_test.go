package simplehttp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestTryParseRequestExample(t *testing.T) {
	raw := "GET /path?param=value HTTP/1.1\r\nContent-Length: 10\r\n\r\n0123456789"
	req, consumed := TryParseRequest([]byte(raw))
	if consumed != len(raw) {
		t.Fatalf("consumed = %d, want %d", consumed, len(raw))
	}
	if req.Method != "GET" {
		t.Errorf("Method = %s, want GET", req.Method)
	}
	if req.URL != "/path" {
		t.Errorf("URL = %s, want /path", req.URL)
	}
	if got := req.Query.Get("param"); got != "value" {
		t.Errorf("param = %q, want value", got)
	}
	if string(req.Body) != "0123456789" {
		t.Errorf("Body = %q, want 0123456789", req.Body)
	}
}

func TestTryParseRequestBackToBack(t *testing.T) {
	first := "GET /first HTTP/1.1\r\nContent-Length: 8\r\n\r\nRequest1"
	second := "POST /second HTTP/1.1\r\nContent-Length: 8\r\n\r\nRequest2"
	buf := []byte(first + second)

	req, consumed := TryParseRequest(buf)
	if consumed != len(first) {
		t.Fatalf("consumed = %d, want %d", consumed, len(first))
	}
	if string(req.Body) != "Request1" {
		t.Errorf("first body = %q", req.Body)
	}

	req, consumed = TryParseRequest(buf[consumed:])
	if consumed != len(second) {
		t.Fatalf("second consumed = %d, want %d", consumed, len(second))
	}
	if req.Method != "POST" || req.URL != "/second" || string(req.Body) != "Request2" {
		t.Errorf("second = %s %s %q", req.Method, req.URL, req.Body)
	}
}

func TestTryParseIncomplete(t *testing.T) {
	raw := EncodeRequest(RequestFromJSON("/invoke", url.Values{"a": {"1"}}, `{"x":1}`))
	for i := 0; i < len(raw); i++ {
		if _, consumed := TryParseRequest(raw[:i]); consumed != 0 {
			t.Fatalf("prefix of %d bytes consumed %d, want 0", i, consumed)
		}
	}
	if _, consumed := TryParseRequest(raw); consumed != len(raw) {
		t.Errorf("full message consumed %d, want %d", consumed, len(raw))
	}
}

func TestTryParseMalformed(t *testing.T) {
	for _, raw := range []string{
		"GARBAGE\r\n\r\n",
		"GET /x HTTP/1.1\r\nContent-Length: nope\r\n\r\n",
		"GET /x HTTP/1.1\r\nContent-Length: -4\r\n\r\n",
	} {
		if _, consumed := TryParseRequest([]byte(raw)); consumed != 0 {
			t.Errorf("%q consumed %d, want 0", raw, consumed)
		}
	}
	if _, consumed := TryParseResponse([]byte("HTTP/1.1 abc OK\r\n\r\n")); consumed != 0 {
		t.Errorf("non-numeric status consumed %d, want 0", consumed)
	}
}

func TestContentLengthCaseInsensitive(t *testing.T) {
	raw := "POST /x HTTP/1.1\r\ncontent-length: 3\r\n\r\nabc"
	req, consumed := TryParseRequest([]byte(raw))
	if consumed != len(raw) {
		t.Fatalf("consumed = %d, want %d", consumed, len(raw))
	}
	if string(req.Body) != "abc" {
		t.Errorf("Body = %q, want abc", req.Body)
	}
}

func TestRequestEncoding(t *testing.T) {
	get := string(EncodeRequest(RequestFromJSON("ping", nil, "")))
	if get != "GET /ping HTTP/1.1\r\n\r\n" {
		t.Errorf("GET encoded as %q", get)
	}

	post := string(EncodeRequest(RequestFromJSON("/type", url.Values{"requestId": {"6"}}, `{}`)))
	want := "POST /type?requestId=6 HTTP/1.1\r\nContent-Type: application/json\r\nContent-Length: 2\r\n\r\n{}"
	if post != want {
		t.Errorf("got %q, want %q", post, want)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := ResponseFromJSON(200, `{"status":"OK"}`, map[string]string{"requestId": "7"})
	raw := EncodeResponse(resp)
	if !bytes.HasPrefix(raw, []byte("HTTP/1.1 200 OK\r\nConnection: close\r\n")) {
		t.Errorf("unexpected status line: %q", raw)
	}

	back, consumed := TryParseResponse(raw)
	if consumed != len(raw) {
		t.Fatalf("consumed = %d, want %d", consumed, len(raw))
	}
	if back.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", back.StatusCode)
	}
	if back.ContentType != JSONMimeType {
		t.Errorf("ContentType = %s, want %s", back.ContentType, JSONMimeType)
	}
	if back.RequestID() != "7" {
		t.Errorf("RequestID = %q, want 7", back.RequestID())
	}
	if string(back.Body) != `{"status":"OK"}` {
		t.Errorf("Body = %s", back.Body)
	}
}

func TestResponseDefaults(t *testing.T) {
	raw := "HTTP/1.1 204 No Content\r\nX-Thing: a:b\r\n\r\n"
	resp, consumed := TryParseResponse([]byte(raw))
	if consumed != len(raw) {
		t.Fatalf("consumed = %d, want %d", consumed, len(raw))
	}
	if resp.ContentType != "text/plain" {
		t.Errorf("ContentType = %s, want text/plain", resp.ContentType)
	}
	if v, _ := resp.Header("x-thing"); v != "a:b" {
		t.Errorf("X-Thing = %q, want a:b", v)
	}
	if len(resp.Body) != 0 {
		t.Errorf("Body = %q, want empty", resp.Body)
	}
}

func TestReadMessageBackToBack(t *testing.T) {
	first := "GET /first HTTP/1.1\r\nContent-Length: 8\r\n\r\nRequest1"
	second := "POST /second HTTP/1.1\r\nContent-Length: 8\r\n\r\nRequest2"
	r := bufio.NewReader(strings.NewReader(first + second + "GET /lol"))

	var out bytes.Buffer
	if err := ReadMessage(r, &out); err != nil {
		t.Fatalf("first: %v", err)
	}
	if out.String() != first {
		t.Errorf("got %q, want %q", out.String(), first)
	}

	out.Reset()
	if err := ReadMessage(r, &out); err != nil {
		t.Fatalf("second: %v", err)
	}
	if out.String() != second {
		t.Errorf("got %q, want %q", out.String(), second)
	}

	// The trailing fragment never completes.
	out.Reset()
	if err := ReadMessage(r, &out); !errors.Is(err, ErrUnexpectedEOF) {
		t.Errorf("fragment err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestReadMessageSplit(t *testing.T) {
	msg := "POST /x HTTP/1.1\r\nContent-Length: 10\r\n\r\n0123456789"
	pr, pw := io.Pipe()
	defer pr.Close()

	done := make(chan error, 1)
	var out bytes.Buffer
	go func() {
		done <- ReadMessage(pr, &out)
	}()

	if _, err := pw.Write([]byte(msg[:30])); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case err := <-done:
		t.Fatalf("returned before the message was complete: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := pw.Write([]byte(msg[30:])); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadMessage did not return")
	}
	if out.String() != msg {
		t.Errorf("got %q, want %q", out.String(), msg)
	}
}

func TestReadMessageEOF(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"empty", "", io.EOF},
		{"header", "GET /x HTTP/1.1\r\nContent-Le", ErrUnexpectedEOF},
		{"body", "GET /x HTTP/1.1\r\nContent-Length: 10\r\n\r\n0123", ErrUnexpectedEOF},
		{"bad length", "GET /x HTTP/1.1\r\nContent-Length: x\r\n\r\n", ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := ReadMessage(strings.NewReader(tt.in), &out)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadRequest(t *testing.T) {
	raw := EncodeRequest(RequestFromJSON("/hook", url.Values{"requestId": {"9"}}, `{"a":1}`))
	req, err := ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.RequestID() != "9" {
		t.Errorf("RequestID = %q, want 9", req.RequestID())
	}
	if req.ContentType != JSONMimeType {
		t.Errorf("ContentType = %q, want %s", req.ContentType, JSONMimeType)
	}

	_, err = ReadRequest(bufio.NewReader(strings.NewReader("NOPE\r\n\r\n")))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("got %v, want ErrMalformedMessage", err)
	}
}
