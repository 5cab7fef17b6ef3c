// Package simplehttp implements the small HTTP/1.1 subset spoken between the
// controller and a target: one request line, a few headers, an optional body
// sized by Content-Length. Many requests share one connection and responses
// are matched back to requests by the requestId query parameter.
package simplehttp

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// JSONMimeType is the content type of every non-empty body we send.
const JSONMimeType = "application/json"

// RequestIDKey is the query parameter (on requests) and header (on
// responses) carrying the correlation id.
const RequestIDKey = "requestId"

var (
	// ErrMalformedMessage is returned when bytes cannot be parsed as a message.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnexpectedEOF is returned when the stream ends inside a message.
	ErrUnexpectedEOF = errors.New("unexpected end of stream")
)

var headerEnd = []byte("\r\n\r\n")

// Request is a parsed or to-be-encoded request.
type Request struct {
	Method      string
	URL         string // absolute path, no query
	Query       url.Values
	ContentType string
	Body        []byte
}

// RequestID returns the correlation id carried in the query.
func (r *Request) RequestID() string {
	return r.Query.Get(RequestIDKey)
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s?%s (%d bytes)", r.Method, r.URL, r.Query.Encode(), len(r.Body))
}

// Response is a parsed or to-be-encoded response.
type Response struct {
	StatusCode  int
	ContentType string
	Headers     map[string]string
	Body        []byte
}

// Header looks up a header case-insensitively.
func (r *Response) Header(name string) (string, bool) {
	if v, ok := r.Headers[name]; ok {
		return v, true
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// RequestID returns the correlation id echoed by the server.
func (r *Response) RequestID() string {
	id, _ := r.Header(RequestIDKey)
	return id
}

func (r *Response) String() string {
	if len(r.Body) == 0 {
		return fmt.Sprintf("[%d] EMPTY", r.StatusCode)
	}
	return fmt.Sprintf("[%d] %s", r.StatusCode, r.Body)
}

// RequestFromJSON builds a GET, or a POST with a JSON body when body is not
// empty. query may be nil.
func RequestFromJSON(path string, query url.Values, body string) *Request {
	q := url.Values{}
	for k, vs := range query {
		q[k] = append([]string(nil), vs...)
	}
	req := &Request{Method: http.MethodGet, URL: path, Query: q}
	if body != "" {
		req.Method = http.MethodPost
		req.ContentType = JSONMimeType
		req.Body = []byte(body)
	}
	return req
}

// ResponseFromJSON builds a response with an optional JSON body.
func ResponseFromJSON(status int, body string, headers map[string]string) *Response {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	resp := &Response{StatusCode: status, Headers: h}
	if body != "" {
		resp.ContentType = JSONMimeType
		resp.Body = []byte(body)
	}
	return resp
}

// EncodeRequest renders req in wire form.
func EncodeRequest(req *Request) []byte {
	path := req.URL
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(req.Query) > 0 {
		path += "?" + req.Query.Encode()
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, path)
	if len(req.Body) > 0 {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", req.ContentType)
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(req.Body))
	}
	b.WriteString("\r\n")
	b.Write(req.Body)
	return b.Bytes()
}

// EncodeResponse renders resp in wire form.
func EncodeResponse(resp *Response) []byte {
	reason := http.StatusText(resp.StatusCode)
	if reason == "" {
		reason = "Unknown"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.StatusCode, reason)
	b.WriteString("Connection: close\r\n")

	keys := make([]string, 0, len(resp.Headers))
	for k := range resp.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, resp.Headers[k])
	}

	if len(resp.Body) > 0 {
		ct := resp.ContentType
		if ct == "" {
			ct = "text/plain"
		}
		fmt.Fprintf(&b, "Content-Type: %s\r\n", ct)
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(resp.Body))
	}
	b.WriteString("\r\n")
	b.Write(resp.Body)
	return b.Bytes()
}

// head is the part shared by requests and responses: the start line split
// on spaces, the header lines and the body bounds.
type head struct {
	startLine []string
	headers   [][2]string
	bodyStart int
	bodyLen   int
}

// splitHead parses the start line and headers of the first message in buf.
// It returns ok=false if the message is incomplete or malformed.
func splitHead(buf []byte) (head, bool) {
	var h head
	lineEnd := bytes.Index(buf, []byte("\r\n"))
	if lineEnd < 0 {
		return h, false
	}
	h.startLine = strings.Split(string(buf[:lineEnd]), " ")
	if len(h.startLine) < 3 {
		return h, false
	}

	end := bytes.Index(buf[lineEnd:], headerEnd)
	if end < 0 {
		return h, false
	}
	end += lineEnd
	h.bodyStart = end + len(headerEnd)

	if end > lineEnd {
		for _, line := range strings.Split(string(buf[lineEnd+2:end]), "\r\n") {
			k, v, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			h.headers = append(h.headers, [2]string{strings.TrimSpace(k), strings.TrimSpace(v)})
		}
	}

	for _, kv := range h.headers {
		if !strings.EqualFold(kv[0], "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(kv[1])
		if err != nil || n < 0 {
			return h, false
		}
		h.bodyLen = n
	}
	if h.bodyStart+h.bodyLen > len(buf) {
		return h, false
	}
	return h, true
}

func (h head) body(buf []byte) []byte {
	if h.bodyLen == 0 {
		return nil
	}
	return append([]byte(nil), buf[h.bodyStart:h.bodyStart+h.bodyLen]...)
}

func (h head) consumed() int {
	return h.bodyStart + h.bodyLen
}

// TryParseRequest parses the first request in buf. consumed is the exact
// number of bytes it spans, or 0 if buf holds an incomplete or malformed
// request.
func TryParseRequest(buf []byte) (req *Request, consumed int) {
	h, ok := splitHead(buf)
	if !ok {
		return nil, 0
	}

	target := h.startLine[1]
	path, rawQuery, _ := strings.Cut(target, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, 0
	}

	req = &Request{
		Method: h.startLine[0],
		URL:    path,
		Query:  query,
		Body:   h.body(buf),
	}
	for _, kv := range h.headers {
		if strings.EqualFold(kv[0], "Content-Type") {
			req.ContentType = kv[1]
		}
	}
	return req, h.consumed()
}

// TryParseResponse parses the first response in buf. Content-Type defaults to
// text/plain and every header other than Content-Type and Content-Length is
// kept in Headers.
func TryParseResponse(buf []byte) (resp *Response, consumed int) {
	h, ok := splitHead(buf)
	if !ok {
		return nil, 0
	}
	status, err := strconv.Atoi(h.startLine[1])
	if err != nil {
		return nil, 0
	}

	resp = &Response{
		StatusCode:  status,
		ContentType: "text/plain",
		Headers:     make(map[string]string),
		Body:        h.body(buf),
	}
	for _, kv := range h.headers {
		switch {
		case strings.EqualFold(kv[0], "Content-Type"):
			resp.ContentType = kv[1]
		case strings.EqualFold(kv[0], "Content-Length"):
		default:
			resp.Headers[kv[0]] = kv[1]
		}
	}
	return resp, h.consumed()
}
