package rnet

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/zboralski/remotenet/internal/protocol/simplehttp"
)

// Tunnel is the controller end of an rNET connection. Requests are
// serialized: one frame out, then frames are read until the matching
// RequestId comes back.
type Tunnel struct {
	conn   net.Conn
	mu     sync.Mutex
	nextID int
}

// NewTunnel wraps an established connection.
func NewTunnel(conn net.Conn) *Tunnel {
	return &Tunnel{conn: conn}
}

// DialTunnel connects to a relay.
func DialTunnel(ctx context.Context, addr string) (*Tunnel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", addr, err)
	}
	return NewTunnel(conn), nil
}

// Send tunnels req and returns the relayed response. The response status
// comes from the frame's "status" query entry and defaults to 200.
func (t *Tunnel) Send(ctx context.Context, req *simplehttp.Request) (*simplehttp.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A zero deadline clears any previous one.
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	t.nextID++
	id := t.nextID
	msg := &OverTheWireRequest{
		RequestId:       id,
		UrlAbsolutePath: req.URL,
		QueryString:     make(map[string]string, len(req.Query)),
		Body:            string(req.Body),
	}
	for k := range req.Query {
		msg.QueryString[k] = req.Query.Get(k)
	}
	if err := WriteFrame(t.conn, msg); err != nil {
		return nil, err
	}

	for {
		in, err := ReadFrame(t.conn)
		if err != nil {
			return nil, fmt.Errorf("tunnel %s: %w", req.URL, err)
		}
		if in.RequestId != id {
			continue
		}
		status := http.StatusOK
		if s, ok := in.QueryString[statusKey]; ok {
			if n, err := strconv.Atoi(s); err == nil {
				status = n
			}
		}
		return simplehttp.ResponseFromJSON(status, in.Body, nil), nil
	}
}

// Close closes the underlying connection.
func (t *Tunnel) Close() error {
	return t.conn.Close()
}
