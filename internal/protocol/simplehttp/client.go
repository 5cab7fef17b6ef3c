package simplehttp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	glog "github.com/zboralski/remotenet/internal/log"
)

// DefaultReadyTimeout is how long Send waits for the response reader
// goroutine to be scheduled.
const DefaultReadyTimeout = 10 * time.Second

// firstRequestID is the counter's starting value; the first request is 6.
const firstRequestID = 5

var (
	// ErrConnectionBroken is returned to every waiter once the reader stops.
	ErrConnectionBroken = errors.New("connection broken")
	// ErrReaderNotReady is returned when the reader goroutine did not start
	// in time.
	ErrReaderNotReady = errors.New("response reader not ready")
	// ErrClientClosed is returned by Send after Close.
	ErrClientClosed = errors.New("client closed")
)

// ClientConfig tunes a Client. Zero values select defaults.
type ClientConfig struct {
	ReadyTimeout time.Duration
	Logger       *glog.Logger
}

// Client multiplexes concurrent requests over one connection. A writer
// goroutine drains the send queue and a reader goroutine routes each
// response to its waiter by requestId, so responses may arrive in any order.
type Client struct {
	conn         net.Conn
	log          *glog.Logger
	readyTimeout time.Duration

	nextID atomic.Int64
	queue  chan *Request

	ready chan struct{} // closed once readLoop runs; not a handshake
	dead  chan struct{} // closed when the reader stops
	done  chan struct{} // closed by Close

	mu      sync.Mutex
	pending map[string]chan *Response
	readErr error

	closeOnce sync.Once
}

// NewClient starts the reader and writer goroutines on conn.
func NewClient(conn net.Conn, cfg ClientConfig) *Client {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = glog.Get()
	}
	c := &Client{
		conn:         conn,
		log:          cfg.Logger.WithCategory("client"),
		readyTimeout: cfg.ReadyTimeout,
		queue:        make(chan *Request, 64),
		ready:        make(chan struct{}),
		dead:         make(chan struct{}),
		done:         make(chan struct{}),
		pending:      make(map[string]chan *Response),
	}
	c.nextID.Store(firstRequestID)

	go c.readLoop()
	go c.writeLoop()
	return c
}

// Dial connects to addr and returns a Client on the new connection.
func Dial(ctx context.Context, addr string, cfg ClientConfig) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn, cfg), nil
}

// Send queues req with a fresh requestId and waits for its response. req is
// not modified.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	timer := time.NewTimer(c.readyTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
	case <-timer.C:
		return nil, ErrReaderNotReady
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	id := strconv.FormatInt(c.nextID.Add(1), 10)
	out := *req
	out.Query = url.Values{}
	for k, vs := range req.Query {
		out.Query[k] = vs
	}
	out.Query.Set(RequestIDKey, id)

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.pending == nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, fmt.Errorf("send %s: %w (%v)", req.URL, ErrConnectionBroken, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	select {
	case c.queue <- &out:
	case <-c.done:
		c.forget(id)
		return nil, ErrClientClosed
	case <-c.dead:
		c.forget(id)
		return nil, c.brokenErr(req)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.brokenErr(req)
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) brokenErr(req *Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return fmt.Errorf("send %s: %w: %v", req.URL, ErrConnectionBroken, c.readErr)
	}
	return fmt.Errorf("send %s: %w", req.URL, ErrConnectionBroken)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Alive reports whether the response reader is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.dead:
		return false
	default:
		return true
	}
}

// Close tears down the connection. Pending requests fail with
// ErrConnectionBroken.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.dead:
			return
		case req := <-c.queue:
			if _, err := c.conn.Write(EncodeRequest(req)); err != nil {
				c.log.Warn("write request failed", zap.String("path", req.URL), zap.Error(err))
				// Closing the connection stops the reader, which fails every waiter.
				c.conn.Close()
				return
			}
		}
	}
}

// readLoop routes responses to their waiters. The agent sends nothing
// before the first request, so there is no greeting to wait for: ready only
// marks that this goroutine is running and a queued request will have its
// response routed.
func (c *Client) readLoop() {
	br := bufio.NewReader(c.conn)
	close(c.ready)

	var err error
	for {
		var resp *Response
		resp, err = ReadResponse(br)
		if err != nil {
			break
		}
		id := resp.RequestID()
		if id == "" {
			c.log.Warn("response without request id", zap.Stringer("response", resp))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			// The waiter gave up (context) or the id is bogus.
			c.log.Debug("response for unknown request", zap.String("id", id))
			continue
		}
		c.log.Request("RESP", "", id, resp.StatusCode)
		ch <- resp
	}

	c.mu.Lock()
	c.readErr = err
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
	c.mu.Unlock()
	close(c.dead)

	c.log.Debug("reader stopped", zap.Error(err))
}
