package simplehttp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	glog "github.com/zboralski/remotenet/internal/log"
)

// Handler answers one request. It must not retain req after returning.
type Handler interface {
	ServeSimpleHTTP(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// ServeSimpleHTTP calls f.
func (f HandlerFunc) ServeSimpleHTTP(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

// Server accepts connections and dispatches every request on them to
// Handler concurrently. Responses echo the request's requestId header.
type Server struct {
	Handler  Handler
	MaxConns int // 0 means unlimited
	Logger   *glog.Logger
}

// Serve accepts on ln until ctx is cancelled or ln fails. It closes ln and
// waits for in-flight connections before returning. Cancellation is not an
// error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := s.Logger
	if log == nil {
		log = glog.Get()
	}
	log = log.WithCategory("server")

	if s.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.MaxConns)
	}

	// Cancel runs before Wait so open connections are torn down.
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn, log)
		}()
	}
}

// Serve is a shorthand for a Server with no connection limit.
func Serve(ctx context.Context, ln net.Listener, h Handler) error {
	s := &Server{Handler: h}
	return s.Serve(ctx, ln)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, log *glog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.Debug("connection", zap.Stringer("remote", conn.RemoteAddr()))

	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
	)
	defer wg.Wait()

	br := bufio.NewReader(conn)
	for {
		req, err := ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Debug("read request", zap.Error(err))
			}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.dispatch(ctx, req, log)

			writeMu.Lock()
			_, err := conn.Write(EncodeResponse(resp))
			writeMu.Unlock()
			if err != nil {
				log.Debug("write response", zap.Error(err))
				cancel()
			}
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request, log *glog.Logger) *Response {
	resp := s.Handler.ServeSimpleHTTP(ctx, req)
	if resp == nil {
		resp = ResponseFromJSON(http.StatusInternalServerError, `{"error":"handler returned no response","stackTrace":""}`, nil)
	}
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	if id := req.RequestID(); id != "" {
		resp.Headers[RequestIDKey] = id
	}
	log.Request(req.Method, req.URL, req.RequestID(), resp.StatusCode)
	return resp
}
