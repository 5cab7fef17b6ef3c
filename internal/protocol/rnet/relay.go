package rnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/zboralski/remotenet/internal/dumps"
	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/protocol/simplehttp"
)

// IntroPath is answered by the relay itself and never forwarded.
const IntroPath = "/proxy_intro"

// statusKey carries the diver's status code in a response frame's query.
const statusKey = "status"

// Sender forwards one request to a diver. *simplehttp.Client implements it.
type Sender interface {
	Send(ctx context.Context, req *simplehttp.Request) (*simplehttp.Response, error)
}

// Relay accepts rNET tunnel connections and forwards every frame to a diver
// over the simple HTTP protocol. Answers go back as frames carrying the same
// RequestId, possibly out of order.
type Relay struct {
	Diver    Sender
	MaxConns int
	Logger   *glog.Logger
}

// Serve accepts tunnels on ln until ctx is cancelled.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	log := r.Logger
	if log == nil {
		log = glog.Get()
	}
	log = log.WithCategory("relay")

	if r.MaxConns > 0 {
		ln = netutil.LimitListener(ln, r.MaxConns)
	}

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
			session := uuid.NewString()
			r.serveTunnel(ctx, conn, log.Logger.With(zap.String("session", session)))
		}()
	}
}

func (r *Relay) serveTunnel(ctx context.Context, conn net.Conn, log *zap.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	log.Debug("tunnel open", zap.Stringer("remote", conn.RemoteAddr()))

	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
	)
	defer wg.Wait()

	for {
		msg, err := ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), ctx.Err() != nil:
				log.Debug("tunnel closed")
			default:
				log.Warn("tunnel rejected", zap.Error(err))
			}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			out := r.forward(ctx, msg, log)

			writeMu.Lock()
			err := WriteFrame(conn, out)
			writeMu.Unlock()
			if err != nil {
				log.Debug("write frame", zap.Error(err))
				cancel()
			}
		}()
	}
}

func (r *Relay) forward(ctx context.Context, msg *OverTheWireRequest, log *zap.Logger) *OverTheWireRequest {
	out := &OverTheWireRequest{
		RequestId:       msg.RequestId,
		UrlAbsolutePath: msg.UrlAbsolutePath,
	}
	if msg.UrlAbsolutePath == IntroPath {
		out.QueryString = map[string]string{statusKey: strconv.Itoa(http.StatusOK)}
		out.Body = `{"status":"OK"}`
		return out
	}

	query := url.Values{}
	for k, v := range msg.QueryString {
		query.Set(k, v)
	}
	resp, err := r.Diver.Send(ctx, simplehttp.RequestFromJSON(msg.UrlAbsolutePath, query, msg.Body))
	if err != nil {
		log.Warn("forward failed", zap.String("path", msg.UrlAbsolutePath), zap.Error(err))
		body, _ := json.Marshal(dumps.DiverError{Error: err.Error()})
		out.QueryString = map[string]string{statusKey: strconv.Itoa(http.StatusBadGateway)}
		out.Body = string(body)
		return out
	}
	out.QueryString = map[string]string{statusKey: strconv.Itoa(resp.StatusCode)}
	out.Body = string(resp.Body)
	return out
}
