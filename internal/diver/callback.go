package diver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/zboralski/remotenet/internal/dumps"
	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/protocol/simplehttp"
)

// CallbackClient is the agent end of the callback channel. It keeps one
// connection per controller listener.
type CallbackClient struct {
	Logger *glog.Logger

	mu      sync.Mutex
	clients map[string]*simplehttp.Client
}

func (c *CallbackClient) client(ctx context.Context, addr string) (*simplehttp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[addr]; ok && cl.Alive() {
		return cl, nil
	}
	cl, err := simplehttp.Dial(ctx, addr, simplehttp.ClientConfig{Logger: c.Logger})
	if err != nil {
		return nil, err
	}
	if c.clients == nil {
		c.clients = make(map[string]*simplehttp.Client)
	}
	c.clients[addr] = cl
	return cl, nil
}

// Invoke delivers one hook firing to the listener at ip:port and returns
// whether the original method should run.
func (c *CallbackClient) Invoke(ctx context.Context, ip string, port int, call dumps.CallbackInvocationRequest) (bool, error) {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	cl, err := c.client(ctx, addr)
	if err != nil {
		return true, fmt.Errorf("callback %s: %w", addr, err)
	}
	body, err := json.Marshal(call)
	if err != nil {
		return true, fmt.Errorf("encode callback: %w", err)
	}
	resp, err := cl.Send(ctx, simplehttp.RequestFromJSON(PathCallback, nil, string(body)))
	if err != nil {
		return true, fmt.Errorf("callback %s: %w", addr, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return true, parseRemoteError(PathCallback, resp)
	}
	var res dumps.InvocationResults
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return true, fmt.Errorf("decode callback answer: %w", err)
	}
	return DecodeCallOriginal(&res), nil
}

// Close drops every connection.
func (c *CallbackClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, cl := range c.clients {
		cl.Close()
		delete(c.clients, addr)
	}
	return nil
}
