package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/g960059/agthub/internal/rpc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 64 << 20
	sendBufferSize = 256
)

var errSendBufferFull = errors.New("send buffer full")

type rpcReply struct {
	data json.RawMessage
	err  error
}

// Conn is one websocket client. It doubles as an rpc.Peer for the
// dispatch keys it registered.
type Conn struct {
	id        string
	namespace string
	ws        *websocket.Conn
	limiter   *rate.Limiter

	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan rpcReply
}

func newConn(ws *websocket.Conn, namespace string, limiter *rate.Limiter) *Conn {
	return &Conn{
		id:        uuid.NewString(),
		namespace: namespace,
		ws:        ws,
		limiter:   limiter,
		send:      make(chan Frame, sendBufferSize),
		done:      make(chan struct{}),
		pending:   map[string]chan rpcReply{},
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Namespace() string {
	return c.namespace
}

// Request sends an rpc-request frame and waits for the matching response.
func (c *Conn) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	reqID := uuid.NewString()
	reply := make(chan rpcReply, 1)
	c.mu.Lock()
	c.pending[reqID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if err := c.enqueue(Frame{Type: FrameRPCRequest, ID: reqID, Event: method, Data: params}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, rpc.ErrPeerClosed
	}
}

func (c *Conn) resolve(f Frame) {
	c.mu.Lock()
	reply, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	r := rpcReply{data: f.Data}
	if f.Error != "" {
		r = rpcReply{err: &rpc.RemoteError{Message: f.Error}}
	}
	select {
	case reply <- r:
	default:
	}
}

// enqueue hands f to the write pump without blocking.
func (c *Conn) enqueue(f Frame) error {
	select {
	case <-c.done:
		return rpc.ErrPeerClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return rpc.ErrPeerClosed
	default:
		return errSendBufferFull
	}
}

func (c *Conn) ack(id string, data any, err error) {
	if id == "" {
		return
	}
	f := Frame{Type: FrameAck, ID: id}
	if err != nil {
		f.Error = err.Error()
	}
	if data != nil {
		raw, mErr := json.Marshal(data)
		if mErr != nil {
			f.Error = fmt.Sprintf("encode ack: %v", mErr)
		} else {
			f.Data = raw
		}
	}
	_ = c.enqueue(f)
}

// push sends a server event, dropping it when the client is too slow.
func (c *Conn) push(ctx context.Context, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "encode socket event"}, log.KV{K: "event", V: event})
		return
	}
	if err := c.enqueue(Frame{Type: FrameEvent, Event: event, Data: raw}); errors.Is(err, errSendBufferFull) {
		log.Debug(ctx, log.KV{K: "msg", V: "socket event dropped"}, log.KV{K: "event", V: event})
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				log.Debug(ctx, log.KV{K: "msg", V: "socket write failed"}, log.KV{K: "err", V: err.Error()})
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump delivers inbound frames to handle until the connection fails.
func (c *Conn) readPump(ctx context.Context, handle func(context.Context, Frame)) {
	defer c.close()
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug(ctx, log.KV{K: "msg", V: "socket read failed"}, log.KV{K: "err", V: err.Error()})
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if f.Type == FrameRPCResponse {
			c.resolve(f)
			continue
		}
		if !c.limiter.Allow() {
			c.ack(f.ID, nil, errors.New("rate limited"))
			continue
		}
		handle(ctx, f)
	}
}
