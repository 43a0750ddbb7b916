// Package wshost provides a persistent, auto-reconnecting WebSocket
// implementation of hostapi.Bus and hostapi.Reader: a connMu/writeMu
// guarded *websocket.Conn, sync.Map request correlation for
// request/response calls, and direct dispatch of unsolicited push frames
// to a Handler.
package wshost

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whisper-darkly/ingeststates/internal/hostapi"
	"github.com/whisper-darkly/ingeststates/internal/model"
)

// Handler receives pushed events from the host. OnConnected fires after
// every (re)connect so the caller can resubscribe to whatever it was
// watching before the drop.
type Handler struct {
	OnStateChange  func(id string, state model.State)
	OnObjectChange func(id string, obj map[string]any)
	OnConnected    func()
}

// envelope is the superset of every frame exchanged with the host, in
// either direction.
type envelope struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	ObjID  string          `json:"objId,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Rows   json.RawMessage `json:"rows,omitempty"`
	Object json.RawMessage `json:"object,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
	Ack    bool            `json:"ack,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type pending struct {
	ch chan envelope
}

// Client is a persistent WebSocket client implementing hostapi.Bus and
// hostapi.Reader.
type Client struct {
	url     string
	handler Handler
	logger  *log.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	pending sync.Map // request id -> *pending

	idSeq          atomic.Int64
	reconnectDelay time.Duration
	requestTimeout time.Duration
}

var (
	_ hostapi.Bus    = (*Client)(nil)
	_ hostapi.Reader = (*Client)(nil)
)

// New creates a Client targeting the given WebSocket URL. Call Run in a
// dedicated goroutine to connect and keep reconnecting until ctx is done.
func New(url string, h Handler, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		url:            url,
		handler:        h,
		logger:         logger,
		reconnectDelay: 5 * time.Second,
		requestTimeout: 10 * time.Second,
	}
}

// Run connects and reconnects until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connect(ctx); err != nil && ctx.Err() == nil {
			c.logger.Printf("wshost: %v — retrying in %s", err, c.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Printf("wshost: connected to %s", c.url)
	if c.handler.OnConnected != nil {
		go c.handler.OnConnected()
	}

	defer func() {
		conn.Close()
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()

		c.pending.Range(func(k, v any) bool {
			v.(*pending).ch <- envelope{Error: "wshost: connection lost"}
			c.pending.Delete(k)
			return true
		})
		c.logger.Printf("wshost: disconnected from %s", c.url)
	}()

	for {
		if ctx.Err() != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Printf("wshost: bad message: %v", err)
		return
	}

	switch env.Type {
	case "stateChanged":
		var st model.State
		if len(env.State) > 0 {
			if err := json.Unmarshal(env.State, &st); err != nil {
				c.logger.Printf("wshost: bad state push for %s: %v", env.ObjID, err)
				return
			}
		}
		if c.handler.OnStateChange != nil {
			c.handler.OnStateChange(env.ObjID, st)
		}
		return

	case "objectChanged":
		var obj map[string]any
		if len(env.Object) > 0 {
			if err := json.Unmarshal(env.Object, &obj); err != nil {
				c.logger.Printf("wshost: bad object push for %s: %v", env.ObjID, err)
				return
			}
		}
		if c.handler.OnObjectChange != nil {
			c.handler.OnObjectChange(env.ObjID, obj)
		}
		return
	}

	if env.ID == "" {
		return
	}
	if p, ok := c.pending.LoadAndDelete(env.ID); ok {
		p.(*pending).ch <- env
	}
}

func (c *Client) send(env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("wshost: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) nextID() string {
	return fmt.Sprintf("r%d", c.idSeq.Add(1))
}

func (c *Client) request(ctx context.Context, env envelope) (envelope, error) {
	id := c.nextID()
	env.ID = id
	p := &pending{ch: make(chan envelope, 1)}
	c.pending.Store(id, p)

	if err := c.send(env); err != nil {
		c.pending.Delete(id)
		return envelope{}, err
	}

	select {
	case resp := <-p.ch:
		if resp.Error != "" {
			return envelope{}, fmt.Errorf("wshost: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.pending.Delete(id)
		return envelope{}, ctx.Err()
	case <-time.After(c.requestTimeout):
		c.pending.Delete(id)
		return envelope{}, fmt.Errorf("wshost: timeout waiting for %s", env.Type)
	}
}

// ---- hostapi.Bus ----

func (c *Client) SubscribeForeignStates(ctx context.Context, id string) error {
	return c.send(envelope{Type: "subscribeStates", ID: c.nextID(), ObjID: id})
}

func (c *Client) UnsubscribeForeignStates(ctx context.Context, id string) error {
	return c.send(envelope{Type: "unsubscribeStates", ID: c.nextID(), ObjID: id})
}

func (c *Client) SubscribeForeignObjects(ctx context.Context, id string) error {
	return c.send(envelope{Type: "subscribeObjects", ID: c.nextID(), ObjID: id})
}

func (c *Client) UnsubscribeForeignObjects(ctx context.Context, id string) error {
	return c.send(envelope{Type: "unsubscribeObjects", ID: c.nextID(), ObjID: id})
}

// ---- hostapi.Reader ----

func (c *Client) GetObjectView(ctx context.Context) ([]hostapi.ObjectRow, error) {
	resp, err := c.request(ctx, envelope{Type: "getObjectView"})
	if err != nil {
		return nil, err
	}
	var rows []hostapi.ObjectRow
	if len(resp.Rows) > 0 {
		if err := json.Unmarshal(resp.Rows, &rows); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (c *Client) GetForeignObject(ctx context.Context, id string) (map[string]any, error) {
	resp, err := c.request(ctx, envelope{Type: "getForeignObject", ObjID: id})
	if err != nil {
		return nil, err
	}
	if len(resp.Object) == 0 {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(resp.Object, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (c *Client) GetForeignState(ctx context.Context, id string) (*model.State, error) {
	resp, err := c.request(ctx, envelope{Type: "getForeignState", ObjID: id})
	if err != nil {
		return nil, err
	}
	if len(resp.State) == 0 {
		return nil, nil
	}
	var st model.State
	if err := json.Unmarshal(resp.State, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) SetForeignState(ctx context.Context, id string, val any, ack bool) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, envelope{Type: "setForeignState", ObjID: id, Value: b, Ack: ack})
	return err
}
