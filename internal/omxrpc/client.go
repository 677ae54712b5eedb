package omxrpc

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohaomx/internal/omx"
	"github.com/lanikai/alohaomx/internal/shm"
)

// DefaultCallTimeout bounds each request to the server.
const DefaultCallTimeout = 5 * time.Second

// The client pings the server every pingPeriod. A connection that stays
// silent for pongWait is considered dead.
const (
	pongWait   = 30 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var ErrClosed = errors.New("omxrpc: connection closed")

// Client is an omx.Client whose components live behind a websocket.
type Client struct {
	// Timeout bounds each call. Zero means DefaultCallTimeout.
	Timeout time.Duration

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan reply
	nodes   map[uint64]*remoteNode
	err     error
	done    chan struct{}

	// Notifications are handed to observers from their own goroutine, so an
	// observer may issue calls without stalling the reader.
	deliverMu   sync.Mutex
	deliverCond *sync.Cond
	deliveries  []reply
}

// Dial connects to the server at url, e.g. "ws://host:8000/omx".
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Errorf("omxrpc: dial %s: %w", url, err)
	}

	c := &Client{
		ws:      ws,
		pending: make(map[uint64]chan reply),
		nodes:   make(map[uint64]*remoteNode),
		done:    make(chan struct{}),
	}
	c.deliverCond = sync.NewCond(&c.deliverMu)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readLoop()
	go c.deliverLoop()
	go c.pingLoop()
	log.Debug("Connected to %s", url)
	return c, nil
}

// Close drops the connection. The server frees every node allocated through
// this client.
func (c *Client) Close() error {
	err := c.ws.Close()
	c.shutdown(ErrClosed)
	return err
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	close(c.done)
	c.mu.Unlock()

	c.deliverMu.Lock()
	c.deliverCond.Broadcast()
	c.deliverMu.Unlock()
}

func (c *Client) readLoop() {
	for {
		var rep reply
		if err := c.ws.ReadJSON(&rep); err != nil {
			c.mu.Lock()
			closed := c.err != nil
			c.mu.Unlock()
			if !closed {
				log.Warn("Connection lost: %v", err)
			}
			c.shutdown(errors.Errorf("omxrpc: connection lost: %w", err))
			return
		}

		if rep.ID == 0 {
			if rep.Message == nil {
				log.Warn("Notification without message for node %d", rep.Node)
				continue
			}
			c.deliverMu.Lock()
			c.deliveries = append(c.deliveries, rep)
			c.deliverCond.Broadcast()
			c.deliverMu.Unlock()
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[rep.ID]
		delete(c.pending, rep.ID)
		c.mu.Unlock()
		if !ok {
			log.Debug("Late reply %d", rep.ID)
			continue
		}
		ch <- rep
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingPeriod)); err != nil {
				log.Debug("Ping failed: %v", err)
				c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) deliverLoop() {
	for {
		c.deliverMu.Lock()
		for len(c.deliveries) == 0 {
			select {
			case <-c.done:
				c.deliverMu.Unlock()
				return
			default:
			}
			c.deliverCond.Wait()
		}
		rep := c.deliveries[0]
		c.deliveries[0] = reply{}
		c.deliveries = c.deliveries[1:]
		c.deliverMu.Unlock()

		c.mu.Lock()
		n := c.nodes[rep.Node]
		c.mu.Unlock()
		if n == nil {
			log.Debug("Dropped %v for unknown node %d", *rep.Message, rep.Node)
			continue
		}
		n.deliver(*rep.Message, rep.Data)
	}
}

func (c *Client) call(req request) (reply, error) {
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return reply{}, err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	err := c.ws.WriteJSON(&req)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return reply{}, errors.Errorf("omxrpc: %s: %w", req.Method, err)
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rep := <-ch:
		if rep.Error != "" {
			return rep, errors.Errorf("omxrpc: %s: %s", req.Method, rep.Error)
		}
		return rep, nil
	case <-timer.C:
		forget()
		return reply{}, errors.Errorf("omxrpc: %s: no reply after %v", req.Method, timeout)
	case <-c.done:
		forget()
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return reply{}, errors.Errorf("omxrpc: %s: %w", req.Method, err)
	}
}

func (c *Client) ListComponents() ([]omx.ComponentInfo, error) {
	rep, err := c.call(request{Method: methodListComponents})
	if err != nil {
		return nil, err
	}
	return rep.Components, nil
}

func (c *Client) AllocateNode(name string, observer omx.Observer) (omx.Component, error) {
	rep, err := c.call(request{Method: methodAllocateNode, Name: name})
	if err != nil {
		return nil, err
	}
	n := &remoteNode{
		c:        c,
		id:       rep.Node,
		name:     name,
		observer: observer,
		regions:  make(map[omx.BufferID]shm.Region),
	}
	c.mu.Lock()
	c.nodes[n.id] = n
	c.mu.Unlock()
	return n, nil
}

// remoteNode mirrors a server-side node. Buffer regions stay local; their
// contents are shipped with each exchange.
type remoteNode struct {
	c        *Client
	id       uint64
	name     string
	observer omx.Observer

	mu      sync.Mutex
	regions map[omx.BufferID]shm.Region

	// Held while the observer runs, so that Close waits out a delivery.
	deliverMu sync.Mutex
	closed    bool
}

func (n *remoteNode) Name() string {
	return n.name
}

func (n *remoteNode) call(req request) (reply, error) {
	req.Node = n.id
	return n.c.call(req)
}

func (n *remoteNode) SendCommand(cmd omx.CommandType, param uint32) error {
	_, err := n.call(request{Method: methodSendCommand, Command: cmd, Param: param})
	return err
}

func (n *remoteNode) GetPortDefinition(port omx.PortIndex) (omx.PortDefinition, error) {
	rep, err := n.call(request{Method: methodGetPortDef, Port: port})
	if err != nil {
		return omx.PortDefinition{}, err
	}
	if rep.Def == nil {
		return omx.PortDefinition{}, errors.Errorf("omxrpc: no definition for %v port", port)
	}
	return *rep.Def, nil
}

func (n *remoteNode) SetPortDefinition(def omx.PortDefinition) error {
	_, err := n.call(request{Method: methodSetPortDef, Def: &def})
	return err
}

func (n *remoteNode) bind(port omx.PortIndex, mem shm.Region, backup bool) (omx.BufferID, error) {
	rep, err := n.call(request{
		Method: methodUseBuffer,
		Port:   port,
		Size:   len(mem.Bytes()),
		Backup: backup,
	})
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.regions[rep.Buffer] = mem
	n.mu.Unlock()
	return rep.Buffer, nil
}

func (n *remoteNode) UseBuffer(port omx.PortIndex, mem shm.Region) (omx.BufferID, error) {
	return n.bind(port, mem, false)
}

func (n *remoteNode) AllocateBufferWithBackup(port omx.PortIndex, mem shm.Region) (omx.BufferID, error) {
	return n.bind(port, mem, true)
}

func (n *remoteNode) FreeBuffer(port omx.PortIndex, id omx.BufferID) error {
	if _, err := n.call(request{Method: methodFreeBuffer, Port: port, Buffer: id}); err != nil {
		return err
	}
	n.mu.Lock()
	delete(n.regions, id)
	n.mu.Unlock()
	return nil
}

func (n *remoteNode) EmptyBuffer(id omx.BufferID, offset, length, flags uint32, timestamp int64) error {
	n.mu.Lock()
	mem, ok := n.regions[id]
	n.mu.Unlock()
	if !ok {
		return errors.Errorf("omxrpc: unknown buffer %d", id)
	}
	b := mem.Bytes()
	if int(offset)+int(length) > len(b) {
		return errors.Errorf("omxrpc: range %d+%d exceeds buffer %d", offset, length, id)
	}
	_, err := n.call(request{
		Method:    methodEmptyBuffer,
		Buffer:    id,
		Offset:    offset,
		Flags:     flags,
		Timestamp: timestamp,
		Data:      b[offset : offset+length],
	})
	return err
}

func (n *remoteNode) FillBuffer(id omx.BufferID) error {
	_, err := n.call(request{Method: methodFillBuffer, Buffer: id})
	return err
}

func (n *remoteNode) Close() error {
	n.deliverMu.Lock()
	n.closed = true
	n.deliverMu.Unlock()

	n.c.mu.Lock()
	delete(n.c.nodes, n.id)
	n.c.mu.Unlock()

	_, err := n.call(request{Method: methodFreeNode})
	return err
}

// deliver copies filled output into the local region before the observer
// sees it.
func (n *remoteNode) deliver(msg omx.Message, data []byte) {
	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()
	if n.closed {
		return
	}

	if msg.Type == omx.MessageFillBufferDone && len(data) > 0 {
		n.mu.Lock()
		mem, ok := n.regions[msg.Buffer]
		n.mu.Unlock()
		if !ok {
			log.Warn("Node %d: output for unknown buffer %d", n.id, msg.Buffer)
			return
		}
		b := mem.Bytes()
		if int(msg.RangeOffset)+len(data) > len(b) {
			log.Warn("Node %d: %d bytes overflow buffer %d", n.id, len(data), msg.Buffer)
			return
		}
		copy(b[msg.RangeOffset:], data)
	}
	n.observer.OnMessage(msg)
}
