package omxrpc

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohaomx/internal/omx"
	"github.com/lanikai/alohaomx/internal/shm"
)

// Server exposes the components of a local omx.Client to websocket peers.
// Each connection owns the nodes it allocates; they are freed when the
// connection goes away.
type Server struct {
	Client omx.Client

	upgrader websocket.Upgrader

	// Hijacked connections are invisible to http.Server.Shutdown, so the
	// server keeps track of them itself.
	mu     sync.Mutex
	conns  map[*serverConn]struct{}
	closed bool
}

func NewServer(client omx.Client) *Server {
	return &Server{Client: client}
}

// Close drops every peer connection and refuses new ones. Nodes owned by the
// dropped peers are freed.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for c := range conns {
		c.ws.Close()
	}
	return nil
}

func (s *Server) track(c *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[*serverConn]struct{})
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade: %v", err)
		return
	}
	defer ws.Close()

	c := &serverConn{
		client: s.Client,
		ws:     ws,
		nodes:  make(map[uint64]*serverNode),
	}
	if !s.track(c) {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closed"),
			time.Now().Add(time.Second))
		return
	}
	defer s.untrack(c)
	defer c.freeAll()

	log.Info("Peer %s connected", r.RemoteAddr)
	for {
		var req request
		if err := ws.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("Peer %s disconnected", r.RemoteAddr)
			} else {
				log.Warn("Failed to read request from %s: %v", r.RemoteAddr, err)
			}
			return
		}

		rep := c.handle(&req)
		rep.ID = req.ID
		if err := c.send(rep); err != nil {
			log.Warn("Failed to send reply to %s: %v", r.RemoteAddr, err)
			return
		}
	}
}

type serverConn struct {
	client omx.Client
	ws     *websocket.Conn

	// Replies and notifications are written from different goroutines.
	writeMu sync.Mutex

	mu       sync.Mutex
	nodes    map[uint64]*serverNode
	nextNode uint64
}

// serverNode is a component allocated on behalf of a peer, together with the
// local memory backing each of its buffers.
type serverNode struct {
	id   uint64
	conn *serverConn
	comp omx.Component

	mu      sync.Mutex
	regions map[omx.BufferID]shm.Region
}

func (c *serverConn) send(rep reply) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(rep)
}

func (c *serverConn) node(id uint64) (*serverNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return nil, errors.Errorf("no node %d", id)
	}
	return n, nil
}

func (c *serverConn) handle(req *request) reply {
	var rep reply
	var err error
	switch req.Method {
	case methodListComponents:
		rep.Components, err = c.client.ListComponents()
	case methodAllocateNode:
		rep.Node, err = c.allocateNode(req.Name)
	default:
		var n *serverNode
		if n, err = c.node(req.Node); err == nil {
			err = n.handle(req, &rep)
		}
	}
	if err != nil {
		log.Debug("%s on node %d: %v", req.Method, req.Node, err)
		rep.Error = err.Error()
	}
	return rep
}

func (c *serverConn) allocateNode(name string) (uint64, error) {
	c.mu.Lock()
	c.nextNode++
	n := &serverNode{
		id:      c.nextNode,
		conn:    c,
		regions: make(map[omx.BufferID]shm.Region),
	}
	c.mu.Unlock()

	comp, err := c.client.AllocateNode(name, n)
	if err != nil {
		return 0, err
	}
	n.comp = comp

	c.mu.Lock()
	c.nodes[n.id] = n
	c.mu.Unlock()
	log.Debug("Allocated node %d for %s", n.id, name)
	return n.id, nil
}

func (c *serverConn) freeNode(id uint64) error {
	c.mu.Lock()
	n, ok := c.nodes[id]
	delete(c.nodes, id)
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("no node %d", id)
	}
	return n.free()
}

func (c *serverConn) freeAll() {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = make(map[uint64]*serverNode)
	c.mu.Unlock()

	for _, n := range nodes {
		if err := n.free(); err != nil {
			log.Warn("Failed to free node %d: %v", n.id, err)
		}
	}
}

func (n *serverNode) handle(req *request, rep *reply) error {
	switch req.Method {
	case methodSendCommand:
		return n.comp.SendCommand(req.Command, req.Param)
	case methodGetPortDef:
		def, err := n.comp.GetPortDefinition(req.Port)
		if err != nil {
			return err
		}
		rep.Def = &def
		return nil
	case methodSetPortDef:
		if req.Def == nil {
			return errors.New("missing port definition")
		}
		return n.comp.SetPortDefinition(*req.Def)
	case methodUseBuffer:
		id, err := n.bind(req.Port, req.Size, req.Backup)
		rep.Buffer = id
		return err
	case methodFreeBuffer:
		return n.freeBuffer(req.Port, req.Buffer)
	case methodEmptyBuffer:
		return n.emptyBuffer(req)
	case methodFillBuffer:
		return n.comp.FillBuffer(req.Buffer)
	case methodFreeNode:
		return n.conn.freeNode(n.id)
	}
	return errors.Errorf("unknown method %q", req.Method)
}

func (n *serverNode) bind(port omx.PortIndex, size int, backup bool) (omx.BufferID, error) {
	heap := shm.Heap{Name: fmt.Sprintf("node%d.%v", n.id, port)}
	mem, err := heap.Allocate(size)
	if err != nil {
		return 0, err
	}

	var id omx.BufferID
	if backup {
		id, err = n.comp.AllocateBufferWithBackup(port, mem)
	} else {
		id, err = n.comp.UseBuffer(port, mem)
	}
	if err != nil {
		mem.Free()
		return 0, err
	}

	n.mu.Lock()
	n.regions[id] = mem
	n.mu.Unlock()
	return id, nil
}

func (n *serverNode) freeBuffer(port omx.PortIndex, id omx.BufferID) error {
	if err := n.comp.FreeBuffer(port, id); err != nil {
		return err
	}
	n.mu.Lock()
	mem, ok := n.regions[id]
	delete(n.regions, id)
	n.mu.Unlock()
	if ok {
		return mem.Free()
	}
	return nil
}

func (n *serverNode) emptyBuffer(req *request) error {
	n.mu.Lock()
	mem, ok := n.regions[req.Buffer]
	n.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown buffer %d", req.Buffer)
	}

	b := mem.Bytes()
	end := int(req.Offset) + len(req.Data)
	if end > len(b) {
		return errors.Errorf("%d bytes at %d overflow buffer %d of %d bytes",
			len(req.Data), req.Offset, req.Buffer, len(b))
	}
	copy(b[req.Offset:end], req.Data)
	return n.comp.EmptyBuffer(req.Buffer, req.Offset, uint32(len(req.Data)), req.Flags, req.Timestamp)
}

// OnMessage forwards component messages to the peer. Filled output carries
// its payload along.
func (n *serverNode) OnMessage(msg omx.Message) {
	rep := reply{Node: n.id, Message: &msg}
	if msg.Type == omx.MessageFillBufferDone && msg.RangeLength > 0 {
		n.mu.Lock()
		mem, ok := n.regions[msg.Buffer]
		n.mu.Unlock()
		if ok {
			b := mem.Bytes()
			start, end := int(msg.RangeOffset), int(msg.RangeOffset)+int(msg.RangeLength)
			if end <= len(b) {
				rep.Data = b[start:end]
			} else {
				log.Warn("Node %d: fill range %d+%d exceeds buffer %d", n.id, start, msg.RangeLength, msg.Buffer)
			}
		}
	}
	if err := n.conn.send(rep); err != nil {
		log.Debug("Node %d: dropped %v: %v", n.id, msg, err)
	}
}

func (n *serverNode) free() error {
	err := n.comp.Close()

	n.mu.Lock()
	regions := n.regions
	n.regions = make(map[omx.BufferID]shm.Region)
	n.mu.Unlock()
	for _, mem := range regions {
		mem.Free()
	}
	log.Debug("Freed node %d", n.id)
	return err
}
