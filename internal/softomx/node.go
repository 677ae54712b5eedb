package softomx

import (
	"fmt"
	"sync"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohaomx/internal/omx"
	"github.com/lanikai/alohaomx/internal/shm"
)

// Submission records one input buffer as the component received it.
type Submission struct {
	Data      []byte
	Flags     uint32
	Timestamp int64
}

type buffer struct {
	id   omx.BufferID
	port omx.PortIndex
	mem  shm.Region

	// Component-side memory for AllocateBufferWithBackup; data is copied
	// through mem on every exchange.
	backup []byte

	// Input metadata, valid while the component holds the buffer.
	offset, length, flags uint32
	timestamp            int64
}

func (b *buffer) data() []byte {
	if b.backup != nil {
		return b.backup
	}
	return b.mem.Bytes()
}

type port struct {
	def omx.PortDefinition

	bound []omx.BufferID
	held  []omx.BufferID // owned by the component, in arrival order

	disabling bool
	enabling  bool
}

func (p *port) populated() bool {
	return len(p.bound) >= p.def.BufferCountActual
}

func removeID(ids []omx.BufferID, id omx.BufferID) ([]omx.BufferID, bool) {
	for i, other := range ids {
		if other == id {
			return append(ids[:i:i], ids[i+1:]...), true
		}
	}
	return ids, false
}

// Node is one instantiated soft component. Commands and buffers are handled
// on the node's own goroutine, which is also where the observer is called.
type Node struct {
	spec     Spec
	observer omx.Observer

	mu     sync.Mutex
	cond   *sync.Cond
	ops    []func() []omx.Message
	closed bool
	done   chan struct{}

	state   omx.State
	pending omx.State // requested state, or the current one

	ports   [2]*port
	buffers map[omx.BufferID]*buffer
	nextID  omx.BufferID

	// Access units processed, for failure injection.
	processed int
	changed   bool

	// Output is held back until the host has reconfigured the port.
	settingsPending bool

	submissions []Submission
	onClose     func(*Node)
}

func newNode(spec Spec, observer omx.Observer) *Node {
	n := &Node{
		spec:     spec,
		observer: observer,
		done:     make(chan struct{}),
		state:    omx.StateLoaded,
		pending:  omx.StateLoaded,
		buffers:  make(map[omx.BufferID]*buffer),
		nextID:   1,
	}
	n.cond = sync.NewCond(&n.mu)
	n.ports[omx.PortInput] = &port{def: omx.PortDefinition{
		Port:              omx.PortInput,
		Enabled:           true,
		BufferCountActual: spec.Input.Count,
		BufferCountMin:    spec.Input.Min,
		BufferSize:        spec.Input.Size,
	}}
	n.ports[omx.PortOutput] = &port{def: omx.PortDefinition{
		Port:              omx.PortOutput,
		Enabled:           true,
		BufferCountActual: spec.Output.Count,
		BufferCountMin:    spec.Output.Min,
		BufferSize:        spec.Output.Size,
	}}
	go n.run()
	log.Debug("%s: allocated", spec.Name)
	return n
}

func (n *Node) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for len(n.ops) == 0 && !n.closed {
			n.cond.Wait()
		}
		if n.closed {
			n.mu.Unlock()
			return
		}
		op := n.ops[0]
		n.ops[0] = nil
		n.ops = n.ops[1:]
		msgs := op()
		n.mu.Unlock()

		for _, msg := range msgs {
			n.observer.OnMessage(msg)
		}
	}
}

// enqueueLocked schedules op on the node goroutine.
func (n *Node) enqueueLocked(op func() []omx.Message) {
	n.ops = append(n.ops, op)
	n.cond.Signal()
}

func (n *Node) Name() string {
	return n.spec.Name
}

// Submissions returns every input buffer the node has received, in order.
// Only nodes whose spec sets Record keep them.
func (n *Node) Submissions() []Submission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Submission(nil), n.submissions...)
}

// Held returns how many buffers of a port the node currently owns.
func (n *Node) Held(p omx.PortIndex) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ports[p].held)
}

// Bound returns how many buffers are bound to a port.
func (n *Node) Bound(p omx.PortIndex) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ports[p].bound)
}

func (n *Node) port(p omx.PortIndex) (*port, error) {
	if p != omx.PortInput && p != omx.PortOutput {
		return nil, errors.Errorf("softomx: %s has no %v port", n.spec.Name, p)
	}
	return n.ports[p], nil
}

func (n *Node) SendCommand(cmd omx.CommandType, param uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.Errorf("softomx: %s is closed", n.spec.Name)
	}

	// Ordering checks happen at submission time, where the host's ordering
	// is unambiguous.
	var violation string
	if n.spec.Quirks.RequiresLoadedToIdleAfterAllocation {
		switch {
		case cmd == omx.CommandStateSet && omx.State(param) == omx.StateIdle && n.state == omx.StateLoaded:
			if !n.ports[omx.PortInput].populated() || !n.ports[omx.PortOutput].populated() {
				violation = "Idle requested before buffers were allocated"
			}
		case cmd == omx.CommandPortEnable && omx.PortIndex(param) == omx.PortOutput:
			if !n.ports[omx.PortOutput].populated() {
				violation = "port enabled before buffers were allocated"
			}
		}
	}

	n.enqueueLocked(func() []omx.Message {
		if violation != "" {
			return n.fail(omx.ErrorCodeIncorrectStateOp, violation)
		}
		if n.spec.Stall != nil && n.spec.Stall(n.state, cmd, param) {
			log.Debug("%s: stalling %v(%d)", n.spec.Name, cmd, param)
			return nil
		}
		return n.command(cmd, param)
	})
	return nil
}

func (n *Node) fail(code uint32, reason string) []omx.Message {
	log.Warn("%s: %s", n.spec.Name, reason)
	return []omx.Message{{Type: omx.MessageEvent, Event: omx.EventError, Data1: code}}
}

func cmdComplete(cmd omx.CommandType, data uint32) omx.Message {
	return omx.Message{Type: omx.MessageEvent, Event: omx.EventCmdComplete, Data1: uint32(cmd), Data2: data}
}

func (n *Node) command(cmd omx.CommandType, param uint32) []omx.Message {
	switch cmd {
	case omx.CommandStateSet:
		return n.setState(omx.State(param))

	case omx.CommandFlush:
		p := omx.PortIndex(param)
		if p == omx.PortAll {
			if n.spec.Quirks.DoesntProperlyFlushAllPortsAtOnce {
				return n.fail(omx.ErrorCodeUnsupportedSetting, "flush of all ports at once")
			}
			msgs := n.returnHeld(omx.PortInput)
			msgs = append(msgs, n.returnHeld(omx.PortOutput)...)
			msgs = append(msgs, cmdComplete(cmd, uint32(omx.PortInput)), cmdComplete(cmd, uint32(omx.PortOutput)))
			return msgs
		}
		if _, err := n.port(p); err != nil {
			return n.fail(omx.ErrorCodeBadParameter, err.Error())
		}
		return append(n.returnHeld(p), cmdComplete(cmd, param))

	case omx.CommandPortDisable:
		pt, err := n.port(omx.PortIndex(param))
		if err != nil {
			return n.fail(omx.ErrorCodeBadParameter, err.Error())
		}
		pt.def.Enabled = false
		pt.disabling = true
		var msgs []omx.Message
		if !n.spec.Quirks.DoesntReturnBuffersOnDisable {
			msgs = n.returnHeld(omx.PortIndex(param))
		}
		return append(msgs, n.check()...)

	case omx.CommandPortEnable:
		pt, err := n.port(omx.PortIndex(param))
		if err != nil {
			return n.fail(omx.ErrorCodeBadParameter, err.Error())
		}
		pt.enabling = true
		return n.check()
	}
	return n.fail(omx.ErrorCodeNotImplemented, fmt.Sprintf("command %v", cmd))
}

func (n *Node) setState(to omx.State) []omx.Message {
	from := n.state
	switch {
	case from == omx.StateLoaded && to == omx.StateIdle:
		n.pending = to
		return n.check()

	case from == omx.StateIdle && to == omx.StateExecuting:
		n.state, n.pending = to, to
		return append([]omx.Message{cmdComplete(omx.CommandStateSet, uint32(to))}, n.process()...)

	case from == omx.StateExecuting && to == omx.StateIdle:
		var msgs []omx.Message
		if n.spec.Quirks.DoesntFlushOnExecutingToIdle {
			if held := len(n.ports[omx.PortInput].held) + len(n.ports[omx.PortOutput].held); held > 0 {
				msgs = n.fail(omx.ErrorCodeIncorrectStateOp, fmt.Sprintf("%d buffers still held at Executing→Idle", held))
			}
		} else {
			msgs = append(n.returnHeld(omx.PortInput), n.returnHeld(omx.PortOutput)...)
		}
		n.state, n.pending = to, to
		return append(msgs, cmdComplete(omx.CommandStateSet, uint32(to)))

	case from == omx.StateIdle && to == omx.StateLoaded:
		n.pending = to
		return n.check()
	}
	return n.fail(omx.ErrorCodeIncorrectStateOp, fmt.Sprintf("no transition %v→%v", from, to))
}

// check completes whatever pending transition is now satisfied.
func (n *Node) check() []omx.Message {
	var msgs []omx.Message
	in, out := n.ports[omx.PortInput], n.ports[omx.PortOutput]

	switch {
	case n.state == omx.StateLoaded && n.pending == omx.StateIdle:
		if in.populated() && out.populated() {
			n.state = omx.StateIdle
			msgs = append(msgs, cmdComplete(omx.CommandStateSet, uint32(omx.StateIdle)))
		}
	case n.state == omx.StateIdle && n.pending == omx.StateLoaded:
		if len(n.buffers) == 0 {
			n.state = omx.StateLoaded
			msgs = append(msgs, cmdComplete(omx.CommandStateSet, uint32(omx.StateLoaded)))
		}
	}

	for i, pt := range n.ports {
		if pt.disabling && len(pt.bound) == 0 {
			pt.disabling = false
			msgs = append(msgs, cmdComplete(omx.CommandPortDisable, uint32(i)))
		}
		if pt.enabling && !pt.disabling && pt.populated() {
			pt.enabling = false
			pt.def.Enabled = true
			n.settingsPending = false
			msgs = append(msgs, cmdComplete(omx.CommandPortEnable, uint32(i)))
			msgs = append(msgs, n.process()...)
		}
	}
	return msgs
}

// returnHeld gives back every buffer of a port the component owns.
func (n *Node) returnHeld(p omx.PortIndex) []omx.Message {
	pt := n.ports[p]
	msgs := make([]omx.Message, 0, len(pt.held))
	for _, id := range pt.held {
		if p == omx.PortInput {
			msgs = append(msgs, omx.Message{Type: omx.MessageEmptyBufferDone, Buffer: id})
		} else {
			msgs = append(msgs, omx.Message{Type: omx.MessageFillBufferDone, Buffer: id})
		}
	}
	pt.held = nil
	return msgs
}

// process copies held input buffers to held output buffers while both are
// available.
func (n *Node) process() []omx.Message {
	var msgs []omx.Message
	in, out := n.ports[omx.PortInput], n.ports[omx.PortOutput]
	for n.state == omx.StateExecuting && !n.settingsPending && out.def.Enabled &&
		len(in.held) > 0 && len(out.held) > 0 {
		ib, ob := n.buffers[in.held[0]], n.buffers[out.held[0]]
		in.held, out.held = in.held[1:], out.held[1:]

		src := ib.data()[ib.offset : ib.offset+ib.length]
		dst := ob.data()
		if len(src) > len(dst) {
			msgs = append(msgs, n.fail(omx.ErrorCodeBadParameter,
				fmt.Sprintf("%d-byte input does not fit %d-byte output", len(src), len(dst)))...)
			src = src[:len(dst)]
		}
		length := copy(dst, src)
		if ob.backup != nil {
			copy(ob.mem.Bytes(), ob.backup[:length])
		}

		msgs = append(msgs,
			omx.Message{Type: omx.MessageEmptyBufferDone, Buffer: ib.id},
			omx.Message{
				Type:        omx.MessageFillBufferDone,
				Buffer:      ob.id,
				RangeLength: uint32(length),
				Flags:       ib.flags,
				Timestamp:   ib.timestamp,
			})

		if length == 0 || ib.flags&omx.BufferFlagCodecConfig != 0 {
			continue
		}
		n.processed++
		if n.spec.ErrorAfter > 0 && n.processed == n.spec.ErrorAfter {
			msgs = append(msgs, n.fail(omx.ErrorCodeUndefined, "injected error")...)
		}
		if n.spec.ChangeOutputAfter > 0 && n.processed == n.spec.ChangeOutputAfter && !n.changed {
			n.changed = true
			n.changeOutputSettings()
			msgs = append(msgs, omx.Message{Type: omx.MessageEvent, Event: omx.EventPortSettingsChanged, Data1: uint32(omx.PortOutput)})
			break
		}
	}
	return msgs
}

func (n *Node) changeOutputSettings() {
	def := &n.ports[omx.PortOutput].def
	w, h := n.spec.ChangedWidth, n.spec.ChangedHeight
	if w == 0 || h == 0 {
		w, h = def.Video.Width*2, def.Video.Height*2
	}
	def.Video.Width, def.Video.Height = w, h
	def.Video.Stride, def.Video.SliceHeight = w, h
	if size := w * h * 3 / 2; size > def.BufferSize {
		def.BufferSize = size
	}
	n.settingsPending = true
	log.Info("%s: output changed to %dx%d", n.spec.Name, w, h)
}

func (n *Node) GetPortDefinition(p omx.PortIndex) (omx.PortDefinition, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pt, err := n.port(p)
	if err != nil {
		return omx.PortDefinition{}, err
	}
	return pt.def, nil
}

func (n *Node) SetPortDefinition(def omx.PortDefinition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	pt, err := n.port(def.Port)
	if err != nil {
		return err
	}
	if def.BufferCountActual < pt.def.BufferCountMin {
		return errors.Errorf("softomx: %v port needs at least %d buffers, got %d",
			def.Port, pt.def.BufferCountMin, def.BufferCountActual)
	}

	def.BufferCountMin = pt.def.BufferCountMin
	def.Enabled = pt.def.Enabled
	if def.BufferSize < pt.def.BufferSize {
		def.BufferSize = pt.def.BufferSize
	}
	if def.Domain == omx.DomainVideo && def.Video.Color != omx.ColorFormatUnused {
		if size := def.Video.Width * def.Video.Height * 3 / 2; size > def.BufferSize {
			def.BufferSize = size
		}
	}
	pt.def = def
	return nil
}

func (n *Node) bind(p omx.PortIndex, mem shm.Region, backup bool) (omx.BufferID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pt, err := n.port(p)
	if err != nil {
		return 0, err
	}
	if n.closed {
		return 0, errors.Errorf("softomx: %s is closed", n.spec.Name)
	}
	if (p == omx.PortInput && n.spec.RejectInputBuffers) || (p == omx.PortOutput && n.spec.RejectOutputBuffers) {
		return 0, errors.Errorf("softomx: %s rejects %v buffers", n.spec.Name, p)
	}
	if n.state != omx.StateLoaded && pt.def.Enabled {
		return 0, errors.Errorf("softomx: %v buffer bound in %v with the port enabled", p, n.state)
	}
	if len(mem.Bytes()) < pt.def.BufferSize {
		return 0, errors.Errorf("softomx: %v buffer of %d bytes, need %d", p, len(mem.Bytes()), pt.def.BufferSize)
	}

	b := &buffer{id: n.nextID, port: p, mem: mem}
	if backup {
		b.backup = make([]byte, len(mem.Bytes()))
	}
	n.nextID++
	n.buffers[b.id] = b
	pt.bound = append(pt.bound, b.id)
	n.enqueueLocked(n.check)
	return b.id, nil
}

func (n *Node) UseBuffer(p omx.PortIndex, mem shm.Region) (omx.BufferID, error) {
	if (p == omx.PortInput && n.spec.Quirks.RequiresAllocateBufferOnInputPorts) ||
		(p == omx.PortOutput && n.spec.Quirks.RequiresAllocateBufferOnOutputPorts) {
		return 0, errors.Errorf("softomx: %s must allocate its own %v buffers", n.spec.Name, p)
	}
	return n.bind(p, mem, false)
}

func (n *Node) AllocateBufferWithBackup(p omx.PortIndex, mem shm.Region) (omx.BufferID, error) {
	return n.bind(p, mem, true)
}

func (n *Node) FreeBuffer(p omx.PortIndex, id omx.BufferID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.buffers[id]
	if !ok || b.port != p {
		return errors.Errorf("softomx: free of unknown %v buffer %d", p, id)
	}
	pt := n.ports[p]
	if n.state == omx.StateExecuting && pt.def.Enabled {
		log.Warn("%s: %v buffer %d freed while the port is in use", n.spec.Name, p, id)
	}
	delete(n.buffers, id)
	pt.bound, _ = removeID(pt.bound, id)
	pt.held, _ = removeID(pt.held, id)
	n.enqueueLocked(n.check)
	return nil
}

// take moves a buffer into the component's ownership.
func (n *Node) take(p omx.PortIndex, id omx.BufferID) (*buffer, error) {
	if n.closed {
		return nil, errors.Errorf("softomx: %s is closed", n.spec.Name)
	}
	b, ok := n.buffers[id]
	if !ok || b.port != p {
		return nil, errors.Errorf("softomx: unknown %v buffer %d", p, id)
	}
	pt := n.ports[p]
	for _, other := range pt.held {
		if other == id {
			return nil, errors.Errorf("softomx: %v buffer %d submitted twice", p, id)
		}
	}
	pt.held = append(pt.held, id)
	return b, nil
}

func (n *Node) EmptyBuffer(id omx.BufferID, offset, length, flags uint32, timestamp int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, err := n.take(omx.PortInput, id)
	if err != nil {
		return err
	}
	if uint64(offset)+uint64(length) > uint64(len(b.mem.Bytes())) {
		n.ports[omx.PortInput].held, _ = removeID(n.ports[omx.PortInput].held, id)
		return errors.Errorf("softomx: range %d+%d exceeds buffer %d", offset, length, id)
	}
	if b.backup != nil {
		copy(b.backup, b.mem.Bytes())
	}
	b.offset, b.length, b.flags, b.timestamp = offset, length, flags, timestamp

	if n.spec.Record {
		n.submissions = append(n.submissions, Submission{
			Data:      append([]byte(nil), b.data()[offset:offset+length]...),
			Flags:     flags,
			Timestamp: timestamp,
		})
	}
	n.enqueueLocked(n.process)
	return nil
}

func (n *Node) FillBuffer(id omx.BufferID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.take(omx.PortOutput, id); err != nil {
		return err
	}
	n.enqueueLocked(n.process)
	return nil
}

// Close stops the node goroutine. Pending operations are dropped.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.ops = nil
	n.cond.Broadcast()
	n.mu.Unlock()

	<-n.done
	if n.onClose != nil {
		n.onClose(n)
	}
	log.Debug("%s: freed", n.spec.Name)
	return nil
}
