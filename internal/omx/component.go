//////////////////////////////////////////////////////////////////////////////
//
// OpenMAX IL component contract, as seen from the decoder bridge
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package omx

import (
	"fmt"

	"github.com/lanikai/alohaomx/internal/shm"
)

// BufferID is an opaque buffer handle issued by a component.
type BufferID uint32

// PortIndex selects one of the two data ports of a component.
type PortIndex uint32

const (
	PortInput  PortIndex = 0
	PortOutput PortIndex = 1

	// PortAll addresses both ports in a single flush command.
	PortAll PortIndex = 0xFFFFFFFF
)

func (p PortIndex) String() string {
	switch p {
	case PortInput:
		return "input"
	case PortOutput:
		return "output"
	case PortAll:
		return "all"
	}
	return fmt.Sprintf("port%d", uint32(p))
}

// State is the component state, distinct from the decoder's own state.
type State uint32

const (
	StateInvalid State = iota
	StateLoaded
	StateIdle
	StateExecuting
	StatePause
	StateWaitForResources
)

var stateNames = [...]string{"Invalid", "Loaded", "Idle", "Executing", "Pause", "WaitForResources"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// CommandType is the kind of an asynchronous component command.
type CommandType uint32

const (
	CommandStateSet CommandType = iota
	CommandFlush
	CommandPortDisable
	CommandPortEnable
)

var commandNames = [...]string{"StateSet", "Flush", "PortDisable", "PortEnable"}

func (c CommandType) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", uint32(c))
}

// EventType is the kind of an event notification.
type EventType uint32

const (
	// Data1 is the CommandType, Data2 the new state or the port index.
	EventCmdComplete EventType = iota
	// Data1 is the component error code.
	EventError
	// Data1 is the port index whose definition changed.
	EventPortSettingsChanged
	// Data1 is the port index, Data2 the buffer flags seen.
	EventBufferFlag
)

// Buffer flags.
const (
	BufferFlagEOS         uint32 = 0x01
	BufferFlagEndOfFrame  uint32 = 0x10
	BufferFlagSyncFrame   uint32 = 0x20
	BufferFlagCodecConfig uint32 = 0x80
)

// MessageType is the kind of a message delivered to an Observer.
type MessageType int

const (
	MessageEvent MessageType = iota
	MessageEmptyBufferDone
	MessageFillBufferDone
)

// Message is an asynchronous notification from a component.
type Message struct {
	Type MessageType `json:"type"`

	// MessageEvent
	Event EventType `json:"event,omitempty"`
	Data1 uint32    `json:"data1,omitempty"`
	Data2 uint32    `json:"data2,omitempty"`

	// MessageEmptyBufferDone, MessageFillBufferDone
	Buffer BufferID `json:"buffer,omitempty"`

	// MessageFillBufferDone
	RangeOffset uint32 `json:"offset,omitempty"`
	RangeLength uint32 `json:"length,omitempty"`
	Flags       uint32 `json:"flags,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

func (m Message) String() string {
	switch m.Type {
	case MessageEvent:
		if m.Event == EventCmdComplete {
			cmd := CommandType(m.Data1)
			if cmd == CommandStateSet {
				return fmt.Sprintf("CmdComplete(%v, %v)", cmd, State(m.Data2))
			}
			return fmt.Sprintf("CmdComplete(%v, %v)", cmd, PortIndex(m.Data2))
		}
		return fmt.Sprintf("Event(%d, %#x, %#x)", m.Event, m.Data1, m.Data2)
	case MessageEmptyBufferDone:
		return fmt.Sprintf("EmptyBufferDone(%d)", m.Buffer)
	case MessageFillBufferDone:
		return fmt.Sprintf("FillBufferDone(%d, %d+%d, flags=%#x, ts=%d)",
			m.Buffer, m.RangeOffset, m.RangeLength, m.Flags, m.Timestamp)
	}
	return fmt.Sprintf("Message(%d)", m.Type)
}

// An Observer receives component notifications. OnMessage may be called from
// any goroutine, but never concurrently with itself for the same node.
type Observer interface {
	OnMessage(msg Message)
}

// Component is one allocated codec node. Every method is a submission: it
// returns without waiting for the command to take effect, and must not call
// back into the Observer from the calling goroutine.
type Component interface {
	Name() string

	SendCommand(cmd CommandType, param uint32) error

	GetPortDefinition(port PortIndex) (PortDefinition, error)
	SetPortDefinition(def PortDefinition) error

	// UseBuffer hands the component a region to use directly.
	UseBuffer(port PortIndex, mem shm.Region) (BufferID, error)

	// AllocateBufferWithBackup lets the component allocate its own buffer,
	// copying through mem on every exchange.
	AllocateBufferWithBackup(port PortIndex, mem shm.Region) (BufferID, error)

	FreeBuffer(port PortIndex, buffer BufferID) error

	// EmptyBuffer submits filled input. The data lives in the buffer's region.
	EmptyBuffer(buffer BufferID, offset, length, flags uint32, timestamp int64) error

	// FillBuffer submits an empty output buffer.
	FillBuffer(buffer BufferID) error

	// Close frees the node. No messages are delivered after Close returns.
	Close() error
}

// ComponentInfo describes a component a Client can instantiate.
type ComponentInfo struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// Client is the entry point to a component host.
type Client interface {
	ListComponents() ([]ComponentInfo, error)

	// AllocateNode instantiates the named component and registers observer
	// as its message sink.
	AllocateNode(name string, observer Observer) (Component, error)
}
