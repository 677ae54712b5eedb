// Package omxrpc carries the OpenMAX IL component contract over a websocket,
// so the decoder bridge can drive components hosted in another process.
//
// Every frame is a JSON object. The client sends requests; the server answers
// each with a reply carrying the same id, and pushes component messages as
// notifications with id 0. Buffer memory cannot be shared across the
// connection, so the payload of each exchanged buffer travels with it: input
// data with EmptyBuffer, output data with the FillBufferDone notification.
package omxrpc

import (
	"github.com/lanikai/alohaomx/internal/logging"
	"github.com/lanikai/alohaomx/internal/omx"
)

var log = logging.DefaultLogger.WithTag("omxrpc")

const (
	methodListComponents = "listComponents"
	methodAllocateNode   = "allocateNode"
	methodSendCommand    = "sendCommand"
	methodGetPortDef     = "getPortDefinition"
	methodSetPortDef     = "setPortDefinition"
	methodUseBuffer      = "useBuffer"
	methodFreeBuffer     = "freeBuffer"
	methodEmptyBuffer    = "emptyBuffer"
	methodFillBuffer     = "fillBuffer"
	methodFreeNode       = "freeNode"
)

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Node   uint64 `json:"node,omitempty"`

	Name    string              `json:"name,omitempty"`
	Command omx.CommandType     `json:"command,omitempty"`
	Param   uint32              `json:"param,omitempty"`
	Port    omx.PortIndex       `json:"port,omitempty"`
	Def     *omx.PortDefinition `json:"def,omitempty"`

	Buffer omx.BufferID `json:"buffer,omitempty"`
	Size   int          `json:"size,omitempty"`
	Backup bool         `json:"backup,omitempty"`

	Offset    uint32 `json:"offset,omitempty"`
	Flags     uint32 `json:"flags,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

type reply struct {
	ID    uint64 `json:"id"`
	Error string `json:"error,omitempty"`

	Components []omx.ComponentInfo `json:"components,omitempty"`
	Node       uint64              `json:"node,omitempty"`
	Def        *omx.PortDefinition `json:"def,omitempty"`
	Buffer     omx.BufferID        `json:"buffer,omitempty"`

	// Notifications (ID 0).
	Message *omx.Message `json:"message,omitempty"`
	Data    []byte       `json:"data,omitempty"`
}
