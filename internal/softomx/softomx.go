// Package softomx is an in-process OpenMAX IL component host. Its components
// copy every input buffer to an output buffer unchanged, which is enough to
// exercise the full buffer and command protocol. Components can emulate the
// quirks of hardware codecs and inject failures.
package softomx

import (
	"sync"

	errors "golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/lanikai/alohaomx/internal/logging"
	"github.com/lanikai/alohaomx/internal/omx"
)

var log = logging.DefaultLogger.WithTag("softomx")

// PortConfig is the initial buffer requirement of a port.
type PortConfig struct {
	Count int `yaml:"count"`
	Min   int `yaml:"min"`
	Size  int `yaml:"size"`
}

// Spec describes a component the Client can instantiate.
type Spec struct {
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`

	// Hardware deviations to emulate, by quirk name. Violations of a quirk's
	// protocol by the host are reported as error events.
	QuirkNames []string   `yaml:"quirks"`
	Quirks     omx.Quirks `yaml:"-"`

	Input  PortConfig `yaml:"input"`
	Output PortConfig `yaml:"output"`

	// Failure injection.
	RejectInputBuffers  bool `yaml:"rejectInputBuffers"`
	RejectOutputBuffers bool `yaml:"rejectOutputBuffers"`

	// Report an error event after this many access units. Zero disables.
	ErrorAfter int `yaml:"errorAfter"`

	// Change the output geometry after this many access units, which forces
	// the host to reconfigure the output port. Zero disables.
	ChangeOutputAfter int `yaml:"changeOutputAfter"`
	ChangedWidth      int `yaml:"changedWidth"`
	ChangedHeight     int `yaml:"changedHeight"`

	// Keep a copy of every input buffer, see Node.Submissions.
	Record bool `yaml:"record"`

	// Stall reports whether a command should be silently dropped.
	Stall func(state omx.State, cmd omx.CommandType, param uint32) bool `yaml:"-"`
}

func (s *Spec) setDefaults() {
	if s.Input.Count == 0 {
		s.Input.Count = 4
	}
	if s.Input.Min == 0 || s.Input.Min > s.Input.Count {
		s.Input.Min = s.Input.Count
	}
	if s.Input.Size == 0 {
		s.Input.Size = 64 * 1024
	}
	if s.Output.Count == 0 {
		s.Output.Count = 4
	}
	if s.Output.Min == 0 || s.Output.Min > s.Output.Count {
		s.Output.Min = s.Output.Count
	}
	if s.Output.Size == 0 {
		s.Output.Size = 64 * 1024
	}
}

// DefaultSpecs returns passthrough decoders and encoders for every role the
// decoder bridge knows.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			Name:  "OMX.aloha.video.decoder",
			Roles: []string{"video_decoder.avc", "video_decoder.mpeg4", "video_decoder.h263"},
		},
		{
			Name:  "OMX.aloha.audio.decoder",
			Roles: []string{"audio_decoder.aac", "audio_decoder.amrnb", "audio_decoder.amrwb", "audio_decoder.mp3"},
		},
		{
			Name:  "OMX.aloha.video.encoder",
			Roles: []string{"video_encoder.avc", "video_encoder.mpeg4", "video_encoder.h263"},
		},
	}
}

// ParseSpecs reads a YAML list of component specs.
func ParseSpecs(data []byte) ([]Spec, error) {
	var specs []Spec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, errors.Errorf("softomx: component specs: %w", err)
	}
	for i := range specs {
		s := &specs[i]
		if s.Name == "" {
			return nil, errors.Errorf("softomx: component spec %d has no name", i)
		}
		q, err := omx.ParseQuirks(s.QuirkNames...)
		if err != nil {
			return nil, errors.Errorf("softomx: %s: %w", s.Name, err)
		}
		s.Quirks = q
	}
	return specs, nil
}

// Client hosts soft components. It implements omx.Client.
type Client struct {
	mu    sync.Mutex
	specs []Spec
	nodes []*Node
}

// NewClient returns a client offering specs, or DefaultSpecs if none.
func NewClient(specs ...Spec) *Client {
	if len(specs) == 0 {
		specs = DefaultSpecs()
	}
	c := &Client{}
	for _, s := range specs {
		s.setDefaults()
		c.specs = append(c.specs, s)
	}
	return c
}

func (c *Client) ListComponents() ([]omx.ComponentInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	infos := make([]omx.ComponentInfo, 0, len(c.specs))
	for _, s := range c.specs {
		infos = append(infos, omx.ComponentInfo{Name: s.Name, Roles: append([]string(nil), s.Roles...)})
	}
	return infos, nil
}

func (c *Client) AllocateNode(name string, observer omx.Observer) (omx.Component, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.specs {
		if s.Name == name {
			n := newNode(s, observer)
			n.onClose = c.remove
			c.nodes = append(c.nodes, n)
			return n, nil
		}
	}
	return nil, errors.Errorf("softomx: no component named %q", name)
}

func (c *Client) remove(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.nodes {
		if m == n {
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			return
		}
	}
}

// Nodes returns the open nodes, oldest first.
func (c *Client) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Node(nil), c.nodes...)
}
