package omx

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	errors "golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Quirks records how a component deviates from the nominal protocol. Each
// field is one documented deviation.
type Quirks struct {
	// Access units and codec data are submitted without Annex-B start codes.
	WantsRawNALFrames bool

	// Disabling a port does not return its buffers; flush first and reclaim
	// whatever is left.
	DoesntReturnBuffersOnDisable bool

	// Executing→Idle does not return buffers; flush both ports before
	// shutting down.
	DoesntFlushOnExecutingToIdle bool

	// Flushing both ports with one command fails; flush the output port once
	// the input flush has completed.
	DoesntProperlyFlushAllPortsAtOnce bool

	// The component must allocate input/output buffers itself; the bridge
	// supplies a backup region that data is copied through.
	RequiresAllocateBufferOnInputPorts  bool
	RequiresAllocateBufferOnOutputPorts bool

	// Buffers must be allocated before requesting Loaded→Idle (and before
	// re-enabling a port).
	RequiresLoadedToIdleAfterAllocation bool

	// Timestamps are in milliseconds rather than microseconds.
	MeasuresTimeInMilliseconds bool
}

var quirkNames = map[string]func(*Quirks) *bool{
	"wants-raw-nal-frames":                     func(q *Quirks) *bool { return &q.WantsRawNALFrames },
	"doesnt-return-buffers-on-disable":         func(q *Quirks) *bool { return &q.DoesntReturnBuffersOnDisable },
	"doesnt-flush-on-executing-to-idle":        func(q *Quirks) *bool { return &q.DoesntFlushOnExecutingToIdle },
	"doesnt-properly-flush-all-ports-at-once":  func(q *Quirks) *bool { return &q.DoesntProperlyFlushAllPortsAtOnce },
	"requires-allocate-buffer-on-input-ports":  func(q *Quirks) *bool { return &q.RequiresAllocateBufferOnInputPorts },
	"requires-allocate-buffer-on-output-ports": func(q *Quirks) *bool { return &q.RequiresAllocateBufferOnOutputPorts },
	"requires-loaded-to-idle-after-allocation": func(q *Quirks) *bool { return &q.RequiresLoadedToIdleAfterAllocation },
	"measures-time-in-milliseconds":            func(q *Quirks) *bool { return &q.MeasuresTimeInMilliseconds },
}

// ParseQuirks turns a list of quirk names into Quirks.
func ParseQuirks(names ...string) (Quirks, error) {
	var q Quirks
	for _, name := range names {
		field, ok := quirkNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return Quirks{}, errors.Errorf("omx: unknown quirk %q", name)
		}
		*field(&q) = true
	}
	return q, nil
}

// Names returns the names of the quirks that are set, sorted.
func (q Quirks) Names() []string {
	var names []string
	for name, field := range quirkNames {
		if *field(&q) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (q Quirks) String() string {
	if names := q.Names(); len(names) > 0 {
		return strings.Join(names, ",")
	}
	return "none"
}

func (q Quirks) union(o Quirks) Quirks {
	for _, field := range quirkNames {
		if *field(&o) {
			*field(&q) = true
		}
	}
	return q
}

type quirkRule struct {
	Match  string   `yaml:"match"`
	Quirks []string `yaml:"quirks"`

	quirks Quirks
}

// QuirkTable maps component name patterns (path.Match syntax) to quirks. All
// matching rules apply.
type QuirkTable struct {
	rules []quirkRule

	mu    sync.Mutex
	cache *lru.Cache
}

const quirkCacheSize = 64

// ParseQuirkTable reads a YAML list of rules:
//
//	- match: "OMX.qcom.video.decoder.*"
//	  quirks: [requires-loaded-to-idle-after-allocation]
func ParseQuirkTable(data []byte) (*QuirkTable, error) {
	var rules []quirkRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, errors.Errorf("omx: quirk table: %w", err)
	}
	for i := range rules {
		r := &rules[i]
		if _, err := path.Match(r.Match, ""); err != nil {
			return nil, errors.Errorf("omx: quirk table: bad pattern %q: %w", r.Match, err)
		}
		q, err := ParseQuirks(r.Quirks...)
		if err != nil {
			return nil, err
		}
		r.quirks = q
	}
	return &QuirkTable{rules: rules}, nil
}

// Clone returns an independent copy of t.
func (t *QuirkTable) Clone() *QuirkTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &QuirkTable{rules: append([]quirkRule(nil), t.rules...)}
}

// Merge appends the rules of other to t. Later rules add to earlier ones.
func (t *QuirkTable) Merge(other *QuirkTable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, other.rules...)
	t.cache = nil
}

// Lookup returns the quirks for a component name.
func (t *QuirkTable) Lookup(name string) Quirks {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cache == nil {
		t.cache = lru.New(quirkCacheSize)
	}
	if q, ok := t.cache.Get(name); ok {
		return q.(Quirks)
	}

	var q Quirks
	for _, r := range t.rules {
		if ok, _ := path.Match(r.Match, name); ok {
			q = q.union(r.quirks)
		}
	}
	t.cache.Add(name, q)
	return q
}

// Known hardware components and their deviations.
const defaultQuirkTable = `
- match: "OMX.PV.avcdec"
  quirks: [wants-raw-nal-frames]
- match: "OMX.qcom.video.*"
  quirks: [requires-loaded-to-idle-after-allocation]
- match: "OMX.qcom.video.decoder.*"
  quirks: [requires-allocate-buffer-on-output-ports]
- match: "OMX.qcom.video.encoder.*"
  quirks: [requires-allocate-buffer-on-input-ports]
- match: "OMX.qcom.video.decoder.avc"
  quirks:
    - doesnt-return-buffers-on-disable
    - doesnt-flush-on-executing-to-idle
    - doesnt-properly-flush-all-ports-at-once
- match: "OMX.TI.AAC.decode"
  quirks: [measures-time-in-milliseconds]
- match: "OMX.TI.MP3.decode"
  quirks: [measures-time-in-milliseconds]
- match: "OMX.TI.Video.Decoder"
  quirks: [requires-allocate-buffer-on-input-ports, requires-allocate-buffer-on-output-ports]
- match: "OMX.TI.Video.encoder"
  quirks: [doesnt-flush-on-executing-to-idle, doesnt-properly-flush-all-ports-at-once]
`

// DefaultQuirks is the built-in table of known components.
var DefaultQuirks *QuirkTable

func init() {
	t, err := ParseQuirkTable([]byte(defaultQuirkTable))
	if err != nil {
		panic(err)
	}
	DefaultQuirks = t
}
