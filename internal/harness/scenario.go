package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/apsync/internal/engine"
	"github.com/roach88/apsync/internal/record"
)

// Scenario defines a sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Snapshot is the tree the session starts from.
	Snapshot SnapshotSpec `yaml:"snapshot"`

	// Remote lists nodes only the authority knows about.
	Remote []NodeSpec `yaml:"remote,omitempty"`

	// Requests are local requests tracked before any packet arrives.
	Requests []RequestSpec `yaml:"requests,omitempty"`

	// Faults injects failures after the session is open.
	Faults Faults `yaml:"faults,omitempty"`

	// Packets are submitted in order.
	Packets []PacketSpec `yaml:"packets"`

	// Assertions validate the trace and the final cache.
	Assertions []Assertion `yaml:"assertions"`
}

// SnapshotSpec is the initial remote tree and its commit marker.
type SnapshotSpec struct {
	Marker string     `yaml:"marker"`
	Nodes  []NodeSpec `yaml:"nodes"`
}

// NodeSpec describes one node. The harness seals it with the fixture key
// unless Foreign is set.
type NodeSpec struct {
	Handle  string     `yaml:"handle"`
	Parent  string     `yaml:"parent,omitempty"`
	Type    string     `yaml:"type"`
	Name    string     `yaml:"name,omitempty"`
	Size    int64      `yaml:"size,omitempty"`
	Foreign bool       `yaml:"foreign,omitempty"`
	Share   *ShareSpec `yaml:"share,omitempty"`
}

// ShareSpec marks a node as shared.
type ShareSpec struct {
	User   string `yaml:"user"`
	Access int64  `yaml:"access"`
}

// RequestSpec names a local request so packets can answer it.
type RequestSpec struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"`
}

// Faults are failures injected into the cache and the authority.
type Faults struct {
	// FlushFailures is the number of transient backend failures.
	FlushFailures int `yaml:"flush_failures,omitempty"`
	// FetchFailures is the number of failed prefetch round trips.
	FetchFailures int `yaml:"fetch_failures,omitempty"`
}

// PacketSpec is one action packet, either structured or as a raw line.
type PacketSpec struct {
	// Line is a raw packet line. When set, no other field may be.
	Line string `yaml:"line,omitempty"`

	Kind     string         `yaml:"kind,omitempty"`
	Marker   string         `yaml:"sn,omitempty"`
	Target   string         `yaml:"target,omitempty"`
	Requires []string       `yaml:"requires,omitempty"`
	Nodes    []NodeSpec     `yaml:"nodes,omitempty"`
	Payload  map[string]any `yaml:"payload,omitempty"`

	// Request names an entry of Scenario.Requests this packet answers.
	Request string `yaml:"request,omitempty"`
}

// Assertion validates the trace or the final cache.
type Assertion struct {
	Type string `yaml:"type"`

	// Kinds is the expected relative order (dispatch_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Kind and Count are used by dispatch_count.
	Kind  string `yaml:"kind,omitempty"`
	Count int    `yaml:"count,omitempty"`

	// Slot and Code are used by dispatch_error.
	Slot uint64 `yaml:"slot,omitempty"`
	Code string `yaml:"code,omitempty"`

	// Handle, Expect and Absent are used by node. Expect keys are parent,
	// type, name, size, key_missing and share_user.
	Handle string         `yaml:"handle,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
	Absent bool           `yaml:"absent,omitempty"`

	// Value is the expected watermark.
	Value string `yaml:"value,omitempty"`

	// State is the expected cache state (health).
	State string `yaml:"state,omitempty"`
}

// Assertion type constants.
const (
	AssertDispatchOrder = "dispatch_order"
	AssertDispatchCount = "dispatch_count"
	AssertDispatchError = "dispatch_error"
	AssertNode          = "node"
	AssertWatermark     = "watermark"
	AssertHealth        = "health"
)

var nodeTypes = map[string]record.NodeType{
	"file":   record.TypeFile,
	"folder": record.TypeFolder,
	"root":   record.TypeRoot,
	"inbox":  record.TypeInbox,
	"trash":  record.TypeTrash,
}

var errorCodes = map[string]bool{
	string(engine.ErrCodeHandlerFailed):  true,
	string(engine.ErrCodeSuperseded):     true,
	string(engine.ErrCodeKeyMissing):     true,
	string(engine.ErrCodePrefetchFailed): true,
	string(engine.ErrCodePacketCorrupt):  true,
}

var nodeExpectKeys = map[string]bool{
	"parent": true, "type": true, "name": true, "size": true, "key_missing": true, "share_user": true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Snapshot.Marker == "" {
		return fmt.Errorf("snapshot.marker is required")
	}
	if len(s.Packets) == 0 {
		return fmt.Errorf("packets list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Faults.FlushFailures < 0 || s.Faults.FetchFailures < 0 {
		return fmt.Errorf("faults must be non-negative")
	}

	for i, n := range s.Snapshot.Nodes {
		if err := validateNode(n); err != nil {
			return fmt.Errorf("snapshot.nodes[%d]: %w", i, err)
		}
	}
	for i, n := range s.Remote {
		if err := validateNode(n); err != nil {
			return fmt.Errorf("remote[%d]: %w", i, err)
		}
	}

	requests := make(map[string]bool)
	for i, r := range s.Requests {
		if r.Name == "" {
			return fmt.Errorf("requests[%d]: name is required", i)
		}
		if requests[r.Name] {
			return fmt.Errorf("requests[%d]: duplicate name %q", i, r.Name)
		}
		if _, err := record.ParseHandle(r.Target); err != nil {
			return fmt.Errorf("requests[%d]: target: %w", i, err)
		}
		requests[r.Name] = true
	}

	for i, p := range s.Packets {
		if err := validatePacket(p, requests); err != nil {
			return fmt.Errorf("packets[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(n NodeSpec) error {
	if _, err := record.ParseHandle(n.Handle); err != nil {
		return fmt.Errorf("handle: %w", err)
	}
	if n.Parent != "" {
		if _, err := record.ParseHandle(n.Parent); err != nil {
			return fmt.Errorf("parent: %w", err)
		}
	}
	if _, ok := nodeTypes[n.Type]; !ok {
		return fmt.Errorf("unknown node type %q", n.Type)
	}
	if n.Share != nil {
		if _, err := record.ParseHandle(n.Share.User); err != nil {
			return fmt.Errorf("share.user: %w", err)
		}
	}
	return nil
}

func validatePacket(p PacketSpec, requests map[string]bool) error {
	if p.Line != "" {
		if p.Kind != "" || p.Marker != "" || p.Target != "" || p.Request != "" ||
			len(p.Requires) > 0 || len(p.Nodes) > 0 || len(p.Payload) > 0 {
			return fmt.Errorf("line excludes every other field")
		}
		return nil
	}
	if _, err := record.ParseKind(p.Kind); err != nil {
		return err
	}
	if p.Target != "" {
		if _, err := record.ParseHandle(p.Target); err != nil {
			return fmt.Errorf("target: %w", err)
		}
	}
	for i, h := range p.Requires {
		if _, err := record.ParseHandle(h); err != nil {
			return fmt.Errorf("requires[%d]: %w", i, err)
		}
	}
	for i, n := range p.Nodes {
		if err := validateNode(n); err != nil {
			return fmt.Errorf("nodes[%d]: %w", i, err)
		}
	}
	if p.Request != "" && !requests[p.Request] {
		return fmt.Errorf("unknown request %q", p.Request)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertDispatchOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for dispatch_order", index)
		}
	case AssertDispatchCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for dispatch_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for dispatch_count", index)
		}
	case AssertDispatchError:
		if !errorCodes[a.Code] {
			return fmt.Errorf("assertions[%d]: unknown error code %q", index, a.Code)
		}
	case AssertNode:
		if _, err := record.ParseHandle(a.Handle); err != nil {
			return fmt.Errorf("assertions[%d]: handle: %w", index, err)
		}
		if a.Absent == (len(a.Expect) > 0) {
			return fmt.Errorf("assertions[%d]: node needs exactly one of expect or absent", index)
		}
		for k := range a.Expect {
			if !nodeExpectKeys[k] {
				return fmt.Errorf("assertions[%d]: unknown node field %q", index, k)
			}
		}
	case AssertWatermark:
		if a.Value == "" {
			return fmt.Errorf("assertions[%d]: value is required for watermark", index)
		}
	case AssertHealth:
		switch a.State {
		case "ok", "read-only", "unusable":
		default:
			return fmt.Errorf("assertions[%d]: unknown state %q", index, a.State)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
