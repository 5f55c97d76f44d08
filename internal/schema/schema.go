// Package schema validates delta payloads against CUE definitions.
//
// The default definitions are embedded (packets.cue). A directory holding a
// CUE package with the same top-level fields can replace them at startup.
package schema

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/apsync/internal/record"
)

//go:embed packets.cue
var packetsCUE string

// ValidationError reports a payload that does not match its definition.
type ValidationError struct {
	Kind    record.Kind
	Slot    uint64
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: delta %s (slot %d): %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Kind, e.Slot, e.Message)
	}
	return fmt.Sprintf("delta %s (slot %d): %s", e.Kind, e.Slot, e.Message)
}

// Schema holds one compiled definition per kind. A cue.Context is not safe
// for concurrent use, so Validate serializes on a mutex.
type Schema struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[record.Kind]cue.Value
}

// Default compiles the embedded definitions.
func Default() (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(packetsCUE, cue.Filename("packets.cue"))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return build(ctx, v)
}

// Load compiles the CUE package in dir.
func Load(dir string) (*Schema, error) {
	insts := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(insts) == 0 {
		return nil, fmt.Errorf("schema: no CUE instances in %s", dir)
	}
	if err := insts[0].Err; err != nil {
		return nil, fmt.Errorf("schema: load %s: %w", dir, err)
	}

	ctx := cuecontext.New()
	v := ctx.BuildInstance(insts[0])
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return build(ctx, v)
}

func build(ctx *cue.Context, root cue.Value) (*Schema, error) {
	s := &Schema{ctx: ctx, defs: make(map[record.Kind]cue.Value)}
	for _, k := range record.Kinds() {
		def := root.LookupPath(cue.ParsePath(string(k)))
		if !def.Exists() {
			continue
		}
		if err := def.Err(); err != nil {
			return nil, formatCUEError(err)
		}
		s.defs[k] = def
	}
	if len(s.defs) == 0 {
		return nil, fmt.Errorf("schema: no delta kinds defined")
	}
	return s, nil
}

// Kinds returns the kinds that have a definition.
func (s *Schema) Kinds() []record.Kind {
	var out []record.Kind
	for _, k := range record.Kinds() {
		if _, ok := s.defs[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Validate checks d against the definition for its kind. Kinds without a
// definition always pass.
func (s *Schema) Validate(d record.Delta) error {
	def, ok := s.defs[d.Kind]
	if !ok {
		return nil
	}

	doc := document(d)

	s.mu.Lock()
	defer s.mu.Unlock()

	v := def.Unify(s.ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return validationError(d, err)
	}
	return nil
}

// document is the value checked against a definition: the payload plus the
// target handle and the number of node records.
func document(d record.Delta) map[string]any {
	doc, _ := record.ToAny(d.Payload).(map[string]any)
	if doc == nil {
		doc = make(map[string]any)
	}
	if !d.Target.IsZero() {
		doc["n"] = string(d.Target)
	}
	if len(d.Nodes) > 0 {
		doc["nodes"] = int64(len(d.Nodes))
	} else if _, ok := doc["nodes"]; !ok && d.Kind == record.KindNodeCreate {
		doc["nodes"] = int64(0)
	}
	return doc
}

func validationError(d record.Delta, err error) error {
	verr := &ValidationError{Kind: d.Kind, Slot: d.Slot, Message: err.Error()}
	if errs := errors.Errors(err); len(errs) > 0 {
		verr.Message = errs[0].Error()
		if pos := errors.Positions(errs[0]); len(pos) > 0 {
			verr.Pos = pos[0]
		}
	}
	return verr
}

// formatCUEError extracts position info from CUE compile errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if pos := errors.Positions(first); len(pos) > 0 {
		return fmt.Errorf("schema: %s:%d:%d: %s",
			pos[0].Filename(), pos[0].Line(), pos[0].Column(), first.Error())
	}
	return fmt.Errorf("schema: %w", first)
}
