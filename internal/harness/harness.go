package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/apsync/internal/backend"
	"github.com/roach88/apsync/internal/config"
	"github.com/roach88/apsync/internal/feed"
	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/session"
	"github.com/roach88/apsync/internal/testutil"
)

// RunTimeout bounds one scenario run.
const RunTimeout = 10 * time.Second

// errFetch is the failure injected into the fake authority.
var errFetch = errors.New("harness: injected fetch failure")

// Harness holds the per-scenario fixtures.
type Harness struct {
	session  *session.Session
	backend  *backend.Memory
	resolver *testutil.FakeResolver
	requests map[string]string
	logger   *slog.Logger
}

// Config returns the session configuration scenarios run with: an
// in-memory cache and short timers.
func Config() config.Config {
	cfg := config.Default()
	cfg.Cache.Backend = string(backend.KindMemory)
	cfg.Cache.Path = ""
	cfg.Cache.RetryInitial = time.Millisecond
	cfg.Cache.RetryMax = 5 * time.Millisecond
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.BusyBackoff = time.Millisecond
	cfg.Prefetch.Window = time.Millisecond
	cfg.Prefetch.Timeout = time.Second
	return cfg
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory cache. Packets are submitted
// up front and the sequencer is polled on the calling goroutine until every
// slot has committed, so observers see slots in a reproducible order.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with pipeline logs sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), RunTimeout)
	defer cancel()

	snapshot, err := sealAll(scenario.Snapshot.Nodes)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	h := &Harness{
		backend:  backend.NewMemory(true),
		resolver: testutil.NewFakeResolver(scenario.Snapshot.Marker, snapshot...),
		requests: make(map[string]string),
		logger:   logger,
	}

	h.session, err = session.Open(ctx, Config(), session.Deps{
		Resolver:   h.resolver,
		KeyRing:    testutil.KeyRing(),
		CacheKey:   testutil.CacheKey,
		Backend:    h.backend,
		RequestIDs: testutil.NewSequentialIDs("req"),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer h.session.Close(context.Background())

	result := NewResult()
	h.session.OnDispatch(result.AddDispatch)
	h.session.Start(ctx)

	if err := h.arrange(scenario); err != nil {
		return nil, err
	}
	if err := h.submit(scenario.Packets); err != nil {
		return nil, err
	}
	if err := h.drain(ctx); err != nil {
		return nil, err
	}

	if err := h.session.Store().Flush(ctx); err != nil {
		h.logger.Warn("final flush failed", "error", err)
	}
	result.Watermark = h.session.Watermark()
	result.State = h.session.Health().Crashed

	actx := &AssertionContext{Ctx: ctx, Store: h.session.Store()}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// arrange seeds the remote-only nodes, tracks local requests and injects
// faults.
func (h *Harness) arrange(scenario *Scenario) error {
	remote, err := sealAll(scenario.Remote)
	if err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	for _, sn := range remote {
		h.resolver.Put(sn)
	}

	for _, r := range scenario.Requests {
		h.requests[r.Name] = h.session.TrackRequest(record.Handle(r.Target))
	}

	for n := 0; n < scenario.Faults.FlushFailures; n++ {
		h.backend.FailNext(backend.ErrTransient)
	}
	for n := 0; n < scenario.Faults.FetchFailures; n++ {
		h.resolver.FailNext(errFetch)
	}
	return nil
}

func (h *Harness) submit(packets []PacketSpec) error {
	for i, p := range packets {
		d, err := h.delta(p)
		if err != nil {
			return fmt.Errorf("packets[%d]: %w", i, err)
		}
		slot, err := h.session.Submit(d)
		if err != nil {
			return fmt.Errorf("packets[%d]: %w", i, err)
		}
		h.logger.Info("packet submitted", "index", i, "slot", slot, "kind", d.Kind)
	}
	return nil
}

// delta converts a packet spec into a delta.
func (h *Harness) delta(p PacketSpec) (record.Delta, error) {
	if p.Line != "" {
		return feed.ParsePacket([]byte(p.Line))
	}

	d := record.Delta{
		Kind:         record.Kind(p.Kind),
		CommitMarker: p.Marker,
		Target:       record.Handle(p.Target),
		Payload:      record.Object{},
	}
	for _, r := range p.Requires {
		d.Requires = append(d.Requires, record.Handle(r))
	}
	if p.Request != "" {
		d.RequestID = h.requests[p.Request]
	}
	if len(p.Payload) > 0 {
		v, err := record.FromAny(p.Payload)
		if err != nil {
			return d, fmt.Errorf("payload: %w", err)
		}
		d.Payload = v.(record.Object)
	}
	nodes, err := sealAll(p.Nodes)
	if err != nil {
		return d, err
	}
	d.Nodes = nodes
	return d, nil
}

// drain polls until no slot is pending.
func (h *Harness) drain(ctx context.Context) error {
	seq := h.session.Sequencer()
	for {
		h.session.Poll(ctx)
		if seq.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("scenario did not settle: %d slots pending from slot %d", seq.Pending(), seq.NextSlot())
		case <-time.After(time.Millisecond):
		}
	}
}

func sealAll(specs []NodeSpec) ([]record.SealedNode, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]record.SealedNode, 0, len(specs))
	for _, spec := range specs {
		sn, err := seal(spec)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", spec.Handle, err)
		}
		out = append(out, sn)
	}
	return out, nil
}

func seal(spec NodeSpec) (record.SealedNode, error) {
	n := record.Node{
		Handle: record.Handle(spec.Handle),
		Parent: record.Handle(spec.Parent),
		Type:   nodeTypes[spec.Type],
		Size:   spec.Size,
		Owner:  testutil.Owner,
	}
	if spec.Name != "" {
		n.Attrs = record.Object{"n": record.String(spec.Name)}
	}
	if spec.Share != nil {
		n.Share = &record.ShareInfo{Owner: record.Handle(spec.Share.User), Access: spec.Share.Access}
	}
	if spec.Foreign {
		return testutil.SealNodeForeign(n)
	}
	return testutil.SealNode(n)
}
