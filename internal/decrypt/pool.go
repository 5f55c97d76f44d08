// Package decrypt runs node and packet decryption on a fixed pool of
// worker goroutines.
//
// Workers never touch pipeline state. Every outcome, including failures, is
// handed to the deliver callback tagged with the slot and the position
// inside the slot, and the sequencer re-orders results itself.
package decrypt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/metrics"
	"github.com/roach88/apsync/internal/record"
)

// Job is one unit of work: either a sealed node or a sealed packet.
type Job struct {
	Slot  uint64
	Index int
	// Retry marks an out-of-band retry of a quarantined node.
	Retry  bool
	Node   *record.SealedNode
	Packet *record.Delta
}

// Result is the outcome of a Job.
type Result struct {
	Slot  uint64
	Index int
	Retry bool
	// Node is set for node jobs. On KeyMissing it carries the plaintext
	// fields only.
	Node       record.Node
	Sealed     record.SealedNode
	KeyMissing bool
	// Packet is the opened delta for packet jobs.
	Packet *record.Delta
	Err    error
}

// Pool is a fixed-size worker pool.
type Pool struct {
	workers int
	codec   *codec.Codec
	ring    codec.KeyRing
	deliver func(Result)
	log     *slog.Logger

	queue *jobQueue
	idle  atomic.Int32

	mu     sync.Mutex
	group  *errgroup.Group
	cancel context.CancelFunc
}

// New creates a pool of n workers. deliver is called from worker
// goroutines and must be safe for concurrent use.
func New(n int, c *codec.Codec, ring codec.KeyRing, deliver func(Result), log *slog.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		workers: n,
		codec:   c,
		ring:    ring,
		deliver: deliver,
		log:     log.With("component", "decrypt"),
		queue:   newJobQueue(n),
	}
}

// Start launches the workers. They run until ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p.group, p.cancel = g, cancel

	for i := 0; i < p.workers; i++ {
		g.Go(func() error { return p.work(ctx) })
	}
}

// Stop cancels the workers and waits for them to exit.
func (p *Pool) Stop() error {
	p.mu.Lock()
	g, cancel := p.group, p.cancel
	p.group, p.cancel = nil, nil
	p.mu.Unlock()

	if g == nil {
		return nil
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// SubmitNode queues a sealed node for decryption. It never blocks.
func (p *Pool) SubmitNode(slot uint64, index int, sn record.SealedNode) {
	p.queue.push(Job{Slot: slot, Index: index, Node: &sn})
}

// RetryNode queues a quarantined node for an out-of-band retry.
func (p *Pool) RetryNode(sn record.SealedNode) {
	p.queue.push(Job{Retry: true, Node: &sn})
}

// SubmitPacket queues a delta whose Sealed field must be opened.
func (p *Pool) SubmitPacket(d record.Delta) {
	p.queue.push(Job{Slot: d.Slot, Packet: &d})
}

// Idle returns the number of workers waiting for work, less the jobs
// already queued for them.
func (p *Pool) Idle() int {
	n := int(p.idle.Load()) - p.queue.len()
	if n < 0 {
		return 0
	}
	return n
}

// Backlog returns the number of queued jobs.
func (p *Pool) Backlog() int {
	return p.queue.len()
}

func (p *Pool) work(ctx context.Context) error {
	for {
		job, ok := p.queue.pop()
		if !ok {
			p.idle.Add(1)
			select {
			case <-ctx.Done():
				p.idle.Add(-1)
				return ctx.Err()
			case <-p.queue.wait():
			}
			p.idle.Add(-1)
			continue
		}
		p.deliver(p.run(job))
	}
}

func (p *Pool) run(job Job) Result {
	res := Result{Slot: job.Slot, Index: job.Index, Retry: job.Retry}

	switch {
	case job.Node != nil:
		res.Sealed = *job.Node
		n, err := codec.DecryptNode(*job.Node, p.ring)
		res.Node = n
		switch {
		case errors.Is(err, codec.ErrKeyMissing):
			res.KeyMissing = true
			res.Node.KeyMissing = true
			metrics.KeyMissing.Inc()
		case err != nil:
			res.Err = err
			p.log.Warn("node decryption failed", "slot", job.Slot, "handle", job.Node.Handle, "error", err)
		default:
			metrics.NodesDecrypted.Inc()
		}

	case job.Packet != nil:
		d, err := OpenPacket(p.codec, *job.Packet)
		res.Packet = &d
		res.Err = err

	default:
		res.Err = fmt.Errorf("empty job for slot %d", job.Slot)
	}
	return res
}

// OpenPacket opens d.Sealed and merges the decrypted fields into the
// payload. It runs on a worker or, when no worker is idle, inline on the
// sequencer.
func OpenPacket(c *codec.Codec, d record.Delta) (record.Delta, error) {
	if d.Sealed == "" {
		return d, nil
	}
	plain, err := c.Open(d.Sealed)
	if err != nil {
		return d, fmt.Errorf("open packet slot %d: %w", d.Slot, err)
	}
	fields, err := record.UnmarshalObject(plain)
	if err != nil {
		return d, fmt.Errorf("decode packet slot %d: %w", d.Slot, err)
	}

	payload := d.Payload.Clone()
	if payload == nil {
		payload = make(record.Object, len(fields))
	}
	for k, v := range fields {
		payload[k] = v
	}
	d.Payload = payload
	d.Sealed = ""
	return d, nil
}
