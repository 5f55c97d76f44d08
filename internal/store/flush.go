package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/apsync/internal/backend"
	"github.com/roach88/apsync/internal/metrics"
	"github.com/roach88/apsync/internal/record"
)

// runFlusher drains flush triggers until ctx is cancelled.
func (s *Store) runFlusher(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			if err := s.Flush(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("background flush failed", "error", err)
			}
		}
	}
}

// Flush writes every pending generation to the backend, oldest first, and
// returns once they are durable or the cache gave up on them.
//
// Transient backend errors are retried with exponential backoff. Repeated
// failures escalate: backpressure is disabled, then a reload is requested,
// then the cache becomes unusable. Read-only errors switch the cache to
// read-only. Any other error invalidates the cache.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	for {
		s.mu.Lock()
		if err := s.writableLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
		g := s.gens[0]
		if !g.complete && len(g.ops) == 0 {
			s.mu.Unlock()
			return nil
		}
		n := len(g.ops)
		ops := append([]op(nil), g.ops[:n]...)
		complete, begun, marker := g.complete, g.begun, g.watermark
		s.mu.Unlock()

		batches, err := s.buildBatches(ops, begun, complete, marker)
		if err != nil {
			s.invalidate(ctx, "encode", err)
			return err
		}
		if err := s.apply(ctx, g.id, batches); err != nil {
			if !begun && !s.backend.Atomic() {
				// The watermark delete may have landed before the failure.
				s.mu.Lock()
				s.watermark = ""
				s.mu.Unlock()
			}
			return err
		}

		s.mu.Lock()
		g.ops = g.ops[n:]
		g.begun = true
		if !begun {
			s.watermark = ""
		}
		for _, o := range ops {
			s.weight -= o.weight
			g.counts[o.table]--
		}
		metrics.StorePendingWeight.Set(float64(s.weight))
		if complete && len(g.ops) == 0 {
			s.watermark = marker
			s.gens = s.gens[1:]
			s.log.Debug("generation committed", "generation", g.id, "watermark", marker, "ops", n)
		}
		s.mu.Unlock()
	}
}

// buildBatches turns pending ops into backend batches: watermark delete
// first (unless an earlier partial flush already did it), then one batch per
// table in first-touch order, then the new watermark.
//
// The delete comes first on atomic backends too, so a generation is never
// durable beside the previous generation's watermark.
func (s *Store) buildBatches(ops []op, begun, complete bool, marker string) ([]backend.Batch, error) {
	var batches []backend.Batch
	wmKey := s.watermarkRowKey()

	if !begun {
		batches = append(batches, backend.Batch{
			Table:  WatermarkTable,
			Writes: []backend.Write{{Op: backend.OpDelete, Row: backend.Row{Key: wmKey}}},
		})
	}

	pos := make(map[string]int)
	for _, o := range ops {
		i, ok := pos[o.table]
		if !ok {
			i = len(batches)
			pos[o.table] = i
			batches = append(batches, backend.Batch{Table: o.table})
		}
		w, err := s.encodeOp(o)
		if err != nil {
			return nil, err
		}
		batches[i].Writes = append(batches[i].Writes, w)
	}

	if complete {
		sealed, err := s.codec.SealRow(record.Object{
			watermarkKeyField: record.String(watermarkKey),
			watermarkField:    record.String(marker),
		})
		if err != nil {
			return nil, err
		}
		batches = append(batches, backend.Batch{
			Table:  WatermarkTable,
			Writes: []backend.Write{{Op: backend.OpPut, Row: backend.Row{Key: wmKey, Value: sealed}}},
		})
	}
	return batches, nil
}

func (s *Store) encodeOp(o op) (backend.Write, error) {
	s.mu.Lock()
	schema := s.tables[o.table]
	s.mu.Unlock()

	key := s.codec.EncryptIndex(o.table, schema.Key, o.key)
	if o.row == nil {
		return backend.Write{Op: backend.OpDelete, Row: backend.Row{Key: key}}, nil
	}

	sealed, err := s.codec.SealRow(o.row)
	if err != nil {
		return backend.Write{}, fmt.Errorf("seal %s/%s: %w", o.table, o.key, err)
	}
	row := backend.Row{Key: key, Value: sealed}
	for _, idx := range schema.Indexes {
		if v, ok := fieldString(o.row, idx); ok {
			if row.Index == nil {
				row.Index = make(map[string]string, len(schema.Indexes))
			}
			row.Index[idx] = s.codec.EncryptIndex(o.table, idx, v)
		}
	}
	return backend.Write{Op: backend.OpPut, Row: row}, nil
}

// apply writes batches, retrying transient failures.
func (s *Store) apply(ctx context.Context, genID uint64, batches []backend.Batch) error {
	delay := s.opts.Retry.Initial
	for {
		start := time.Now()
		err := s.backend.Apply(ctx, batches)
		metrics.StoreFlushDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.StoreFlushes.WithLabelValues("ok").Inc()
			s.mu.Lock()
			s.retries = 0
			s.mu.Unlock()
			return nil
		}

		switch {
		case ctx.Err() != nil:
			metrics.StoreFlushes.WithLabelValues("cancelled").Inc()
			return err

		case errors.Is(err, backend.ErrReadOnly):
			metrics.StoreFlushes.WithLabelValues("read_only").Inc()
			s.enterReadOnly(err)
			return fmt.Errorf("flush generation %d: %w", genID, err)

		case backend.IsTransient(err):
			metrics.StoreFlushes.WithLabelValues("retry").Inc()
			if !s.recordRetry(genID, err) {
				return fmt.Errorf("flush generation %d: %w: %v", genID, ErrUnusable, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, s.opts.Retry.Max)

		default:
			metrics.StoreFlushes.WithLabelValues("failed").Inc()
			s.invalidate(ctx, "flush", err)
			return fmt.Errorf("flush generation %d: %w", genID, err)
		}
	}
}

// recordRetry counts a transient failure and applies the escalation
// ladder. It returns false once the cache is unusable.
func (s *Store) recordRetry(genID uint64, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retries++
	metrics.StoreRetries.Inc()
	p := s.opts.Retry
	s.log.Warn("transient flush failure, retrying",
		"generation", genID, "attempt", s.retries, "error", cause)

	if s.retries >= p.DisableBackpressureAfter && !s.backpressureOff {
		s.backpressureOff = true
		s.log.Warn("disabling backpressure", "retries", s.retries)
	}
	if s.retries >= p.ReloadAfter && !s.reloadRequested {
		s.reloadRequested = true
		s.requestReload(fmt.Errorf("flush retried %d times: %w", s.retries, cause))
	}
	if s.retries >= p.CrashAfter {
		s.state = StateUnusable
		s.dropPendingLocked()
		metrics.StoreInvalidations.WithLabelValues("crash").Inc()
		s.log.Error("retry budget exhausted, cache unusable", "retries", s.retries, "error", cause)
		return false
	}
	return true
}

func (s *Store) enterReadOnly(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateReadOnly
	s.dropPendingLocked()
	s.log.Error("backend is read-only, dropping pending writes", "error", cause)
}

// invalidate discards everything after an integrity failure and asks for a
// full resync.
func (s *Store) invalidate(ctx context.Context, reason string, cause error) {
	metrics.StoreInvalidations.WithLabelValues(reason).Inc()
	s.log.Error("cache integrity failure, invalidating", "reason", reason, "error", cause)

	if err := s.backend.Clear(ctx); err != nil {
		s.log.Error("clear after integrity failure", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPendingLocked()
	s.watermark = ""
	s.needsResync = true
	if !s.reloadRequested {
		s.reloadRequested = true
		s.requestReload(fmt.Errorf("%s: %w", reason, cause))
	}
}

func (s *Store) dropPendingLocked() {
	s.gens = []*generation{newGeneration(s.nextGenID())}
	s.weight = 0
	metrics.StorePendingWeight.Set(0)
}

func (s *Store) requestReload(reason error) {
	if s.opts.OnReload != nil {
		go s.opts.OnReload(reason)
	}
}
