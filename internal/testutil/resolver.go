package testutil

import (
	"context"
	"sync"

	"github.com/roach88/apsync/internal/feed"
	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/session"
)

// FakeResolver is a snapshot resolver with call counting and injected
// failures. The zero value is not usable; call NewFakeResolver.
type FakeResolver struct {
	*feed.SnapshotResolver

	mu       sync.Mutex
	failures []error
	calls    map[string]int
	fetched  []record.Handle
}

// NewFakeResolver serves nodes as of marker.
func NewFakeResolver(marker string, nodes ...record.SealedNode) *FakeResolver {
	return &FakeResolver{
		SnapshotResolver: feed.NewSnapshotResolver(marker, nodes...),
		calls:            make(map[string]int),
	}
}

// FailNext makes the next len(errs) fetches fail with errs, in order.
func (r *FakeResolver) FailNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errs...)
}

// Calls returns how often method was called.
func (r *FakeResolver) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// Fetched returns every handle requested through FetchNodes and
// FetchSubtree, in request order.
func (r *FakeResolver) Fetched() []record.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]record.Handle(nil), r.fetched...)
}

func (r *FakeResolver) record(method string, handles []record.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[method]++
	r.fetched = append(r.fetched, handles...)
	if len(r.failures) == 0 {
		return nil
	}
	err := r.failures[0]
	r.failures = r.failures[1:]
	return err
}

// FetchNodes implements prefetch.Resolver.
func (r *FakeResolver) FetchNodes(ctx context.Context, handles []record.Handle) ([]record.SealedNode, error) {
	if err := r.record("FetchNodes", handles); err != nil {
		return nil, err
	}
	return r.SnapshotResolver.FetchNodes(ctx, handles)
}

// FetchSubtree implements prefetch.Resolver.
func (r *FakeResolver) FetchSubtree(ctx context.Context, handles []record.Handle) ([]record.SealedNode, error) {
	if err := r.record("FetchSubtree", handles); err != nil {
		return nil, err
	}
	return r.SnapshotResolver.FetchSubtree(ctx, handles)
}

// FetchTree implements session.Resolver.
func (r *FakeResolver) FetchTree(ctx context.Context) (session.Snapshot, error) {
	if err := r.record("FetchTree", nil); err != nil {
		return session.Snapshot{}, err
	}
	return r.SnapshotResolver.FetchTree(ctx)
}
