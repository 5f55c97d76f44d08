package decrypt

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/record"
)

const owner = record.Handle("UUUUUUUUUUU")

type collector struct {
	mu      sync.Mutex
	results []Result
	got     chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) deliver(r Result) {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []Result {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d results", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

func sealed(t *testing.T, h record.Handle, name string, wrapping []byte) record.SealedNode {
	t.Helper()
	n := record.Node{
		Handle: h,
		Parent: "PPPPPPPP",
		Type:   record.TypeFile,
		Key:    bytes.Repeat([]byte{3}, 32),
		Attrs:  record.Object{"n": record.String(name)},
	}
	sn, err := codec.SealNode(n, owner, wrapping)
	require.NoError(t, err)
	return sn
}

func newPool(t *testing.T, workers int, ring codec.KeyRing, c *collector) (*Pool, *codec.Codec) {
	t.Helper()
	cd, err := codec.New(bytes.Repeat([]byte{9}, 16))
	require.NoError(t, err)
	p := New(workers, cd, ring, c.deliver, nil)
	p.Start(context.Background())
	t.Cleanup(func() { require.NoError(t, p.Stop()) })
	return p, cd
}

func TestPoolDecryptsNodes(t *testing.T) {
	wrapping := bytes.Repeat([]byte{1}, 16)
	ring := codec.NewMemoryKeyRing()
	ring.Set(owner, wrapping)

	c := newCollector()
	p, _ := newPool(t, 4, ring, c)

	for i := 0; i < 20; i++ {
		p.SubmitNode(7, i, sealed(t, record.Handle("AAAAAAA"+string(rune('A'+i))), "file", wrapping))
	}

	results := c.wait(t, 20)
	seen := make(map[int]bool)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, uint64(7), r.Slot)
		assert.False(t, r.KeyMissing)
		assert.Equal(t, "file", r.Node.Name())
		seen[r.Index] = true
	}
	assert.Len(t, seen, 20, "every index is delivered exactly once")
}

func TestPoolReportsMissingKey(t *testing.T) {
	c := newCollector()
	p, _ := newPool(t, 2, codec.NewMemoryKeyRing(), c)

	sn := sealed(t, "AAAAAAAA", "secret", bytes.Repeat([]byte{1}, 16))
	p.SubmitNode(3, 0, sn)

	r := c.wait(t, 1)[0]
	require.NoError(t, r.Err)
	assert.True(t, r.KeyMissing)
	assert.True(t, r.Node.KeyMissing)
	assert.Equal(t, sn, r.Sealed, "the sealed record is kept for a later retry")
	assert.Equal(t, record.Handle("PPPPPPPP"), r.Node.Parent)
}

func TestPoolRetryFlag(t *testing.T) {
	wrapping := bytes.Repeat([]byte{1}, 16)
	ring := codec.NewMemoryKeyRing()
	ring.Set(owner, wrapping)

	c := newCollector()
	p, _ := newPool(t, 1, ring, c)
	p.RetryNode(sealed(t, "AAAAAAAA", "late", wrapping))

	r := c.wait(t, 1)[0]
	assert.True(t, r.Retry)
	assert.Equal(t, "late", r.Node.Name())
}

func TestPoolOpensPackets(t *testing.T) {
	c := newCollector()
	p, cd := newPool(t, 2, codec.NewMemoryKeyRing(), c)

	plain, err := record.MarshalCanonical(record.Object{"at": record.String("x")})
	require.NoError(t, err)
	box, err := cd.Seal(plain)
	require.NoError(t, err)

	p.SubmitPacket(record.Delta{
		Slot:    11,
		Kind:    record.KindNodeUpdate,
		Target:  "AAAAAAAA",
		Payload: record.Object{"n": record.String("AAAAAAAA")},
		Sealed:  box,
	})

	r := c.wait(t, 1)[0]
	require.NoError(t, r.Err)
	require.NotNil(t, r.Packet)
	assert.Equal(t, uint64(11), r.Slot)
	assert.Empty(t, r.Packet.Sealed)
	at, _ := r.Packet.Payload.Str("at")
	assert.Equal(t, "x", at)
	n, _ := r.Packet.Payload.Str("n")
	assert.Equal(t, "AAAAAAAA", n)
}

func TestOpenPacketFailure(t *testing.T) {
	cd, err := codec.New(bytes.Repeat([]byte{9}, 16))
	require.NoError(t, err)

	_, err = OpenPacket(cd, record.Delta{Slot: 1, Sealed: "not-a-box"})
	require.Error(t, err)

	d, err := OpenPacket(cd, record.Delta{Slot: 2})
	require.NoError(t, err, "unsealed packets pass through")
	assert.Equal(t, uint64(2), d.Slot)
}

func TestPoolIdleAndStop(t *testing.T) {
	c := newCollector()
	cd, err := codec.New(bytes.Repeat([]byte{9}, 16))
	require.NoError(t, err)
	p := New(3, cd, codec.NewMemoryKeyRing(), c.deliver, nil)
	assert.Equal(t, 0, p.Idle(), "no workers before Start")

	p.Start(context.Background())
	require.Eventually(t, func() bool { return p.Idle() == 3 }, 2*time.Second, time.Millisecond)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop(), "stop is idempotent")
	assert.Equal(t, 0, p.Idle())
}
