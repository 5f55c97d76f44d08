package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/apsync/internal/codec"
	"github.com/roach88/apsync/internal/feed"
	"github.com/roach88/apsync/internal/record"
	"github.com/roach88/apsync/internal/testutil"
)

// workspace is a temporary directory holding a snapshot, a key ring and a
// sqlite cache.
type workspace struct {
	dir      string
	snapshot string
	ring     string
	cacheKey string
	db       string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	w := &workspace{
		dir:      dir,
		snapshot: filepath.Join(dir, "tree.jsonl"),
		ring:     filepath.Join(dir, "ring.json"),
		cacheKey: filepath.Join(dir, "cache.key"),
		db:       filepath.Join(dir, "cache.db"),
	}

	snap := feed.NewSnapshotResolver("sn-0",
		testutil.Seal(t, "RRRRRRRR", "", record.TypeRoot, ""),
		testutil.Seal(t, "AAAAAAAA", "RRRRRRRR", record.TypeFolder, "docs"),
	)
	var buf bytes.Buffer
	require.NoError(t, snap.WriteSnapshot(&buf))
	require.NoError(t, os.WriteFile(w.snapshot, buf.Bytes(), 0644))

	ring, err := json.Marshal(map[string]string{
		string(testutil.Owner): codec.EncodeBase64(testutil.OwnerKey),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.ring, ring, 0600))
	return w
}

// cacheArgs are the flags pointing a command at the workspace cache.
func (w *workspace) cacheArgs() []string {
	return []string{"--backend", "sqlite", "--db", w.db, "--cache-key", w.cacheKey}
}

// runArgs are the flags of a run over the workspace.
func (w *workspace) runArgs(extra ...string) []string {
	args := append([]string{"--snapshot", w.snapshot, "--keyring", w.ring}, w.cacheArgs()...)
	return append(args, extra...)
}

// writePackets encodes deltas into a feed file and returns its path.
func (w *workspace) writePackets(t *testing.T, name string, deltas ...record.Delta) string {
	t.Helper()
	var lines []string
	for _, d := range deltas {
		line, err := feed.EncodePacket(d)
		require.NoError(t, err)
		lines = append(lines, string(line))
	}
	path := filepath.Join(w.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

// createAndMove returns a create of BBBBBBBB under AAAAAAAA followed by a
// move to the root.
func createAndMove(t *testing.T) []record.Delta {
	t.Helper()
	return []record.Delta{
		{
			Kind:         record.KindNodeCreate,
			CommitMarker: "sn-1",
			Nodes:        []record.SealedNode{testutil.Seal(t, "BBBBBBBB", "AAAAAAAA", record.TypeFile, "a.txt")},
		},
		{
			Kind:         record.KindMove,
			CommitMarker: "sn-2",
			Target:       "BBBBBBBB",
			Payload:      record.Object{"p": record.String("RRRRRRRR")},
		},
	}
}

// decodeResponse decodes a JSON CLI response, unpacking Data into data.
func decodeResponse(t *testing.T, out []byte, data any) CLIResponse {
	t.Helper()
	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal(out, &raw), "output: %s", out)
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}
}
