package covchan

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"trifuzz/internal/types"
)

func testChannel(t *testing.T, entries int) *Channel {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coverage_shm.bin")
	c, err := Create(path, headerBytes+entries*entryBytes, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create channel: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// writeTrace plays the role of the target's instrumentation.
func writeTrace(c *Channel, edges []types.EdgeID) {
	for i, e := range edges {
		off := headerBytes + i*entryBytes
		binary.NativeEndian.PutUint32(c.mem[off:], uint32(e))
	}
	binary.NativeEndian.PutUint32(c.mem[offCount:], uint32(len(edges)))
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := testChannel(t, 64)

	edges := []types.EdgeID{0x00010002, 0x00020003, 0x00030001}
	writeTrace(c, edges)

	tr := c.Snapshot()
	if tr.Truncated {
		t.Error("trace should not be truncated")
	}
	if len(tr.Edges) != len(edges) {
		t.Fatalf("expected %d edges, got %d", len(edges), len(tr.Edges))
	}
	for i, e := range edges {
		if tr.Edges[i] != e {
			t.Errorf("edge %d: want %08x, got %08x", i, e, tr.Edges[i])
		}
	}
}

func TestResetClearsCount(t *testing.T) {
	c := testChannel(t, 64)

	writeTrace(c, []types.EdgeID{1, 2, 3})
	c.Reset()

	if count := binary.NativeEndian.Uint32(c.mem[offCount:]); count != 0 {
		t.Errorf("count after reset: want 0, got %d", count)
	}
	if tr := c.Snapshot(); len(tr.Edges) != 0 {
		t.Errorf("snapshot after reset should be empty, got %d edges", len(tr.Edges))
	}

	// Reset is idempotent.
	c.Reset()
	if count := binary.NativeEndian.Uint32(c.mem[offCount:]); count != 0 {
		t.Errorf("count after double reset: want 0, got %d", count)
	}
}

func TestFullRegionIsTruncated(t *testing.T) {
	c := testChannel(t, 4)

	writeTrace(c, []types.EdgeID{1, 2, 3, 4})
	tr := c.Snapshot()
	if !tr.Truncated {
		t.Error("a full region should report truncation")
	}
	if len(tr.Edges) != 4 {
		t.Errorf("expected 4 edges, got %d", len(tr.Edges))
	}
}

func TestMalformedCountDiscardsTrace(t *testing.T) {
	c := testChannel(t, 4)

	binary.NativeEndian.PutUint32(c.mem[offCount:], 99)
	tr := c.Snapshot()
	if len(tr.Edges) != 0 || !tr.Truncated {
		t.Errorf("malformed count should yield empty truncated trace, got %+v", tr)
	}
}

func TestBadMagicDiscardsTrace(t *testing.T) {
	c := testChannel(t, 4)

	binary.NativeEndian.PutUint32(c.mem[offMagic:], 0xdeadbeef)
	tr := c.Snapshot()
	if len(tr.Edges) != 0 || !tr.Truncated {
		t.Errorf("bad magic should yield empty truncated trace, got %+v", tr)
	}
}

func TestEnvPublishesPath(t *testing.T) {
	c := testChannel(t, 4)

	env := c.Env()
	if len(env) != 1 || env[0] != EnvShmPath+"="+c.Path() {
		t.Errorf("unexpected child environment: %v", env)
	}
}
