// Package covchan owns the shared-memory coverage region. The region is a
// plain file mapped into both the fuzzer and, via the same path, the
// instrumented target. Layout, host-native endianness:
//
//	magic uint32 | capacity uint32 | count uint32 | capacity x uint32 edge IDs
//
// The target appends edge IDs and bumps count; the fuzzer resets the region
// before each spawn and snapshots it after the child has exited. The strict
// reset -> spawn -> wait -> snapshot ordering is what makes the region safe
// without locks.
package covchan

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"trifuzz/config"
	"trifuzz/internal/types"
)

// Magic tags a well-formed region header ("TRF1").
const Magic uint32 = 0x54524631

// EnvShmPath is how spawned targets locate the region.
const EnvShmPath = "TRIFUZZ_SHM_PATH"

const (
	headerBytes = 12
	entryBytes  = 4

	offMagic    = 0
	offCapacity = 4
	offCount    = 8
)

// Channel manages the lifetime of one coverage region.
type Channel struct {
	path     string
	mem      []byte
	capacity uint32
	logger   *zap.Logger
}

// New creates the region file at the configured path, sizes it, maps it and
// writes a fresh header. Creation failure is fatal to the fuzzer, so the
// error propagates out of the object graph.
func New(lc fx.Lifecycle, cfg *config.AppConfig, logger *zap.Logger) (*Channel, error) {
	c, err := Create(cfg.ShmPath, cfg.ShmSize, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return c.Close()
		},
	})
	return c, nil
}

// Create is the lifecycle-free constructor, split out for tests.
func Create(path string, size int, logger *zap.Logger) (*Channel, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create coverage region: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("failed to size coverage region: %w", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map coverage region: %w", err)
	}

	c := &Channel{
		path:     path,
		mem:      mem,
		capacity: uint32((size - headerBytes) / entryBytes),
		logger:   logger,
	}

	binary.NativeEndian.PutUint32(c.mem[offMagic:], Magic)
	binary.NativeEndian.PutUint32(c.mem[offCapacity:], c.capacity)
	c.Reset()

	logger.Info("coverage region created",
		zap.String("path", path),
		zap.Int("size_bytes", size),
		zap.Uint32("capacity_entries", c.capacity))
	return c, nil
}

// Path is the filesystem name the target attaches to.
func (c *Channel) Path() string { return c.path }

// Capacity is the entry count the region can hold.
func (c *Channel) Capacity() uint32 { return c.capacity }

// Env is the extra environment the spawned target needs to find the region.
func (c *Channel) Env() []string {
	return []string{EnvShmPath + "=" + c.path}
}

// Reset zeroes the written-entry count and the first byte of every entry
// slot. Must only be called while no child that reads the region is alive.
func (c *Channel) Reset() {
	binary.NativeEndian.PutUint32(c.mem[offCount:], 0)
	for off := headerBytes; off < len(c.mem); off += entryBytes {
		c.mem[off] = 0
	}
}

// Snapshot copies the ordered edge IDs out of the region. A malformed
// header (bad magic, count past capacity) yields an empty, truncated trace.
func (c *Channel) Snapshot() *types.Trace {
	if binary.NativeEndian.Uint32(c.mem[offMagic:]) != Magic {
		c.logger.Warn("coverage region has bad magic, discarding trace")
		return &types.Trace{Truncated: true}
	}
	count := binary.NativeEndian.Uint32(c.mem[offCount:])
	if count > c.capacity {
		c.logger.Warn("coverage region count exceeds capacity, discarding trace",
			zap.Uint32("count", count),
			zap.Uint32("capacity", c.capacity))
		return &types.Trace{Truncated: true}
	}

	edges := make([]types.EdgeID, count)
	for i := uint32(0); i < count; i++ {
		off := headerBytes + int(i)*entryBytes
		edges[i] = types.EdgeID(binary.NativeEndian.Uint32(c.mem[off:]))
	}
	return &types.Trace{
		Edges:     edges,
		Truncated: count == c.capacity,
	}
}

// Close unmaps the region. The backing file is left behind so a post-mortem
// can inspect the last trace.
func (c *Channel) Close() error {
	if c.mem == nil {
		return nil
	}
	err := unix.Munmap(c.mem)
	c.mem = nil
	return err
}
