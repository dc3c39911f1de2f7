package coverage

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"trifuzz/config"
	"trifuzz/internal/types"
)

// sampleCap bounds the recently-seen sample each metric keeps for the
// periodic coverage dumps.
const sampleCap = 16

// Observation is one metric's verdict on one trace: the cardinality of the
// run's own set, and whether any of it was new to the cumulative set.
type Observation struct {
	Kind    config.MetricKind
	RunSize int
	Novel   bool
}

// Metric is the capability set the three coverage metrics share.
type Metric interface {
	Kind() config.MetricKind

	// Update folds one trace into the cumulative set and reports what
	// the run contributed. The novelty bit is relative to the cumulative
	// state before this call.
	Update(tr *types.Trace) Observation

	// Count is the cardinality of the cumulative set.
	Count() int

	// Sample is a bounded slice of recently admitted elements,
	// widened to uint64 so path fingerprints fit too.
	Sample() []uint64
}

func newMetric(kind config.MetricKind) Metric {
	switch kind {
	case config.MetricBlock:
		return &blockMetric{seen: make(map[types.BlockID]struct{})}
	case config.MetricEdge:
		return &edgeMetric{seen: make(map[types.EdgeID]struct{})}
	case config.MetricPath:
		return &pathMetric{seen: make(map[uint64]struct{})}
	}
	return nil
}

// recentSample is the shared keep-the-last-N bookkeeping.
type recentSample struct {
	items []uint64
}

func (s *recentSample) add(v uint64) {
	if len(s.items) == sampleCap {
		copy(s.items, s.items[1:])
		s.items = s.items[:sampleCap-1]
	}
	s.items = append(s.items, v)
}

func (s *recentSample) snapshot() []uint64 {
	out := make([]uint64, len(s.items))
	copy(out, s.items)
	return out
}

// blockMetric tracks visited basic blocks: the source endpoint of every
// edge in the trace, plus the distinguished entry block when the trace is
// non-empty. An empty trace contributes no blocks.
type blockMetric struct {
	seen   map[types.BlockID]struct{}
	sample recentSample
}

func (m *blockMetric) Kind() config.MetricKind { return config.MetricBlock }

func (m *blockMetric) Update(tr *types.Trace) Observation {
	run := make(map[types.BlockID]struct{}, len(tr.Edges)+1)
	if len(tr.Edges) > 0 {
		run[types.EntryBlock] = struct{}{}
	}
	for _, e := range tr.Edges {
		run[e.Src()] = struct{}{}
	}

	novel := false
	for b := range run {
		if _, ok := m.seen[b]; !ok {
			novel = true
			m.seen[b] = struct{}{}
			m.sample.add(uint64(b))
		}
	}
	return Observation{Kind: m.Kind(), RunSize: len(run), Novel: novel}
}

func (m *blockMetric) Count() int       { return len(m.seen) }
func (m *blockMetric) Sample() []uint64 { return m.sample.snapshot() }

// edgeMetric tracks the set of distinct edge IDs visited. Plain sets, no
// hit-count bucketing.
type edgeMetric struct {
	seen   map[types.EdgeID]struct{}
	sample recentSample
}

func (m *edgeMetric) Kind() config.MetricKind { return config.MetricEdge }

func (m *edgeMetric) Update(tr *types.Trace) Observation {
	run := make(map[types.EdgeID]struct{}, len(tr.Edges))
	for _, e := range tr.Edges {
		run[e] = struct{}{}
	}

	novel := false
	for e := range run {
		if _, ok := m.seen[e]; !ok {
			novel = true
			m.seen[e] = struct{}{}
			m.sample.add(uint64(e))
		}
	}
	return Observation{Kind: m.Kind(), RunSize: len(run), Novel: novel}
}

func (m *edgeMetric) Count() int       { return len(m.seen) }
func (m *edgeMetric) Sample() []uint64 { return m.sample.snapshot() }

// pathMetric collapses each ordered trace to a 64-bit fingerprint; two
// traces share a fingerprint iff they are identical sequences (modulo hash
// collisions, acceptable at research corpus sizes).
type pathMetric struct {
	seen   map[uint64]struct{}
	sample recentSample
}

func (m *pathMetric) Kind() config.MetricKind { return config.MetricPath }

func (m *pathMetric) Update(tr *types.Trace) Observation {
	fp := Fingerprint(tr.Edges)
	novel := false
	if _, ok := m.seen[fp]; !ok {
		novel = true
		m.seen[fp] = struct{}{}
		m.sample.add(fp)
	}
	return Observation{Kind: m.Kind(), RunSize: 1, Novel: novel}
}

func (m *pathMetric) Count() int       { return len(m.seen) }
func (m *pathMetric) Sample() []uint64 { return m.sample.snapshot() }

// Fingerprint hashes the ordered edge sequence, concatenated in
// little-endian encoding.
func Fingerprint(edges []types.EdgeID) uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, e := range edges {
		binary.LittleEndian.PutUint32(buf[:], uint32(e))
		h.Write(buf[:])
	}
	return h.Sum64()
}
