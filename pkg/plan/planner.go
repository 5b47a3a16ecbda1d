package plan

import (
	"errors"
	"fmt"

	"ctrecon/pkg/device"
	"ctrecon/pkg/geometry"
)

// ErrBudget is returned when a single row or slice, plus its minimum
// halo, exceeds every device budget in the roster. This is unrecoverable
// at the planning layer and is surfaced instead of silently retried.
var ErrBudget = errors.New("plan: smallest possible chunk exceeds every device budget")

const bytesPerSample = 4 // float32

// Planner computes chunk partitions for one operation.
type Planner struct {
	// overhead scales the raw data cost to account for kernel working
	// buffers (filter scratch, interpolation accumulators).
	overhead float64
}

// NewPlanner returns a planner with the default working-buffer overhead.
func NewPlanner() *Planner {
	return &Planner{overhead: 1.25}
}

// Plan partitions the data for op across the roster.
//
// The common case is cheap: when the roster holds a single device and the
// whole dataset fits its budget, the plan is one full-extent chunk. When
// several devices are usable the extent is split across all of them even
// if it would fit one, to parallelize; when the data exceeds a budget the
// extent is split into the fewest chunks whose costs fit their assigned
// devices. Assignment is round-robin in roster order, and when a split is
// uneven the earlier devices receive the larger chunks, so plans are
// deterministic for a given configuration.
func (p *Planner) Plan(op Op, g *geometry.Geometry, v *geometry.Volume, roster device.Roster) ([]Chunk, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if roster.Len() == 0 {
		return nil, device.ErrNoDevice
	}

	extent := p.extent(op, g, v)
	if extent <= 0 {
		return nil, fmt.Errorf("plan: empty %s extent for %s", op.Axis(), op)
	}

	// Unrecoverable case first: even a one-unit chunk with minimum halo
	// must fit at least one device.
	var maxBudget uint64
	for _, d := range roster.Devices {
		if d.Memory > maxBudget {
			maxBudget = d.Memory
		}
	}
	if p.chunkCost(op, g, v, p.makeChunk(op, g, v, 0, 1, extent)) > maxBudget {
		return nil, fmt.Errorf("%w: op=%s extent=%d", ErrBudget, op, extent)
	}

	minChunks := 1
	if roster.Len() > 1 {
		minChunks = roster.Len()
		if minChunks > extent {
			minChunks = extent
		}
	}

	for n := minChunks; n <= extent; n++ {
		chunks, ok := p.tryPartition(op, g, v, roster, extent, n)
		if ok {
			return chunks, nil
		}
	}
	// Unreachable in practice: n == extent yields one-unit chunks, and
	// the one-unit fit was checked above for the largest device. It can
	// still trigger when round-robin pins a one-unit chunk to a smaller
	// device; fall back to a per-unit plan on the largest device.
	largest := roster.Devices[0]
	for _, d := range roster.Devices {
		if d.Memory > largest.Memory {
			largest = d
		}
	}
	chunks := make([]Chunk, 0, extent)
	for i := 0; i < extent; i++ {
		c := p.makeChunk(op, g, v, i, i+1, extent)
		c.Device = largest
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// tryPartition splits the extent into n balanced contiguous chunks,
// assigns devices round-robin, and reports whether every chunk fits its
// device budget.
func (p *Planner) tryPartition(op Op, g *geometry.Geometry, v *geometry.Volume, roster device.Roster, extent, n int) ([]Chunk, bool) {
	base := extent / n
	rem := extent % n
	chunks := make([]Chunk, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := base
		// Earlier chunks, and therefore earlier roster devices, take
		// the larger share when the split is uneven.
		if i < rem {
			size++
		}
		c := p.makeChunk(op, g, v, start, start+size, extent)
		c.Device = roster.Devices[i%roster.Len()]
		if p.chunkCost(op, g, v, c) > c.Device.Memory {
			return nil, false
		}
		chunks = append(chunks, c)
		start += size
	}
	return chunks, true
}

// makeChunk builds the chunk covering [start, end) with clamped halos and
// the companion extent the kernel must read.
func (p *Planner) makeChunk(op Op, g *geometry.Geometry, v *geometry.Volume, start, end, extent int) Chunk {
	halo := op.Halo()
	c := Chunk{
		Op:   op,
		Axis: op.Axis(),
		Core: Range{Start: start, End: end},
	}
	if halo > 0 {
		c.HaloLo = min(halo, start)
		c.HaloHi = min(halo, extent-end)
	}
	ext := c.Extended()
	switch op {
	case OpProject:
		lo, hi := g.SliceRangeForRows(v, ext.Start, ext.End)
		c.Companion = Range{Start: lo, End: hi}
	case OpBackproject, OpWeightedBackproject, OpSensitivity:
		lo, hi := g.RowRangeForSlices(v, ext.Start, ext.End)
		c.Companion = Range{Start: lo, End: hi}
	}
	return c
}

// extent returns the full length of the partition axis.
func (p *Planner) extent(op Op, g *geometry.Geometry, v *geometry.Volume) int {
	if op.Axis() == VolumeSlices {
		return v.NumZ
	}
	return g.Detector.NumRows
}

// chunkCost estimates the device bytes needed to process one chunk: the
// halo-extended primary data, the companion data, and kernel working
// buffers.
func (p *Planner) chunkCost(op Op, g *geometry.Geometry, v *geometry.Volume, c Chunk) uint64 {
	rowBytes := uint64(g.NumAngles) * uint64(g.Detector.NumCols) * bytesPerSample
	sliceBytes := uint64(v.NumX) * uint64(v.NumY) * bytesPerSample

	var primary, companion uint64
	if c.Axis == VolumeSlices {
		primary = uint64(c.Extended().Len()) * sliceBytes
		companion = uint64(c.Companion.Len()) * rowBytes
	} else {
		primary = uint64(c.Extended().Len()) * rowBytes
		companion = uint64(c.Companion.Len()) * sliceBytes
	}
	return uint64(float64(primary+companion) * p.overhead)
}

// Verify checks the planning invariants on a finished plan: core ranges
// are disjoint, contiguous, and cover [0, extent) exactly. The dispatcher
// calls it as defense-in-depth before writing results back.
func Verify(chunks []Chunk, extent int) error {
	if len(chunks) == 0 {
		return fmt.Errorf("plan: empty plan")
	}
	next := 0
	for i, c := range chunks {
		if c.Core.Start != next {
			return fmt.Errorf("plan: chunk %d core starts at %d, want %d", i, c.Core.Start, next)
		}
		if c.Core.Empty() {
			return fmt.Errorf("plan: chunk %d has empty core", i)
		}
		next = c.Core.End
	}
	if next != extent {
		return fmt.Errorf("plan: cores cover [0,%d), want [0,%d)", next, extent)
	}
	return nil
}
