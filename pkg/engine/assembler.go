package engine

import (
	"fmt"
	"sync"

	"ctrecon/pkg/device"
	"ctrecon/pkg/geometry"
	"ctrecon/pkg/plan"
)

// Assembler merges per-chunk results back into the full host buffer.
// Only a chunk's core range is ever written, so concurrent merges of
// disjoint chunks never alias and need no locking; the tracker below is
// defense-in-depth verification of the planning invariant, not a logical
// cut line.
type Assembler struct {
	mover Mover

	mu     sync.Mutex
	merged []plan.Range
}

// NewAssembler returns an assembler for one operation's chunks.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// MergeProjections writes the chunk's core detector rows from the staged
// buffer into the host projection buffer.
func (as *Assembler) MergeProjections(buf device.Buffer, host []float32, g *geometry.Geometry, c plan.Chunk) error {
	if err := as.claim(c.Core); err != nil {
		return err
	}
	return as.mover.UnstageProjections(buf, host, g, c.Extended(), c.Core)
}

// MergeVolume writes the chunk's core z-slices from the staged buffer
// into the host volume buffer.
func (as *Assembler) MergeVolume(buf device.Buffer, host []float32, v *geometry.Volume, c plan.Chunk) error {
	if err := as.claim(c.Core); err != nil {
		return err
	}
	return as.mover.UnstageVolume(buf, host, v, c.Extended(), c.Core)
}

// claim records a core range and rejects overlap with any range already
// merged in this operation.
func (as *Assembler) claim(core plan.Range) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.merged {
		if r.Overlaps(core) {
			return fmt.Errorf("engine: chunk core [%d,%d) overlaps already-merged [%d,%d)", core.Start, core.End, r.Start, r.End)
		}
	}
	as.merged = append(as.merged, core)
	return nil
}
