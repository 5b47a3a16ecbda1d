package engine

import (
	"fmt"

	"ctrecon/pkg/device"
	"ctrecon/pkg/geometry"
	"ctrecon/pkg/plan"
)

// Mover copies named sub-ranges of host projection/volume data to device
// buffers and back. Staging copies the halo-extended range; unstaging
// writes back the core range only, so a chunk can never clobber a
// neighboring chunk's valid output.
type Mover struct{}

// StageProjections allocates a device buffer for the detector rows in
// rows and fills it from the host projection buffer. When fill is false
// the buffer is allocated but left zeroed (output staging).
func (Mover) StageProjections(ctx device.Context, host []float32, g *geometry.Geometry, rows plan.Range, fill bool) (device.Buffer, error) {
	numRows := g.Detector.NumRows
	numCols := g.Detector.NumCols
	n := g.NumAngles * rows.Len() * numCols
	buf, err := ctx.NewBuffer(n)
	if err != nil {
		return nil, err
	}
	if !fill || host == nil {
		return buf, nil
	}
	staged := make([]float32, n)
	for a := 0; a < g.NumAngles; a++ {
		for r := rows.Start; r < rows.End; r++ {
			src := (a*numRows + r) * numCols
			dst := (a*rows.Len() + (r - rows.Start)) * numCols
			copy(staged[dst:dst+numCols], host[src:src+numCols])
		}
	}
	if err := buf.Upload(staged); err != nil {
		buf.Close()
		return nil, fmt.Errorf("%w: stage projections: %v", ErrTransfer, err)
	}
	return buf, nil
}

// UnstageProjections copies the chunk's core rows from the staged buffer
// back into the host projection buffer. The halo rows are discarded.
func (Mover) UnstageProjections(buf device.Buffer, host []float32, g *geometry.Geometry, staged plan.Range, core plan.Range) error {
	numRows := g.Detector.NumRows
	numCols := g.Detector.NumCols
	data := make([]float32, buf.Len())
	if err := buf.Download(data); err != nil {
		return fmt.Errorf("%w: unstage projections: %v", ErrTransfer, err)
	}
	for a := 0; a < g.NumAngles; a++ {
		for r := core.Start; r < core.End; r++ {
			src := (a*staged.Len() + (r - staged.Start)) * numCols
			dst := (a*numRows + r) * numCols
			copy(host[dst:dst+numCols], data[src:src+numCols])
		}
	}
	return nil
}

// StageVolume allocates a device buffer for the z-slices in slices and
// fills it from the host volume buffer, honoring the volume's dimension
// order. When fill is false the buffer is left zeroed.
func (Mover) StageVolume(ctx device.Context, host []float32, v *geometry.Volume, slices plan.Range, fill bool) (device.Buffer, error) {
	n := slices.Len() * v.SliceLen()
	buf, err := ctx.NewBuffer(n)
	if err != nil {
		return nil, err
	}
	if !fill || host == nil {
		return buf, nil
	}
	staged := make([]float32, n)
	copySlab(staged, host, v, slices, true)
	if err := buf.Upload(staged); err != nil {
		buf.Close()
		return nil, fmt.Errorf("%w: stage volume: %v", ErrTransfer, err)
	}
	return buf, nil
}

// UnstageVolume copies the chunk's core z-slices back into the host
// volume buffer, discarding halo slices.
func (Mover) UnstageVolume(buf device.Buffer, host []float32, v *geometry.Volume, staged plan.Range, core plan.Range) error {
	data := make([]float32, buf.Len())
	if err := buf.Download(data); err != nil {
		return fmt.Errorf("%w: unstage volume: %v", ErrTransfer, err)
	}
	mergeSlab(host, data, v, staged, core)
	return nil
}

// copySlab gathers the slices range of the host volume into the compact
// slab layout. toSlab selects direction (host->slab).
func copySlab(slab, host []float32, v *geometry.Volume, slices plan.Range, toSlab bool) {
	if v.Order == geometry.OrderXYZ {
		// z is the slowest axis: the slab is one contiguous block.
		off := slices.Start * v.SliceLen()
		n := slices.Len() * v.SliceLen()
		if toSlab {
			copy(slab[:n], host[off:off+n])
		} else {
			copy(host[off:off+n], slab[:n])
		}
		return
	}
	// ZYX: z is the fastest axis; copy one z-run per (x, y) column.
	runLen := slices.Len()
	for x := 0; x < v.NumX; x++ {
		for y := 0; y < v.NumY; y++ {
			hostOff := (x*v.NumY+y)*v.NumZ + slices.Start
			slabOff := (x*v.NumY + y) * runLen
			if toSlab {
				copy(slab[slabOff:slabOff+runLen], host[hostOff:hostOff+runLen])
			} else {
				copy(host[hostOff:hostOff+runLen], slab[slabOff:slabOff+runLen])
			}
		}
	}
}

// mergeSlab writes the core slices of a compact slab back into the host
// volume buffer.
func mergeSlab(host, slab []float32, v *geometry.Volume, staged plan.Range, core plan.Range) {
	if v.Order == geometry.OrderXYZ {
		off := core.Start * v.SliceLen()
		slabOff := (core.Start - staged.Start) * v.SliceLen()
		n := core.Len() * v.SliceLen()
		copy(host[off:off+n], slab[slabOff:slabOff+n])
		return
	}
	runLen := core.Len()
	for x := 0; x < v.NumX; x++ {
		for y := 0; y < v.NumY; y++ {
			hostOff := (x*v.NumY+y)*v.NumZ + core.Start
			slabOff := (x*v.NumY+y)*staged.Len() + (core.Start - staged.Start)
			copy(host[hostOff:hostOff+runLen], slab[slabOff:slabOff+runLen])
		}
	}
}
