// Package kernels holds the CPU reference implementations of the
// per-chunk compute primitives the dispatch engine invokes: Joseph-style
// forward projection and voxel-driven backprojection, FBP filtering, and
// the auxiliary volume filters. Each kernel operates on staged chunk
// buffers and is oblivious to how the data was partitioned; halo handling
// is entirely the planner's concern.
package kernels

import (
	"context"
	"errors"
	"fmt"
	"math"

	"ctrecon/pkg/device"
	"ctrecon/pkg/engine"
	"ctrecon/pkg/geometry"
	"ctrecon/pkg/plan"
)

// ErrNotHostVisible is returned when a staged buffer cannot be accessed
// by the CPU kernels. It indicates a backend mismatch: the CPU invoker
// only runs against host-visible buffers.
var ErrNotHostVisible = errors.New("kernels: buffer is not host visible")

// CPU implements engine.Invoker with host-side kernels. It serves both
// the real CPU execution path and, through the CPU device backend, the
// stand-in for GPU devices in tests.
type CPU struct{}

// Invoke executes one kernel for one staged chunk.
func (CPU) Invoke(ctx context.Context, req *engine.InvokeRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch req.Chunk.Op {
	case plan.OpProject:
		return forwardProject(req)
	case plan.OpBackproject:
		return backproject(req, false, false)
	case plan.OpWeightedBackproject:
		return backproject(req, true, false)
	case plan.OpSensitivity:
		return backproject(req, false, true)
	case plan.OpRampFilterRows:
		return filterRows(req, rampResponse)
	case plan.OpHilbertFilterRows:
		return filterRows(req, hilbertResponse)
	case plan.OpFilterProjections:
		return filterProjections(req)
	case plan.OpRampFilterVolume:
		return rampFilterVolume(req)
	default:
		return fmt.Errorf("kernels: unsupported operation %s", req.Chunk.Op)
	}
}

// hostData extracts the host-visible storage of a staged buffer.
func hostData(buf device.Buffer) ([]float32, error) {
	if buf == nil {
		return nil, nil
	}
	hv, ok := buf.(device.HostVisible)
	if !ok {
		return nil, ErrNotHostVisible
	}
	return hv.Data(), nil
}

// projGrid indexes a staged projection buffer holding the detector rows
// in rows, compact layout: (angle*rows.Len() + row-rows.Start)*numCols + col.
type projGrid struct {
	data []float32
	rows plan.Range
	g    *geometry.Geometry
}

func newProjGrid(buf device.Buffer, rows plan.Range, g *geometry.Geometry) (*projGrid, error) {
	data, err := hostData(buf)
	if err != nil {
		return nil, err
	}
	return &projGrid{data: data, rows: rows, g: g}, nil
}

func (p *projGrid) index(a, r, c int) int {
	return (a*p.rows.Len()+(r-p.rows.Start))*p.g.Detector.NumCols + c
}

// at reads one staged sample; rows outside the staged range and columns
// outside the detector read as zero.
func (p *projGrid) at(a, r, c int) float64 {
	if r < p.rows.Start || r >= p.rows.End || c < 0 || c >= p.g.Detector.NumCols {
		return 0
	}
	return float64(p.data[p.index(a, r, c)])
}

func (p *projGrid) set(a, r, c int, val float64) {
	p.data[p.index(a, r, c)] = float32(val)
}

// volSlab indexes a staged volume slab holding the z-slices in slices,
// laid out per the volume's dimension order restricted to those slices.
type volSlab struct {
	data   []float32
	slices plan.Range
	vol    *geometry.Volume
}

func newVolSlab(buf device.Buffer, slices plan.Range, v *geometry.Volume) (*volSlab, error) {
	data, err := hostData(buf)
	if err != nil {
		return nil, err
	}
	return &volSlab{data: data, slices: slices, vol: v}, nil
}

func (s *volSlab) index(x, y, z int) int {
	if s.vol.Order == geometry.OrderZYX {
		return (x*s.vol.NumY+y)*s.slices.Len() + (z - s.slices.Start)
	}
	return ((z-s.slices.Start)*s.vol.NumY+y)*s.vol.NumX + x
}

// at reads one voxel; coordinates outside the slab read as zero.
func (s *volSlab) at(x, y, z int) float64 {
	if x < 0 || x >= s.vol.NumX || y < 0 || y >= s.vol.NumY || z < s.slices.Start || z >= s.slices.End {
		return 0
	}
	return float64(s.data[s.index(x, y, z)])
}

func (s *volSlab) set(x, y, z int, val float64) {
	s.data[s.index(x, y, z)] = float32(val)
}

// lerp2 linearly interpolates the slab along y at integer x and z.
func (s *volSlab) lerpY(x int, yf float64, z int) float64 {
	y0 := int(math.Floor(yf))
	t := yf - float64(y0)
	if t == 0 {
		return s.at(x, y0, z)
	}
	return (1-t)*s.at(x, y0, z) + t*s.at(x, y0+1, z)
}

// lerpX linearly interpolates the slab along x at integer y and z.
func (s *volSlab) lerpX(xf float64, y, z int) float64 {
	x0 := int(math.Floor(xf))
	t := xf - float64(x0)
	if t == 0 {
		return s.at(x0, y, z)
	}
	return (1-t)*s.at(x0, y, z) + t*s.at(x0+1, y, z)
}

// trilinear interpolates the slab at a fractional voxel coordinate.
func (s *volSlab) trilinear(xf, yf, zf float64) float64 {
	x0 := int(math.Floor(xf))
	y0 := int(math.Floor(yf))
	z0 := int(math.Floor(zf))
	tx := xf - float64(x0)
	ty := yf - float64(y0)
	tz := zf - float64(z0)
	var sum float64
	for dz := 0; dz <= 1; dz++ {
		wz := tz
		if dz == 0 {
			wz = 1 - tz
		}
		if wz == 0 {
			continue
		}
		for dy := 0; dy <= 1; dy++ {
			wy := ty
			if dy == 0 {
				wy = 1 - ty
			}
			if wy == 0 {
				continue
			}
			for dx := 0; dx <= 1; dx++ {
				wx := tx
				if dx == 0 {
					wx = 1 - tx
				}
				if wx == 0 {
					continue
				}
				sum += wx * wy * wz * s.at(x0+dx, y0+dy, z0+dz)
			}
		}
	}
	return sum
}

// sincos returns sin and cos of an angle given in degrees.
func sincos(deg float64) (float64, float64) {
	s, c := math.Sincos(deg * math.Pi / 180)
	return s, c
}
