// Package phantom generates synthetic volumes for exercising the
// projection and reconstruction pipeline.
package phantom

import (
	"fmt"

	"ctrecon/pkg/geometry"
)

// Impulse returns a volume that is zero everywhere except for a single
// voxel of the given value.
func Impulse(v *geometry.Volume, x, y, z int, value float32) ([]float32, error) {
	if x < 0 || x >= v.NumX || y < 0 || y >= v.NumY || z < 0 || z >= v.NumZ {
		return nil, fmt.Errorf("impulse voxel (%d,%d,%d) outside %dx%dx%d volume",
			x, y, z, v.NumX, v.NumY, v.NumZ)
	}
	f := make([]float32, v.Len())
	f[v.Index(x, y, z)] = value
	return f, nil
}

// Cylinder returns a volume holding a centered cylinder of the given
// radius (mm), spanning heightFrac of the volume's z extent, filled
// with value.
func Cylinder(v *geometry.Volume, radius float64, heightFrac float64, value float32) []float32 {
	f := make([]float32, v.Len())
	halfZ := 0.5 * heightFrac * float64(v.NumZ) * v.VoxelHeight
	for k := 0; k < v.NumZ; k++ {
		z := v.SliceZ(k) - v.OffsetZ
		if z < -halfZ || z > halfZ {
			continue
		}
		for j := 0; j < v.NumY; j++ {
			y := v.Y(j) - v.OffsetY
			for i := 0; i < v.NumX; i++ {
				x := v.X(i) - v.OffsetX
				if x*x+y*y <= radius*radius {
					f[v.Index(i, j, k)] = value
				}
			}
		}
	}
	return f
}

// Ellipsoid is one additive component of a composite phantom. Center
// and semi-axes are in mm, in volume coordinates.
type Ellipsoid struct {
	CenterX, CenterY, CenterZ float64
	AxisX, AxisY, AxisZ       float64
	Value                     float32
}

// Ellipsoids rasterizes a set of additive ellipsoids into a volume.
// Overlapping ellipsoids sum, so nested components can carve out
// regions with negative values.
func Ellipsoids(v *geometry.Volume, parts []Ellipsoid) []float32 {
	f := make([]float32, v.Len())
	for _, e := range parts {
		for k := 0; k < v.NumZ; k++ {
			dz := (v.SliceZ(k) - e.CenterZ) / e.AxisZ
			if dz < -1 || dz > 1 {
				continue
			}
			for j := 0; j < v.NumY; j++ {
				dy := (v.Y(j) - e.CenterY) / e.AxisY
				for i := 0; i < v.NumX; i++ {
					dx := (v.X(i) - e.CenterX) / e.AxisX
					if dx*dx+dy*dy+dz*dz <= 1 {
						f[v.Index(i, j, k)] += e.Value
					}
				}
			}
		}
	}
	return f
}

// Default returns a simple head-like phantom scaled to the volume
// extent: a large soft-tissue ellipsoid with two embedded features.
func Default(v *geometry.Volume) []float32 {
	rx := 0.4 * float64(v.NumX) * v.VoxelWidth
	ry := 0.4 * float64(v.NumY) * v.VoxelWidth
	rz := 0.4 * float64(v.NumZ) * v.VoxelHeight
	return Ellipsoids(v, []Ellipsoid{
		{AxisX: rx, AxisY: ry, AxisZ: rz, Value: 1},
		{CenterX: 0.3 * rx, AxisX: 0.2 * rx, AxisY: 0.2 * ry, AxisZ: 0.3 * rz, Value: 0.5},
		{CenterX: -0.3 * rx, AxisX: 0.15 * rx, AxisY: 0.25 * ry, AxisZ: 0.3 * rz, Value: -0.4},
	})
}
