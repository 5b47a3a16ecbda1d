package geometry

import (
	"fmt"
	"math"
)

// DimensionOrder fixes the memory layout of volume buffers for the
// lifetime of one operation. Caller-supplied buffers and chunk slicing
// must agree on it.
type DimensionOrder int

const (
	// OrderXYZ lays the volume out with x fastest: index = (z*NumY + y)*NumX + x.
	OrderXYZ DimensionOrder = iota

	// OrderZYX lays the volume out with z fastest: index = (x*NumY + y)*NumZ + z.
	OrderZYX
)

// String returns the order name used in parameter dumps.
func (o DimensionOrder) String() string {
	if o == OrderZYX {
		return "ZYX"
	}
	return "XYZ"
}

// Volume describes the reconstruction volume grid.
type Volume struct {
	// NumX, NumY, NumZ are the voxel counts along each axis.
	NumX, NumY, NumZ int

	// VoxelWidth is the voxel pitch in the x and y dimensions (mm);
	// VoxelHeight is the pitch in z.
	VoxelWidth  float64
	VoxelHeight float64

	// OffsetX, OffsetY, OffsetZ shift the volume center away from the
	// rotation axis origin (mm).
	OffsetX, OffsetY, OffsetZ float64

	// Order is the buffer memory layout.
	Order DimensionOrder
}

// NewVolume constructs a volume grid description.
func NewVolume(numX, numY, numZ int, voxelWidth, voxelHeight, offsetX, offsetY, offsetZ float64) (*Volume, error) {
	v := &Volume{
		NumX: numX, NumY: numY, NumZ: numZ,
		VoxelWidth: voxelWidth, VoxelHeight: voxelHeight,
		OffsetX: offsetX, OffsetY: offsetY, OffsetZ: offsetZ,
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks the volume invariants: positive voxel counts and pitch.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("no volume configured")
	}
	if v.NumX <= 0 || v.NumY <= 0 || v.NumZ <= 0 {
		return fmt.Errorf("voxel counts must be positive, got %dx%dx%d", v.NumX, v.NumY, v.NumZ)
	}
	if v.VoxelWidth <= 0 || v.VoxelHeight <= 0 {
		return fmt.Errorf("voxel pitch must be positive, got %gx%g", v.VoxelWidth, v.VoxelHeight)
	}
	return nil
}

// Len returns the number of float32 samples in a full volume buffer.
func (v *Volume) Len() int {
	return v.NumX * v.NumY * v.NumZ
}

// SliceLen returns the number of samples in one z-slice.
func (v *Volume) SliceLen() int {
	return v.NumX * v.NumY
}

// Index returns the buffer index of voxel (x, y, z) under the configured
// dimension order.
func (v *Volume) Index(x, y, z int) int {
	if v.Order == OrderZYX {
		return (x*v.NumY+y)*v.NumZ + z
	}
	return (z*v.NumY+y)*v.NumX + x
}

// X returns the x coordinate (mm) of a voxel center.
func (v *Volume) X(i int) float64 {
	return v.OffsetX + (float64(i)-float64(v.NumX-1)/2)*v.VoxelWidth
}

// Y returns the y coordinate (mm) of a voxel center.
func (v *Volume) Y(j int) float64 {
	return v.OffsetY + (float64(j)-float64(v.NumY-1)/2)*v.VoxelWidth
}

// SliceZ returns the z coordinate (mm) of a z-slice center.
func (v *Volume) SliceZ(k int) float64 {
	return v.OffsetZ + (float64(k)-float64(v.NumZ-1)/2)*v.VoxelHeight
}

// SliceIndex is the inverse of SliceZ: the fractional slice index whose
// center sits at z (mm).
func (v *Volume) SliceIndex(z float64) float64 {
	return (z-v.OffsetZ)/v.VoxelHeight + float64(v.NumZ-1)/2
}

// XIndex is the inverse of X: the fractional voxel index along x.
func (v *Volume) XIndex(x float64) float64 {
	return (x-v.OffsetX)/v.VoxelWidth + float64(v.NumX-1)/2
}

// YIndex is the inverse of Y: the fractional voxel index along y.
func (v *Volume) YIndex(y float64) float64 {
	return (y-v.OffsetY)/v.VoxelWidth + float64(v.NumY-1)/2
}

// DefaultVolume derives a volume matched to the current geometry: one
// voxel per detector column in x and y, one voxel per detector row in z,
// with the voxel size demagnified onto the rotation axis and divided by
// scale. A scale of zero is treated as one.
func DefaultVolume(g *Geometry, scale float64) (*Volume, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if scale == 0 {
		scale = 1
	}
	if scale < 0 {
		return nil, fmt.Errorf("volume scale must be positive, got %g", scale)
	}
	mag := g.Magnification()
	voxelWidth := g.Detector.PixelWidth / mag / scale
	voxelHeight := g.Detector.PixelHeight / mag / scale
	numXY := int(math.Ceil(float64(g.Detector.NumCols) * scale))
	numZ := int(math.Ceil(float64(g.Detector.NumRows) * scale))
	return NewVolume(numXY, numXY, numZ, voxelWidth, voxelHeight, 0, 0, 0)
}
