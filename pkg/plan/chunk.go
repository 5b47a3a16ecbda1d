// Package plan partitions projection and volume data into chunks that fit
// device memory budgets, with the halo rows/slices the projection kernels
// need so that a chunked run reproduces the single-device result exactly.
package plan

import (
	"ctrecon/pkg/device"
)

// Op identifies the logical operation a plan is built for. The chunking
// axis and halo requirements depend on it.
type Op int

const (
	// OpProject is forward projection: volume in, projections out.
	OpProject Op = iota

	// OpBackproject smears projections back into the volume.
	OpBackproject

	// OpWeightedBackproject is the backprojection stage of FBP, with
	// ray weights and the FBP scaling applied.
	OpWeightedBackproject

	// OpSensitivity is a backprojection of an all-ones projection.
	OpSensitivity

	// OpRampFilterRows applies the ramp filter to each detector row.
	OpRampFilterRows

	// OpHilbertFilterRows applies the Hilbert filter to each detector row.
	OpHilbertFilterRows

	// OpFilterProjections applies the full FBP filter chain (ray
	// weights plus ramp) to each detector row.
	OpFilterProjections

	// OpRampFilterVolume applies a 2D ramp filter to each z-slice.
	OpRampFilterVolume
)

// String returns the operation name used in errors and logs.
func (op Op) String() string {
	switch op {
	case OpProject:
		return "project"
	case OpBackproject:
		return "backproject"
	case OpWeightedBackproject:
		return "weighted-backproject"
	case OpSensitivity:
		return "sensitivity"
	case OpRampFilterRows:
		return "ramp-filter-rows"
	case OpHilbertFilterRows:
		return "hilbert-filter-rows"
	case OpFilterProjections:
		return "filter-projections"
	case OpRampFilterVolume:
		return "ramp-filter-volume"
	default:
		return "unknown"
	}
}

// Axis is the data axis a plan partitions.
type Axis int

const (
	// DetectorRows partitions projection data by detector row.
	DetectorRows Axis = iota

	// VolumeSlices partitions volume data by z-slice.
	VolumeSlices
)

// String returns "rows" or "slices".
func (a Axis) String() string {
	if a == VolumeSlices {
		return "slices"
	}
	return "rows"
}

// Axis returns the partition axis for the operation: detector rows when
// the output lives in projection space, volume z-slices when it lives in
// volume space.
func (op Op) Axis() Axis {
	switch op {
	case OpBackproject, OpWeightedBackproject, OpSensitivity, OpRampFilterVolume:
		return VolumeSlices
	default:
		return DetectorRows
	}
}

// Halo returns the stencil margin the operation needs around a chunk's
// core range. Projection and backprojection interpolate linearly across
// row/slice boundaries and need one unit; the FBP filters are row-local
// and need none.
func (op Op) Halo() int {
	switch op {
	case OpProject, OpBackproject, OpWeightedBackproject, OpSensitivity:
		return 1
	default:
		return 0
	}
}

// Range is a half-open index interval [Start, End).
type Range struct {
	Start, End int
}

// Len returns the number of indices in the range.
func (r Range) Len() int { return r.End - r.Start }

// Empty reports whether the range contains no indices.
func (r Range) Empty() bool { return r.End <= r.Start }

// Contains reports whether i lies in the range.
func (r Range) Contains(i int) bool { return i >= r.Start && i < r.End }

// Overlaps reports whether two ranges share any index.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Chunk is one partition unit: a core range along the partition axis that
// this chunk alone writes back, a halo extension read for stencil
// context, the companion extent in the other data space that must be
// staged alongside, and the device assigned to compute it.
type Chunk struct {
	// Op is the operation this chunk belongs to.
	Op Op

	// Axis is the partition axis of Core.
	Axis Axis

	// Core is the half-open range this chunk owns. Cores of different
	// chunks never overlap and together cover the full extent.
	Core Range

	// HaloLo and HaloHi extend Core downward/upward for reads only.
	// They are clamped at the data boundary, so edge chunks may carry
	// smaller halos than interior ones.
	HaloLo, HaloHi int

	// Companion is the extent in the other data space (volume slices
	// for a detector-row chunk, detector rows for a slice chunk) that
	// the kernel must be able to read, halo included. Empty for
	// row-local filter operations.
	Companion Range

	// Device is the device assigned to compute this chunk.
	Device device.Descriptor
}

// Extended returns the halo-extended range staged for reading.
func (c Chunk) Extended() Range {
	return Range{Start: c.Core.Start - c.HaloLo, End: c.Core.End + c.HaloHi}
}
