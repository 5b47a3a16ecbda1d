// Package geometry describes CT acquisition geometry and reconstruction
// volumes. A Geometry value is a tagged union over the supported beam
// types (cone, fan, parallel, modular); the beam-specific constructors are
// the only way to obtain one, so a value can never carry stale fields from
// a previously configured beam type.
package geometry

import (
	"fmt"
	"math"
)

// BeamKind identifies which beam-type variant of a Geometry is active.
type BeamKind int

const (
	// BeamNone is the zero value; operations reject it.
	BeamNone BeamKind = iota

	// BeamCone is a cone-beam geometry with a point source and a flat
	// 2D detector, described by source-object and source-detector
	// distances.
	BeamCone

	// BeamFan is a fan-beam geometry: cone-beam collapsed onto the
	// central detector row plane, rows stacked without divergence.
	BeamFan

	// BeamParallel is a parallel-beam geometry; rays at each angle are
	// parallel and detector rows map linearly onto volume slices.
	BeamParallel

	// BeamModular is a fully general geometry with an explicit per-angle
	// source position and detector module pose.
	BeamModular
)

// String returns the beam kind name used in errors and parameter dumps.
func (k BeamKind) String() string {
	switch k {
	case BeamCone:
		return "cone"
	case BeamFan:
		return "fan"
	case BeamParallel:
		return "parallel"
	case BeamModular:
		return "modular"
	default:
		return "none"
	}
}

// Vec3 is a 3D coordinate or direction in mm, used by the modular beam
// pose arrays.
type Vec3 [3]float64

// Detector holds the detector panel description shared by all beam types.
type Detector struct {
	// NumRows and NumCols are the detector pixel counts.
	NumRows int
	NumCols int

	// PixelHeight and PixelWidth are the detector pixel pitch in mm,
	// between rows and between columns respectively.
	PixelHeight float64
	PixelWidth  float64

	// CenterRow and CenterCol are the (fractional) pixel indices of the
	// ray that passes from the source through the origin.
	CenterRow float64
	CenterCol float64
}

// Geometry is an immutable-per-run description of the acquisition.
// Exactly one beam-type variant is active, selected by Kind; fields that
// do not belong to the active variant are zero.
type Geometry struct {
	Kind      BeamKind
	NumAngles int
	Detector  Detector

	// Phis holds the per-angle projection angles in degrees.
	// Used by cone, fan and parallel beams; nil for modular.
	Phis []float64

	// SOD and SDD are the source-object and source-detector distances in
	// mm. Used by cone and fan beams only.
	SOD float64
	SDD float64

	// Per-angle pose arrays for the modular beam; each has length
	// NumAngles. RowVectors and ColVectors are unit vectors pointing in
	// the positive detector row/column directions.
	SourcePositions []Vec3
	ModuleCenters   []Vec3
	RowVectors      []Vec3
	ColVectors      []Vec3

	// HelicalPitch is the optional helical translation per rotation in
	// mm; zero means an axial (step-and-shoot) scan.
	HelicalPitch float64

	// AxisOfSymmetry is the optional axis-of-symmetry angle in degrees
	// for cylindrically symmetric objects; valid only when
	// HasAxisOfSymmetry is set.
	AxisOfSymmetry    float64
	HasAxisOfSymmetry bool

	// RFOV is the optional cylindrical field-of-view radius in mm in the
	// x-y plane; zero means unbounded.
	RFOV float64
}

func validDetector(numAngles int, d Detector) error {
	if numAngles <= 0 {
		return fmt.Errorf("number of angles must be positive, got %d", numAngles)
	}
	if d.NumRows <= 0 || d.NumCols <= 0 {
		return fmt.Errorf("detector dimensions must be positive, got %dx%d", d.NumRows, d.NumCols)
	}
	if d.PixelHeight <= 0 || d.PixelWidth <= 0 {
		return fmt.Errorf("pixel pitch must be positive, got %gx%g", d.PixelHeight, d.PixelWidth)
	}
	return nil
}

// NewConeBeam constructs a cone-beam geometry. phis holds one projection
// angle in degrees per view; sod and sdd are the source-object and
// source-detector distances in mm.
func NewConeBeam(numAngles int, det Detector, phis []float64, sod, sdd float64) (*Geometry, error) {
	if err := validDetector(numAngles, det); err != nil {
		return nil, err
	}
	if len(phis) != numAngles {
		return nil, fmt.Errorf("got %d angles but %d phi values", numAngles, len(phis))
	}
	if sod <= 0 || sdd <= 0 || sdd < sod {
		return nil, fmt.Errorf("invalid distances sod=%g sdd=%g", sod, sdd)
	}
	return &Geometry{
		Kind:      BeamCone,
		NumAngles: numAngles,
		Detector:  det,
		Phis:      append([]float64(nil), phis...),
		SOD:       sod,
		SDD:       sdd,
	}, nil
}

// NewFanBeam constructs a fan-beam geometry, which shares the cone-beam
// parameterization but treats detector rows as independent parallel
// planes.
func NewFanBeam(numAngles int, det Detector, phis []float64, sod, sdd float64) (*Geometry, error) {
	g, err := NewConeBeam(numAngles, det, phis, sod, sdd)
	if err != nil {
		return nil, err
	}
	g.Kind = BeamFan
	return g, nil
}

// NewParallelBeam constructs a parallel-beam geometry. No source/detector
// distances are needed; rays at each angle are parallel.
func NewParallelBeam(numAngles int, det Detector, phis []float64) (*Geometry, error) {
	if err := validDetector(numAngles, det); err != nil {
		return nil, err
	}
	if len(phis) != numAngles {
		return nil, fmt.Errorf("got %d angles but %d phi values", numAngles, len(phis))
	}
	return &Geometry{
		Kind:      BeamParallel,
		NumAngles: numAngles,
		Detector:  det,
		Phis:      append([]float64(nil), phis...),
	}, nil
}

// NewModularBeam constructs a modular-beam geometry from explicit
// per-angle pose data. All four pose slices must have length numAngles.
func NewModularBeam(numAngles int, det Detector, sourcePositions, moduleCenters, rowVectors, colVectors []Vec3) (*Geometry, error) {
	if err := validDetector(numAngles, det); err != nil {
		return nil, err
	}
	for _, p := range [][]Vec3{sourcePositions, moduleCenters, rowVectors, colVectors} {
		if len(p) != numAngles {
			return nil, fmt.Errorf("modular pose arrays must have one entry per angle: got %d, want %d", len(p), numAngles)
		}
	}
	return &Geometry{
		Kind:            BeamModular,
		NumAngles:       numAngles,
		Detector:        det,
		SourcePositions: append([]Vec3(nil), sourcePositions...),
		ModuleCenters:   append([]Vec3(nil), moduleCenters...),
		RowVectors:      append([]Vec3(nil), rowVectors...),
		ColVectors:      append([]Vec3(nil), colVectors...),
	}, nil
}

// Validate checks the internal consistency invariants: an active beam
// variant, matching per-angle array lengths, and positive extents.
func (g *Geometry) Validate() error {
	if g == nil || g.Kind == BeamNone {
		return fmt.Errorf("no beam geometry configured")
	}
	if err := validDetector(g.NumAngles, g.Detector); err != nil {
		return err
	}
	switch g.Kind {
	case BeamCone, BeamFan:
		if len(g.Phis) != g.NumAngles {
			return fmt.Errorf("phi array length %d does not match %d angles", len(g.Phis), g.NumAngles)
		}
		if g.SOD <= 0 || g.SDD <= 0 {
			return fmt.Errorf("invalid distances sod=%g sdd=%g", g.SOD, g.SDD)
		}
	case BeamParallel:
		if len(g.Phis) != g.NumAngles {
			return fmt.Errorf("phi array length %d does not match %d angles", len(g.Phis), g.NumAngles)
		}
	case BeamModular:
		for _, p := range [][]Vec3{g.SourcePositions, g.ModuleCenters, g.RowVectors, g.ColVectors} {
			if len(p) != g.NumAngles {
				return fmt.Errorf("modular pose array length %d does not match %d angles", len(p), g.NumAngles)
			}
		}
	}
	return nil
}

// ProjectionLen returns the number of float32 samples in a full
// projection buffer for this geometry: angles x rows x cols.
func (g *Geometry) ProjectionLen() int {
	return g.NumAngles * g.Detector.NumRows * g.Detector.NumCols
}

// Magnification returns the geometric magnification at the rotation axis.
// It is 1 for parallel and modular beams.
func (g *Geometry) Magnification() float64 {
	switch g.Kind {
	case BeamCone, BeamFan:
		return g.SDD / g.SOD
	default:
		return 1
	}
}

// FBPScalar returns the scaling coefficient applied during weighted
// backprojection so that filtered backprojection is quantitatively
// accurate for the configured angular sampling.
func (g *Geometry) FBPScalar() float64 {
	if g.NumAngles == 0 {
		return 0
	}
	return math.Pi / (2 * float64(g.NumAngles))
}

// RowZ returns the z coordinate (mm) of a detector row center, measured
// at the rotation axis. For divergent beams the row position is demagnified
// onto the axis plane.
func (g *Geometry) RowZ(row float64) float64 {
	z := (row - g.Detector.CenterRow) * g.Detector.PixelHeight
	if g.Kind == BeamCone || g.Kind == BeamFan {
		z /= g.Magnification()
	}
	return z
}

// ColU returns the lateral detector coordinate (mm) of a detector column
// center, measured at the rotation axis.
func (g *Geometry) ColU(col float64) float64 {
	u := (col - g.Detector.CenterCol) * g.Detector.PixelWidth
	if g.Kind == BeamCone || g.Kind == BeamFan {
		u /= g.Magnification()
	}
	return u
}

// SliceRangeForRows returns the half-open range of volume z-slices that
// the detector rows [rowStart, rowEnd) can intersect, including one extra
// slice on each side for linear interpolation. For parallel beams the
// mapping is exact; for divergent and modular beams a conservative full
// range is returned, which only costs extra staging, never correctness.
func (g *Geometry) SliceRangeForRows(v *Volume, rowStart, rowEnd int) (int, int) {
	if g.Kind != BeamParallel {
		return 0, v.NumZ
	}
	zLo := g.RowZ(float64(rowStart)) - g.Detector.PixelHeight
	zHi := g.RowZ(float64(rowEnd-1)) + g.Detector.PixelHeight
	kLo := int(math.Floor(v.SliceIndex(zLo))) - 1
	kHi := int(math.Ceil(v.SliceIndex(zHi))) + 2
	if kLo < 0 {
		kLo = 0
	}
	if kHi > v.NumZ {
		kHi = v.NumZ
	}
	if kLo >= kHi {
		// Rows entirely outside the volume still need a non-empty slab
		// so kernels have something to interpolate against.
		kLo, kHi = 0, min(1, v.NumZ)
	}
	return kLo, kHi
}

// RowRangeForSlices returns the half-open range of detector rows that the
// volume slices [zStart, zEnd) can project into, including one extra row
// on each side for linear interpolation. Exact for parallel beams,
// conservative full range otherwise.
func (g *Geometry) RowRangeForSlices(v *Volume, zStart, zEnd int) (int, int) {
	if g.Kind != BeamParallel {
		return 0, g.Detector.NumRows
	}
	zLo := v.SliceZ(zStart) - v.VoxelHeight
	zHi := v.SliceZ(zEnd-1) + v.VoxelHeight
	rLo := int(math.Floor(zLo/g.Detector.PixelHeight+g.Detector.CenterRow)) - 1
	rHi := int(math.Ceil(zHi/g.Detector.PixelHeight+g.Detector.CenterRow)) + 2
	if rLo < 0 {
		rLo = 0
	}
	if rHi > g.Detector.NumRows {
		rHi = g.Detector.NumRows
	}
	if rLo >= rHi {
		rLo, rHi = 0, min(1, g.Detector.NumRows)
	}
	return rLo, rHi
}
