package kernels

import (
	"fmt"
	"math"

	"ctrecon/pkg/engine"
	"ctrecon/pkg/geometry"
)

// backproject smears staged projection rows into the staged volume slab,
// voxel-driven: every staged voxel (halo slices included) gathers its
// bilinear detector sample across all angles. When weighted is set the
// FBP scaling coefficient is applied; when ones is set the projection
// data is the synthetic all-ones buffer used by sensitivity and no
// staged projection buffer is read.
func backproject(req *engine.InvokeRequest, weighted, ones bool) error {
	g := req.Geom
	v := req.Vol

	var proj *projGrid
	if !ones {
		var err error
		proj, err = newProjGrid(req.Proj, req.ProjRows, g)
		if err != nil {
			return err
		}
	}
	slab, err := newVolSlab(req.VolBuf, req.VolSlices, v)
	if err != nil {
		return err
	}
	if g.Kind == geometry.BeamNone {
		return fmt.Errorf("kernels: no beam geometry configured")
	}

	scalar := 1.0
	if weighted {
		scalar = g.FBPScalar()
	}
	rfov2 := g.RFOV * g.RFOV

	for z := req.VolSlices.Start; z < req.VolSlices.End; z++ {
		zmm := v.SliceZ(z)
		for y := 0; y < v.NumY; y++ {
			ymm := v.Y(y)
			for x := 0; x < v.NumX; x++ {
				xmm := v.X(x)
				if g.RFOV > 0 && xmm*xmm+ymm*ymm > rfov2 {
					slab.set(x, y, z, 0)
					continue
				}
				var sum float64
				for a := 0; a < g.NumAngles; a++ {
					rf, cf, ok := detectorCoords(g, a, xmm, ymm, zmm)
					if !ok {
						continue
					}
					if ones {
						sum += sampleBilinear(onesSample(g), rf, cf)
					} else {
						sum += sampleBilinear(func(r, c int) float64 { return proj.at(a, r, c) }, rf, cf)
					}
				}
				slab.set(x, y, z, sum*scalar)
			}
		}
	}
	return nil
}

// detectorCoords maps a point (mm) to fractional detector row/column
// coordinates for one view. ok is false when the point cannot be mapped
// (behind the source, or a degenerate modular pose).
func detectorCoords(g *geometry.Geometry, a int, x, y, z float64) (rf, cf float64, ok bool) {
	det := g.Detector
	switch g.Kind {
	case geometry.BeamParallel:
		sinPhi, cosPhi := sincos(g.Phis[a])
		u := -x*sinPhi + y*cosPhi
		return z/det.PixelHeight + det.CenterRow,
			u/det.PixelWidth + det.CenterCol, true

	case geometry.BeamFan, geometry.BeamCone:
		sinPhi, cosPhi := sincos(g.Phis[a])
		zs := helicalShift(g, a)
		// Distance from the source plane along the central ray and the
		// lateral offset perpendicular to it.
		along := g.SOD + x*cosPhi + y*sinPhi
		if along <= 0 {
			return 0, 0, false
		}
		lateral := -x*sinPhi + y*cosPhi
		cf = lateral*g.SDD/along/det.PixelWidth + det.CenterCol
		if g.Kind == geometry.BeamFan {
			// Fan rows are parallel planes; only the in-plane fan diverges.
			rf = (z-zs)*g.Magnification()/det.PixelHeight + det.CenterRow
		} else {
			rf = (z-zs)*g.SDD/along/det.PixelHeight + det.CenterRow
		}
		return rf, cf, true

	case geometry.BeamModular:
		return modularCoords(g, a, x, y, z)
	}
	return 0, 0, false
}

// modularCoords intersects the source-to-voxel ray with the detector
// module plane and expresses the hit in row/column coordinates.
func modularCoords(g *geometry.Geometry, a int, x, y, z float64) (rf, cf float64, ok bool) {
	s := g.SourcePositions[a]
	c := g.ModuleCenters[a]
	rvec := g.RowVectors[a]
	cvec := g.ColVectors[a]
	n := cross(rvec, cvec)

	w := [3]float64{x - s[0], y - s[1], z - s[2]}
	denom := dot(w, n)
	if math.Abs(denom) < 1e-12 {
		return 0, 0, false
	}
	t := dot([3]float64{c[0] - s[0], c[1] - s[1], c[2] - s[2]}, n) / denom
	if t <= 0 {
		return 0, 0, false
	}
	hit := [3]float64{s[0] + t*w[0] - c[0], s[1] + t*w[1] - c[1], s[2] + t*w[2] - c[2]}
	rf = dot(hit, rvec)/g.Detector.PixelHeight + g.Detector.CenterRow
	cf = dot(hit, cvec)/g.Detector.PixelWidth + g.Detector.CenterCol
	return rf, cf, true
}

// helicalShift returns the source z translation for one view under a
// helical trajectory; zero for axial scans.
func helicalShift(g *geometry.Geometry, a int) float64 {
	if g.HelicalPitch == 0 {
		return 0
	}
	return g.HelicalPitch * g.Phis[a] / 360
}

// sampleBilinear reads a bilinear sample at fractional (rf, cf) from an
// arbitrary detector accessor. The accessor returns 0 outside its valid
// extent, so edge samples fade out rather than clamp.
func sampleBilinear(at func(r, c int) float64, rf, cf float64) float64 {
	r0 := int(math.Floor(rf))
	c0 := int(math.Floor(cf))
	tr := rf - float64(r0)
	tc := cf - float64(c0)
	var sum float64
	for dr := 0; dr <= 1; dr++ {
		wr := tr
		if dr == 0 {
			wr = 1 - tr
		}
		if wr == 0 {
			continue
		}
		for dc := 0; dc <= 1; dc++ {
			wc := tc
			if dc == 0 {
				wc = 1 - tc
			}
			if wc == 0 {
				continue
			}
			sum += wr * wc * at(r0+dr, c0+dc)
		}
	}
	return sum
}

// onesSample is the synthetic all-ones projection used by sensitivity:
// one inside the detector extent, zero outside.
func onesSample(g *geometry.Geometry) func(r, c int) float64 {
	return func(r, c int) float64 {
		if r < 0 || r >= g.Detector.NumRows || c < 0 || c >= g.Detector.NumCols {
			return 0
		}
		return 1
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
