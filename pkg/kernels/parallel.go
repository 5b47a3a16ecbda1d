package kernels

import (
	"fmt"
	"math"

	"ctrecon/pkg/engine"
	"ctrecon/pkg/geometry"
)

// forwardProject computes the staged detector rows from the staged volume
// slab. Parallel beams use a Joseph-style footprint: the kernel marches
// along the dominant ray axis with linear interpolation in the orthogonal
// axis and across detector-row z positions, which is why chunk boundaries
// need a one-row / one-slice halo and no more.
func forwardProject(req *engine.InvokeRequest) error {
	proj, err := newProjGrid(req.Proj, req.ProjRows, req.Geom)
	if err != nil {
		return err
	}
	slab, err := newVolSlab(req.VolBuf, req.VolSlices, req.Vol)
	if err != nil {
		return err
	}
	switch req.Geom.Kind {
	case geometry.BeamParallel:
		return forwardParallel(req, proj, slab)
	case geometry.BeamCone, geometry.BeamFan, geometry.BeamModular:
		return forwardDivergent(req, proj, slab)
	default:
		return fmt.Errorf("kernels: no beam geometry configured")
	}
}

func forwardParallel(req *engine.InvokeRequest, proj *projGrid, slab *volSlab) error {
	g := req.Geom
	v := req.Vol
	att := newAttenuator(req.Atten, v)

	// Per-ray marching scratch, reused across rays; sized for the longer
	// of the two dominant-axis extents.
	n := v.NumX
	if v.NumY > n {
		n = v.NumY
	}
	vals := make([]float64, n)
	mus := make([]float64, n)

	for a := 0; a < g.NumAngles; a++ {
		sinPhi, cosPhi := sincos(g.Phis[a])
		for r := req.ProjRows.Start; r < req.ProjRows.End; r++ {
			zf := v.SliceIndex(g.RowZ(float64(r)))
			for c := 0; c < g.Detector.NumCols; c++ {
				u := g.ColU(float64(c))
				sum := josephRay(v, slab, att, sinPhi, cosPhi, u, zf, g.RFOV, vals, mus)
				proj.set(a, r, c, sum)
			}
		}
	}
	return nil
}

// josephRay integrates one parallel ray with detector coordinate u (mm)
// at fractional slice position zf. vals/mus are caller-provided scratch.
func josephRay(v *geometry.Volume, slab *volSlab, att *attenuator, sinPhi, cosPhi, u, zf float64, rfov float64, vals, mus []float64) float64 {
	xDominant := math.Abs(cosPhi) >= math.Abs(sinPhi)
	var n int
	var step float64
	if xDominant {
		n = v.NumX
		step = v.VoxelWidth / math.Abs(cosPhi)
	} else {
		n = v.NumY
		step = v.VoxelWidth / math.Abs(sinPhi)
	}
	rfov2 := rfov * rfov

	for i := 0; i < n; i++ {
		var x, y float64
		var val, mu float64
		if xDominant {
			x = v.X(i)
			y = (u + x*sinPhi) / cosPhi
			if rfov > 0 && x*x+y*y > rfov2 {
				vals[i], mus[i] = 0, 0
				continue
			}
			yf := v.YIndex(y)
			val = lerpYZ(slab, i, yf, zf)
			if att.active {
				mu = att.sampleXY(x, y, zf)
			}
		} else {
			y = v.Y(i)
			x = (y*cosPhi - u) / sinPhi
			if rfov > 0 && x*x+y*y > rfov2 {
				vals[i], mus[i] = 0, 0
				continue
			}
			xf := v.XIndex(x)
			val = lerpXZ(slab, xf, i, zf)
			if att.active {
				mu = att.sampleXY(x, y, zf)
			}
		}
		vals[i] = val
		mus[i] = mu
	}

	if !att.active {
		var sum float64
		for i := 0; i < n; i++ {
			sum += vals[i]
		}
		return sum * step
	}

	// Attenuated Radon transform: each sample is weighted by the
	// attenuation accumulated between it and the detector. The detector
	// lies in the direction of increasing dominant coordinate when that
	// ray component is positive.
	towardEnd := cosPhi > 0
	if !xDominant {
		towardEnd = sinPhi > 0
	}
	var sum, acc float64
	if towardEnd {
		for i := n - 1; i >= 0; i-- {
			sum += vals[i] * math.Exp(-acc)
			acc += mus[i] * step
		}
	} else {
		for i := 0; i < n; i++ {
			sum += vals[i] * math.Exp(-acc)
			acc += mus[i] * step
		}
	}
	return sum * step
}

// lerpYZ interpolates the slab linearly in y and z at integer x.
func lerpYZ(s *volSlab, x int, yf, zf float64) float64 {
	z0 := int(math.Floor(zf))
	tz := zf - float64(z0)
	v0 := s.lerpY(x, yf, z0)
	if tz == 0 {
		return v0
	}
	return (1-tz)*v0 + tz*s.lerpY(x, yf, z0+1)
}

// lerpXZ interpolates the slab linearly in x and z at integer y.
func lerpXZ(s *volSlab, xf float64, y int, zf float64) float64 {
	z0 := int(math.Floor(zf))
	tz := zf - float64(z0)
	v0 := s.lerpX(xf, y, z0)
	if tz == 0 {
		return v0
	}
	return (1-tz)*v0 + tz*s.lerpX(xf, y, z0+1)
}

// attenuator evaluates the configured attenuation model. The per-voxel
// map is read host-side from the caller's full-volume view; only the CPU
// kernels support it, which matches the attenuated transform being a
// parallel-beam feature here.
type attenuator struct {
	active bool
	mu     []float32
	vol    *geometry.Volume
	coeff  float64
	r2     float64
}

func newAttenuator(a *geometry.Attenuation, v *geometry.Volume) *attenuator {
	att := &attenuator{vol: v}
	if a == nil || !a.Active() {
		return att
	}
	att.active = true
	if m := a.Map(); m != nil {
		att.mu = m
		return att
	}
	coeff, radius, _ := a.Cylindrical()
	att.coeff = coeff
	att.r2 = radius * radius
	return att
}

// sampleXY returns mu at physical (x, y) and fractional slice zf.
// The map form uses nearest-sample lookup to keep the weighting cheap.
func (a *attenuator) sampleXY(x, y, zf float64) float64 {
	if a.mu == nil {
		if x*x+y*y <= a.r2 {
			return a.coeff
		}
		return 0
	}
	v := a.vol
	xi := int(math.Round(v.XIndex(x)))
	yi := int(math.Round(v.YIndex(y)))
	zi := int(math.Round(zf))
	if xi < 0 || xi >= v.NumX || yi < 0 || yi >= v.NumY || zi < 0 || zi >= v.NumZ {
		return 0
	}
	return float64(a.mu[v.Index(xi, yi, zi)])
}
