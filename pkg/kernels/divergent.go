package kernels

import (
	"math"

	"ctrecon/pkg/engine"
	"ctrecon/pkg/geometry"
)

// forwardDivergent integrates rays for fan, cone, and modular beams by
// marching from the source toward each detector pixel with trilinear
// sampling of the staged slab. The step is half the smallest voxel
// pitch, which keeps the integral within interpolation error of the
// footprint projectors this kernel stands in for.
func forwardDivergent(req *engine.InvokeRequest, proj *projGrid, slab *volSlab) error {
	g := req.Geom
	v := req.Vol
	step := 0.5 * math.Min(v.VoxelWidth, v.VoxelHeight)
	rfov2 := g.RFOV * g.RFOV

	// Bounding box of the staged slab, half a voxel beyond the outermost
	// sample centers.
	lo := [3]float64{
		v.X(0) - v.VoxelWidth/2,
		v.Y(0) - v.VoxelWidth/2,
		v.SliceZ(req.VolSlices.Start) - v.VoxelHeight/2,
	}
	hi := [3]float64{
		v.X(v.NumX-1) + v.VoxelWidth/2,
		v.Y(v.NumY-1) + v.VoxelWidth/2,
		v.SliceZ(req.VolSlices.End-1) + v.VoxelHeight/2,
	}

	for a := 0; a < g.NumAngles; a++ {
		for r := req.ProjRows.Start; r < req.ProjRows.End; r++ {
			for c := 0; c < g.Detector.NumCols; c++ {
				src, dst := rayEndpoints(g, a, r, c)
				sum := marchRay(v, slab, src, dst, lo, hi, step, rfov2)
				proj.set(a, r, c, sum)
			}
		}
	}
	return nil
}

// rayEndpoints returns the source position and the detector pixel center
// for one (angle, row, col) sample.
func rayEndpoints(g *geometry.Geometry, a, r, c int) (src, dst [3]float64) {
	det := g.Detector
	if g.Kind == geometry.BeamModular {
		s := g.SourcePositions[a]
		ctr := g.ModuleCenters[a]
		rvec := g.RowVectors[a]
		cvec := g.ColVectors[a]
		dr := (float64(r) - det.CenterRow) * det.PixelHeight
		dc := (float64(c) - det.CenterCol) * det.PixelWidth
		dst = [3]float64{
			ctr[0] + dr*rvec[0] + dc*cvec[0],
			ctr[1] + dr*rvec[1] + dc*cvec[1],
			ctr[2] + dr*rvec[2] + dc*cvec[2],
		}
		return s, dst
	}

	sinPhi, cosPhi := sincos(g.Phis[a])
	zs := helicalShift(g, a)
	u := (float64(c) - det.CenterCol) * det.PixelWidth
	zr := (float64(r) - det.CenterRow) * det.PixelHeight

	// Central ray direction and the lateral detector axis.
	d := [3]float64{cosPhi, sinPhi, 0}
	e := [3]float64{-sinPhi, cosPhi, 0}

	src = [3]float64{-g.SOD * d[0], -g.SOD * d[1], zs}
	dst = [3]float64{
		src[0] + g.SDD*d[0] + u*e[0],
		src[1] + g.SDD*d[1] + u*e[1],
		src[2] + g.SDD*d[2],
	}
	if g.Kind == geometry.BeamFan {
		// Fan rows are independent parallel planes at the demagnified
		// row height.
		z := g.RowZ(float64(r)) + zs
		src[2] = z
		dst[2] = z
	} else {
		dst[2] += zr
	}
	return src, dst
}

// marchRay integrates the slab along the segment src->dst clipped to the
// bounding box [lo, hi], sampling every step mm.
func marchRay(v *geometry.Volume, slab *volSlab, src, dst, lo, hi [3]float64, step, rfov2 float64) float64 {
	dir := [3]float64{dst[0] - src[0], dst[1] - src[1], dst[2] - src[2]}
	length := math.Sqrt(dot(dir, dir))
	if length == 0 {
		return 0
	}
	inv := 1 / length
	dir = [3]float64{dir[0] * inv, dir[1] * inv, dir[2] * inv}

	tMin, tMax := 0.0, length
	for ax := 0; ax < 3; ax++ {
		if dir[ax] == 0 {
			if src[ax] < lo[ax] || src[ax] > hi[ax] {
				return 0
			}
			continue
		}
		t0 := (lo[ax] - src[ax]) / dir[ax]
		t1 := (hi[ax] - src[ax]) / dir[ax]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tMin = math.Max(tMin, t0)
		tMax = math.Min(tMax, t1)
	}
	if tMin >= tMax {
		return 0
	}

	var sum float64
	for t := tMin + step/2; t < tMax; t += step {
		x := src[0] + t*dir[0]
		y := src[1] + t*dir[1]
		z := src[2] + t*dir[2]
		if rfov2 > 0 && x*x+y*y > rfov2 {
			continue
		}
		sum += slab.trilinear(v.XIndex(x), v.YIndex(y), v.SliceIndex(z))
	}
	return sum * step
}
